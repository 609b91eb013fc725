package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/reliability"
	"github.com/ent0n29/livebridge/internal/session"
)

// StatusError is a non-2xx answer from the session endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// Retries for session creation on 429/5xx and transport errors.
	Retries     int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      *zap.Logger
}

// Client talks to a livebridge server.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	opts   Options
	logger *zap.Logger
}

func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("base url host is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: u, http: opts.HTTPClient, dialer: opts.Dialer, opts: opts, logger: logger}, nil
}

// CreateSession issues a session, retrying transient failures.
func (c *Client) CreateSession(ctx context.Context, req session.IssueRequest) (session.IssueResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return session.IssueResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.opts.BackoffBase, c.opts.BackoffCap)
			c.logger.Debug("retrying session creation", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return session.IssueResponse{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		out, err := c.createSessionOnce(ctx, payload)
		if err == nil {
			return out, nil
		}
		lastErr = err
		var status *StatusError
		if errors.As(err, &status) && !reliability.IsRetryableHTTPStatus(status.Code) {
			return session.IssueResponse{}, err
		}
		if ctx.Err() != nil {
			return session.IssueResponse{}, err
		}
	}
	return session.IssueResponse{}, lastErr
}

func (c *Client) createSessionOnce(ctx context.Context, payload []byte) (session.IssueResponse, error) {
	endpoint := c.base.JoinPath("/api/live/session")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return session.IssueResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return session.IssueResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.IssueResponse{}, err
	}
	if res.StatusCode != http.StatusOK {
		return session.IssueResponse{}, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out session.IssueResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.IssueResponse{}, fmt.Errorf("decode session response: %w", err)
	}
	if strings.TrimSpace(out.SessionID) == "" || strings.TrimSpace(out.WSURL) == "" {
		return session.IssueResponse{}, errors.New("session response missing sessionId or wsUrl")
	}
	return out, nil
}

// WSURL resolves a wsUrl from session issuance against the base URL.
func (c *Client) WSURL(path string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", err
	}
	u := c.base.ResolveReference(ref)
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Dial opens the live websocket for wsURL (absolute or as issued) and starts
// dispatching server envelopes to h.
func (c *Client) Dial(ctx context.Context, wsURL string, h Handlers) (*Conn, error) {
	target, err := c.WSURL(wsURL)
	if err != nil {
		return nil, err
	}
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	return newConn(ws, h, c.logger), nil
}
