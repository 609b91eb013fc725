package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/livebridge/internal/protocol"
	"github.com/ent0n29/livebridge/internal/session"
)

func TestCreateSessionRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/live/session", r.URL.Path)
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var req session.IssueRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(session.IssueResponse{
			SessionID: "abc",
			WSURL:     "/api/live/ws/abc",
			Language:  req.Language,
		})
	}))
	defer ts.Close()

	c, err := New(ts.URL, Options{Retries: 2, BackoffBase: time.Millisecond})
	require.NoError(t, err)

	out, err := c.CreateSession(context.Background(), session.IssueRequest{Language: "hi-IN"})
	require.NoError(t, err)
	assert.Equal(t, "abc", out.SessionID)
	assert.Equal(t, "hi-IN", out.Language)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateSessionDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	c, err := New(ts.URL, Options{Retries: 3, BackoffBase: time.Millisecond})
	require.NoError(t, err)

	_, err = c.CreateSession(context.Background(), session.IssueRequest{})
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusBadRequest, status.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New("ftp://example.com", Options{})
	require.Error(t, err)
	_, err = New("http://", Options{})
	require.Error(t, err)
}

func TestWSURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://127.0.0.1:3000", "/api/live/ws/abc", "ws://127.0.0.1:3000/api/live/ws/abc"},
		{"https://voice.example.com/", "/api/live/ws/abc", "wss://voice.example.com/api/live/ws/abc"},
		{"http://127.0.0.1:3000", "ws://other:9/api/live/ws/x", "ws://other:9/api/live/ws/x"},
	}
	for _, tc := range cases {
		c, err := New(tc.base, Options{})
		require.NoError(t, err)
		got, err := c.WSURL(tc.path)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestDialDispatchesInOrderAndIgnoresUnknown(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 8)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, raw := range []string{
			`{"type":"server-open"}`,
			`{"type":"mystery","x":1}`,
			`not json`,
			`{"type":"audio","data":"AAA=","seq":1}`,
			`{"type":"asr","parts":[{"text":"hi"},{"text":" there"}]}`,
			`{"type":"turn-complete"}`,
			`{"type":"interrupted"}`,
			`{"type":"error","error":"boom"}`,
			`{"type":"server-close"}`,
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
		}
		_, raw, err := conn.ReadMessage()
		if err == nil {
			received <- string(raw)
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer ts.Close()

	c, err := New(ts.URL, Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	disconnected := make(chan error, 1)
	conn, err := c.Dial(context.Background(), "/api/live/ws/abc", Handlers{
		OnOpen:         func() { record("open") },
		OnAudio:        func(data string, seq uint64) { record("audio:" + data) },
		OnASR:          func(parts []protocol.Part) { record("asr:" + protocol.PartsText(parts)) },
		OnTurnComplete: func() { record("turn-complete") },
		OnInterrupted:  func() { record("interrupted") },
		OnError:        func(msg string) { record("error:" + msg) },
		OnServerClose:  func() { record("server-close") },
		OnDisconnect:   func(err error) { disconnected <- err },
	})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Interrupt())
	select {
	case raw := <-received:
		assert.JSONEq(t, `{"type":"interrupt"}`, raw)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the interrupt")
	}

	select {
	case err := <-disconnected:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not end")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"open", "audio:AAA=", "asr:hi there", "turn-complete", "interrupted", "error:boom", "server-close",
	}, events)
}

func TestConnWritesFailAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	c, err := New(ts.URL, Options{})
	require.NoError(t, err)
	conn, err := c.Dial(context.Background(), strings.Replace(ts.URL, "http", "ws", 1)+"/x", Handlers{})
	require.NoError(t, err)

	require.NoError(t, conn.SendText("hello"))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.SendAudio("AAA="), ErrConnClosed)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop after Close")
	}
}
