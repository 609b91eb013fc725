package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ent0n29/livebridge/internal/reliability"
)

const DefaultGeminiModel = "gemini-2.5-flash-preview-native-audio-dialog"

type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiConnector opens Gemini Live sessions.
type GeminiConnector struct {
	cfg    GeminiConfig
	logger *zap.Logger
}

func NewGeminiConnector(cfg GeminiConfig, logger *zap.Logger) *GeminiConnector {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiConnector{cfg: cfg, logger: logger}
}

func (c *GeminiConnector) Name() string { return "gemini" }

func (c *GeminiConnector) Connect(ctx context.Context, cfg Config) (Connection, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrMissingCredential
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	modelName := c.cfg.Model
	session, err := client.Live.Connect(ctx, modelName, liveConnectConfig(cfg))
	if err != nil {
		if isAuthError(err) {
			return nil, reliability.Permanent(err)
		}
		return nil, err
	}

	conn := &geminiConnection{
		session: session,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		logger:  c.logger.With(zap.String("model", modelName)),
	}
	conn.events <- Event{Type: EventOpen}
	go conn.receiveLoop()
	return conn, nil
}

func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: !cfg.VAD},
		},
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	speech := &genai.SpeechConfig{LanguageCode: cfg.Language}
	if strings.TrimSpace(cfg.Voice) != "" {
		speech.VoiceConfig = &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
		}
	}
	lc.SpeechConfig = speech
	return lc
}

type geminiConnection struct {
	session *genai.Session
	events  chan Event
	done    chan struct{}
	logger  *zap.Logger

	sendMu sync.Mutex

	mu sync.Mutex
	// inTurn is set once model output for the current turn has arrived.
	inTurn     bool
	suppressed bool

	closeOnce sync.Once
}

func (c *geminiConnection) Events() <-chan Event { return c.events }

func (c *geminiConnection) SendAudio(ctx context.Context, pcm []byte, mimeType string) error {
	return c.send(ctx, genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: mimeType},
	})
}

func (c *geminiConnection) SendText(ctx context.Context, text string) error {
	return c.send(ctx, genai.LiveRealtimeInput{Text: text})
}

// Interrupt drops the rest of the reply in flight. Live has no cancel
// message; the server cancels on its own when it detects user speech.
func (c *geminiConnection) Interrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.inTurn {
		c.suppressed = true
	}
	c.mu.Unlock()
	return nil
}

func (c *geminiConnection) Flush(ctx context.Context) error {
	return c.send(ctx, genai.LiveRealtimeInput{AudioStreamEnd: true})
}

func (c *geminiConnection) send(ctx context.Context, in genai.LiveRealtimeInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.session.SendRealtimeInput(in)
}

func (c *geminiConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.session.Close()
	})
	return err
}

func (c *geminiConnection) receiveLoop() {
	defer close(c.events)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("gemini session closed by server", zap.Error(err))
				return
			}
			c.emit(Event{Type: EventError, Err: err})
			return
		}
		for _, ev := range c.translate(msg) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

func (c *geminiConnection) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// translate maps one server message to events, applying interrupt suppression.
func (c *geminiConnection) translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	if msg.GoAway != nil {
		c.logger.Info("gemini session go-away", zap.Duration("time_left", msg.GoAway.TimeLeft))
	}
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Event
	if sc.ModelTurn != nil || sc.OutputTranscription != nil {
		c.inTurn = true
	}
	if !c.suppressed {
		var parts []Part
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.Thought {
					continue
				}
				if p.InlineData != nil && len(p.InlineData.Data) > 0 {
					out = append(out, Event{Type: EventAudio, Audio: p.InlineData.Data})
				}
				if strings.TrimSpace(p.Text) != "" {
					parts = append(parts, Part{Text: p.Text})
				}
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			parts = append(parts, Part{Text: sc.OutputTranscription.Text})
		}
		if len(parts) > 0 {
			out = append(out, Event{Type: EventContent, Parts: parts})
		}
	}
	if sc.Interrupted {
		out = append(out, Event{Type: EventInterrupted})
		c.inTurn = false
		c.suppressed = false
	}
	if sc.TurnComplete {
		out = append(out, Event{Type: EventTurnComplete})
		c.inTurn = false
		c.suppressed = false
	}
	return out
}

// isAuthError reports whether err looks like a rejected API key.
func isAuthError(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401 || apiErr.Code == 403
	}
	return false
}
