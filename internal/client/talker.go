package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/capture"
	"github.com/ent0n29/livebridge/internal/playback"
	"github.com/ent0n29/livebridge/internal/protocol"
	"github.com/ent0n29/livebridge/internal/session"
)

type TalkerOptions struct {
	Client  *Client
	Capture capture.Opener
	Output  playback.DeviceFactory
	Request session.IssueRequest

	// OnCaption shows the rolling reply caption; "" hides it.
	OnCaption func(text string)
	// OnLatency reports the time from the first captured frame of a turn to
	// the first audible reply.
	OnLatency func(time.Duration)
	// OnReplyAudio sees every reply frame as raw PCM16 at 24 kHz.
	OnReplyAudio func(pcm []byte)
	OnError      func(msg string)
	// OnClosed runs after the session was torn down.
	OnClosed func()
	Logger   *zap.Logger
}

// Talker drives one press-to-talk conversation: it lazily opens a session on
// the first hold, gates microphone frames while held, plays replies and
// supports barge-in.
type Talker struct {
	opts   TalkerOptions
	logger *zap.Logger

	// startMu serialises session setup and teardown.
	startMu sync.Mutex

	mu        sync.Mutex
	conn      *Conn
	mic       *capture.Pipeline
	player    *playback.Pipeline
	seq       *playback.Sequencer
	holding   bool
	turnStart time.Time
	sessionID string
}

func NewTalker(opts TalkerOptions) (*Talker, error) {
	if opts.Client == nil {
		return nil, errors.New("talker client is required")
	}
	if opts.Capture == nil || opts.Output == nil {
		return nil, errors.New("talker needs a capture opener and an output device factory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Talker{opts: opts, logger: logger}, nil
}

// HoldStart begins sending microphone frames, opening a session first if
// none is active.
func (t *Talker) HoldStart(ctx context.Context) error {
	t.mu.Lock()
	if t.holding {
		t.mu.Unlock()
		return nil
	}
	t.holding = true
	t.mu.Unlock()

	if err := t.ensureSession(ctx); err != nil {
		t.mu.Lock()
		t.holding = false
		t.mu.Unlock()
		t.caption(err.Error())
		return err
	}
	t.mu.Lock()
	mic := t.mic
	t.mu.Unlock()
	if mic == nil {
		return ErrConnClosed
	}
	return mic.Start()
}

// HoldEnd stops forwarding frames but keeps the session open for the reply,
// and tells the model the utterance ended.
func (t *Talker) HoldEnd() error {
	t.mu.Lock()
	if !t.holding {
		t.mu.Unlock()
		return nil
	}
	t.holding = false
	mic, conn := t.mic, t.conn
	t.mu.Unlock()

	if mic != nil {
		mic.Pause()
	}
	if conn == nil {
		return nil
	}
	return conn.Flush()
}

// HardStop cuts local playback and asks the model to stop generating.
func (t *Talker) HardStop() error {
	t.mu.Lock()
	conn, player, seq := t.conn, t.player, t.seq
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if seq != nil {
		seq.Reset()
	}
	if player != nil {
		if err := player.Cut(); err != nil {
			t.logger.Warn("playback cut failed", zap.Error(err))
		}
	}
	return conn.Interrupt()
}

// SendText sends a typed turn, opening a session if needed.
func (t *Talker) SendText(ctx context.Context, text string) error {
	if err := t.ensureSession(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	if t.turnStart.IsZero() {
		t.turnStart = time.Now()
	}
	t.mu.Unlock()
	if conn == nil {
		return ErrConnClosed
	}
	return conn.SendText(text)
}

// Active reports whether a session is open.
func (t *Talker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *Talker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Stop ends the session: capture stops, playback resets and the websocket
// closes. It is safe to call repeatedly.
func (t *Talker) Stop() {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	t.teardownLocked()
}

func (t *Talker) teardownLocked() {
	t.mu.Lock()
	conn, mic, player := t.conn, t.mic, t.player
	t.conn, t.mic, t.player, t.seq = nil, nil, nil, nil
	t.holding = false
	t.turnStart = time.Time{}
	t.sessionID = ""
	t.mu.Unlock()

	if conn == nil && mic == nil && player == nil {
		return
	}
	if mic != nil {
		mic.Stop()
	}
	if player != nil {
		_ = player.Reset()
		_ = player.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.caption("")
	if t.opts.OnClosed != nil {
		t.opts.OnClosed()
	}
}

func (t *Talker) ensureSession(ctx context.Context) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.mu.Lock()
	active := t.conn != nil
	t.mu.Unlock()
	if active {
		return nil
	}

	issued, err := t.opts.Client.CreateSession(ctx, t.opts.Request)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	player, err := playback.New(t.opts.Output, playback.Options{
		SampleRate:   audio.OutputSampleRate,
		OnFirstAudio: t.onFirstAudio,
		OnEnded:      func() { t.caption("") },
		Logger:       t.logger,
	})
	if err != nil {
		return err
	}
	seq := playback.NewSequencer(64, func(data string) {
		if err := player.Enqueue(data); err != nil {
			t.logger.Debug("dropping reply frame", zap.Error(err))
			return
		}
		if t.opts.OnReplyAudio != nil {
			if pcm, err := audio.DecodeFrame(data); err == nil {
				t.opts.OnReplyAudio(pcm)
			}
		}
	})

	mic, err := capture.Open(t.opts.Capture, capture.Options{
		Constraints: capture.DefaultConstraints(),
		OnFrame:     t.onFrame,
		Logger:      t.logger,
	})
	if err != nil {
		_ = player.Close()
		return err
	}

	conn, err := t.opts.Client.Dial(ctx, issued.WSURL, t.handlers(player, seq))
	if err != nil {
		mic.Stop()
		_ = player.Close()
		return err
	}

	t.mu.Lock()
	t.conn, t.mic, t.player, t.seq = conn, mic, player, seq
	t.sessionID = issued.SessionID
	t.mu.Unlock()
	t.logger.Info("live session opened", zap.String("session_id", issued.SessionID))
	return nil
}

func (t *Talker) handlers(player *playback.Pipeline, seq *playback.Sequencer) Handlers {
	return Handlers{
		OnAudio: func(data string, n uint64) {
			seq.Push(n, data)
		},
		OnASR: func(parts []protocol.Part) {
			var texts []string
			for _, p := range parts {
				if s := strings.TrimSpace(p.Text); s != "" {
					texts = append(texts, s)
				}
			}
			if text := strings.Join(texts, " "); text != "" {
				t.caption(text)
			}
		},
		OnTurnComplete: func() {
			t.mu.Lock()
			t.turnStart = time.Time{}
			t.mu.Unlock()
			player.NewTurn()
			t.caption("")
		},
		OnInterrupted: func() {
			seq.Reset()
			_ = player.Cut()
		},
		OnError: func(msg string) {
			t.caption("Error: " + msg)
			if t.opts.OnError != nil {
				t.opts.OnError(msg)
			}
		},
		OnServerClose: func() {
			go t.Stop()
		},
		OnDisconnect: func(err error) {
			if err != nil {
				t.logger.Warn("live connection lost", zap.Error(err))
				go t.Stop()
			}
		},
	}
}

func (t *Talker) onFrame(f capture.Frame) {
	t.mu.Lock()
	if !t.holding || t.conn == nil {
		t.mu.Unlock()
		return
	}
	if t.turnStart.IsZero() {
		t.turnStart = time.Now()
	}
	conn := t.conn
	t.mu.Unlock()

	if err := conn.SendAudio(f.Data); err != nil && !errors.Is(err, ErrConnClosed) {
		t.logger.Debug("send audio failed", zap.Error(err))
	}
}

func (t *Talker) onFirstAudio() {
	t.mu.Lock()
	start := t.turnStart
	t.mu.Unlock()
	if !start.IsZero() && t.opts.OnLatency != nil {
		t.opts.OnLatency(time.Since(start))
	}
	t.caption("")
}

func (t *Talker) caption(text string) {
	if t.opts.OnCaption != nil {
		t.opts.OnCaption(text)
	}
}
