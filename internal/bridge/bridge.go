package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/model"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/protocol"
	"github.com/ent0n29/livebridge/internal/reliability"
	"github.com/ent0n29/livebridge/internal/session"
	"github.com/ent0n29/livebridge/internal/transcript"
)

// ErrShuttingDown is returned by Run once CloseAll has been called.
var ErrShuttingDown = errors.New("bridge shutting down")

const missingCredentialMessage = "Missing GEMINI_API_KEY"

// Transport is the subset of *websocket.Conn the bridge drives.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

type Options struct {
	Connector model.Connector

	ConnectTimeout  time.Duration
	ConnectAttempts int
	BackoffBase     time.Duration
	BackoffCap      time.Duration

	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	OutboundBuffer int

	Metrics  *observability.Metrics
	Recorder *transcript.Recorder
	Logger   *zap.Logger
	// OnDiscard observes client messages dropped as malformed or unknown.
	OnDiscard func(sessionID string, raw []byte, err error)
}

// Stats are process-wide counters across all bridged connections.
type Stats struct {
	Bridged         int64
	ConnectFailures int64
	Discarded       int64
}

// Bridge relays one client transport to one model connection per Run call
// and tracks the live pairs for shutdown.
type Bridge struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	active   map[*link]struct{}
	shutdown bool

	bridged         atomic.Int64
	connectFailures atomic.Int64
	discarded       atomic.Int64
}

func New(opts Options) *Bridge {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 2 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 2 << 20
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		opts:   opts,
		logger: logger,
		active: make(map[*link]struct{}),
	}
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Bridged:         b.bridged.Load(),
		ConnectFailures: b.connectFailures.Load(),
		Discarded:       b.discarded.Load(),
	}
}

// Active reports how many connections are currently bridged.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// CloseAll refuses new connections and closes the model side of every active
// one, which ends each with server-close.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	b.shutdown = true
	links := make([]*link, 0, len(b.active))
	for l := range b.active {
		links = append(links, l)
	}
	b.mu.Unlock()

	for _, l := range links {
		l.closeModel()
	}
}

// Run bridges t to a fresh model connection for sess and blocks until both
// sides are closed. It returns the connect error when the model could not be
// reached; the client has been told and closed by then.
func (b *Bridge) Run(ctx context.Context, sess *session.Session, t Transport) error {
	l := &link{
		b:         b,
		sess:      sess,
		t:         t,
		logger:    b.logger.With(zap.String("session_id", sess.ID)),
		outbound:  make(chan any, b.opts.OutboundBuffer),
		drain:     make(chan struct{}),
		writeDone: make(chan struct{}),
		eventDone: make(chan struct{}),
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		_ = t.Close()
		return ErrShuttingDown
	}
	b.active[l] = struct{}{}
	b.mu.Unlock()
	defer b.untrack(l)

	conn, err := b.connect(ctx, sess)
	if err != nil {
		b.connectFailures.Add(1)
		b.observeEvent("model_connect_failed")
		if b.opts.Metrics != nil {
			b.opts.Metrics.ProviderErrors.WithLabelValues(b.providerName(), connectErrorCode(err)).Inc()
		}
		l.logger.Warn("model connect failed", zap.Error(err))
		l.failOpen(err)
		return err
	}
	b.bridged.Add(1)
	l.setModel(conn)

	if b.opts.Metrics != nil {
		b.opts.Metrics.ActiveBridges.Inc()
		defer b.opts.Metrics.ActiveBridges.Dec()
	}
	b.observeEvent("bridge_open")
	l.logger.Info("bridge open")

	stop := context.AfterFunc(ctx, l.closeModel)
	defer stop()

	go l.writeLoop()
	go l.eventLoop()
	l.readLoop(ctx)

	l.clientGone.Store(true)
	l.closeModel()
	<-l.eventDone
	b.observeEvent("bridge_closed")
	l.logger.Info("bridge closed")
	return nil
}

func (b *Bridge) untrack(l *link) {
	b.mu.Lock()
	delete(b.active, l)
	b.mu.Unlock()
}

func (b *Bridge) connect(ctx context.Context, sess *session.Session) (model.Connection, error) {
	cfg := model.Config{
		SystemInstruction: sess.SystemInstruction,
		Voice:             sess.Voice,
		Language:          sess.Language,
		InputMIMEType:     audio.InputMIMEType,
		OutputSampleRate:  audio.OutputSampleRate,
		VAD:               true,
	}

	var lastErr error
	for attempt := 0; attempt < b.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, b.opts.BackoffBase, b.opts.BackoffCap)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		started := time.Now()
		cctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
		conn, err := b.opts.Connector.Connect(cctx, cfg)
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			b.opts.Metrics.ObserveConnectLatency(time.Since(started))
			return conn, nil
		}
		if timedOut && ctx.Err() == nil {
			err = fmt.Errorf("handshake timed out after %s: %w", b.opts.ConnectTimeout, context.DeadlineExceeded)
		}
		lastErr = err
		if !reliability.IsRetryableConnectError(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (b *Bridge) providerName() string {
	if b.opts.Connector == nil {
		return "unknown"
	}
	return b.opts.Connector.Name()
}

func (b *Bridge) observeEvent(event string) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (b *Bridge) discard(sessionID string, raw []byte, err error) {
	b.discarded.Add(1)
	if b.opts.Metrics != nil {
		b.opts.Metrics.DiscardedMessages.Inc()
	}
	if b.opts.OnDiscard != nil {
		b.opts.OnDiscard(sessionID, raw, err)
	}
}

func connectErrorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, context.DeadlineExceeded):
		return "connect_timeout"
	default:
		return "connect_failed"
	}
}

// OpenErrorMessage is the error envelope text sent when the model connection
// cannot be established.
func OpenErrorMessage(err error) string {
	if errors.Is(err, model.ErrMissingCredential) {
		return missingCredentialMessage
	}
	return "Connect error: " + err.Error()
}

// link is one bridged client/model pair.
type link struct {
	b      *Bridge
	sess   *session.Session
	t      Transport
	logger *zap.Logger

	modelMu sync.Mutex
	model   model.Connection

	outbound  chan any
	drain     chan struct{}
	drainOnce sync.Once
	writeDone chan struct{}
	eventDone chan struct{}

	closeOnce  sync.Once
	clientGone atomic.Bool
	seq        atomic.Uint64
	// turnStart is the unix nano time of the first client input of the
	// current turn, 0 when no turn is open.
	turnStart  atomic.Int64
	firstAudio atomic.Bool
}

func (l *link) setModel(conn model.Connection) {
	l.modelMu.Lock()
	l.model = conn
	l.modelMu.Unlock()
}

func (l *link) closeModel() {
	l.modelMu.Lock()
	conn := l.model
	l.modelMu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		l.logger.Debug("model close", zap.Error(err))
	}
}

func (l *link) closeTransport() {
	l.closeOnce.Do(func() {
		if err := l.t.Close(); err != nil {
			l.logger.Debug("client close", zap.Error(err))
		}
	})
}

// failOpen reports a connect failure to the client and closes it.
func (l *link) failOpen(err error) {
	_ = l.writeJSON(protocol.NewError(OpenErrorMessage(err)))
	l.closeTransport()
}

func (l *link) writeJSON(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = l.t.SetWriteDeadline(time.Now().Add(l.b.opts.WriteTimeout))
	if err := l.t.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	if t, ok := messageTypeOf(msg); ok && l.b.opts.Metrics != nil {
		l.b.opts.Metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return nil
}

// send queues msg for the writer. It gives up once the writer has stopped.
func (l *link) send(msg any) {
	select {
	case l.outbound <- msg:
	case <-l.writeDone:
	}
}

func (l *link) stopWriter() {
	l.drainOnce.Do(func() { close(l.drain) })
	<-l.writeDone
}

// writeLoop is the only writer of data frames on the transport.
func (l *link) writeLoop() {
	defer close(l.writeDone)
	ticker := time.NewTicker(l.b.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-l.outbound:
			if err := l.writeJSON(msg); err != nil {
				l.logger.Debug("client write failed", zap.Error(err))
				l.closeTransport()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(l.b.opts.WriteTimeout)
			if err := l.t.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.logger.Debug("client ping failed", zap.Error(err))
				l.closeTransport()
				return
			}
		case <-l.drain:
			for {
				select {
				case msg := <-l.outbound:
					if err := l.writeJSON(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// eventLoop maps model events to envelopes in arrival order. When the model
// side ends it sends server-close, flushes the writer and closes the client.
func (l *link) eventLoop() {
	defer close(l.eventDone)

	var caption strings.Builder
	for ev := range l.model.Events() {
		switch ev.Type {
		case model.EventOpen:
			l.send(protocol.NewServerOpen())
		case model.EventAudio:
			if len(ev.Audio) == 0 {
				continue
			}
			l.observeFirstAudio()
			l.send(protocol.NewAudioOut(audio.EncodeFrame(ev.Audio), l.seq.Add(1)))
		case model.EventContent:
			parts := make([]protocol.Part, 0, len(ev.Parts))
			for _, p := range ev.Parts {
				parts = append(parts, protocol.Part{Text: p.Text})
				caption.WriteString(p.Text)
			}
			if len(parts) > 0 {
				l.send(protocol.NewASR(parts))
			}
		case model.EventTurnComplete:
			l.endTurn(false)
			l.b.opts.Recorder.Record(l.sess.ID, caption.String(), false)
			caption.Reset()
			l.send(protocol.NewTurnComplete())
		case model.EventInterrupted:
			l.endTurn(true)
			l.b.opts.Metrics.CountEvent(observability.EventModelInterrupted)
			l.b.opts.Recorder.Record(l.sess.ID, caption.String(), true)
			caption.Reset()
			l.send(protocol.NewInterrupted())
		case model.EventError:
			msg := "model error"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			if l.b.opts.Metrics != nil {
				l.b.opts.Metrics.ProviderErrors.WithLabelValues(l.b.providerName(), "runtime").Inc()
			}
			l.logger.Warn("model runtime error", zap.String("detail", msg))
			l.send(protocol.NewError(msg))
		}
	}

	if !l.clientGone.Load() {
		l.send(protocol.NewServerClose())
	}
	l.stopWriter()
	l.closeTransport()
}

func (l *link) readLoop(ctx context.Context) {
	t := l.t
	t.SetReadLimit(l.b.opts.ReadLimit)
	_ = t.SetReadDeadline(time.Now().Add(l.b.opts.ReadTimeout))
	t.SetPongHandler(func(string) error {
		_ = t.SetReadDeadline(time.Now().Add(l.b.opts.ReadTimeout))
		return nil
	})

	for {
		msgType, data, err := t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				l.logger.Debug("client read ended", zap.Error(err))
			}
			return
		}
		_ = t.SetReadDeadline(time.Now().Add(l.b.opts.ReadTimeout))
		if msgType != websocket.TextMessage {
			l.b.discard(l.sess.ID, data, protocol.ErrUnsupportedType)
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			l.b.discard(l.sess.ID, data, err)
			continue
		}
		if err := l.forward(ctx, parsed); err != nil {
			if errors.Is(err, model.ErrClosed) {
				return
			}
			l.logger.Warn("forward to model failed", zap.Error(err))
			l.send(protocol.NewError(err.Error()))
		}
	}
}

func (l *link) forward(ctx context.Context, msg any) error {
	if t, ok := messageTypeOf(msg); ok && l.b.opts.Metrics != nil {
		l.b.opts.Metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
	}
	switch m := msg.(type) {
	case protocol.ClientAudio:
		l.beginTurn()
		return l.model.SendAudio(ctx, m.PCM, audio.InputMIMEType)
	case protocol.ClientText:
		l.beginTurn()
		return l.model.SendText(ctx, m.Text)
	case protocol.ClientInterrupt:
		l.turnStart.Store(0)
		l.b.opts.Metrics.CountEvent(observability.EventBargeIn)
		return l.model.Interrupt(ctx)
	case protocol.ClientFlush:
		return l.model.Flush(ctx)
	default:
		return nil
	}
}

func (l *link) beginTurn() {
	if l.turnStart.CompareAndSwap(0, time.Now().UnixNano()) {
		l.firstAudio.Store(false)
	}
}

func (l *link) observeFirstAudio() {
	start := l.turnStart.Load()
	if start == 0 || !l.firstAudio.CompareAndSwap(false, true) {
		return
	}
	l.b.opts.Metrics.ObserveFirstAudioLatency(time.Since(time.Unix(0, start)))
}

func (l *link) endTurn(interrupted bool) {
	start := l.turnStart.Swap(0)
	if start == 0 {
		return
	}
	if !interrupted {
		l.b.opts.Metrics.ObserveStage(observability.StageTurnTotal, time.Since(time.Unix(0, start)))
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudio:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientInterrupt:
		return m.Type, true
	case protocol.ClientFlush:
		return m.Type, true
	case protocol.ServerOpen:
		return m.Type, true
	case protocol.AudioOut:
		return m.Type, true
	case protocol.ASR:
		return m.Type, true
	case protocol.TurnComplete:
		return m.Type, true
	case protocol.Interrupted:
		return m.Type, true
	case protocol.ServerClose:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
