package transcript

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/policy"
)

type RecorderOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	// OnDrop is called when a caption is dropped because the queue is full.
	OnDrop func()
	Logger *zap.Logger
}

// Recorder writes captions to a Store off the relay path. Record never blocks.
type Recorder struct {
	store  Store
	opts   RecorderOptions
	logger *zap.Logger
	queue  chan Caption
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store Store, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:  store,
		opts:   opts,
		logger: logger,
		queue:  make(chan Caption, opts.QueueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record redacts text and queues it for storage. It reports whether the
// caption was accepted.
func (r *Recorder) Record(sessionID, text string, interrupted bool) bool {
	if r == nil {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	redacted, kinds := policy.RedactCaption(text)
	c := Caption{
		SessionID:   sessionID,
		Text:        redacted,
		Interrupted: interrupted,
		PIIRedacted: len(kinds) > 0,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- c:
		return true
	default:
		if r.opts.OnDrop != nil {
			r.opts.OnDrop()
		}
		r.logger.Warn("caption queue full, dropping caption", zap.String("session_id", sessionID))
		return false
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for c := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		if err := r.store.SaveCaption(ctx, c); err != nil {
			r.logger.Warn("save caption failed", zap.String("session_id", c.SessionID), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting captions and waits for queued ones to be written.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}
