package model

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/livebridge/internal/audio"
)

// MockOptions shapes the replies of MockConnector.
type MockOptions struct {
	// ReplyEvery triggers a reply after this many audio chunks. 0 means 8.
	ReplyEvery int
	// ReplyFrames is the number of audio events per reply. 0 means 4.
	ReplyFrames int
	// FrameDuration is the audio length of each reply frame. 0 means 100ms.
	FrameDuration time.Duration
	// FrameInterval paces reply frames. 0 sends them back to back.
	FrameInterval time.Duration
	ToneHz        float64
}

// MockConnector is an offline model that answers with a tone and a caption.
type MockConnector struct {
	opts MockOptions
}

func NewMockConnector(opts MockOptions) *MockConnector {
	if opts.ReplyEvery <= 0 {
		opts.ReplyEvery = 8
	}
	if opts.ReplyFrames <= 0 {
		opts.ReplyFrames = 4
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 100 * time.Millisecond
	}
	if opts.ToneHz <= 0 {
		opts.ToneHz = 440
	}
	return &MockConnector{opts: opts}
}

func (c *MockConnector) Name() string { return "mock" }

func (c *MockConnector) Connect(ctx context.Context, cfg Config) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := cfg.OutputSampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	conn := &mockConnection{
		opts:     c.opts,
		rate:     rate,
		events:   make(chan Event, 64),
		requests: make(chan mockReply, 16),
		done:     make(chan struct{}),
		wake:     make(chan struct{}),
	}
	conn.events <- Event{Type: EventOpen}
	conn.wg.Add(1)
	go conn.run()
	return conn, nil
}

type mockReply struct {
	caption string
	gen     uint64
}

type mockConnection struct {
	opts MockOptions
	rate int

	events   chan Event
	requests chan mockReply
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
	chunks int
	// gen advances on every Interrupt; replies from an older gen are dropped.
	gen  uint64
	wake chan struct{}
}

func (c *mockConnection) Events() <-chan Event { return c.events }

func (c *mockConnection) SendAudio(ctx context.Context, pcm []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	c.chunks++
	if c.chunks%c.opts.ReplyEvery == 0 {
		c.chunks = 0
		c.queueReplyLocked("simulated reply")
	}
	return nil
}

func (c *mockConnection) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.queueReplyLocked("you said: " + text)
	return nil
}

// Flush answers any audio received since the last reply.
func (c *mockConnection) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.chunks > 0 {
		c.chunks = 0
		c.queueReplyLocked("simulated reply")
	}
	return nil
}

func (c *mockConnection) Interrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.gen++
	close(c.wake)
	c.wake = make(chan struct{})
	return nil
}

func (c *mockConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	close(c.events)
	return nil
}

func (c *mockConnection) queueReplyLocked(caption string) {
	select {
	case c.requests <- mockReply{caption: caption, gen: c.gen}:
	default:
	}
}

func (c *mockConnection) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case r := <-c.requests:
			c.reply(r)
		}
	}
}

// stale reports whether r was interrupted, and the channel that wakes a
// sleeping reply on the next interrupt.
func (c *mockConnection) stale(r mockReply) (bool, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != r.gen, c.wake
}

func (c *mockConnection) reply(r mockReply) {
	frame := audio.Float32ToPCM16(audio.SineTone(c.opts.ToneHz, c.opts.FrameDuration, c.rate, 0.2))

	seq := make([]Event, 0, c.opts.ReplyFrames+2)
	seq = append(seq, Event{Type: EventContent, Parts: []Part{{Text: r.caption}}})
	for i := 0; i < c.opts.ReplyFrames; i++ {
		seq = append(seq, Event{Type: EventAudio, Audio: frame})
	}
	seq = append(seq, Event{Type: EventTurnComplete})

	started := false
	for i, ev := range seq {
		stale, wake := c.stale(r)
		if !stale && ev.Type == EventAudio && c.opts.FrameInterval > 0 && i > 1 {
			select {
			case <-time.After(c.opts.FrameInterval):
			case <-wake:
			case <-c.done:
				return
			}
			stale, _ = c.stale(r)
		}
		if stale {
			if started {
				c.emit(Event{Type: EventInterrupted})
			}
			return
		}
		if !c.emit(ev) {
			return
		}
		started = true
	}
}

func (c *mockConnection) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}
