package playback

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
)

// State is the coarse playback state.
type State int

const (
	StateIdle State = iota
	StatePlaying
)

func (s State) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "idle"
}

var ErrClosed = errors.New("playback pipeline closed")

// Buffer is one fixed-length block of mono samples at SampleRate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Voice is a buffer scheduled on a Device.
type Voice interface {
	// Stop silences the buffer immediately. onEnded may still fire afterwards.
	Stop()
}

// Device renders buffers. onEnded must be called from another goroutine once
// the buffer finishes on its own.
type Device interface {
	Play(buf Buffer, onEnded func()) (Voice, error)
	Close() error
}

// DeviceFactory opens a fresh output device context.
type DeviceFactory func(sampleRate int) (Device, error)

type Options struct {
	// SampleRate of inbound frames. 0 means 24 kHz.
	SampleRate int
	// OnFirstAudio fires when the first buffer after New, Cut, Reset or
	// NewTurn starts rendering.
	OnFirstAudio func()
	// OnFrame receives decoded samples as each buffer starts.
	OnFrame func(samples []float32)
	// OnEnded fires when the queue drains and on Reset.
	OnEnded func()
	Logger  *zap.Logger
}

// Pipeline plays frames strictly in enqueue order, one active buffer at a
// time, and supports instantaneous cuts.
type Pipeline struct {
	factory DeviceFactory
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	device   Device
	queue    [][]float32
	active   Voice
	playing  bool
	gotFirst bool
	// rearm defers a NewTurn issued mid-playback until the queue drains.
	rearm bool
	// token identifies the active buffer; completions carrying an older
	// token belong to a cut buffer and are ignored.
	token  uint64
	closed bool
}

// New opens the output device and returns an idle pipeline.
func New(factory DeviceFactory, opts Options) (*Pipeline, error) {
	if factory == nil {
		return nil, errors.New("playback device factory is required")
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.OutputSampleRate
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	device, err := factory(opts.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("open output device: %w", err)
	}
	return &Pipeline{
		factory: factory,
		opts:    opts,
		logger:  logger,
		device:  device,
	}, nil
}

// Enqueue decodes one base64 PCM16 frame and queues it.
func (p *Pipeline) Enqueue(data string) error {
	samples, err := audio.DecodeFrameFloat32(data)
	if err != nil {
		return err
	}
	return p.EnqueueSamples(samples)
}

// EnqueueSamples queues normalized samples and starts rendering if idle.
func (p *Pipeline) EnqueueSamples(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	var n notifications
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, samples)
	err := p.playNextLocked(&n)
	p.mu.Unlock()

	n.fire(p.opts)
	return err
}

// Cut stops the active buffer, drops everything queued and recreates the
// output device. The next enqueued frame triggers OnFirstAudio again.
func (p *Pipeline) Cut() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.cutLocked(true)
}

// Reset is Cut followed by OnEnded, for session teardown.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	err := p.cutLocked(true)
	p.mu.Unlock()

	if p.opts.OnEnded != nil {
		p.opts.OnEnded()
	}
	return err
}

// NewTurn re-arms OnFirstAudio without interrupting playback. Frames still
// queued from the previous turn do not count as the next turn's first audio.
func (p *Pipeline) NewTurn() {
	p.mu.Lock()
	if p.playing {
		p.rearm = true
	} else {
		p.gotFirst = false
		p.rearm = false
	}
	p.mu.Unlock()
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return StatePlaying
	}
	return StateIdle
}

// QueueLen reports frames waiting behind the active one.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops playback and releases the device. It is idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	err := p.cutLocked(false)
	p.closed = true
	return err
}

func (p *Pipeline) cutLocked(reopen bool) error {
	p.token++
	if p.active != nil {
		p.active.Stop()
		p.active = nil
	}
	p.queue = nil
	p.playing = false
	p.gotFirst = false
	p.rearm = false

	var errs []error
	if p.device != nil {
		if err := p.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output device: %w", err))
		}
		p.device = nil
	}
	if reopen {
		device, err := p.factory(p.opts.SampleRate)
		if err != nil {
			errs = append(errs, fmt.Errorf("reopen output device: %w", err))
		} else {
			p.device = device
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) playNextLocked(n *notifications) error {
	if p.playing || p.closed {
		return nil
	}
	if p.device == nil {
		device, err := p.factory(p.opts.SampleRate)
		if err != nil {
			return fmt.Errorf("reopen output device: %w", err)
		}
		p.device = device
	}
	for len(p.queue) > 0 {
		samples := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		p.token++
		token := p.token
		voice, err := p.device.Play(Buffer{Samples: samples, SampleRate: p.opts.SampleRate}, func() {
			p.handleEnded(token)
		})
		if err != nil {
			p.logger.Warn("playback buffer failed", zap.Error(err))
			continue
		}
		p.active = voice
		p.playing = true
		if !p.gotFirst {
			p.gotFirst = true
			n.firstAudio = true
		}
		n.frames = append(n.frames, samples)
		return nil
	}
	if n.frames == nil {
		n.ended = true
	}
	return nil
}

func (p *Pipeline) handleEnded(token uint64) {
	var n notifications
	p.mu.Lock()
	if p.closed || !p.playing || token != p.token {
		p.mu.Unlock()
		return
	}
	p.active = nil
	p.playing = false
	if len(p.queue) > 0 {
		_ = p.playNextLocked(&n)
	} else {
		n.ended = true
	}
	if !p.playing && p.rearm {
		p.gotFirst = false
		p.rearm = false
	}
	p.mu.Unlock()

	n.fire(p.opts)
}

// notifications are collected under the lock and delivered after it is
// released so callbacks may call back into the pipeline.
type notifications struct {
	firstAudio bool
	frames     [][]float32
	ended      bool
}

func (n *notifications) fire(opts Options) {
	if n.firstAudio && opts.OnFirstAudio != nil {
		opts.OnFirstAudio()
	}
	if opts.OnFrame != nil {
		for _, f := range n.frames {
			opts.OnFrame(f)
		}
	}
	if n.ended && opts.OnEnded != nil {
		opts.OnEnded()
	}
}
