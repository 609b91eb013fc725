package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
)

// Constraints describe the input stream requested from a device. Signal
// processing flags are honoured by devices that support them.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       audio.InputSampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Device is an opened input stream. Once started it pushes normalized mono
// samples to the callback it was opened with, one call at a time.
type Device interface {
	Start() error
	Close() error
}

// Opener acquires an input device.
type Opener func(c Constraints, onSamples func([]float32)) (Device, error)

// Frame is one fixed-size chunk of captured audio.
type Frame struct {
	Index uint64
	// Data is PCM16 little-endian, base64 encoded for the wire.
	Data string
	// Samples is the raw normalized signal, for visualisation.
	Samples []float32
}

type Options struct {
	Constraints Constraints
	// FrameSamples per emitted frame. 0 means 2048 (~128ms at 16 kHz).
	FrameSamples int
	OnFrame      func(Frame)
	Logger       *zap.Logger
}

// Pipeline slices a device stream into ordered fixed-size frames.
type Pipeline struct {
	device Device
	opts   Options
	logger *zap.Logger

	// emitMu serialises slicing and delivery so frames leave in capture order.
	emitMu  sync.Mutex
	pending []float32
	index   uint64

	started atomic.Bool
	stopped atomic.Bool
}

// Open acquires the device but does not start emission.
func Open(opener Opener, opts Options) (*Pipeline, error) {
	if opener == nil {
		return nil, errors.New("capture opener is required")
	}
	if opts.Constraints == (Constraints{}) {
		opts.Constraints = DefaultConstraints()
	}
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = audio.FrameSamples
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{opts: opts, logger: logger}
	device, err := opener(opts.Constraints, p.push)
	if err != nil {
		return nil, fmt.Errorf("open input device: %w", err)
	}
	p.device = device
	return p, nil
}

// Start begins frame emission. Calling it again is a no-op.
func (p *Pipeline) Start() error {
	if p.stopped.Load() {
		return errors.New("capture pipeline stopped")
	}
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.device.Start(); err != nil {
		p.started.Store(false)
		return fmt.Errorf("start input device: %w", err)
	}
	return nil
}

// Pause leaves the device running. Callers gate frames themselves.
func (p *Pipeline) Pause() {}

// Stop releases the device. It is idempotent and never fails; the partial
// frame in progress is dropped.
func (p *Pipeline) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	if err := p.device.Close(); err != nil {
		p.logger.Debug("input device close failed", zap.Error(err))
	}
	p.emitMu.Lock()
	p.pending = nil
	p.emitMu.Unlock()
}

func (p *Pipeline) push(samples []float32) {
	if p.stopped.Load() || len(samples) == 0 {
		return
	}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.pending = append(p.pending, samples...)
	size := p.opts.FrameSamples
	for len(p.pending) >= size && !p.stopped.Load() {
		chunk := make([]float32, size)
		copy(chunk, p.pending[:size])
		p.pending = p.pending[size:]

		p.index++
		if p.opts.OnFrame != nil {
			p.opts.OnFrame(Frame{
				Index:   p.index,
				Data:    audio.EncodeFrame(audio.Float32ToPCM16(chunk)),
				Samples: chunk,
			})
		}
	}
}
