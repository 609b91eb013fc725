package audiodev

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/capture"
)

// Microphone opens malgo capture devices for the capture pipeline.
type Microphone struct {
	logger *zap.Logger

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

func NewMicrophone(logger *zap.Logger) (*Microphone, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Microphone{logger: logger, ctx: ctx}, nil
}

// Opener satisfies capture.Opener. miniaudio exposes no echo cancellation,
// noise suppression or gain control switches, so only rate and channel
// count are applied.
func (m *Microphone) Opener() capture.Opener {
	return func(c capture.Constraints, onSamples func([]float32)) (capture.Device, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.ctx == nil {
			return nil, fmt.Errorf("microphone closed")
		}
		if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
			m.logger.Debug("input processing left to the platform",
				zap.Bool("echo_cancellation", c.EchoCancellation),
				zap.Bool("noise_suppression", c.NoiseSuppression),
				zap.Bool("auto_gain_control", c.AutoGainControl),
			)
		}
		rate := c.SampleRate
		if rate <= 0 {
			rate = audio.InputSampleRate
		}
		channels := c.Channels
		if channels <= 0 {
			channels = 1
		}

		deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
		deviceConfig.Capture.Format = malgo.FormatS16
		deviceConfig.Capture.Channels = uint32(channels)
		deviceConfig.SampleRate = uint32(rate)
		deviceConfig.PeriodSizeInMilliseconds = 20

		callbacks := malgo.DeviceCallbacks{
			Data: func(_, input []byte, _ uint32) {
				samples := audio.PCM16ToFloat32(input)
				if channels > 1 {
					samples = downmix(samples, channels)
				}
				onSamples(samples)
			},
		}
		device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
		if err != nil {
			return nil, fmt.Errorf("init microphone: %w", err)
		}
		return &micDevice{device: device}, nil
	}
}

// Close releases the audio context. Devices must be closed first.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

type micDevice struct {
	device *malgo.Device
	once   sync.Once
}

func (d *micDevice) Start() error {
	return d.device.Start()
}

func (d *micDevice) Close() error {
	var err error
	d.once.Do(func() {
		err = d.device.Stop()
		d.device.Uninit()
	})
	return err
}

// downmix averages interleaved channels into mono.
func downmix(samples []float32, channels int) []float32 {
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
