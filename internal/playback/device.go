package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/livebridge/internal/audio"
)

var ErrDeviceClosed = errors.New("output device closed")

// TimerDevice is a silent output that holds each buffer for its real
// duration. It stands in for a speaker in replay runs and tests.
type TimerDevice struct {
	sampleRate int
	// scale shortens (<1) or stretches (>1) buffer durations.
	scale  float64
	onPlay func(Buffer)

	mu     sync.Mutex
	closed bool
	voices map[*timerVoice]struct{}
}

// TimerDeviceFactory returns a factory for TimerDevices. onPlay, if set, sees
// every buffer as it starts.
func TimerDeviceFactory(scale float64, onPlay func(Buffer)) DeviceFactory {
	return func(sampleRate int) (Device, error) {
		return NewTimerDevice(sampleRate, scale, onPlay), nil
	}
}

func NewTimerDevice(sampleRate int, scale float64, onPlay func(Buffer)) *TimerDevice {
	if scale <= 0 {
		scale = 1
	}
	return &TimerDevice{
		sampleRate: sampleRate,
		scale:      scale,
		onPlay:     onPlay,
		voices:     make(map[*timerVoice]struct{}),
	}
}

func (d *TimerDevice) Play(buf Buffer, onEnded func()) (Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	rate := buf.SampleRate
	if rate <= 0 {
		rate = d.sampleRate
	}
	dur := time.Duration(float64(audio.Duration(len(buf.Samples), rate)) * d.scale)

	v := &timerVoice{device: d}
	d.voices[v] = struct{}{}
	v.timer = time.AfterFunc(dur, func() {
		d.forget(v)
		if onEnded != nil {
			onEnded()
		}
	})
	if d.onPlay != nil {
		d.onPlay(buf)
	}
	return v, nil
}

// Close stops every pending buffer without firing their completions.
func (d *TimerDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for v := range d.voices {
		v.timer.Stop()
	}
	d.voices = nil
	return nil
}

// Pending reports buffers scheduled but not yet finished.
func (d *TimerDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}

func (d *TimerDevice) forget(v *timerVoice) {
	d.mu.Lock()
	delete(d.voices, v)
	d.mu.Unlock()
}

type timerVoice struct {
	device *TimerDevice
	timer  *time.Timer
}

func (v *timerVoice) Stop() {
	v.timer.Stop()
	v.device.forget(v)
}
