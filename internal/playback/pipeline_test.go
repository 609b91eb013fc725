package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/livebridge/internal/audio"
)

type fakeVoice struct {
	samples []float32
	onEnded func()

	mu      sync.Mutex
	stopped bool
}

func (v *fakeVoice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
}

func (v *fakeVoice) isStopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

type fakeDevice struct {
	mu     sync.Mutex
	voices []*fakeVoice
	closed bool
}

func (d *fakeDevice) Play(buf Buffer, onEnded func()) (Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	v := &fakeVoice{samples: buf.Samples, onEnded: onEnded}
	d.voices = append(d.voices, v)
	return v, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) voice(i int) *fakeVoice {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.voices) {
		return nil
	}
	return d.voices[i]
}

func (d *fakeDevice) played() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}

type fakeOutput struct {
	mu      sync.Mutex
	devices []*fakeDevice
}

func (o *fakeOutput) factory(int) (Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := &fakeDevice{}
	o.devices = append(o.devices, d)
	return d, nil
}

func (o *fakeOutput) current() *fakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices[len(o.devices)-1]
}

func (o *fakeOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.devices)
}

type recorder struct {
	mu         sync.Mutex
	firstAudio int
	ended      int
	frames     []float32
}

func (r *recorder) options() Options {
	return Options{
		OnFirstAudio: func() { r.mu.Lock(); r.firstAudio++; r.mu.Unlock() },
		OnEnded:      func() { r.mu.Lock(); r.ended++; r.mu.Unlock() },
		OnFrame: func(s []float32) {
			r.mu.Lock()
			r.frames = append(r.frames, s[0])
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (firstAudio, ended int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstAudio, r.ended
}

func frame(marker float32) []float32 { return []float32{marker, 0, 0, 0} }

func newFakePipeline(t *testing.T) (*Pipeline, *fakeOutput, *recorder) {
	t.Helper()
	out := &fakeOutput{}
	rec := &recorder{}
	p, err := New(out.factory, rec.options())
	require.NoError(t, err)
	return p, out, rec
}

func TestPipelinePlaysInOrderWithOneFirstAudio(t *testing.T) {
	p, out, rec := newFakePipeline(t)

	for _, m := range []float32{0.1, 0.2, 0.3} {
		require.NoError(t, p.EnqueueSamples(frame(m)))
	}
	dev := out.current()
	assert.Equal(t, StatePlaying, p.State())
	assert.Equal(t, 2, p.QueueLen())
	require.Equal(t, 1, dev.played(), "only one buffer may be active")

	for i := 0; i < 3; i++ {
		v := dev.voice(i)
		require.NotNil(t, v)
		v.onEnded()
	}

	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, rec.frames)
	first, ended := rec.counts()
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, ended)
}

func TestPipelineCutClearsQueueAtAnyDepth(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		p, out, rec := newFakePipeline(t)
		for i := 0; i < n; i++ {
			require.NoError(t, p.EnqueueSamples(frame(float32(i)/10)))
		}
		before := out.current()

		require.NoError(t, p.Cut())

		assert.Equal(t, 0, p.QueueLen(), "n=%d", n)
		assert.Equal(t, StateIdle, p.State(), "n=%d", n)
		assert.Equal(t, 2, out.count(), "device must be recreated, n=%d", n)
		assert.True(t, before.closed, "old device must be closed, n=%d", n)
		if n > 0 {
			assert.True(t, before.voice(0).isStopped(), "active buffer must stop, n=%d", n)
		}

		require.NoError(t, p.EnqueueSamples(frame(0.9)))
		first, ended := rec.counts()
		want := 1
		if n > 0 {
			want = 2
		}
		assert.Equal(t, want, first, "fresh first audio after cut, n=%d", n)
		assert.Equal(t, 0, ended, "cut must not signal ended, n=%d", n)
		assert.Equal(t, 1, out.current().played())
	}
}

func TestPipelineIgnoresCompletionOfCutBuffer(t *testing.T) {
	p, out, rec := newFakePipeline(t)
	require.NoError(t, p.EnqueueSamples(frame(0.1)))
	stale := out.current().voice(0)

	require.NoError(t, p.Cut())
	require.NoError(t, p.EnqueueSamples(frame(0.2)))
	require.NoError(t, p.EnqueueSamples(frame(0.3)))

	stale.onEnded()

	assert.Equal(t, StatePlaying, p.State())
	assert.Equal(t, 1, p.QueueLen())
	assert.Equal(t, 1, out.current().played())
	_, ended := rec.counts()
	assert.Equal(t, 0, ended)
}

func TestPipelineResetSignalsEnded(t *testing.T) {
	p, out, rec := newFakePipeline(t)
	require.NoError(t, p.EnqueueSamples(frame(0.1)))
	require.NoError(t, p.EnqueueSamples(frame(0.2)))

	require.NoError(t, p.Reset())

	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, 2, out.count())
	_, ended := rec.counts()
	assert.Equal(t, 1, ended)
}

func TestPipelineNewTurnRearmsFirstAudio(t *testing.T) {
	p, out, rec := newFakePipeline(t)
	require.NoError(t, p.EnqueueSamples(frame(0.1)))
	out.current().voice(0).onEnded()

	require.NoError(t, p.EnqueueSamples(frame(0.2)))
	first, _ := rec.counts()
	assert.Equal(t, 1, first, "same turn keeps a single first audio")

	p.NewTurn()
	out.current().voice(1).onEnded()
	require.NoError(t, p.EnqueueSamples(frame(0.3)))
	first, _ = rec.counts()
	assert.Equal(t, 2, first)
}

func TestPipelineNewTurnWaitsForQueuedFrames(t *testing.T) {
	p, out, rec := newFakePipeline(t)
	require.NoError(t, p.EnqueueSamples(frame(0.1)))
	require.NoError(t, p.EnqueueSamples(frame(0.2)))

	p.NewTurn()
	out.current().voice(0).onEnded()
	first, _ := rec.counts()
	assert.Equal(t, 1, first, "leftover frame of the old turn is not a first audio")

	out.current().voice(1).onEnded()
	require.NoError(t, p.EnqueueSamples(frame(0.3)))
	first, _ = rec.counts()
	assert.Equal(t, 2, first)
}

func TestPipelineEnqueueDecodesBase64(t *testing.T) {
	p, out, rec := newFakePipeline(t)

	require.Error(t, p.Enqueue("!!not base64!!"))
	assert.Equal(t, 0, out.current().played())

	pcm := audio.Float32ToPCM16([]float32{0.5, -0.5})
	require.NoError(t, p.Enqueue(audio.EncodeFrame(pcm)))
	require.Equal(t, 1, out.current().played())
	assert.InDelta(t, 0.5, rec.frames[0], 0.001)
}

func TestPipelineClose(t *testing.T) {
	p, out, _ := newFakePipeline(t)
	require.NoError(t, p.EnqueueSamples(frame(0.1)))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, out.current().closed)
	assert.Equal(t, 1, out.count(), "close must not reopen the device")
	assert.True(t, errors.Is(p.EnqueueSamples(frame(0.2)), ErrClosed))
	assert.True(t, errors.Is(p.Cut(), ErrClosed))
}

func TestPipelineNewRequiresFactory(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)

	_, err = New(func(int) (Device, error) { return nil, errors.New("no output") }, Options{})
	require.Error(t, err)
}

func TestPipelineRendersDeliveredAudioThenEnds(t *testing.T) {
	var mu sync.Mutex
	var played int
	ended := make(chan struct{}, 1)
	factory := TimerDeviceFactory(1, func(Buffer) {
		mu.Lock()
		played++
		mu.Unlock()
	})
	p, err := New(factory, Options{OnEnded: func() { ended <- struct{}{} }})
	require.NoError(t, err)
	defer p.Close()

	// Two 20ms frames, then nothing more arrives.
	tone := audio.Float32ToPCM16(audio.SineTone(440, 20*time.Millisecond, audio.OutputSampleRate, 0.2))
	require.NoError(t, p.Enqueue(audio.EncodeFrame(tone)))
	require.NoError(t, p.Enqueue(audio.EncodeFrame(tone)))

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("ended was not signalled")
	}
	mu.Lock()
	assert.Equal(t, 2, played)
	mu.Unlock()
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, 0, p.QueueLen())
}

func TestPipelineConcurrentCutAndEnqueue(t *testing.T) {
	p, err := New(TimerDeviceFactory(0.01, nil), Options{})
	require.NoError(t, err)
	defer p.Close()

	samples := audio.SineTone(440, 50*time.Millisecond, audio.OutputSampleRate, 0.2)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = p.EnqueueSamples(samples)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = p.Cut()
			}
		}()
	}
	wg.Wait()

	require.NoError(t, p.Cut())
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, StateIdle, p.State())
}
