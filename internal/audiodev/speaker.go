package audiodev

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/playback"
)

// oto allows a single context per process, so a Speaker owns it and hands
// out devices that each feed one long-lived player.
type Speaker struct {
	ctx        *oto.Context
	sampleRate int
}

// NewSpeaker opens the process audio output at sampleRate, mono PCM16.
func NewSpeaker(sampleRate int) (*Speaker, error) {
	if sampleRate <= 0 {
		sampleRate = audio.OutputSampleRate
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms at 24kHz mono 16-bit.
		BufferSize: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx, sampleRate: sampleRate}, nil
}

// Factory satisfies playback.DeviceFactory. Each call yields a fresh device
// with its own player, so a cut drops whatever the previous player buffered.
func (s *Speaker) Factory() playback.DeviceFactory {
	return func(sampleRate int) (playback.Device, error) {
		if sampleRate != s.sampleRate {
			return nil, fmt.Errorf("speaker runs at %d Hz, got %d", s.sampleRate, sampleRate)
		}
		q := newPCMQueue(idleChunkBytes(s.sampleRate))
		player := s.ctx.NewPlayer(q)
		player.Play()
		return &speakerDevice{queue: q, player: player}, nil
	}
}

// idleChunkBytes is 10ms of PCM16 silence.
func idleChunkBytes(sampleRate int) int {
	return sampleRate / 100 * 2
}

type speakerDevice struct {
	queue  *pcmQueue
	player *oto.Player
	once   sync.Once
}

func (d *speakerDevice) Play(buf playback.Buffer, onEnded func()) (playback.Voice, error) {
	seg, err := d.queue.push(audio.Float32ToPCM16(buf.Samples), onEnded)
	if err != nil {
		return nil, err
	}
	return speakerVoice{queue: d.queue, seg: seg}, nil
}

func (d *speakerDevice) Close() error {
	var err error
	d.once.Do(func() {
		d.queue.close()
		d.player.Pause()
		err = d.player.Close()
	})
	return err
}

type speakerVoice struct {
	queue *pcmQueue
	seg   *segment
}

func (v speakerVoice) Stop() { v.queue.drop(v.seg) }

// pcmQueue is the reader behind a device's player. Consecutive buffers are
// read back to back; an empty queue yields short runs of silence so the
// player never drains and restarts between buffers.
type pcmQueue struct {
	idleChunk int
	idleWait  time.Duration

	mu     sync.Mutex
	segs   []*segment
	closed bool
	wake   chan struct{}
}

type segment struct {
	pcm     []byte
	off     int
	onEnded func()
}

const defaultIdleWait = 5 * time.Millisecond

func newPCMQueue(idleChunk int) *pcmQueue {
	if idleChunk <= 0 {
		idleChunk = 480
	}
	return &pcmQueue{
		idleChunk: idleChunk,
		idleWait:  defaultIdleWait,
		wake:      make(chan struct{}, 1),
	}
}

func (q *pcmQueue) push(pcm []byte, onEnded func()) (*segment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, playback.ErrDeviceClosed
	}
	seg := &segment{pcm: pcm, onEnded: onEnded}
	q.segs = append(q.segs, seg)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return seg, nil
}

// drop removes seg without firing its completion.
func (q *pcmQueue) drop(seg *segment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.segs {
		if s == seg {
			q.segs = append(q.segs[:i], q.segs[i+1:]...)
			return
		}
	}
}

func (q *pcmQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.segs = nil
	close(q.wake)
}

// Read fills p from queued buffers. Completions of fully read buffers run
// on their own goroutine once the lock is released.
func (q *pcmQueue) Read(p []byte) (int, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, io.EOF
		}
		if len(q.segs) > 0 {
			n, done := q.fillLocked(p)
			q.mu.Unlock()
			for _, fn := range done {
				go fn()
			}
			return n, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-time.After(q.idleWait):
			n := min(len(p), q.idleChunk)
			clear(p[:n])
			return n, nil
		}
	}
}

func (q *pcmQueue) fillLocked(p []byte) (int, []func()) {
	var done []func()
	n := 0
	for n < len(p) && len(q.segs) > 0 {
		seg := q.segs[0]
		c := copy(p[n:], seg.pcm[seg.off:])
		seg.off += c
		n += c
		if seg.off < len(seg.pcm) {
			break
		}
		q.segs[0] = nil
		q.segs = q.segs[1:]
		if seg.onEnded != nil {
			done = append(done, seg.onEnded)
		}
	}
	return n, done
}
