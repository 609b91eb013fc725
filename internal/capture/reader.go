package capture

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ent0n29/livebridge/internal/audio"
)

// ReaderOptions configure ReaderOpener.
type ReaderOptions struct {
	// ChunkSamples per push. 0 means 320 (20ms at 16 kHz).
	ChunkSamples int
	// Realtime paces pushes at the stream's sample rate.
	Realtime bool
	// OnEOF runs once after the last chunk was pushed, with nil on a clean
	// end of stream.
	OnEOF func(err error)
}

// ReaderOpener returns an Opener that replays raw PCM16 mono from r as if it
// were a microphone at the requested sample rate.
func ReaderOpener(r io.Reader, opts ReaderOptions) Opener {
	return func(c Constraints, onSamples func([]float32)) (Device, error) {
		if r == nil {
			return nil, errors.New("nil pcm reader")
		}
		if opts.ChunkSamples <= 0 {
			opts.ChunkSamples = 320
		}
		return &readerDevice{
			r:         r,
			rate:      c.SampleRate,
			opts:      opts,
			onSamples: onSamples,
			done:      make(chan struct{}),
		}, nil
	}
}

type readerDevice struct {
	r         io.Reader
	rate      int
	opts      ReaderOptions
	onSamples func([]float32)

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (d *readerDevice) Start() error {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go func() {
			err := d.loop()
			d.wg.Done()
			if err != nil && d.opts.OnEOF != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					err = nil
				}
				d.opts.OnEOF(err)
			}
		}()
	})
	return nil
}

func (d *readerDevice) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	return nil
}

// loop returns the read error that ended the stream, or nil when closed.
func (d *readerDevice) loop() error {
	buf := make([]byte, d.opts.ChunkSamples*2)
	interval := audio.Duration(d.opts.ChunkSamples, d.rate)

	var ticker *time.Ticker
	if d.opts.Realtime && interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	for {
		select {
		case <-d.done:
			return nil
		default:
		}
		n, err := io.ReadFull(d.r, buf)
		if n > 0 {
			d.onSamples(audio.PCM16ToFloat32(buf[:n]))
		}
		if err != nil {
			return err
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-d.done:
				return nil
			}
		}
	}
}
