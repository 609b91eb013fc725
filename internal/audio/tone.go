package audio

import (
	"math"
	"time"
)

// SineTone synthesizes a mono tone as normalized samples. Used for synthetic
// replies and replay fixtures where no recorded speech is available.
func SineTone(freqHz float64, d time.Duration, sampleRate int, gain float32) []float32 {
	if sampleRate <= 0 {
		sampleRate = OutputSampleRate
	}
	n := int(d.Seconds() * float64(sampleRate))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = gain * float32(math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return out
}

// Duration reports how long n samples last at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
