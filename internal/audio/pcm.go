package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// InputSampleRate is the capture rate the model expects from clients.
	InputSampleRate = 16000
	// OutputSampleRate is the synthesis rate the model streams back.
	OutputSampleRate = 24000
	// FrameSamples is the fixed capture frame length, ~128ms at 16kHz.
	FrameSamples = 2048

	InputMIMEType = "audio/pcm;rate=16000"
)

// MIMEType returns the raw PCM16 mime type for a sample rate.
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// PCM16ToFloat32 decodes little-endian PCM16 into normalized samples in [-1, 1].
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		v := float32(s) / 32768
		if v < -1 {
			v = -1
		} else if v > 1 {
			v = 1
		}
		out[i] = v
	}
	return out
}

// Float32ToPCM16 encodes normalized samples as little-endian PCM16.
// Negative samples scale by 0x8000 and positive ones by 0x7FFF so both
// ends of the range map onto the full int16 span.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		s := float64(f)
		if math.IsNaN(s) {
			s = 0
		}
		s = math.Max(-1, math.Min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// EncodeFrame renders PCM16 bytes in the text-safe envelope encoding.
func EncodeFrame(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio frame: %w", err)
	}
	return pcm, nil
}

// DecodeFrameFloat32 decodes an envelope frame straight to normalized samples.
func DecodeFrameFloat32(data string) ([]float32, error) {
	pcm, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloat32(pcm), nil
}
