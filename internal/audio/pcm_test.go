package audio

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestFloat32ToPCM16Extremes(t *testing.T) {
	pcm := Float32ToPCM16([]float32{-1, 0, 1, 2, -3})
	want := []int16{-32768, 0, 32767, 32767, -32768}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if got != w {
			t.Fatalf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestPCM16ToFloat32Normalizes(t *testing.T) {
	pcm := make([]byte, 6)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(0x8000)) // -32768
	binary.LittleEndian.PutUint16(pcm[2:], 16384)
	binary.LittleEndian.PutUint16(pcm[4:], 0)
	got := PCM16ToFloat32(append(pcm, 0x7F))
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (odd trailing byte dropped)", len(got))
	}
	if got[0] != -1 || got[1] != 0.5 || got[2] != 0 {
		t.Fatalf("samples = %v, want [-1 0.5 0]", got)
	}
}

func TestFrameCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -0.25, 0}
	data := EncodeFrame(Float32ToPCM16(in))
	out, err := DecodeFrameFloat32(data)
	if err != nil {
		t.Fatalf("DecodeFrameFloat32() error = %v", err)
	}
	for i := range in {
		d := out[i] - in[i]
		if d > 0.001 || d < -0.001 {
			t.Fatalf("sample %d = %f, want ~%f", i, out[i], in[i])
		}
	}
	if _, err := DecodeFrame("%%%"); err == nil {
		t.Fatalf("expected decode error for invalid base64")
	}
}

func TestSineToneLength(t *testing.T) {
	tone := SineTone(440, 100*time.Millisecond, OutputSampleRate, 0.2)
	if len(tone) != 2400 {
		t.Fatalf("len = %d, want 2400", len(tone))
	}
	if d := Duration(len(tone), OutputSampleRate); d != 100*time.Millisecond {
		t.Fatalf("Duration = %v, want 100ms", d)
	}
	if MIMEType(InputSampleRate) != InputMIMEType {
		t.Fatalf("MIMEType(16000) = %q", MIMEType(InputSampleRate))
	}
}
