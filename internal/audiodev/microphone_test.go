package audiodev

import "testing"

func TestDownmixAveragesChannels(t *testing.T) {
	got := downmix([]float32{1, 0, -0.5, 0.5, 0.25, 0.75}, 2)
	want := []float32{0.5, 0, 0.5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}
