package main

import (
	"bytes"
	"flag"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/bridge"
	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/httpapi"
	"github.com/ent0n29/livebridge/internal/model"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/session"
)

func TestParseFlagsDefaultsAndTexts(t *testing.T) {
	fs := flag.NewFlagSet("perfvoice", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := parseFlags(fs, []string{"-base-url", "http://localhost:3000/", "-texts", " hi | |there ", "-turn-timeout-ms", "10"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://localhost:3000" {
		t.Fatalf("baseURL = %q", cfg.baseURL)
	}
	if len(cfg.texts) != 2 || cfg.texts[0] != "hi" || cfg.texts[1] != "there" {
		t.Fatalf("texts = %#v", cfg.texts)
	}
	if cfg.turnTimeout != time.Second {
		t.Fatalf("turnTimeout = %s, want clamp to 1s", cfg.turnTimeout)
	}
	if cfg.turns != 10 || !cfg.realtime {
		t.Fatalf("unexpected defaults: turns=%d realtime=%t", cfg.turns, cfg.realtime)
	}
}

func TestParseFlagsRejectsBadValues(t *testing.T) {
	for _, args := range [][]string{
		{"-turns", "0"},
		{"-base-url", "  "},
		{"-tone-ms", "5"},
		{"-tone-hz", "9000"},
	} {
		fs := flag.NewFlagSet("perfvoice", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if _, err := parseFlags(fs, args); err == nil {
			t.Fatalf("parseFlags(%v) error = nil, want error", args)
		}
	}
}

func TestPercentileNearestRank(t *testing.T) {
	ms := func(v ...int) []time.Duration {
		out := make([]time.Duration, len(v))
		for i, x := range v {
			out[i] = time.Duration(x) * time.Millisecond
		}
		return out
	}
	sorted := ms(10, 20, 30, 40, 50, 60, 70, 80, 90, 100)
	if got := percentile(sorted, 0.5); got != 50*time.Millisecond {
		t.Fatalf("p50 = %s", got)
	}
	if got := percentile(sorted, 0.95); got != 100*time.Millisecond {
		t.Fatalf("p95 = %s", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty percentile = %s", got)
	}

	s := summarize(ms(30, 10, 20))
	if s.Samples != 3 || s.Min != 10*time.Millisecond || s.Max != 30*time.Millisecond || s.Avg != 20*time.Millisecond {
		t.Fatalf("summarize() = %+v", s)
	}
}

func TestToneUtterancePadsSilence(t *testing.T) {
	pcm := toneUtterance(220, 200*time.Millisecond)
	samples := audio.PCM16ToFloat32(pcm)
	pad := audio.InputSampleRate / 10
	want := 2*pad + audio.InputSampleRate/5
	if len(samples) != want {
		t.Fatalf("samples = %d, want %d", len(samples), want)
	}
	for _, s := range samples[:pad] {
		if s != 0 {
			t.Fatalf("leading pad is not silent")
		}
	}
}

func TestLoadUtteranceRejectsWrongRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := audio.WriteWAVPCM16LEFile(path, make([]byte, 320), 24000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if _, err := loadUtterance(options{wavPath: path}); err == nil || !strings.Contains(err.Error(), "24000") {
		t.Fatalf("loadUtterance() error = %v", err)
	}
}

func TestRunReplaysAgainstMockModel(t *testing.T) {
	metrics := observability.NewMetrics("perfvoice_test")
	b := bridge.New(bridge.Options{
		Connector: model.NewMockConnector(model.MockOptions{ReplyEvery: 1000, ReplyFrames: 2}),
		Metrics:   metrics,
	})
	srv := httpapi.New(
		config.Config{CORSOrigins: []string{"*"}, ModelProvider: "mock"},
		session.NewRegistry(session.Options{TTL: time.Minute}),
		b, nil, metrics, zap.NewNop(),
	)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	defer b.CloseAll()

	cases := []struct {
		name  string
		texts []string
		want  string
	}{
		{name: "audio"},
		{name: "text", texts: []string{"ping"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(options{
				baseURL:     ts.URL,
				turns:       2,
				toneMS:      200,
				toneHz:      220,
				turnTimeout: 5 * time.Second,
				texts:       tc.texts,
				serverPerf:  true,
				verbose:     true,
			}, &out)
			if err != nil {
				t.Fatalf("run() error = %v\n%s", err, out.String())
			}
			got := out.String()
			if !strings.Contains(got, "end_to_first_audio n=2") {
				t.Fatalf("summary missing first-audio samples:\n%s", got)
			}
			if !strings.Contains(got, "turn 2 first_audio=") {
				t.Fatalf("second turn not reported:\n%s", got)
			}
		})
	}
}
