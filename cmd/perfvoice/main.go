package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/capture"
	"github.com/ent0n29/livebridge/internal/client"
	"github.com/ent0n29/livebridge/internal/logging"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/playback"
	"github.com/ent0n29/livebridge/internal/protocol"
	"github.com/ent0n29/livebridge/internal/session"
)

type options struct {
	baseURL        string
	language       string
	voice          string
	turns          int
	wavPath        string
	toneMS         int
	toneHz         float64
	realtime       bool
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	serverPerf     bool
	verbose        bool
}

type turnResult struct {
	// EndToFirstAudio runs from the flush to the first audible reply frame.
	EndToFirstAudio time.Duration
	// Turn runs from the first captured frame to turn-complete.
	Turn       time.Duration
	ReplyBytes int
	Caption    string
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3000", "livebridge base URL")
	fs.StringVar(&cfg.language, "language", "", "session language (server default when empty)")
	fs.StringVar(&cfg.voice, "voice", "", "session voice (server default when empty)")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.StringVar(&cfg.wavPath, "wav", "", "16 kHz PCM16 WAV replayed as each spoken turn (synthetic tone when empty)")
	fs.IntVar(&cfg.toneMS, "tone-ms", 1200, "synthetic utterance length in milliseconds")
	fs.Float64Var(&cfg.toneHz, "tone-hz", 220, "synthetic utterance frequency")
	fs.BoolVar(&cfg.realtime, "realtime", true, "pace captured audio at wall-clock speed")
	fs.IntVar(&startDelayMS, "start-delay-ms", 300, "delay before the first turn in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for turn-complete in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "typed turns separated by '|', sent instead of audio")
	fs.BoolVar(&cfg.serverPerf, "server-perf", true, "print the server's /v1/perf/latency snapshot at the end")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.toneMS < 20 || cfg.toneMS > 30000 {
		return options{}, fmt.Errorf("tone-ms must be in [20,30000]")
	}
	if cfg.toneHz <= 0 || cfg.toneHz >= float64(audio.InputSampleRate)/2 {
		return options{}, fmt.Errorf("tone-hz must be in (0,%d)", audio.InputSampleRate/2)
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	return cfg, nil
}

func run(cfg options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	level := "warn"
	if cfg.verbose {
		level = "info"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	utterance, err := loadUtterance(cfg)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	c, err := client.New(cfg.baseURL, client.Options{Retries: 2, Logger: logger})
	if err != nil {
		return err
	}
	issued, err := c.CreateSession(ctx, session.IssueRequest{Language: cfg.language, Voice: cfg.voice})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if cfg.verbose {
		fmt.Fprintf(out, "perfvoice: session=%s turns=%d utterance=%s realtime=%t\n",
			issued.SessionID, cfg.turns, audio.Duration(len(utterance)/2, audio.InputSampleRate), cfg.realtime)
	}

	r := newReplayer(logger)
	if err := r.connect(ctx, c, issued.WSURL); err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer r.close()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		var res turnResult
		if len(cfg.texts) > 0 {
			text := cfg.texts[i%len(cfg.texts)]
			if cfg.verbose {
				fmt.Fprintf(out, "perfvoice: turn %d/%d text=%q\n", i+1, cfg.turns, text)
			}
			res, err = r.textTurn(text, cfg.turnTimeout)
		} else {
			if cfg.verbose {
				fmt.Fprintf(out, "perfvoice: turn %d/%d bytes=%d\n", i+1, cfg.turns, len(utterance))
			}
			res, err = r.audioTurn(utterance, cfg.realtime, cfg.turnTimeout)
		}
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Fprintf(out, "perfvoice: turn %d first_audio=%dms turn=%dms reply_bytes=%d caption=%q\n",
				i+1, res.EndToFirstAudio.Milliseconds(), res.Turn.Milliseconds(), res.ReplyBytes, res.Caption)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(out, results)
	if cfg.serverPerf {
		if err := printServerPerf(ctx, out, cfg.baseURL); err != nil {
			fmt.Fprintf(out, "perfvoice: server perf unavailable: %v\n", err)
		}
	}
	return nil
}

func loadUtterance(cfg options) ([]byte, error) {
	if cfg.wavPath == "" {
		return toneUtterance(cfg.toneHz, time.Duration(cfg.toneMS)*time.Millisecond), nil
	}
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", cfg.wavPath, err)
	}
	if rate != audio.InputSampleRate {
		return nil, fmt.Errorf("%s is %d Hz, want %d Hz", cfg.wavPath, rate, audio.InputSampleRate)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%s has no samples", cfg.wavPath)
	}
	return pcm, nil
}

// toneUtterance is a gated tone with short silences around it so
// server-side activity detection sees a clear start and end.
func toneUtterance(freqHz float64, d time.Duration) []byte {
	pad := make([]float32, audio.InputSampleRate/10)
	tone := audio.SineTone(freqHz, d, audio.InputSampleRate, 0.3)
	samples := make([]float32, 0, len(pad)*2+len(tone))
	samples = append(samples, pad...)
	samples = append(samples, tone...)
	samples = append(samples, pad...)
	return audio.Float32ToPCM16(samples)
}

type turnEvent struct {
	kind string
	at   time.Time
	text string
	err  error
}

// replayer drives one live connection turn by turn. Reply audio goes through a
// silent playback pipeline so first-audio timing matches what a listener
// would hear.
type replayer struct {
	logger  *zap.Logger
	conn    *client.Conn
	player  *playback.Pipeline
	seq     *playback.Sequencer
	events  chan turnEvent
	replied chan int
}

func newReplayer(logger *zap.Logger) *replayer {
	return &replayer{
		logger:  logger,
		events:  make(chan turnEvent, 64),
		replied: make(chan int, 1024),
	}
}

func (r *replayer) connect(ctx context.Context, c *client.Client, wsURL string) error {
	player, err := playback.New(playback.TimerDeviceFactory(1, nil), playback.Options{
		SampleRate: audio.OutputSampleRate,
		OnFirstAudio: func() {
			r.emit(turnEvent{kind: "first-audio", at: time.Now()})
		},
		Logger: r.logger,
	})
	if err != nil {
		return err
	}
	r.player = player
	r.seq = playback.NewSequencer(64, func(data string) {
		if err := player.Enqueue(data); err != nil {
			r.logger.Debug("dropping reply frame", zap.Error(err))
			return
		}
		if pcm, err := audio.DecodeFrame(data); err == nil {
			select {
			case r.replied <- len(pcm):
			default:
			}
		}
	})

	conn, err := c.Dial(ctx, wsURL, client.Handlers{
		OnAudio: func(data string, n uint64) { r.seq.Push(n, data) },
		OnASR: func(parts []protocol.Part) {
			r.emit(turnEvent{kind: "asr", text: protocol.PartsText(parts)})
		},
		OnTurnComplete: func() {
			player.NewTurn()
			r.emit(turnEvent{kind: "turn-complete", at: time.Now()})
		},
		OnInterrupted: func() {
			r.seq.Reset()
			_ = player.Cut()
		},
		OnError: func(msg string) {
			r.emit(turnEvent{kind: "error", err: fmt.Errorf("server error: %s", msg)})
		},
		OnServerClose: func() {
			r.emit(turnEvent{kind: "error", err: fmt.Errorf("server closed the session")})
		},
		OnDisconnect: func(err error) {
			if err != nil {
				r.emit(turnEvent{kind: "error", err: err})
			}
		},
	})
	if err != nil {
		_ = player.Close()
		return err
	}
	r.conn = conn
	return nil
}

func (r *replayer) emit(ev turnEvent) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("turn event dropped", zap.String("kind", ev.kind))
	}
}

// audioTurn streams pcm through a capture pipeline, flushes, and waits for the
// reply to complete.
func (r *replayer) audioTurn(pcm []byte, realtime bool, timeout time.Duration) (turnResult, error) {
	eof := make(chan error, 1)
	var started time.Time
	mic, err := capture.Open(capture.ReaderOpener(bytes.NewReader(pcm), capture.ReaderOptions{
		Realtime: realtime,
		OnEOF:    func(err error) { eof <- err },
	}), capture.Options{
		Constraints: capture.DefaultConstraints(),
		OnFrame: func(f capture.Frame) {
			if f.Index == 0 {
				started = time.Now()
			}
			if err := r.conn.SendAudio(f.Data); err != nil {
				r.logger.Debug("send audio failed", zap.Error(err))
			}
		},
		Logger: r.logger,
	})
	if err != nil {
		return turnResult{}, err
	}
	defer mic.Stop()

	begin := time.Now()
	if err := mic.Start(); err != nil {
		return turnResult{}, err
	}
	select {
	case err := <-eof:
		if err != nil {
			return turnResult{}, fmt.Errorf("capture: %w", err)
		}
	case <-time.After(timeout + audio.Duration(len(pcm)/2, audio.InputSampleRate)):
		return turnResult{}, fmt.Errorf("capture did not drain")
	}
	if started.IsZero() {
		started = begin
	}
	flushed := time.Now()
	if err := r.conn.Flush(); err != nil {
		return turnResult{}, fmt.Errorf("send flush: %w", err)
	}
	return r.awaitTurn(started, flushed, timeout)
}

func (r *replayer) textTurn(text string, timeout time.Duration) (turnResult, error) {
	sent := time.Now()
	if err := r.conn.SendText(text); err != nil {
		return turnResult{}, fmt.Errorf("send text: %w", err)
	}
	return r.awaitTurn(sent, sent, timeout)
}

func (r *replayer) awaitTurn(started, flushed time.Time, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res turnResult
	var captions []string
	for {
		select {
		case n := <-r.replied:
			res.ReplyBytes += n
		case ev := <-r.events:
			switch ev.kind {
			case "first-audio":
				if res.EndToFirstAudio == 0 {
					res.EndToFirstAudio = ev.at.Sub(flushed)
				}
			case "asr":
				if ev.text != "" {
					captions = append(captions, ev.text)
				}
			case "turn-complete":
				res.Turn = ev.at.Sub(started)
				res.Caption = strings.Join(captions, "")
				r.waitPlaybackIdle(timeout)
				r.drainReplies(&res)
				return res, nil
			case "error":
				return res, ev.err
			}
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s waiting for turn-complete", timeout)
		}
	}
}

// waitPlaybackIdle lets the reply finish playing so the next turn starts
// from silence.
func (r *replayer) waitPlaybackIdle(limit time.Duration) {
	deadline := time.Now().Add(limit)
	for r.player.State() != playback.StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *replayer) drainReplies(res *turnResult) {
	for {
		select {
		case n := <-r.replied:
			res.ReplyBytes += n
		default:
			return
		}
	}
}

func (r *replayer) close() {
	if r.seq != nil {
		r.seq.Reset()
	}
	if r.player != nil {
		_ = r.player.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

type latencySummary struct {
	Samples int
	Min     time.Duration
	Avg     time.Duration
	P50     time.Duration
	P95     time.Duration
	Max     time.Duration
}

func summarize(values []time.Duration) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, v := range sorted {
		total += v
	}
	return latencySummary{
		Samples: len(sorted),
		Min:     sorted[0],
		Avg:     total / time.Duration(len(sorted)),
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		Max:     sorted[len(sorted)-1],
	}
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func printSummary(out io.Writer, results []turnResult) {
	firstAudio := make([]time.Duration, 0, len(results))
	turns := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.EndToFirstAudio > 0 {
			firstAudio = append(firstAudio, r.EndToFirstAudio)
		}
		turns = append(turns, r.Turn)
	}
	for _, row := range []struct {
		name   string
		values []time.Duration
	}{
		{"end_to_first_audio", firstAudio},
		{"turn", turns},
	} {
		s := summarize(row.values)
		fmt.Fprintf(out, "perfvoice: %-18s n=%d min=%dms avg=%dms p50=%dms p95=%dms max=%dms\n",
			row.name, s.Samples, s.Min.Milliseconds(), s.Avg.Milliseconds(), s.P50.Milliseconds(), s.P95.Milliseconds(), s.Max.Milliseconds())
	}
}

func printServerPerf(ctx context.Context, out io.Writer, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&snap); err != nil {
		return err
	}
	for _, st := range snap.Stages {
		fmt.Fprintf(out, "perfvoice: server %-24s n=%d p50=%.0fms p95=%.0fms\n", st.Stage, st.Samples, st.P50MS, st.P95MS)
	}
	return nil
}
