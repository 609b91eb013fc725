package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/audiodev"
	"github.com/ent0n29/livebridge/internal/capture"
	"github.com/ent0n29/livebridge/internal/client"
	"github.com/ent0n29/livebridge/internal/logging"
	"github.com/ent0n29/livebridge/internal/playback"
	"github.com/ent0n29/livebridge/internal/session"
)

type options struct {
	server            string
	language          string
	voice             string
	systemInstruction string
	inputWAV          string
	silent            bool
	saveReply         string
	logLevel          string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "voicetalk",
		Short: "Press-to-talk terminal client for a livebridge server",
		Long: `Talk to the live speech model from a terminal.

Commands (type and press Enter):
  t          start talking; t again to stop (the reply keeps playing)
  s          barge-in: stop the reply now
  x          end the session
  q          quit
  > text     send typed text instead of speech

Examples:
  voicetalk
  voicetalk --server http://127.0.0.1:3000 --language hi-IN
  voicetalk --input question.wav --silent --save-reply reply.wav`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", envOr("LIVEBRIDGE_URL", "http://127.0.0.1:3000"), "livebridge base URL")
	cmd.Flags().StringVar(&opts.language, "language", "", "BCP-47 language for the session (server default when empty)")
	cmd.Flags().StringVar(&opts.voice, "voice", "", "prebuilt voice name (server default when empty)")
	cmd.Flags().StringVar(&opts.systemInstruction, "system-instruction", "", "override the system instruction")
	cmd.Flags().StringVar(&opts.inputWAV, "input", "", "replay a 16 kHz mono WAV instead of the microphone")
	cmd.Flags().BoolVar(&opts.silent, "silent", false, "do not open the speaker; replies are timed but not heard")
	cmd.Flags().StringVar(&opts.saveReply, "save-reply", "", "write all reply audio to this WAV file on exit")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	return cmd
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(opts.logLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	c, err := client.New(opts.server, client.Options{Retries: 2, Logger: logger})
	if err != nil {
		return err
	}

	opener, closeInput, err := inputOpener(opts, logger)
	if err != nil {
		return err
	}
	defer closeInput()

	output := playback.TimerDeviceFactory(1, nil)
	if !opts.silent {
		speaker, err := audiodev.NewSpeaker(audio.OutputSampleRate)
		if err != nil {
			return err
		}
		output = speaker.Factory()
	}

	var (
		replyMu  sync.Mutex
		replyPCM []byte
	)
	var (
		captionMu   sync.Mutex
		lastCaption string
	)
	talker, err := client.NewTalker(client.TalkerOptions{
		Client:  c,
		Capture: opener,
		Output:  output,
		Request: session.IssueRequest{
			Language:          opts.language,
			Voice:             opts.voice,
			SystemInstruction: opts.systemInstruction,
		},
		OnCaption: func(text string) {
			captionMu.Lock()
			defer captionMu.Unlock()
			if text != "" && text != lastCaption {
				fmt.Fprintf(out, "  model: %s\n", text)
			}
			lastCaption = text
		},
		OnLatency: func(d time.Duration) {
			fmt.Fprintf(out, "  latency: %d ms\n", d.Milliseconds())
		},
		OnReplyAudio: func(pcm []byte) {
			if opts.saveReply == "" {
				return
			}
			replyMu.Lock()
			replyPCM = append(replyPCM, pcm...)
			replyMu.Unlock()
		},
		OnError: func(msg string) {
			fmt.Fprintf(out, "  error: %s\n", msg)
		},
		OnClosed: func() {
			fmt.Fprintln(out, "  session closed")
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		talker.Stop()
		if opts.saveReply == "" {
			return
		}
		replyMu.Lock()
		defer replyMu.Unlock()
		if err := audio.WriteWAVPCM16LEFile(opts.saveReply, replyPCM, audio.OutputSampleRate); err != nil {
			fmt.Fprintf(out, "  save reply: %v\n", err)
			return
		}
		fmt.Fprintf(out, "  reply saved to %s (%s)\n", opts.saveReply, audio.Duration(len(replyPCM)/2, audio.OutputSampleRate))
	}()

	fmt.Fprintln(out, "voicetalk ready: t=talk s=stop reply x=end session q=quit, > text to type")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	talking := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, arg := parseCommand(line)
			switch cmd {
			case cmdTalk:
				if talking {
					talking = false
					err = talker.HoldEnd()
					fmt.Fprintln(out, "  ...listening for reply")
				} else {
					talking = true
					err = talker.HoldStart(ctx)
					if err == nil {
						fmt.Fprintln(out, "  talking (t to stop)")
					} else {
						talking = false
					}
				}
			case cmdBargeIn:
				err = talker.HardStop()
			case cmdEndSession:
				talking = false
				talker.Stop()
			case cmdText:
				err = talker.SendText(ctx, arg)
			case cmdQuit:
				return nil
			case cmdNone:
				continue
			default:
				fmt.Fprintf(out, "  unknown command %q\n", strings.TrimSpace(line))
				continue
			}
			if err != nil {
				fmt.Fprintf(out, "  %v\n", err)
			}
		}
	}
}

// inputOpener picks the microphone or a WAV replay.
func inputOpener(opts options, logger *zap.Logger) (capture.Opener, func(), error) {
	if opts.inputWAV != "" {
		data, err := os.ReadFile(opts.inputWAV)
		if err != nil {
			return nil, nil, err
		}
		pcm, rate, err := audio.DecodeWAVPCM16(data)
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", opts.inputWAV, err)
		}
		if rate != audio.InputSampleRate {
			return nil, nil, fmt.Errorf("%s is %d Hz; the live model expects %d Hz", opts.inputWAV, rate, audio.InputSampleRate)
		}
		return capture.ReaderOpener(bytes.NewReader(pcm), capture.ReaderOptions{Realtime: true}), func() {}, nil
	}
	mic, err := audiodev.NewMicrophone(logger)
	if err != nil {
		return nil, nil, err
	}
	return mic.Opener(), func() { _ = mic.Close() }, nil
}

type command int

const (
	cmdNone command = iota
	cmdTalk
	cmdBargeIn
	cmdEndSession
	cmdText
	cmdQuit
	cmdUnknown
)

func parseCommand(line string) (command, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return cmdNone, ""
	}
	if strings.HasPrefix(line, ">") {
		text := strings.TrimSpace(strings.TrimPrefix(line, ">"))
		if text == "" {
			return cmdNone, ""
		}
		return cmdText, text
	}
	switch strings.ToLower(line) {
	case "t", "talk":
		return cmdTalk, ""
	case "s", "stop":
		return cmdBargeIn, ""
	case "x", "end":
		return cmdEndSession, ""
	case "q", "quit", "exit":
		return cmdQuit, ""
	default:
		return cmdUnknown, ""
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
