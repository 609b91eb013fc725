package model

import (
	"context"
	"errors"

	"github.com/ent0n29/livebridge/internal/reliability"
)

// ErrMissingCredential is returned by Connect when the provider has no API key.
var ErrMissingCredential = reliability.Permanent(errors.New("missing model credential"))

// ErrClosed is returned by sends on a closed connection.
var ErrClosed = errors.New("model connection closed")

type EventType string

const (
	EventOpen         EventType = "open"
	EventAudio        EventType = "audio"
	EventContent      EventType = "content"
	EventTurnComplete EventType = "turn_complete"
	EventInterrupted  EventType = "interrupted"
	EventError        EventType = "error"
)

// Part is one text fragment of a model turn.
type Part struct {
	Text string
}

// Event is one inbound item from the model. Audio holds raw PCM16 LE bytes at
// Config.OutputSampleRate.
type Event struct {
	Type  EventType
	Audio []byte
	Parts []Part
	Err   error
}

type Config struct {
	SystemInstruction string
	Voice             string
	Language          string
	InputMIMEType     string
	OutputSampleRate  int
	// VAD leaves turn detection to the provider.
	VAD bool
}

// Connection is one live conversation with the model. Events is closed when
// the connection ends for any reason. Sends are safe for concurrent use.
type Connection interface {
	SendAudio(ctx context.Context, pcm []byte, mimeType string) error
	SendText(ctx context.Context, text string) error
	// Interrupt asks the model to abandon the reply it is producing.
	Interrupt(ctx context.Context) error
	// Flush signals the end of the current audio stream.
	Flush(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, cfg Config) (Connection, error)
	Name() string
}
