package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/livebridge/internal/audio"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client -> server.
const (
	TypeAudio     MessageType = "audio"
	TypeText      MessageType = "text"
	TypeInterrupt MessageType = "interrupt"
	TypeFlush     MessageType = "flush"
)

// Server -> client. TypeAudio is shared by both directions.
const (
	TypeServerOpen   MessageType = "server-open"
	TypeASR          MessageType = "asr"
	TypeTurnComplete MessageType = "turn-complete"
	TypeInterrupted  MessageType = "interrupted"
	TypeServerClose  MessageType = "server-close"
	TypeError        MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudio carries one base64 PCM16 frame at 16 kHz. PCM holds the decoded
// bytes after a successful parse.
type ClientAudio struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
	PCM  []byte      `json:"-"`
}

type ClientText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ClientInterrupt struct {
	Type MessageType `json:"type"`
}

type ClientFlush struct {
	Type MessageType `json:"type"`
}

type ServerOpen struct {
	Type MessageType `json:"type"`
}

// AudioOut carries one base64 PCM16 frame at 24 kHz. Seq increases by one per
// frame on a connection; zero means the sender did not number it.
type AudioOut struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
	Seq  uint64      `json:"seq,omitempty"`
}

// Part is one caption fragment of a model turn.
type Part struct {
	Text string `json:"text"`
}

type ASR struct {
	Type  MessageType `json:"type"`
	Parts []Part      `json:"parts"`
}

type TurnComplete struct {
	Type MessageType `json:"type"`
}

type Interrupted struct {
	Type MessageType `json:"type"`
}

type ServerClose struct {
	Type MessageType `json:"type"`
}

type ErrorEvent struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

func NewServerOpen() ServerOpen     { return ServerOpen{Type: TypeServerOpen} }
func NewTurnComplete() TurnComplete { return TurnComplete{Type: TypeTurnComplete} }
func NewInterrupted() Interrupted   { return Interrupted{Type: TypeInterrupted} }
func NewServerClose() ServerClose   { return ServerClose{Type: TypeServerClose} }

func NewAudioOut(data string, seq uint64) AudioOut {
	return AudioOut{Type: TypeAudio, Data: data, Seq: seq}
}

func NewASR(parts []Part) ASR {
	return ASR{Type: TypeASR, Parts: parts}
}

func NewError(msg string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: msg}
}

// ParseClientMessage decodes one client envelope into ClientAudio, ClientText,
// ClientInterrupt or ClientFlush.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, fmt.Errorf("%w: empty audio", ErrInvalidMessage)
		}
		pcm, err := audio.DecodeFrame(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if len(pcm) == 0 {
			return nil, fmt.Errorf("%w: empty audio", ErrInvalidMessage)
		}
		msg.PCM = pcm
		return msg, nil
	case TypeText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fmt.Errorf("%w: empty text", ErrInvalidMessage)
		}
		return msg, nil
	case TypeInterrupt:
		return ClientInterrupt{Type: TypeInterrupt}, nil
	case TypeFlush:
		return ClientFlush{Type: TypeFlush}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes one server envelope for the Go client. Unknown
// types return ErrUnsupportedType so callers can ignore them.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeServerOpen:
		return NewServerOpen(), nil
	case TypeAudio:
		var msg AudioOut
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeASR:
		var msg ASR
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTurnComplete:
		return NewTurnComplete(), nil
	case TypeInterrupted:
		return NewInterrupted(), nil
	case TypeServerClose:
		return NewServerClose(), nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// PartsText joins the caption text of parts.
func PartsText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}
