package client

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/protocol"
)

var ErrConnClosed = errors.New("live connection closed")

// Handlers receive server envelopes in arrival order on the read goroutine.
// Nil handlers are skipped and unknown envelope types are ignored.
type Handlers struct {
	OnOpen         func()
	OnAudio        func(data string, seq uint64)
	OnASR          func(parts []protocol.Part)
	OnTurnComplete func()
	OnInterrupted  func()
	OnServerClose  func()
	OnError        func(msg string)
	// OnDisconnect runs once when the read loop ends. err is nil after Close.
	OnDisconnect func(err error)
}

// Conn is one live websocket connection.
type Conn struct {
	ws     *websocket.Conn
	h      Handlers
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newConn(ws *websocket.Conn, h Handlers, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		h:      h,
		logger: logger,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) SendAudio(data string) error {
	return c.write(protocol.ClientAudio{Type: protocol.TypeAudio, Data: data})
}

func (c *Conn) SendText(text string) error {
	return c.write(protocol.ClientText{Type: protocol.TypeText, Text: text})
}

func (c *Conn) Interrupt() error {
	return c.write(protocol.ClientInterrupt{Type: protocol.TypeInterrupt})
}

func (c *Conn) Flush() error {
	return c.write(protocol.ClientFlush{Type: protocol.TypeFlush})
}

// Done is closed when the read loop has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and tears the socket down. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(v any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Conn) readLoop() {
	var readErr error
	defer func() {
		close(c.done)
		select {
		case <-c.closed:
			readErr = nil
		default:
		}
		if c.h.OnDisconnect != nil {
			c.h.OnDisconnect(readErr)
		}
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				readErr = err
			}
			return
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedType) {
				c.logger.Debug("dropping malformed server message", zap.Error(err))
			}
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg any) {
	switch m := msg.(type) {
	case protocol.ServerOpen:
		if c.h.OnOpen != nil {
			c.h.OnOpen()
		}
	case protocol.AudioOut:
		if c.h.OnAudio != nil && m.Data != "" {
			c.h.OnAudio(m.Data, m.Seq)
		}
	case protocol.ASR:
		if c.h.OnASR != nil {
			c.h.OnASR(m.Parts)
		}
	case protocol.TurnComplete:
		if c.h.OnTurnComplete != nil {
			c.h.OnTurnComplete()
		}
	case protocol.Interrupted:
		if c.h.OnInterrupted != nil {
			c.h.OnInterrupted()
		}
	case protocol.ServerClose:
		if c.h.OnServerClose != nil {
			c.h.OnServerClose()
		}
	case protocol.ErrorEvent:
		if c.h.OnError != nil {
			c.h.OnError(m.Error)
		}
	}
}
