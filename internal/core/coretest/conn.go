package coretest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/dkeye/meet/internal/core"
)

var ErrConnClosed = errors.New("connection closed")

// Message is one decoded outbound frame. Events carry Event; replies carry
// ID and either Data or Error.
type Message struct {
	Event string          `json:"event,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Conn is a core.SignalConnection that records every accepted frame.
type Conn struct {
	full   atomic.Bool
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func NewConn() *Conn { return &Conn{} }

// SetFull makes TrySend report backpressure.
func (c *Conn) SetFull(full bool) { c.full.Store(full) }

func (c *Conn) TrySend(f core.Frame) error {
	if c.full.Load() {
		return core.ErrBackpressure
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func (c *Conn) Messages() []Message {
	c.mu.Lock()
	frames := append([]core.Frame(nil), c.frames...)
	c.mu.Unlock()

	out := make([]Message, 0, len(frames))
	for _, f := range frames {
		var m Message
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Names lists event names in arrival order; replies show up as "#reply".
func (c *Conn) Names() []string {
	var out []string
	for _, m := range c.Messages() {
		if m.Event == "" {
			out = append(out, "#reply")
			continue
		}
		out = append(out, m.Event)
	}
	return out
}

// Events returns the payloads of every event named name.
func (c *Conn) Events(name string) []json.RawMessage {
	var out []json.RawMessage
	for _, m := range c.Messages() {
		if m.Event == name {
			out = append(out, m.Data)
		}
	}
	return out
}

func (c *Conn) Count(name string) int { return len(c.Events(name)) }
