// Package telegramtest provides in-memory implementations of the telegram
// transport interfaces for tests.
package telegramtest

import (
	"context"
	"sync"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/telegram"
)

// Sent is one delivered message.
type Sent struct {
	ChatID string
	Text   string
}

// Conn is a telegram.Conn fed by Push.
type Conn struct {
	events    chan telegram.Event
	closeOnce sync.Once

	mu       sync.Mutex
	sent     []Sent
	attempts int
	sendErr  error
	closed   bool
}

// NewConn returns an open connection with a small event buffer.
func NewConn() *Conn {
	return &Conn{events: make(chan telegram.Event, 16)}
}

// Push queues an inbound event. It must not be called after Close.
func (c *Conn) Push(ev telegram.Event) {
	c.events <- ev
}

func (c *Conn) Events() <-chan telegram.Event {
	return c.events
}

func (c *Conn) Send(_ context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.sendErr != nil {
		return apperr.New(apperr.ErrTransport, "send failed", c.sendErr)
	}
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text})
	return nil
}

func (c *Conn) Close(context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
	return nil
}

// FailSends makes every later Send fail with err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns the successfully sent messages in order.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// SendAttempts counts Send calls, failed ones included.
func (c *Conn) SendAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out a fresh Conn per Dial and remembers the latest one for
// each bot.
type Dialer struct {
	mu    sync.Mutex
	conns map[string]*Conn
	dials   int
	waiting int
	err     error
	// Gate, when set, blocks Dial until it is closed or ctx ends. Set it
	// before the first Dial.
	Gate chan struct{}
}

// NewDialer returns a dialer that always succeeds.
func NewDialer() *Dialer {
	return &Dialer{conns: make(map[string]*Conn)}
}

// FailWith makes later dials fail with err. Nil restores success.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Dialer) Dial(ctx context.Context, botID, token string) (telegram.Conn, error) {
	if d.Gate != nil {
		d.mu.Lock()
		d.waiting++
		d.mu.Unlock()
		select {
		case <-d.Gate:
		case <-ctx.Done():
			d.mu.Lock()
			d.waiting--
			d.mu.Unlock()
			return nil, apperr.New(apperr.ErrTransport, "dial cancelled", ctx.Err())
		}
		d.mu.Lock()
		d.waiting--
		d.mu.Unlock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if token == "" {
		return nil, apperr.New(apperr.ErrAuth, "empty token", nil)
	}
	conn := NewConn()
	d.conns[botID] = conn
	return conn, nil
}

// Conn returns the latest connection dialed for botID, or nil.
func (d *Dialer) Conn(botID string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[botID]
}

// Waiting counts dials currently held at Gate.
func (d *Dialer) Waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting
}

// Dials counts Dial calls.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
