// Package inmem provides an in-process bus exchange. Every dialed JID gets a
// buffered mailbox; sends route by bare JID and never block the sender. Used
// by tests and single-process deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/fipago/mas/bus"
)

// mailboxDepth bounds each agent's inbox. A full inbox drops new deliveries,
// matching the at-most-once posture of the wire contract.
const mailboxDepth = 64

type (
	// Exchange routes messages between in-process connections.
	Exchange struct {
		mu     sync.RWMutex
		boxes  map[string]chan bus.Delivery
		closed bool
	}

	conn struct {
		ex   *Exchange
		jid  string
		bare string
		box  chan bus.Delivery

		closeOnce sync.Once
		closeCh   chan struct{}
	}
)

// NewExchange returns an empty exchange.
func NewExchange() *Exchange {
	return &Exchange{boxes: make(map[string]chan bus.Delivery)}
}

// Dial attaches a connection for jid. Dialing a bare JID that is already
// attached rebinds its mailbox to the new connection.
func (ex *Exchange) Dial(_ context.Context, jid string) (bus.Conn, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.closed {
		return nil, bus.ErrClosed
	}
	bare := bus.Bare(jid)
	box := make(chan bus.Delivery, mailboxDepth)
	ex.boxes[bare] = box
	return &conn{ex: ex, jid: jid, bare: bare, box: box, closeCh: make(chan struct{})}, nil
}

// Close shuts the exchange down. Existing connections keep draining their
// mailboxes but new dials fail.
func (ex *Exchange) Close() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.closed = true
}

func (ex *Exchange) deliver(from, to string, body []byte) {
	ex.mu.RLock()
	box, ok := ex.boxes[bus.Bare(to)]
	ex.mu.RUnlock()
	if !ok {
		return
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	select {
	case box <- bus.Delivery{From: from, Body: cp}:
	default:
		// Inbox full; drop rather than block the sender.
	}
}

func (c *conn) JID() string { return c.jid }

func (c *conn) Send(_ context.Context, to string, body []byte) error {
	select {
	case <-c.closeCh:
		return bus.ErrClosed
	default:
	}
	c.ex.deliver(c.jid, to, body)
	return nil
}

func (c *conn) Receive(ctx context.Context) (bus.Delivery, error) {
	select {
	case d := <-c.box:
		return d, nil
	case <-c.closeCh:
		return bus.Delivery{}, bus.ErrClosed
	case <-ctx.Done():
		return bus.Delivery{}, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.ex.mu.Lock()
		if c.ex.boxes[c.bare] == c.box {
			delete(c.ex.boxes, c.bare)
		}
		c.ex.mu.Unlock()
	})
	return nil
}
