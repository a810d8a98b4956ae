// Package bus abstracts the message transport between agents. A Conn is an
// agent's mailbox bound to its JID: it sends opaque byte payloads to other
// JIDs and receives deliveries addressed to it. The control plane never
// depends on a concrete transport; bus/inmem serves tests and local runs,
// bus/redis serves multi-process deployments.
package bus

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("bus: connection closed")

type (
	// Delivery is one inbound message.
	Delivery struct {
		// From is the sender JID as reported by the transport.
		From string
		// Body is the raw frame payload.
		Body []byte
	}

	// Conn is an agent's attachment to the bus.
	Conn interface {
		// JID returns the address this connection receives on.
		JID() string
		// Send delivers body to the agent addressed by to. Sends to unknown
		// addresses are not an error; the transport drops them.
		Send(ctx context.Context, to string, body []byte) error
		// Receive blocks for the next delivery. It returns ctx.Err() when the
		// context ends and ErrClosed after Close.
		Receive(ctx context.Context) (Delivery, error)
		// Close detaches from the bus.
		Close() error
	}

	// Dialer attaches connections to a transport.
	Dialer interface {
		Dial(ctx context.Context, jid string) (Conn, error)
	}
)

// Bare strips a JID's resource part: "df@mas/main" becomes "df@mas".
// Routing is by bare JID on every transport.
func Bare(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}
