// Package presenter implements the user-facing client of the control plane.
// A Client pins one session conversation and exchanges REQUEST.USER_MSG for
// INFORM.PRESENTER_REPLY with the coordinator, one question at a time.
package presenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
	"github.com/fipago/mas/corr"
	"github.com/fipago/mas/telemetry"
)

// ErrTimeout reports that the coordinator did not answer in time.
var ErrTimeout = errors.New("presenter: no reply from coordinator")

type (
	// Options configures a Client.
	Options struct {
		// Conn is the client's bus attachment. Required.
		Conn bus.Conn
		// CoordinatorJID addresses the coordinator. Required.
		CoordinatorJID string
		// Timeout bounds each Ask. Defaults to 15s.
		Timeout time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Client is a session-pinned presenter. Safe for concurrent use; Ask
	// serializes so only one question is outstanding on the session.
	Client struct {
		conn    bus.Conn
		coord   string
		timeout time.Duration
		conv    string
		book    *corr.Book
		log     telemetry.Logger

		mu sync.Mutex
	}
)

// New validates opts and opens a session.
func New(opts Options) (*Client, error) {
	if opts.Conn == nil {
		return nil, errors.New("presenter: bus connection is required")
	}
	if opts.CoordinatorJID == "" {
		return nil, errors.New("presenter: coordinator jid is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Client{
		conn:    opts.Conn,
		coord:   opts.CoordinatorJID,
		timeout: opts.Timeout,
		conv:    fmt.Sprintf("sess-pres-%d", time.Now().UnixMilli()),
		book:    corr.NewBook(opts.Timeout + 2*time.Second),
		log:     opts.Logger,
	}, nil
}

// Conversation returns the pinned session conversation id.
func (c *Client) Conversation() string {
	return c.conv
}

// Ask sends the question and blocks for the coordinator's reply text.
func (c *Client) Ask(ctx context.Context, question string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	replyID := acl.NewReplyID("msg")
	c.book.Register(c.conv, replyID,
		corr.WithAllowFrom(c.coord),
		corr.WithAllowPF(acl.Inform, acl.Refuse, acl.Failure, acl.NotUnderstood),
		corr.WithNote("user message"))
	// The PRESENTER_REPLY carries no in_reply_to, so the matcher never
	// consumes this entry; retire it on every exit.
	defer c.book.Drop(c.conv, replyID)

	f, err := acl.New("REQUEST", c.conn.JID(), c.coord, map[string]any{
		"type": "USER_MSG",
		"args": map[string]any{"question": question},
		"meta": map[string]any{"presenter_jid": bus.Bare(c.conn.JID())},
	}, acl.WithConversation(c.conv), acl.WithReplyWith(replyID))
	if err != nil {
		return "", err
	}
	raw, err := f.Marshal()
	if err != nil {
		return "", err
	}
	if err := c.conn.Send(ctx, c.coord, raw); err != nil {
		return "", err
	}
	c.log.Debug(ctx, "question sent", "conv", c.conv, "reply_with", replyID)

	deadline := time.Now().Add(c.timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return "", ErrTimeout
		}
		rctx, cancel := context.WithTimeout(ctx, wait)
		d, err := c.conn.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ErrTimeout
		}

		var body map[string]any
		if err := json.Unmarshal(d.Body, &body); err != nil {
			continue
		}
		pf, err := acl.Normalize(acl.NestedString(body, "performative"))
		if err != nil {
			continue
		}
		conv := acl.NestedString(body, "conversation_id")
		if !c.book.MatchAndPop(conv, acl.NestedString(body, "in_reply_to"), bus.Bare(d.From), pf) {
			c.log.Debug(ctx, "dropped uncorrelated frame", "from", d.From, "pf", string(pf))
			continue
		}
		if conv != c.conv {
			continue
		}
		typ := strings.ToUpper(acl.NestedString(body, "content", "type"))
		switch {
		case pf == acl.Inform && typ == "PRESENTER_REPLY":
			return acl.NestedString(body, "content", "text"), nil
		case pf == acl.Refuse || pf == acl.Failure || pf == acl.NotUnderstood:
			reason := acl.NestedString(body, "content", "reason")
			if reason == "" {
				reason = string(pf)
			}
			return "", fmt.Errorf("presenter: coordinator rejected question: %s", reason)
		}
	}
}
