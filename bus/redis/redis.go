// Package redis implements the bus over Redis pub/sub. Every agent
// subscribes to one inbox channel derived from its bare JID; payloads travel
// inside a small {from, body} wrapper so receivers learn the sender without
// trusting the frame envelope.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fipago/mas/bus"
)

const channelPrefix = "mas:inbox:"

type (
	// Dialer attaches connections to a Redis deployment.
	Dialer struct {
		client *goredis.Client
	}

	conn struct {
		client *goredis.Client
		jid    string
		sub    *goredis.PubSub
		ch     <-chan *goredis.Message

		closeOnce sync.Once
		closeCh   chan struct{}
	}

	wrapper struct {
		From string          `json:"from"`
		Body json.RawMessage `json:"body"`
	}
)

// NewDialer builds a Dialer from a Redis URL such as
// "redis://localhost:6379/0". An explicit password overrides the URL's.
func NewDialer(url, password string) (*Dialer, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis bus: parse url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	return &Dialer{client: goredis.NewClient(opts)}, nil
}

// Dial subscribes jid's inbox channel and verifies the server is reachable.
func (d *Dialer) Dial(ctx context.Context, jid string) (bus.Conn, error) {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis bus: ping: %w", err)
	}
	sub := d.client.Subscribe(ctx, inboxChannel(jid))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redis bus: subscribe %s: %w", inboxChannel(jid), err)
	}
	return &conn{
		client:  d.client,
		jid:     jid,
		sub:     sub,
		ch:      sub.Channel(),
		closeCh: make(chan struct{}),
	}, nil
}

// Close releases the underlying client.
func (d *Dialer) Close() error { return d.client.Close() }

func (c *conn) JID() string { return c.jid }

func (c *conn) Send(ctx context.Context, to string, body []byte) error {
	select {
	case <-c.closeCh:
		return bus.ErrClosed
	default:
	}
	w, err := json.Marshal(wrapper{From: c.jid, Body: body})
	if err != nil {
		return fmt.Errorf("redis bus: wrap: %w", err)
	}
	// Publish to an inbox nobody subscribes is a no-op, same as inmem drops.
	if err := c.client.Publish(ctx, inboxChannel(to), w).Err(); err != nil {
		return fmt.Errorf("redis bus: publish to %s: %w", bus.Bare(to), err)
	}
	return nil
}

func (c *conn) Receive(ctx context.Context) (bus.Delivery, error) {
	for {
		select {
		case m, ok := <-c.ch:
			if !ok {
				return bus.Delivery{}, bus.ErrClosed
			}
			var w wrapper
			if err := json.Unmarshal([]byte(m.Payload), &w); err != nil {
				// Foreign payload on our channel; skip it.
				continue
			}
			return bus.Delivery{From: w.From, Body: w.Body}, nil
		case <-c.closeCh:
			return bus.Delivery{}, bus.ErrClosed
		case <-ctx.Done():
			return bus.Delivery{}, ctx.Err()
		}
	}
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.sub.Close()
	})
	return err
}

func inboxChannel(jid string) string {
	return channelPrefix + bus.Bare(jid)
}
