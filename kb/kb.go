// Package kb implements the knowledge-base agent: an append-only versioned
// store behind the ACL bus. Frames addressed to the KB carry their operation
// fields (type, key, value, if_match, ...) at the top level of the JSON body
// next to the envelope fields, and KB replies mirror that flat layout. KB
// replies carry no in_reply_to; callers correlate by conversation.
package kb

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
	"github.com/fipago/mas/kb/store"
	"github.com/fipago/mas/telemetry"
)

// maxInFlight bounds concurrently served KB requests.
const maxInFlight = 8

type (
	// Options configures the agent.
	Options struct {
		// Conn is the agent's bus attachment. Required.
		Conn bus.Conn
		// Store is the persistence backend. Required.
		Store store.Store
		// AllowedWriter is the only bare JID the KB serves. Required.
		AllowedWriter string
		// DFJID enables self-registration and heartbeats when set.
		DFJID string
		// Capabilities advertised at the DF. Defaults to KB.STORE, KB.GET.
		Capabilities []string
		// Heartbeat is the DF heartbeat interval. Defaults to 30s.
		Heartbeat time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Agent is the knowledge-base agent.
	Agent struct {
		conn   bus.Conn
		store  store.Store
		writer string
		dfJID  string
		caps   []string
		hb     time.Duration
		log    telemetry.Logger
		sem    chan struct{}
	}
)

// New validates opts and builds the agent.
func New(opts Options) (*Agent, error) {
	if opts.Conn == nil {
		return nil, errors.New("kb: bus connection is required")
	}
	if opts.Store == nil {
		return nil, errors.New("kb: store is required")
	}
	if strings.TrimSpace(opts.AllowedWriter) == "" {
		return nil, errors.New("kb: allowed writer is required")
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = []string{"KB.STORE", "KB.GET"}
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Agent{
		conn:   opts.Conn,
		store:  opts.Store,
		writer: bus.Bare(opts.AllowedWriter),
		dfJID:  opts.DFJID,
		caps:   opts.Capabilities,
		hb:     opts.Heartbeat,
		log:    opts.Logger,
		sem:    make(chan struct{}, maxInFlight),
	}, nil
}

// Run registers at the DF, starts heartbeating and serves requests until ctx
// ends. Each request is handled on its own goroutine, bounded by a small
// semaphore so a slow backend cannot pile up unbounded work.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info(ctx, "kb started", "jid", a.conn.JID(), "writer", a.writer)
	if a.dfJID != "" {
		a.register(ctx)
		go a.heartbeatLoop(ctx)
	}
	for {
		d, err := a.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case a.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		go func(d bus.Delivery) {
			defer func() { <-a.sem }()
			a.handle(ctx, d)
		}(d)
	}
}

func (a *Agent) handle(ctx context.Context, d bus.Delivery) {
	var body map[string]any
	if err := json.Unmarshal(d.Body, &body); err != nil {
		a.log.Warn(ctx, "kb invalid json", "from", d.From, "err", err.Error())
		a.reply(ctx, d.From, "", acl.Failure, map[string]any{
			"type": "FAILURE.INVALID_JSON", "reason": "Body is not valid JSON",
		})
		return
	}
	sender, _ := body["sender"].(string)
	if strings.TrimSpace(sender) == "" {
		sender = d.From
	}
	conv, _ := body["conversation_id"].(string)

	pf, err := acl.Normalize(str(body["performative"]))
	if err != nil || pf != acl.Request {
		a.log.Debug(ctx, "kb ignored frame", "from", d.From, "pf", str(body["performative"]))
		return
	}
	if bus.Bare(sender) != a.writer {
		a.log.Warn(ctx, "kb unauthorized", "from", sender)
		a.reply(ctx, sender, conv, acl.Refuse, map[string]any{
			"type": "REFUSE.UNAUTHORIZED", "reason": "Only " + a.writer,
		})
		return
	}

	switch strings.ToUpper(str(body["type"])) {
	case "STORE":
		a.handleStore(ctx, sender, conv, body)
	case "GET":
		a.handleGet(ctx, sender, conv, body)
	default:
		a.reply(ctx, sender, conv, acl.Refuse, map[string]any{
			"type": "REFUSE.UNSUPPORTED_TYPE", "reason": str(body["type"]),
		})
	}
}

func (a *Agent) handleStore(ctx context.Context, sender, conv string, body map[string]any) {
	timer := prometheus.NewTimer(opSeconds.WithLabelValues("store"))
	defer timer.ObserveDuration()

	key := strings.TrimSpace(str(body["key"]))
	if !store.ValidKey(key) {
		storeFail.Inc()
		a.reply(ctx, sender, conv, acl.Failure, map[string]any{
			"type": "FAILURE.INVALID_KEY", "key": key,
			"reason": "Key must have 5 segments and allowed chars [a-z0-9._-]",
		})
		return
	}
	put := store.Put{
		Key:         key,
		ContentType: str(body["content_type"]),
		Value:       body["value"],
		Tags:        strSlice(body["tags"]),
		CreatedBy:   bus.Bare(sender),
		IfMatch:     str(body["if_match"]),
	}
	item, err := a.store.Put(ctx, put)
	switch {
	case errors.Is(err, store.ErrConflict):
		storeConflict.Inc()
		a.log.Info(ctx, "kb store conflict", "key", key, "if_match", put.IfMatch)
		a.reply(ctx, sender, conv, acl.Failure, map[string]any{
			"type": "FAILURE.CONFLICT", "key": key, "reason": err.Error(),
		})
	case err != nil:
		storeFail.Inc()
		a.log.Error(ctx, "kb store failed", "key", key, "err", err.Error())
		a.reply(ctx, sender, conv, acl.Failure, map[string]any{
			"type": "FAILURE.EXCEPTION", "key": key, "reason": err.Error(),
		})
	default:
		storeOK.Inc()
		a.log.Debug(ctx, "kb stored", "key", key, "version", item.Version)
		a.reply(ctx, sender, conv, acl.Inform, map[string]any{
			"type":      "STORED",
			"key":       item.Key,
			"version":   item.Version,
			"etag":      item.ETag,
			"stored_at": item.StoredAt.Format(time.RFC3339Nano),
		})
	}
}

func (a *Agent) handleGet(ctx context.Context, sender, conv string, body map[string]any) {
	timer := prometheus.NewTimer(opSeconds.WithLabelValues("get"))
	defer timer.ObserveDuration()

	key := strings.TrimSpace(str(body["key"]))
	if !store.ValidKey(key) {
		getFail.Inc()
		a.reply(ctx, sender, conv, acl.Failure, map[string]any{
			"type": "FAILURE.INVALID_KEY", "key": key,
			"reason": "Key must have 5 segments and allowed chars [a-z0-9._-]",
		})
		return
	}
	get := store.Get{Key: key}
	switch v := body["version"].(type) {
	case float64:
		if v > 0 {
			get.Version = int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			get.Version = n
		}
	}
	if raw := str(body["as_of"]); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			get.AsOf = ts
		}
	}
	item, err := a.store.Get(ctx, get)
	switch {
	case errors.Is(err, store.ErrNotFound):
		getNotFound.Inc()
		a.reply(ctx, sender, conv, acl.Failure, map[string]any{
			"type": "FAILURE.NOT_FOUND", "key": key, "reason": err.Error(),
		})
	case err != nil:
		getFail.Inc()
		a.log.Error(ctx, "kb get failed", "key", key, "err", err.Error())
		a.reply(ctx, sender, conv, acl.Failure, map[string]any{
			"type": "FAILURE.EXCEPTION", "key": key, "reason": err.Error(),
		})
	default:
		getOK.Inc()
		contentType := item.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		a.reply(ctx, sender, conv, acl.Inform, map[string]any{
			"type":         "VALUE",
			"key":          item.Key,
			"value":        item.Value,
			"version":      item.Version,
			"etag":         item.ETag,
			"content_type": contentType,
			"stored_at":    item.StoredAt.Format(time.RFC3339Nano),
		})
	}
}

// reply emits a flat KB frame: envelope fields plus the operation fields at
// the top level, and deliberately no in_reply_to.
func (a *Agent) reply(ctx context.Context, to, conv string, pf acl.Performative, fields map[string]any) {
	body := map[string]any{
		"performative": string(pf),
		"sender":       a.conn.JID(),
		"receiver":     to,
		"ontology":     acl.OntologyKB,
		"protocol":     acl.DefaultProtocol(pf),
		"language":     acl.DefaultLanguage,
		"timestamp":    acl.NowISO(),
	}
	if conv != "" {
		body["conversation_id"] = conv
	}
	for k, v := range fields {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		a.log.Error(ctx, "kb reply marshal failed", "err", err.Error())
		return
	}
	if err := a.conn.Send(ctx, to, raw); err != nil {
		a.log.Warn(ctx, "kb reply send failed", "to", to, "err", err.Error())
	}
}

// register announces the KB at the directory facilitator.
func (a *Agent) register(ctx context.Context) {
	f, err := acl.New("REQUEST", a.conn.JID(), a.dfJID, map[string]any{
		"type": "REGISTER",
		"profile": map[string]any{
			"jid":          bus.Bare(a.conn.JID()),
			"capabilities": a.caps,
		},
	}, acl.WithOntology(acl.OntologyDF), acl.WithReplyWith(acl.NewReplyID("kbreg")))
	if err != nil {
		a.log.Error(ctx, "kb register build failed", "err", err.Error())
		return
	}
	raw, _ := f.Marshal()
	if err := a.conn.Send(ctx, a.dfJID, raw); err != nil {
		a.log.Warn(ctx, "kb register send failed", "err", err.Error())
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(a.hb)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f, err := acl.New("REQUEST", a.conn.JID(), a.dfJID, map[string]any{
				"type": "HEARTBEAT",
				"jid":  bus.Bare(a.conn.JID()),
			}, acl.WithOntology(acl.OntologyDF))
			if err != nil {
				continue
			}
			raw, _ := f.Marshal()
			if err := a.conn.Send(ctx, a.dfJID, raw); err != nil {
				a.log.Warn(ctx, "kb heartbeat send failed", "err", err.Error())
			}
		}
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
