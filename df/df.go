// Package df implements the Directory Facilitator: the yellow-pages agent
// where specialists register capability profiles, heartbeat to stay listed,
// and where the coordinator discovers candidates with QUERY-REF.
//
// The catalog is a single-node in-memory map. Liveness is derived from the
// last heartbeat: an agent is online within two heartbeat periods, listed as
// offline until the TTL multiplier expires, and dropped afterwards.
package df

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
	"github.com/fipago/mas/telemetry"
)

type (
	// Options configures the DF agent.
	Options struct {
		// Conn is the agent's bus attachment. Required.
		Conn bus.Conn
		// Heartbeat is the expected interval between agent heartbeats.
		Heartbeat time.Duration
		// TTLMultiplier scales Heartbeat into the removal deadline.
		TTLMultiplier int
		// CleanupPeriod is the catalog GC interval.
		CleanupPeriod time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Agent is the directory facilitator.
	Agent struct {
		conn    bus.Conn
		hb      time.Duration
		ttlMult int
		cleanup time.Duration
		log     telemetry.Logger

		catalog map[string]*entry
		byCap   map[string]map[string]struct{}

		now func() time.Time
	}

	entry struct {
		profile  map[string]any
		lastSeen time.Time
	}
)

// Defaults for liveness tuning.
const (
	DefaultHeartbeat     = 30 * time.Second
	DefaultTTLMultiplier = 3
	DefaultCleanupPeriod = 10 * time.Second
)

// New validates opts and builds the agent.
func New(opts Options) (*Agent, error) {
	if opts.Conn == nil {
		return nil, errors.New("df: bus connection is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.TTLMultiplier <= 0 {
		opts.TTLMultiplier = DefaultTTLMultiplier
	}
	if opts.CleanupPeriod <= 0 {
		opts.CleanupPeriod = DefaultCleanupPeriod
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Agent{
		conn:    opts.Conn,
		hb:      opts.Heartbeat,
		ttlMult: opts.TTLMultiplier,
		cleanup: opts.CleanupPeriod,
		log:     opts.Logger,
		catalog: make(map[string]*entry),
		byCap:   make(map[string]map[string]struct{}),
		now:     time.Now,
	}, nil
}

// Run serves the catalog until ctx ends. Malformed frames are dropped with a
// log line; they never crash the loop.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info(ctx, "df started", "jid", a.conn.JID(), "heartbeat", a.hb.String())
	gc := time.NewTicker(a.cleanup)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gc.C:
			a.gc(ctx)
			continue
		default:
		}

		rctx, cancel := context.WithTimeout(ctx, time.Second)
		d, err := a.conn.Receive(rctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		a.handle(ctx, d)
	}
}

func (a *Agent) handle(ctx context.Context, d bus.Delivery) {
	f, err := acl.Parse(d.Body)
	if err != nil {
		a.log.Warn(ctx, "df dropped malformed frame", "from", d.From, "err", err.Error())
		return
	}
	switch f.Performative {
	case acl.Request:
		switch f.Type() {
		case "REGISTER":
			a.handleRegister(ctx, f)
		case "HEARTBEAT":
			a.handleHeartbeat(ctx, f)
		case "DEREGISTER":
			a.handleDeregister(ctx, f)
		default:
			a.reply(ctx, f, acl.NotUnderstood, map[string]any{"reason": "UNKNOWN_TYPE", "got": f.Type()})
		}
	case acl.Inform:
		if f.Type() == "HEARTBEAT" {
			a.handleHeartbeat(ctx, f)
		}
	case acl.QueryRef:
		a.handleQuery(ctx, f)
	default:
		a.log.Debug(ctx, "df ignored frame", "pf", string(f.Performative), "from", d.From)
	}
}

// handleRegister upserts a profile. The profile travels under content
// "profile" or "agent"; a registration without a jid is invalid.
func (a *Agent) handleRegister(ctx context.Context, f *acl.Frame) {
	profile, _ := f.Content["profile"].(map[string]any)
	if profile == nil {
		profile, _ = f.Content["agent"].(map[string]any)
	}
	jid := strings.TrimSpace(acl.NestedString(profile, "jid"))
	if jid == "" {
		a.reply(ctx, f, acl.Failure, map[string]any{"reason": "INVALID_PROFILE"})
		return
	}
	jid = bus.Bare(jid)

	e := a.catalog[jid]
	if e == nil {
		e = &entry{profile: map[string]any{}}
		a.catalog[jid] = e
	}
	prior := normalizeCaps(e.profile["capabilities"])
	for k, v := range profile {
		e.profile[k] = v
	}
	e.profile["jid"] = jid
	e.profile["status"] = "online"
	// Capabilities accumulate across registrations: the union of prior and
	// incoming, never a replacement.
	e.profile["capabilities"] = normalizeCaps(append(prior, normalizeCaps(profile["capabilities"])...))
	e.lastSeen = a.now()
	a.reindex()

	a.log.Info(ctx, "df registered", "agent", jid, "capabilities", e.profile["capabilities"])
	a.reply(ctx, f, acl.Agree, map[string]any{"status": "registered", "jid": jid})
}

// handleHeartbeat refreshes last_seen and merges runtime fields. Heartbeats
// from unknown agents create a minimal profile so a restarted DF repopulates
// from heartbeats alone. Heartbeats are not acknowledged.
func (a *Agent) handleHeartbeat(ctx context.Context, f *acl.Frame) {
	jid := strings.TrimSpace(acl.NestedString(f.Content, "jid"))
	if jid == "" {
		jid = bus.Bare(f.Sender)
	}
	jid = bus.Bare(jid)
	if jid == "" {
		return
	}

	e := a.catalog[jid]
	if e == nil {
		e = &entry{profile: map[string]any{"jid": jid, "capabilities": []string{}}}
		a.catalog[jid] = e
	}
	for k, v := range f.Content {
		if k == "jid" || k == "type" {
			continue
		}
		e.profile[k] = v
	}
	e.profile["status"] = "online"
	e.profile["capabilities"] = normalizeCaps(e.profile["capabilities"])
	e.lastSeen = a.now()
	a.reindex()
}

func (a *Agent) handleDeregister(ctx context.Context, f *acl.Frame) {
	jid := strings.TrimSpace(acl.NestedString(f.Content, "jid"))
	if jid == "" {
		jid = bus.Bare(f.Sender)
	}
	jid = bus.Bare(jid)
	delete(a.catalog, jid)
	a.reindex()
	a.log.Info(ctx, "df deregistered", "agent", jid)
	a.reply(ctx, f, acl.Agree, map[string]any{"status": "deregistered", "jid": jid})
}

// handleQuery answers LIST, DUMP, ALL/* and capability lookups. Results are
// sorted by jid; only DUMP includes offline agents.
func (a *Agent) handleQuery(ctx context.Context, f *acl.Frame) {
	need := strings.ToUpper(strings.TrimSpace(acl.NestedString(f.Content, "need")))
	if need == "" {
		// LIST and DUMP may travel as the content type instead of "need".
		need = f.Type()
	}
	now := a.now()

	var jids []string
	switch need {
	case "DUMP":
		for jid := range a.catalog {
			jids = append(jids, jid)
		}
	case "", "LIST", "ALL", "*":
		for jid, e := range a.catalog {
			if a.alive(e, now) {
				jids = append(jids, jid)
			}
		}
	default:
		for jid := range a.byCap[need] {
			if e := a.catalog[jid]; e != nil && a.alive(e, now) {
				jids = append(jids, jid)
			}
		}
	}
	sort.Strings(jids)

	profiles := make(map[string]any, len(jids))
	for _, jid := range jids {
		profiles[jid] = a.exportProfile(jid, now)
	}
	a.log.Debug(ctx, "df query", "need", need, "hits", len(jids))
	a.reply(ctx, f, acl.Inform, map[string]any{
		"candidates":   jids,
		"profiles":     profiles,
		"df_timestamp": now.UTC().Format(time.RFC3339),
	})
}

// gc marks stale agents offline and removes those past the TTL deadline.
func (a *Agent) gc(ctx context.Context) {
	now := a.now()
	ttl := time.Duration(a.ttlMult) * a.hb
	changed := false
	for jid, e := range a.catalog {
		age := now.Sub(e.lastSeen)
		switch {
		case age > ttl:
			delete(a.catalog, jid)
			changed = true
			a.log.Info(ctx, "df expired", "agent", jid, "age", age.String())
		case age > 2*a.hb:
			if e.profile["status"] != "offline" {
				e.profile["status"] = "offline"
				a.log.Info(ctx, "df marked offline", "agent", jid)
			}
		}
	}
	if changed {
		a.reindex()
	}
}

func (a *Agent) alive(e *entry, now time.Time) bool {
	return now.Sub(e.lastSeen) <= 2*a.hb
}

// exportProfile returns a copy with liveness fields materialized.
func (a *Agent) exportProfile(jid string, now time.Time) map[string]any {
	e := a.catalog[jid]
	out := make(map[string]any, len(e.profile)+2)
	for k, v := range e.profile {
		out[k] = v
	}
	if !a.alive(e, now) {
		out["status"] = "offline"
	}
	out["last_seen"] = e.lastSeen.UTC().Format(time.RFC3339)
	return out
}

// reindex rebuilds the capability index from the catalog.
func (a *Agent) reindex() {
	a.byCap = make(map[string]map[string]struct{})
	for jid, e := range a.catalog {
		caps, _ := e.profile["capabilities"].([]string)
		for _, c := range caps {
			key := strings.ToUpper(c)
			if a.byCap[key] == nil {
				a.byCap[key] = make(map[string]struct{})
			}
			a.byCap[key][jid] = struct{}{}
		}
	}
}

func (a *Agent) reply(ctx context.Context, req *acl.Frame, pf acl.Performative, content map[string]any) {
	var opts []acl.Option
	opts = append(opts, acl.WithOntology(acl.OntologyDF))
	if req.ConversationID != "" {
		opts = append(opts, acl.WithConversation(req.ConversationID))
	}
	if req.ReplyWith != "" {
		opts = append(opts, acl.WithInReplyTo(req.ReplyWith))
	}
	out, err := acl.New(string(pf), a.conn.JID(), req.Sender, content, opts...)
	if err != nil {
		a.log.Error(ctx, "df reply build failed", "err", err.Error())
		return
	}
	raw, err := out.Marshal()
	if err != nil {
		a.log.Error(ctx, "df reply marshal failed", "err", err.Error())
		return
	}
	if err := a.conn.Send(ctx, req.Sender, raw); err != nil {
		a.log.Warn(ctx, "df reply send failed", "to", req.Sender, "err", err.Error())
	}
}

// normalizeCaps coerces a profile's capabilities field into a sorted,
// deduplicated []string. JSON decoding yields []any; registrations built in
// process may carry []string already.
func normalizeCaps(v any) []string {
	seen := make(map[string]struct{})
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	switch caps := v.(type) {
	case []string:
		for _, c := range caps {
			add(c)
		}
	case []any:
		for _, c := range caps {
			if s, ok := c.(string); ok {
				add(s)
			}
		}
	case string:
		for _, c := range strings.Split(caps, ",") {
			add(c)
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
