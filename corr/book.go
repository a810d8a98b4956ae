// Package corr implements the correlation expectation book: the registry of
// outstanding reply tokens that lets an agent's dispatcher accept only replies
// it asked for. Expectations are keyed by (conversation, reply token) and
// carry optional sender and performative filters, a TTL, and a consume policy
// describing which reply performative closes the exchange.
package corr

import (
	"strings"
	"sync"
	"time"

	"github.com/fipago/mas/acl"
)

type (
	// Expectation describes one awaited reply.
	Expectation struct {
		// AllowFrom restricts accepted senders (bare JIDs). Empty means any.
		AllowFrom map[string]struct{}
		// AllowPF restricts accepted performatives. Empty means any.
		AllowPF map[acl.Performative]struct{}
		// ConsumeOn lists the performatives that retire the expectation.
		// When empty, every match retires it except an AGREE on a
		// multi-phase exchange (more than one allowed performative), so
		// AGREE-then-INFORM exchanges keep the entry alive until the INFORM
		// while a bare AGREE acknowledgment still closes its exchange.
		ConsumeOn map[acl.Performative]struct{}
		// ExpiresAt is the wall-clock deadline after which the entry is dead.
		ExpiresAt time.Time
		// Note is a free-form annotation for logs.
		Note string
	}

	// Book holds the expectations of a single agent. Safe for concurrent use.
	Book struct {
		mu         sync.Mutex
		defaultTTL time.Duration
		byConv     map[string]map[string]Expectation
		now        func() time.Time
	}

	// RegisterOption customizes a registered expectation.
	RegisterOption func(*Expectation)
)

// DefaultTTL bounds how long an expectation without an explicit TTL waits.
const DefaultTTL = 12 * time.Second

// WithAllowFrom restricts the expectation to the given bare-JID senders.
func WithAllowFrom(jids ...string) RegisterOption {
	return func(e *Expectation) {
		e.AllowFrom = make(map[string]struct{}, len(jids))
		for _, j := range jids {
			e.AllowFrom[Bare(j)] = struct{}{}
		}
	}
}

// WithAllowPF restricts the expectation to the given performatives.
func WithAllowPF(pfs ...acl.Performative) RegisterOption {
	return func(e *Expectation) {
		e.AllowPF = make(map[acl.Performative]struct{}, len(pfs))
		for _, pf := range pfs {
			e.AllowPF[pf] = struct{}{}
		}
	}
}

// WithConsumeOn overrides the performatives that retire the expectation.
func WithConsumeOn(pfs ...acl.Performative) RegisterOption {
	return func(e *Expectation) {
		e.ConsumeOn = make(map[acl.Performative]struct{}, len(pfs))
		for _, pf := range pfs {
			e.ConsumeOn[pf] = struct{}{}
		}
	}
}

// WithTTL overrides the book's default TTL for this expectation.
func WithTTL(d time.Duration) RegisterOption {
	return func(e *Expectation) { e.ExpiresAt = time.Time{}.Add(d) }
}

// WithNote attaches a log annotation.
func WithNote(note string) RegisterOption {
	return func(e *Expectation) { e.Note = note }
}

// NewBook returns an empty book. A non-positive defaultTTL falls back to
// DefaultTTL.
func NewBook(defaultTTL time.Duration) *Book {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Book{
		defaultTTL: defaultTTL,
		byConv:     make(map[string]map[string]Expectation),
		now:        time.Now,
	}
}

// Register records an expectation for (conv, replyWith). Re-registering the
// same pair replaces the previous entry. When the allowed performatives cover
// both AGREE and INFORM and no consume set was given, only INFORM retires the
// entry, so the intermediate AGREE of a request exchange passes through
// without closing it.
func (b *Book) Register(conv, replyWith string, opts ...RegisterOption) {
	e := Expectation{}
	for _, opt := range opts {
		opt(&e)
	}
	ttl := b.defaultTTL
	if !e.ExpiresAt.IsZero() {
		ttl = e.ExpiresAt.Sub(time.Time{})
	}
	e.ExpiresAt = b.now().Add(ttl)
	if e.ConsumeOn == nil && len(e.AllowPF) > 0 {
		if _, agree := e.AllowPF[acl.Agree]; agree {
			if _, inform := e.AllowPF[acl.Inform]; inform {
				e.ConsumeOn = map[acl.Performative]struct{}{acl.Inform: {}}
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	conv = strings.TrimSpace(conv)
	m := b.byConv[conv]
	if m == nil {
		m = make(map[string]Expectation)
		b.byConv[conv] = m
	}
	m[replyWith] = e
}

// MatchAndPop decides whether an inbound frame correlates. The rules run in
// order: frames without in_reply_to always pass; an unknown token is
// rejected; an expired entry is removed and rejected; sender and performative
// filters reject without touching the entry; a matching frame then retires
// the entry according to its consume policy. Without an explicit ConsumeOn
// set, every match consumes unless it is an AGREE and the expectation allows
// more than one performative.
func (b *Book) MatchAndPop(conv, inReplyTo, fromBare string, pf acl.Performative) bool {
	if strings.TrimSpace(inReplyTo) == "" {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.byConv[strings.TrimSpace(conv)]
	if m == nil {
		return false
	}
	e, ok := m[inReplyTo]
	if !ok {
		return false
	}
	if b.now().After(e.ExpiresAt) {
		delete(m, inReplyTo)
		if len(m) == 0 {
			delete(b.byConv, strings.TrimSpace(conv))
		}
		return false
	}
	if len(e.AllowFrom) > 0 {
		if _, ok := e.AllowFrom[Bare(fromBare)]; !ok {
			return false
		}
	}
	if len(e.AllowPF) > 0 {
		if _, ok := e.AllowPF[pf]; !ok {
			return false
		}
	}

	consume := !(pf == acl.Agree && len(e.AllowPF) > 1)
	if len(e.ConsumeOn) > 0 {
		_, consume = e.ConsumeOn[pf]
	}
	if consume {
		delete(m, inReplyTo)
		if len(m) == 0 {
			delete(b.byConv, strings.TrimSpace(conv))
		}
	}
	return true
}

// Allow is the dispatcher guard: it applies MatchAndPop to a parsed frame.
func (b *Book) Allow(f *acl.Frame, fromBare string) bool {
	return b.MatchAndPop(f.ConversationID, f.InReplyTo, fromBare, f.Performative)
}

// Drop removes the expectation for (conv, replyWith) regardless of state.
// Callers use it to retire an entry whose exchange ended through a reply
// that carried no in_reply_to.
func (b *Book) Drop(conv, replyWith string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conv = strings.TrimSpace(conv)
	m := b.byConv[conv]
	if m == nil {
		return
	}
	delete(m, replyWith)
	if len(m) == 0 {
		delete(b.byConv, conv)
	}
}

// Sweep removes every expired expectation and reports how many were dropped.
// The book also drops expired entries lazily on match, so sweeping is only
// needed to bound memory across idle conversations.
func (b *Book) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	dropped := 0
	for conv, m := range b.byConv {
		for rw, e := range m {
			if now.After(e.ExpiresAt) {
				delete(m, rw)
				dropped++
			}
		}
		if len(m) == 0 {
			delete(b.byConv, conv)
		}
	}
	return dropped
}

// Len reports the number of live expectations.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.byConv {
		n += len(m)
	}
	return n
}

// Bare strips the resource part of a JID: "kb@mas/worker" becomes "kb@mas".
func Bare(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}
