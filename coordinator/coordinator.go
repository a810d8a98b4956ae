// Package coordinator implements the control-plane orchestrator. A single
// dispatcher goroutine owns the inbound mailbox and routes frames to
// per-conversation queues; each REQUEST.USER_MSG spawns one conversation
// pipeline that journals to the KB, discovers candidates at the DF, selects a
// specialist, collects the answer and reports back to the presenter.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
	"github.com/fipago/mas/corr"
	"github.com/fipago/mas/selector"
	"github.com/fipago/mas/telemetry"
)

// queueDepth bounds each conversation's frame queue.
const queueDepth = 64

type (
	// Options configures the coordinator.
	Options struct {
		// Conn is the agent's bus attachment. Required.
		Conn bus.Conn
		// DFJID addresses the directory facilitator. Required.
		DFJID string
		// KBJID addresses the knowledge base. Required.
		KBJID string
		// Selector picks the specialist. Nil disables model selection and
		// every conversation uses the deterministic fallback.
		Selector selector.Selector
		// NeedCap is the capability looked up at the DF. Defaults to
		// ASK_EXPERT.
		NeedCap string
		// DFMode is NEED (capability query) or ALL (full listing with a
		// NEED retry when empty). Defaults to NEED.
		DFMode string
		// ReqTimeout bounds each DF query and each specialist exchange.
		// Defaults to 10s.
		ReqTimeout time.Duration
		// KBTimeout bounds each KB read. Defaults to 5s.
		KBTimeout time.Duration
		// ConvGrace keeps a finished conversation's queue alive for late
		// frames. Defaults to 500ms.
		ConvGrace time.Duration
		// MaxRetries caps specialist attempts per conversation. Defaults
		// to 2.
		MaxRetries int
		// MaxConcurrency caps conversations served in parallel. Defaults
		// to 5.
		MaxConcurrency int
		// HistoryLen truncates the session timeline. Defaults to 10.
		HistoryLen int
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Agent is the coordinator.
	Agent struct {
		conn    bus.Conn
		dfJID   string
		kbJID   string
		sel     selector.Selector
		needCap string
		dfMode  string

		reqTimeout time.Duration
		kbTimeout  time.Duration
		convGrace  time.Duration
		maxRetries int
		historyLen int

		book *corr.Book
		log  telemetry.Logger
		sem  chan struct{}

		mu     sync.Mutex
		queues map[string]chan inbound
	}

	// inbound is one routed frame: the transport sender plus the decoded
	// JSON body. KB replies are flat, so routing works on the raw map
	// rather than the typed envelope.
	inbound struct {
		from string
		body map[string]any
	}
)

// New validates opts and builds the coordinator.
func New(opts Options) (*Agent, error) {
	if opts.Conn == nil {
		return nil, errors.New("coordinator: bus connection is required")
	}
	if opts.DFJID == "" {
		return nil, errors.New("coordinator: df jid is required")
	}
	if opts.KBJID == "" {
		return nil, errors.New("coordinator: kb jid is required")
	}
	if opts.NeedCap == "" {
		opts.NeedCap = "ASK_EXPERT"
	}
	if opts.DFMode == "" {
		opts.DFMode = "NEED"
	}
	if opts.ReqTimeout <= 0 {
		opts.ReqTimeout = 10 * time.Second
	}
	if opts.KBTimeout <= 0 {
		opts.KBTimeout = 5 * time.Second
	}
	if opts.ConvGrace < 0 {
		opts.ConvGrace = 0
	} else if opts.ConvGrace == 0 {
		opts.ConvGrace = 500 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 5
	}
	if opts.HistoryLen <= 0 {
		opts.HistoryLen = 10
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Agent{
		conn:       opts.Conn,
		dfJID:      opts.DFJID,
		kbJID:      opts.KBJID,
		sel:        opts.Selector,
		needCap:    opts.NeedCap,
		dfMode:     strings.ToUpper(opts.DFMode),
		reqTimeout: opts.ReqTimeout,
		kbTimeout:  opts.KBTimeout,
		convGrace:  opts.ConvGrace,
		maxRetries: opts.MaxRetries,
		historyLen: opts.HistoryLen,
		book:       corr.NewBook(opts.ReqTimeout + 2*time.Second),
		log:        opts.Logger,
		sem:        make(chan struct{}, opts.MaxConcurrency),
		queues:     make(map[string]chan inbound),
	}, nil
}

// Run dispatches inbound frames until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info(ctx, "coordinator started",
		"jid", a.conn.JID(), "df", a.dfJID, "kb", a.kbJID,
		"need", a.needCap, "df_mode", a.dfMode)
	go a.sweepLoop(ctx)
	for {
		d, err := a.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		a.dispatch(ctx, d)
	}
}

// sweepLoop drops expired correlation expectations.
func (a *Agent) sweepLoop(ctx context.Context) {
	t := time.NewTicker(a.reqTimeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.book.Sweep(); n > 0 {
				a.log.Debug(ctx, "swept expired expectations", "count", n)
			}
		}
	}
}

// dispatch routes one delivery: correlation guard first, then KB
// sub-conversations, then USER_MSG spawns, then the conversation queues.
func (a *Agent) dispatch(ctx context.Context, d bus.Delivery) {
	var body map[string]any
	if err := json.Unmarshal(d.Body, &body); err != nil {
		a.log.Warn(ctx, "coordinator dropped non-json frame", "from", d.From, "err", err.Error())
		return
	}
	pf, err := acl.Normalize(acl.NestedString(body, "performative"))
	if err != nil {
		a.log.Warn(ctx, "coordinator dropped frame", "from", d.From, "err", err.Error())
		return
	}
	conv := acl.NestedString(body, "conversation_id")
	inReplyTo := acl.NestedString(body, "in_reply_to")

	// KB replies carry no in_reply_to so the guard lets them through; a
	// correlated reply nobody asked for is dropped here.
	if !a.book.MatchAndPop(conv, inReplyTo, bus.Bare(d.From), pf) {
		a.log.Warn(ctx, "coordinator dropped uncorrelated reply",
			"from", d.From, "pf", string(pf), "conv", conv, "in_reply_to", inReplyTo)
		return
	}

	// KB sub-conversations route to their private queues.
	if conv != "" && (strings.Contains(conv, "-kbget-") ||
		strings.Contains(conv, "-kbput-") || strings.Contains(conv, "-kbframe-")) {
		a.push(conv, inbound{from: d.From, body: body})
		return
	}

	typ := strings.ToUpper(acl.NestedString(body, "content", "type"))
	if pf == acl.Request && typ == "USER_MSG" {
		a.startConversation(ctx, conv, d.From, body)
		return
	}

	if conv == "" {
		a.log.Debug(ctx, "coordinator ignored frame without conversation",
			"pf", string(pf), "type", typ, "from", d.From)
		return
	}
	if !a.push(conv, inbound{from: d.From, body: body}) {
		a.log.Debug(ctx, "coordinator dropped late frame", "conv", conv, "pf", string(pf))
	}
}

func (a *Agent) startConversation(ctx context.Context, conv, from string, body map[string]any) {
	if conv == "" {
		conv = acl.NewReplyID("sess")
		a.log.Info(ctx, "coordinator assigned conversation id", "conv", conv)
	}

	a.mu.Lock()
	if _, exists := a.queues[conv]; exists {
		// Duplicate USER_MSG for a live conversation; the pipeline already
		// runs, so drop the repeat.
		a.mu.Unlock()
		return
	}
	a.queues[conv] = make(chan inbound, queueDepth)
	a.mu.Unlock()

	presenterJID := acl.NestedString(body, "content", "meta", "presenter_jid")
	if presenterJID == "" {
		presenterJID = bus.Bare(from)
	}
	question := acl.NestedString(body, "content", "args", "question")
	a.log.Info(ctx, "coordinator accepted user message",
		"conv", conv, "presenter", presenterJID, "question", question)

	go a.serveConversation(ctx, conv, presenterJID, question, body)
}

// push delivers into a conversation queue without blocking the dispatcher.
func (a *Agent) push(conv string, in inbound) bool {
	a.mu.Lock()
	q, ok := a.queues[conv]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case q <- in:
		return true
	default:
		return false
	}
}

func (a *Agent) registerQueue(conv string) chan inbound {
	q := make(chan inbound, queueDepth)
	a.mu.Lock()
	a.queues[conv] = q
	a.mu.Unlock()
	return q
}

func (a *Agent) dropQueue(conv string) {
	a.mu.Lock()
	delete(a.queues, conv)
	a.mu.Unlock()
}

func (a *Agent) queue(conv string) chan inbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queues[conv]
}

// send marshals and ships a frame, logging failures instead of returning
// them; loss shows up as a timeout downstream.
func (a *Agent) send(ctx context.Context, to string, f *acl.Frame) {
	raw, err := f.Marshal()
	if err != nil {
		a.log.Error(ctx, "coordinator marshal failed", "err", err.Error())
		return
	}
	if err := a.conn.Send(ctx, to, raw); err != nil {
		a.log.Warn(ctx, "coordinator send failed", "to", to, "err", err.Error())
	}
}

func (a *Agent) sendRaw(ctx context.Context, to string, body map[string]any) {
	raw, err := json.Marshal(body)
	if err != nil {
		a.log.Error(ctx, "coordinator marshal failed", "err", err.Error())
		return
	}
	if err := a.conn.Send(ctx, to, raw); err != nil {
		a.log.Warn(ctx, "coordinator send failed", "to", to, "err", err.Error())
	}
}
