// Package specialist implements a capability provider: it registers its
// profile at the DF, heartbeats to stay listed, and serves ASK_EXPERT
// requests through a pluggable Answerer.
package specialist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
	"github.com/fipago/mas/telemetry"
)

type (
	// Answerer produces the answer to one question. The history carries the
	// session timeline entries the coordinator attached to the request.
	Answerer interface {
		Answer(ctx context.Context, question string, history []any) (string, error)
	}

	// AnswerFunc adapts a function to the Answerer interface.
	AnswerFunc func(ctx context.Context, question string, history []any) (string, error)

	// Profile describes the specialist as advertised at the DF.
	Profile struct {
		Name         string            `yaml:"name"`
		Version      string            `yaml:"version"`
		Capabilities []string          `yaml:"capabilities"`
		Description  string            `yaml:"description"`
		DomainTags   []string          `yaml:"domain_tags"`
		Extra        map[string]string `yaml:"extra"`
	}

	// Options configures the agent.
	Options struct {
		// Conn is the agent's bus attachment. Required.
		Conn bus.Conn
		// DFJID addresses the directory facilitator. Required.
		DFJID string
		// Profile is advertised at registration. A zero profile gets the
		// ASK_EXPERT capability.
		Profile Profile
		// Answerer serves questions. Defaults to Echo(Profile).
		Answerer Answerer
		// Heartbeat is the DF heartbeat interval. Defaults to 30s.
		Heartbeat time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Agent is the specialist.
	Agent struct {
		conn    bus.Conn
		dfJID   string
		profile Profile
		answer  Answerer
		hb      time.Duration
		log     telemetry.Logger
	}
)

// Answer calls f.
func (f AnswerFunc) Answer(ctx context.Context, question string, history []any) (string, error) {
	return f(ctx, question, history)
}

// Echo is the default answerer: it restates the question tagged with the
// specialist's name and version.
func Echo(p Profile) Answerer {
	return AnswerFunc(func(ctx context.Context, question string, history []any) (string, error) {
		return fmt.Sprintf("[%s v%s] Odpowiedź na pytanie: %s", p.Name, p.Version, question), nil
	})
}

// LoadProfile reads a YAML profile file.
func LoadProfile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("specialist: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("specialist: parse profile: %w", err)
	}
	return p, nil
}

// New validates opts and builds the agent.
func New(opts Options) (*Agent, error) {
	if opts.Conn == nil {
		return nil, errors.New("specialist: bus connection is required")
	}
	if opts.DFJID == "" {
		return nil, errors.New("specialist: df jid is required")
	}
	if len(opts.Profile.Capabilities) == 0 {
		opts.Profile.Capabilities = []string{"ASK_EXPERT"}
	}
	if opts.Profile.Name == "" {
		opts.Profile.Name = bus.Bare(opts.Conn.JID())
	}
	if opts.Profile.Version == "" {
		opts.Profile.Version = "1"
	}
	if opts.Answerer == nil {
		opts.Answerer = Echo(opts.Profile)
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Agent{
		conn:    opts.Conn,
		dfJID:   opts.DFJID,
		profile: opts.Profile,
		answer:  opts.Answerer,
		hb:      opts.Heartbeat,
		log:     opts.Logger,
	}, nil
}

// Run registers at the DF, heartbeats and serves requests until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info(ctx, "specialist started",
		"jid", a.conn.JID(), "name", a.profile.Name, "caps", strings.Join(a.profile.Capabilities, ","))
	a.register(ctx)
	a.heartbeat(ctx)
	go a.heartbeatLoop(ctx)

	for {
		d, err := a.conn.Receive(ctx)
		if err != nil {
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
		a.log.Warn(ctx, "specialist dropped malformed frame", "from", d.From, "err", err.Error())
		return
	}
	if f.Performative != acl.Request || f.Type() != "ASK_EXPERT" {
		return
	}
	question := acl.NestedString(f.Content, "args", "question")
	history, _ := acl.Nested(f.Content, "args", "history").([]any)
	a.log.Info(ctx, "question received", "conv", f.ConversationID, "from", f.Sender)

	agree, err := acl.New("AGREE", a.conn.JID(), f.Sender, map[string]any{"status": "accepted"},
		acl.WithConversation(f.ConversationID), acl.WithInReplyTo(f.ReplyWith))
	if err == nil {
		a.send(ctx, f.Sender, agree)
	}

	answer, err := a.answer.Answer(ctx, question, history)
	if err != nil {
		a.log.Error(ctx, "answerer failed", "conv", f.ConversationID, "err", err.Error())
		failure, ferr := acl.New("FAILURE", a.conn.JID(), f.Sender, map[string]any{
			"type": "FAILURE.EXCEPTION", "reason": err.Error(),
		}, acl.WithConversation(f.ConversationID), acl.WithInReplyTo(f.ReplyWith))
		if ferr == nil {
			a.send(ctx, f.Sender, failure)
		}
		return
	}

	capability := "ASK_EXPERT"
	if len(a.profile.Capabilities) > 0 {
		capability = a.profile.Capabilities[0]
	}
	inform, err := acl.New("INFORM", a.conn.JID(), f.Sender, map[string]any{
		"type": "RESULT",
		"result": map[string]any{
			"answer": answer,
			"meta":   map[string]any{"capability": capability},
		},
	}, acl.WithConversation(f.ConversationID), acl.WithInReplyTo(f.ReplyWith))
	if err == nil {
		a.send(ctx, f.Sender, inform)
	}
}

func (a *Agent) register(ctx context.Context) {
	profile := map[string]any{
		"jid":          bus.Bare(a.conn.JID()),
		"name":         a.profile.Name,
		"version":      a.profile.Version,
		"capabilities": a.profile.Capabilities,
		"status":       "online",
	}
	if a.profile.Description != "" {
		profile["description"] = a.profile.Description
	}
	if len(a.profile.DomainTags) > 0 {
		profile["domain_tags"] = a.profile.DomainTags
	}
	for k, v := range a.profile.Extra {
		profile[k] = v
	}
	f, err := acl.New("REQUEST", a.conn.JID(), a.dfJID, map[string]any{
		"type":    "REGISTER",
		"profile": profile,
	}, acl.WithOntology(acl.OntologyDF), acl.WithReplyWith(acl.NewReplyID("reg")))
	if err != nil {
		a.log.Error(ctx, "register build failed", "err", err.Error())
		return
	}
	a.send(ctx, a.dfJID, f)
}

func (a *Agent) heartbeat(ctx context.Context) {
	f, err := acl.New("REQUEST", a.conn.JID(), a.dfJID, map[string]any{
		"type":   "HEARTBEAT",
		"jid":    bus.Bare(a.conn.JID()),
		"status": "ready",
	}, acl.WithOntology(acl.OntologyDF))
	if err != nil {
		return
	}
	a.send(ctx, a.dfJID, f)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(a.hb)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) send(ctx context.Context, to string, f *acl.Frame) {
	raw, err := f.Marshal()
	if err != nil {
		a.log.Error(ctx, "specialist marshal failed", "err", err.Error())
		return
	}
	if err := a.conn.Send(ctx, to, raw); err != nil {
		a.log.Warn(ctx, "specialist send failed", "to", to, "err", err.Error())
	}
}
