// Package acl implements the FIPA-ACL JSON envelope exchanged between agents:
// the closed performative set, performative normalization, per-performative
// protocol defaults, and helpers to build and parse frames.
//
// A frame is a flat JSON object; its content field is an opaque mapping
// interpreted by the receiver according to the frame's ontology. Unknown
// fields in incoming frames are ignored; unknown performatives are rejected
// by the parser.
package acl

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Performative is the communicative act of a frame, drawn from the closed
// FIPA set below. Values are upper-kebab (for example "ACCEPT-PROPOSAL").
type Performative string

// The closed performative set.
const (
	AcceptProposal  Performative = "ACCEPT-PROPOSAL"
	Agree           Performative = "AGREE"
	Cancel          Performative = "CANCEL"
	CFP             Performative = "CFP"
	Confirm         Performative = "CONFIRM"
	Disconfirm      Performative = "DISCONFIRM"
	Failure         Performative = "FAILURE"
	Inform          Performative = "INFORM"
	InformIf        Performative = "INFORM-IF"
	InformRef       Performative = "INFORM-REF"
	NotUnderstood   Performative = "NOT-UNDERSTOOD"
	Propose         Performative = "PROPOSE"
	QueryIf         Performative = "QUERY-IF"
	QueryRef        Performative = "QUERY-REF"
	Refuse          Performative = "REFUSE"
	RejectProposal  Performative = "REJECT-PROPOSAL"
	Request         Performative = "REQUEST"
	RequestWhen     Performative = "REQUEST-WHEN"
	RequestWhenever Performative = "REQUEST-WHENEVER"
	Subscribe       Performative = "SUBSCRIBE"
)

// Ontology namespaces used by the core agents.
const (
	OntologyCore = "MAS.Core"
	OntologyDF   = "MAS.DF"
	OntologyKB   = "MAS.KB"
)

// DefaultLanguage is the media type of frame content.
const DefaultLanguage = "application/json"

// ErrUnknownPerformative is returned when a performative cannot be
// normalized into the closed set.
var ErrUnknownPerformative = errors.New("acl: unknown performative")

// validPerformatives is the membership set for Normalize.
var validPerformatives = map[Performative]struct{}{
	AcceptProposal: {}, Agree: {}, Cancel: {}, CFP: {}, Confirm: {},
	Disconfirm: {}, Failure: {}, Inform: {}, InformIf: {}, InformRef: {},
	NotUnderstood: {}, Propose: {}, QueryIf: {}, QueryRef: {}, Refuse: {},
	RejectProposal: {}, Request: {}, RequestWhen: {}, RequestWhenever: {},
	Subscribe: {},
}

// kebabRepairs restores the dash in performatives whose separator was lost
// entirely ("ACCEPTPROPOSAL" and friends). Order matters: the longer
// REQUESTWHENEVER must be repaired before REQUESTWHEN.
var kebabRepairs = [][2]string{
	{"ACCEPTPROPOSAL", "ACCEPT-PROPOSAL"},
	{"REJECTPROPOSAL", "REJECT-PROPOSAL"},
	{"INFORMIF", "INFORM-IF"},
	{"INFORMREF", "INFORM-REF"},
	{"QUERYIF", "QUERY-IF"},
	{"QUERYREF", "QUERY-REF"},
	{"REQUESTWHENEVER", "REQUEST-WHENEVER"},
	{"REQUESTWHEN", "REQUEST-WHEN"},
	{"NOTUNDERSTOOD", "NOT-UNDERSTOOD"},
}

var (
	spaceOrUnderscore = regexp.MustCompile(`[ _]+`)
	dashRuns          = regexp.MustCompile(`-{2,}`)
)

// Normalize canonicalizes a performative: whitespace and underscore runs
// become single dashes, the result is uppercased, lost kebab separators are
// repaired, and dash runs collapse. Performatives outside the closed set
// yield ErrUnknownPerformative.
func Normalize(pf string) (Performative, error) {
	s := spaceOrUnderscore.ReplaceAllString(strings.TrimSpace(pf), "-")
	s = strings.ToUpper(s)
	for _, r := range kebabRepairs {
		s = strings.ReplaceAll(s, r[0], r[1])
	}
	s = dashRuns.ReplaceAllString(s, "-")
	p := Performative(s)
	if _, ok := validPerformatives[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPerformative, pf)
	}
	return p, nil
}

// DefaultProtocol returns the FIPA interaction protocol implied by a
// performative: fipa-query for QUERY-*, fipa-subscribe for SUBSCRIBE,
// fipa-contract-net for the CFP family, fipa-request otherwise.
func DefaultProtocol(pf Performative) string {
	switch {
	case strings.HasPrefix(string(pf), "QUERY-"):
		return "fipa-query"
	case pf == Subscribe:
		return "fipa-subscribe"
	case pf == CFP || pf == Propose || pf == AcceptProposal || pf == RejectProposal:
		return "fipa-contract-net"
	default:
		return "fipa-request"
	}
}

// Frame is the unit of every exchange on the bus.
type Frame struct {
	Performative   Performative   `json:"performative"`
	Sender         string         `json:"sender"`
	Receiver       string         `json:"receiver"`
	Ontology       string         `json:"ontology"`
	Protocol       string         `json:"protocol"`
	Language       string         `json:"language"`
	Timestamp      string         `json:"timestamp"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ReplyWith      string         `json:"reply_with,omitempty"`
	InReplyTo      string         `json:"in_reply_to,omitempty"`
	Content        map[string]any `json:"content"`
}

// Option customizes a frame built by New.
type Option func(*Frame)

// WithConversation sets the conversation identifier.
func WithConversation(id string) Option {
	return func(f *Frame) { f.ConversationID = id }
}

// WithReplyWith sets the producer-chosen correlation token.
func WithReplyWith(id string) Option {
	return func(f *Frame) { f.ReplyWith = id }
}

// WithInReplyTo echoes the reply_with of the frame being answered.
func WithInReplyTo(id string) Option {
	return func(f *Frame) { f.InReplyTo = id }
}

// WithProtocol overrides the protocol derived from the performative.
func WithProtocol(p string) Option {
	return func(f *Frame) { f.Protocol = p }
}

// WithOntology overrides the default MAS.Core ontology.
func WithOntology(o string) Option {
	return func(f *Frame) { f.Ontology = o }
}

// WithLanguage overrides the default content media type.
func WithLanguage(l string) Option {
	return func(f *Frame) { f.Language = l }
}

// New builds a frame with the given performative (normalized), sender and
// receiver role names and content, applying defaults for ontology, protocol,
// language and timestamp.
func New(performative, sender, receiver string, content map[string]any, opts ...Option) (*Frame, error) {
	pf, err := Normalize(performative)
	if err != nil {
		return nil, err
	}
	f := &Frame{
		Performative: pf,
		Sender:       sender,
		Receiver:     receiver,
		Ontology:     OntologyCore,
		Protocol:     DefaultProtocol(pf),
		Language:     DefaultLanguage,
		Timestamp:    NowISO(),
		Content:      content,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.Content == nil {
		f.Content = map[string]any{}
	}
	return f, nil
}

// Marshal serializes the frame to its JSON wire form.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Parse decodes a wire frame, normalizes its performative and fills the
// envelope defaults. It fails on malformed JSON and on performatives outside
// the closed set.
func Parse(body []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("acl: parse frame: %w", err)
	}
	pf, err := Normalize(string(f.Performative))
	if err != nil {
		return nil, err
	}
	f.Performative = pf
	if strings.TrimSpace(f.Protocol) == "" {
		f.Protocol = DefaultProtocol(pf)
	}
	if f.Ontology == "" {
		f.Ontology = OntologyCore
	}
	if f.Language == "" {
		f.Language = DefaultLanguage
	}
	if f.Timestamp == "" {
		f.Timestamp = NowISO()
	}
	if f.Content == nil {
		f.Content = map[string]any{}
	}
	return &f, nil
}

// Type returns the uppercased content "type" tag, or "" when absent.
func (f *Frame) Type() string {
	return strings.ToUpper(NestedString(f.Content, "type"))
}

// Nested walks a content tree along the given keys and returns the value at
// the end of the path, or nil when any step is missing.
func Nested(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[k]
	}
	return cur
}

// NestedString is Nested for string leaves; non-string values yield "".
func NestedString(m map[string]any, keys ...string) string {
	s, _ := Nested(m, keys...).(string)
	return s
}

// NowISO returns the current UTC wall clock in the ISO-8601 second
// resolution format carried by frame timestamps.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// NewReplyID produces a fresh correlation token with the given prefix, for
// example "dfq-1712345678901-9f2c1a4b".
func NewReplyID(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}
