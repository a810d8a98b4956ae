package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
)

// journal records one ACL frame in the KB: the derived entry is stored
// fire-and-forget under its own key, then the session timeline is read,
// extended, truncated and written back conditionally. Returns the timeline as
// written, or just the new entry when the KB is unreachable.
func (a *Agent) journal(ctx context.Context, conv string, frame map[string]any) []any {
	entry := timelineEntry(frame)
	if entry == nil {
		return nil
	}
	a.kbStoreFrame(ctx, conv, entry)

	entries, version := a.kbGetTimeline(ctx, conv)
	entries = append(entries, entry)
	if len(entries) > a.historyLen {
		entries = entries[len(entries)-a.historyLen:]
	}
	a.kbPutTimeline(ctx, conv, entries, version)
	return entries
}

// timelineEntry derives the compact journal record from a raw frame. The text
// column depends on the payload type; frames without a known text carrier
// keep an empty text.
func timelineEntry(frame map[string]any) map[string]any {
	pf := acl.NestedString(frame, "performative")
	if pf == "" {
		return nil
	}
	typ := strings.ToUpper(acl.NestedString(frame, "content", "type"))
	var text string
	switch typ {
	case "USER_MSG":
		text = acl.NestedString(frame, "content", "args", "question")
	case "PRESENTER_REPLY":
		text = acl.NestedString(frame, "content", "text")
	case "RESULT":
		text = acl.NestedString(frame, "content", "result", "answer")
	}
	return map[string]any{
		"ts":    acl.NowISO(),
		"agent": acl.NestedString(frame, "sender"),
		"pf":    pf,
		"type":  typ,
		"text":  text,
	}
}

// kbBody builds a flat KB request frame on the given sub-conversation.
func (a *Agent) kbBody(kbConv, typ string, fields map[string]any) map[string]any {
	body := map[string]any{
		"performative":    "REQUEST",
		"sender":          a.conn.JID(),
		"receiver":        a.kbJID,
		"ontology":        acl.OntologyKB,
		"protocol":        acl.DefaultProtocol(acl.Request),
		"language":        acl.DefaultLanguage,
		"timestamp":       acl.NowISO(),
		"conversation_id": kbConv,
		"type":            typ,
	}
	for k, v := range fields {
		body[k] = v
	}
	return body
}

// kbStoreFrame ships the journal record fire-and-forget.
func (a *Agent) kbStoreFrame(ctx context.Context, conv string, entry map[string]any) {
	ms := time.Now().UnixMilli()
	typ, _ := entry["type"].(string)
	agent, _ := entry["agent"].(string)
	body := a.kbBody(fmt.Sprintf("%s-kbframe-%d", conv, ms), "STORE", map[string]any{
		"key":   fmt.Sprintf("session:%s:chat:frame:%d", conv, ms),
		"value": entry,
		"tags": []string{
			"conv:" + conv,
			"type:" + strings.ToLower(typ),
			"from:" + strings.ToLower(bus.Bare(agent)),
		},
	})
	a.sendRaw(ctx, a.kbJID, body)
}

func timelineKey(conv string) string {
	return fmt.Sprintf("session:%s:chat:timeline:main", conv)
}

// kbGetTimeline reads the session timeline. NOT_FOUND and timeouts both read
// as an empty timeline at version 0.
func (a *Agent) kbGetTimeline(ctx context.Context, conv string) ([]any, int) {
	kbConv := fmt.Sprintf("%s-kbget-%d", conv, time.Now().UnixMilli())
	key := timelineKey(conv)
	q := a.registerQueue(kbConv)
	defer a.dropQueue(kbConv)

	a.sendRaw(ctx, a.kbJID, a.kbBody(kbConv, "GET", map[string]any{"key": key}))

	deadline := time.Now().Add(a.kbTimeout)
	for {
		in, ok := a.await(ctx, q, deadline)
		if !ok {
			a.log.Warn(ctx, "kb timeline read timeout", "conv", conv)
			return nil, 0
		}
		typ := strings.ToUpper(acl.NestedString(in.body, "type"))
		gotKey := acl.NestedString(in.body, "key")
		switch {
		case typ == "VALUE" && gotKey == key:
			var entries []any
			if v, ok := in.body["value"].(map[string]any); ok {
				entries, _ = v["entries"].([]any)
			} else if v, ok := in.body["value"].([]any); ok {
				entries = v
			}
			version := 0
			if v, ok := in.body["version"].(float64); ok {
				version = int(v)
			}
			return entries, version
		case strings.HasPrefix(typ, "FAILURE"):
			if typ != "FAILURE.NOT_FOUND" {
				a.log.Warn(ctx, "kb timeline read failed",
					"conv", conv, "type", typ, "reason", acl.NestedString(in.body, "reason"))
			}
			return nil, 0
		}
	}
}

// kbPutTimeline writes the timeline back, conditional on the version it was
// read at. Fire-and-forget: a conflict means a concurrent journal won and the
// next read picks up the merged state.
func (a *Agent) kbPutTimeline(ctx context.Context, conv string, entries []any, version int) {
	fields := map[string]any{
		"key":   timelineKey(conv),
		"value": map[string]any{"entries": entries},
		"tags":  []string{"conv:" + conv, "type:timeline"},
	}
	if version > 0 {
		fields["if_match"] = fmt.Sprintf("v%d", version)
	}
	kbConv := fmt.Sprintf("%s-kbput-%d", conv, time.Now().UnixMilli())
	a.sendRaw(ctx, a.kbJID, a.kbBody(kbConv, "STORE", fields))
}
