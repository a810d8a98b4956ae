package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/corr"
	"github.com/fipago/mas/df"
	"github.com/fipago/mas/selector"
)

// serveConversation runs the pipeline of a single user request: journal the
// message, discover candidates, select a specialist, collect the answer and
// report to the presenter. It owns the conversation queue created by the
// dispatcher and removes it after a short grace period for late frames.
func (a *Agent) serveConversation(ctx context.Context, conv, presenterJID, question string, orig map[string]any) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		a.dropQueue(conv)
		return
	}
	defer func() { <-a.sem }()
	defer func() {
		if a.convGrace > 0 {
			select {
			case <-time.After(a.convGrace):
			case <-ctx.Done():
			}
		}
		a.dropQueue(conv)
		a.log.Info(ctx, "conversation finished", "conv", conv)
	}()

	historyAfterUser := a.journal(ctx, conv, orig)

	rawCandidates := a.dfLookup(ctx, conv)
	if len(rawCandidates) == 0 {
		a.replyPresenter(ctx, conv, presenterJID,
			fmt.Sprintf("Brak dostępnych specjalistów (%s).", a.needCap))
		return
	}
	candidates := a.normalizeCandidates(rawCandidates)
	if len(candidates) == 0 {
		a.replyPresenter(ctx, conv, presenterJID, "Brak poprawnych profili kandydatów.")
		return
	}

	history, _ := a.kbGetTimeline(ctx, conv)
	if len(history) == 0 {
		history = historyAfterUser
	}
	selected := a.aiSelect(ctx, conv, orig, candidates, history)
	if selected == "" {
		selected = Fallback(candidates, a.needCap)
		a.log.Info(ctx, "fallback selection", "conv", conv, "selected", selected)
	}

	history, _ = a.kbGetTimeline(ctx, conv)
	if len(history) == 0 {
		history = historyAfterUser
	}

	ordered := []string{selected}
	for _, c := range candidates {
		if c.JID != selected {
			ordered = append(ordered, c.JID)
		}
	}
	var answer string
	attempts := 0
	for _, jid := range ordered {
		attempts++
		a.log.Info(ctx, "asking specialist",
			"conv", conv, "target", jid, "attempt", attempts, "max", a.maxRetries)
		answer = a.askSpecialist(ctx, conv, jid, question, history)
		if answer != "" {
			break
		}
		if attempts >= a.maxRetries {
			a.log.Warn(ctx, "retry limit reached", "conv", conv, "attempts", attempts)
			break
		}
	}

	if answer != "" {
		a.replyPresenter(ctx, conv, presenterJID, answer)
	} else {
		a.replyPresenter(ctx, conv, presenterJID,
			"Specjalista nie odpowiedział w czasie. Spróbuj ponownie.")
	}
}

// dfLookup queries the DF and returns the raw candidate list: profile maps
// when the DF sent them, bare JID strings otherwise. In ALL mode an empty
// listing retries with the capability query.
func (a *Agent) dfLookup(ctx context.Context, conv string) []any {
	if a.dfMode == "ALL" {
		if got := a.dfQuery(ctx, conv, "ALL"); len(got) > 0 {
			return got
		}
		a.log.Info(ctx, "df ALL listing empty, retrying by capability", "conv", conv, "need", a.needCap)
	}
	return a.dfQuery(ctx, conv, a.needCap)
}

func (a *Agent) dfQuery(ctx context.Context, conv, need string) []any {
	replyID := acl.NewReplyID("dfq")
	a.book.Register(conv, replyID,
		corr.WithAllowFrom(a.dfJID),
		corr.WithAllowPF(acl.Inform),
		corr.WithNote("df query"))

	f, err := acl.New("QUERY-REF", a.conn.JID(), a.dfJID, map[string]any{"need": need},
		acl.WithOntology(acl.OntologyDF),
		acl.WithConversation(conv),
		acl.WithReplyWith(replyID))
	if err != nil {
		a.log.Error(ctx, "df query build failed", "err", err.Error())
		return nil
	}
	a.send(ctx, a.dfJID, f)

	q := a.queue(conv)
	deadline := time.Now().Add(a.reqTimeout)
	for {
		in, ok := a.await(ctx, q, deadline)
		if !ok {
			a.log.Warn(ctx, "df query timeout", "conv", conv, "need", need)
			return nil
		}
		if acl.NestedString(in.body, "conversation_id") != conv {
			continue
		}
		if pf, err := acl.Normalize(acl.NestedString(in.body, "performative")); err != nil || pf != acl.Inform {
			continue
		}
		a.journal(ctx, conv, in.body)
		content, _ := in.body["content"].(map[string]any)
		res := df.ParseQueryReply(content)

		var out []any
		for _, jid := range res.Candidates {
			if p, ok := res.Profiles[jid]; ok {
				out = append(out, p.Map())
			} else {
				out = append(out, jid)
			}
		}
		a.log.Info(ctx, "df candidates", "conv", conv, "need", need, "count", len(out))
		return out
	}
}

// normalizeCandidates turns the raw list into profiles: bare strings become
// minimal online profiles carrying the required capability, maps are decoded
// and entries without a jid are dropped.
func (a *Agent) normalizeCandidates(raw []any) []df.Profile {
	var out []df.Profile
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			out = append(out, df.Profile{
				JID:          v,
				Status:       "online",
				Capabilities: []string{a.needCap},
			})
		case map[string]any:
			p := df.ProfileFromMap(v)
			if p.JID == "" {
				continue
			}
			if p.Status == "" {
				p.Status = "online"
			}
			out = append(out, p)
		}
	}
	return out
}

// aiSelect asks the configured selector and trusts its answer only when the
// selected JID is on the candidate list.
func (a *Agent) aiSelect(ctx context.Context, conv string, orig map[string]any, candidates []df.Profile, history []any) string {
	if a.sel == nil {
		return ""
	}
	in := selector.Input{
		ConversationID:     conv,
		RequiredCapability: a.needCap,
		DFTimestamp:        acl.NowISO(),
		FipaRequest:        fipaRequestPreview(orig),
		Candidates:         candidates,
		History:            history,
	}
	if preview, err := json.Marshal(in); err == nil {
		a.log.Debug(ctx, "selector input", "conv", conv, "payload", string(preview))
	}

	sctx, cancel := context.WithTimeout(ctx, a.reqTimeout)
	defer cancel()
	choice, err := a.sel.Select(sctx, in)
	if err != nil {
		a.log.Warn(ctx, "selector failed", "conv", conv, "err", err.Error())
		return ""
	}
	for _, c := range candidates {
		if c.JID == choice.SelectedJID {
			a.log.Info(ctx, "selector choice", "conv", conv,
				"selected", choice.SelectedJID, "reason", choice.Reason, "confidence", choice.Confidence)
			return choice.SelectedJID
		}
	}
	a.log.Warn(ctx, "selector picked a non-candidate", "conv", conv, "selected", choice.SelectedJID)
	return ""
}

// fipaRequestPreview reduces the original request to the envelope subset the
// selector prompt carries.
func fipaRequestPreview(orig map[string]any) map[string]any {
	content, _ := orig["content"].(map[string]any)
	args, _ := content["args"].(map[string]any)
	domainTags := args["domain_tags"]
	if domainTags == nil {
		domainTags = []any{}
	} else if _, ok := domainTags.([]any); !ok {
		domainTags = []any{domainTags}
	}
	return map[string]any{
		"performative": orig["performative"],
		"ontology":     orig["ontology"],
		"sender":       orig["sender"],
		"content": map[string]any{
			"type": content["type"],
			"args": map[string]any{
				"question":    args["question"],
				"domain_tags": domainTags,
			},
		},
	}
}

// Fallback is the deterministic selection rule: prefer live candidates with
// the required capability, then any live candidate, then everyone, and pick
// the lexicographically smallest JID.
func Fallback(candidates []df.Profile, needCap string) string {
	if len(candidates) == 0 {
		return ""
	}
	live := func(p df.Profile) bool {
		switch strings.ToLower(p.Status) {
		case "online", "available", "ready":
			return true
		}
		return false
	}
	var avail, withCap []df.Profile
	for _, c := range candidates {
		if live(c) {
			avail = append(avail, c)
			if c.HasCapability(needCap) {
				withCap = append(withCap, c)
			}
		}
	}
	prefer := withCap
	if len(prefer) == 0 {
		prefer = avail
	}
	if len(prefer) == 0 {
		prefer = candidates
	}
	jids := make([]string, len(prefer))
	for i, c := range prefer {
		jids[i] = c.JID
	}
	sort.Strings(jids)
	return jids[0]
}

// askSpecialist runs one REQUEST.ASK_EXPERT exchange: AGREE keeps the wait
// alive, INFORM.RESULT yields the answer, anything else or the deadline
// yields "".
func (a *Agent) askSpecialist(ctx context.Context, conv, jid, question string, history []any) string {
	replyID := acl.NewReplyID("ask")
	a.book.Register(conv, replyID,
		corr.WithAllowFrom(jid),
		corr.WithAllowPF(acl.Agree, acl.Inform, acl.Refuse, acl.Failure),
		corr.WithNote("specialist ask"))

	f, err := acl.New("REQUEST", a.conn.JID(), jid, map[string]any{
		"type": "ASK_EXPERT",
		"args": map[string]any{"question": question, "history": history},
	}, acl.WithConversation(conv), acl.WithReplyWith(replyID))
	if err != nil {
		a.log.Error(ctx, "ask build failed", "err", err.Error())
		return ""
	}
	a.send(ctx, jid, f)

	q := a.queue(conv)
	deadline := time.Now().Add(a.reqTimeout)
	for {
		in, ok := a.await(ctx, q, deadline)
		if !ok {
			a.log.Warn(ctx, "specialist timeout", "conv", conv, "target", jid)
			return ""
		}
		if acl.NestedString(in.body, "conversation_id") != conv {
			continue
		}
		pf, err := acl.Normalize(acl.NestedString(in.body, "performative"))
		if err != nil {
			continue
		}
		typ := strings.ToUpper(acl.NestedString(in.body, "content", "type"))

		if pf == acl.Agree || pf == acl.Inform {
			a.journal(ctx, conv, in.body)
		}
		switch {
		case pf == acl.Agree:
			a.log.Debug(ctx, "specialist agreed", "conv", conv, "target", jid)
		case pf == acl.Inform && typ == "RESULT":
			answer := acl.NestedString(in.body, "content", "result", "answer")
			a.log.Info(ctx, "specialist answered", "conv", conv, "target", jid)
			return answer
		case pf == acl.Refuse || pf == acl.Failure:
			a.log.Warn(ctx, "specialist declined", "conv", conv, "target", jid, "pf", string(pf))
			return ""
		}
	}
}

// replyPresenter sends the final INFORM.PRESENTER_REPLY.
func (a *Agent) replyPresenter(ctx context.Context, conv, presenterJID, text string) {
	f, err := acl.New("INFORM", a.conn.JID(), presenterJID, map[string]any{
		"type": "PRESENTER_REPLY",
		"text": text,
	}, acl.WithConversation(conv))
	if err != nil {
		a.log.Error(ctx, "presenter reply build failed", "err", err.Error())
		return
	}
	a.log.Info(ctx, "presenter reply", "conv", conv, "presenter", presenterJID, "text", text)
	a.send(ctx, presenterJID, f)
}

// await pops the next queued frame before the deadline.
func (a *Agent) await(ctx context.Context, q chan inbound, deadline time.Time) (inbound, bool) {
	if q == nil {
		return inbound{}, false
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return inbound{}, false
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case in := <-q:
		return in, true
	case <-t.C:
		return inbound{}, false
	case <-ctx.Done():
		return inbound{}, false
	}
}
