package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
	"github.com/fipago/mas/bus/inmem"
	"github.com/fipago/mas/df"
	"github.com/fipago/mas/kb"
	"github.com/fipago/mas/kb/store"
	storeinmem "github.com/fipago/mas/kb/store/inmem"
	"github.com/fipago/mas/selector"
)

// harness wires a full control plane over the in-memory bus: a real DF, a
// real KB on an in-memory store, the coordinator under test, and raw
// connections for the presenter and the scripted specialists.
type harness struct {
	t     *testing.T
	ctx   context.Context
	ex    *inmem.Exchange
	store store.Store
	pres  bus.Conn
}

func newHarness(t *testing.T, sel selector.Selector, reqTimeout time.Duration) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ex := inmem.NewExchange()

	dfConn, err := ex.Dial(ctx, "df@mas")
	require.NoError(t, err)
	dfAgent, err := df.New(df.Options{Conn: dfConn, Heartbeat: time.Minute})
	require.NoError(t, err)
	go dfAgent.Run(ctx)

	kbConn, err := ex.Dial(ctx, "kb@mas")
	require.NoError(t, err)
	st := storeinmem.New()
	kbAgent, err := kb.New(kb.Options{
		Conn:          kbConn,
		Store:         st,
		AllowedWriter: "coordinator@mas",
	})
	require.NoError(t, err)
	go kbAgent.Run(ctx)

	coordConn, err := ex.Dial(ctx, "coordinator@mas")
	require.NoError(t, err)
	coord, err := New(Options{
		Conn:       coordConn,
		DFJID:      "df@mas",
		KBJID:      "kb@mas",
		Selector:   sel,
		ReqTimeout: reqTimeout,
		KBTimeout:  2 * time.Second,
		ConvGrace:  -1,
	})
	require.NoError(t, err)
	go coord.Run(ctx)

	pres, err := ex.Dial(ctx, "presenter@mas")
	require.NoError(t, err)
	return &harness{t: t, ctx: ctx, ex: ex, store: st, pres: pres}
}

// addSpecialist registers a JID at the DF and answers every ASK_EXPERT with
// the given text. An empty answer makes the specialist silent.
func (h *harness) addSpecialist(jid, answer string) {
	h.t.Helper()
	conn, err := h.ex.Dial(h.ctx, jid)
	require.NoError(h.t, err)

	reg, err := acl.New("REQUEST", jid, "df@mas", map[string]any{
		"type": "REGISTER",
		"profile": map[string]any{
			"jid":          jid,
			"capabilities": []string{"ASK_EXPERT"},
			"status":       "online",
		},
	}, acl.WithOntology(acl.OntologyDF), acl.WithReplyWith(acl.NewReplyID("reg")))
	require.NoError(h.t, err)
	raw, err := reg.Marshal()
	require.NoError(h.t, err)
	require.NoError(h.t, conn.Send(h.ctx, "df@mas", raw))

	ack, err := conn.Receive(h.ctx)
	require.NoError(h.t, err)
	ackFrame, err := acl.Parse(ack.Body)
	require.NoError(h.t, err)
	require.Equal(h.t, acl.Agree, ackFrame.Performative)

	go func() {
		for {
			d, err := conn.Receive(h.ctx)
			if err != nil {
				return
			}
			f, err := acl.Parse(d.Body)
			if err != nil || f.Performative != acl.Request || f.Type() != "ASK_EXPERT" {
				continue
			}
			if answer == "" {
				continue
			}
			agree, _ := acl.New("AGREE", jid, f.Sender, map[string]any{"status": "accepted"},
				acl.WithConversation(f.ConversationID), acl.WithInReplyTo(f.ReplyWith))
			rawAgree, _ := agree.Marshal()
			conn.Send(h.ctx, f.Sender, rawAgree)

			inform, _ := acl.New("INFORM", jid, f.Sender, map[string]any{
				"type": "RESULT",
				"result": map[string]any{
					"answer": answer,
					"meta":   map[string]any{"capability": "ASK_EXPERT"},
				},
			}, acl.WithConversation(f.ConversationID), acl.WithInReplyTo(f.ReplyWith))
			rawInform, _ := inform.Marshal()
			conn.Send(h.ctx, f.Sender, rawInform)
		}
	}()
}

// ask sends USER_MSG and waits for the presenter reply text.
func (h *harness) ask(conv, question string) string {
	h.t.Helper()
	f, err := acl.New("REQUEST", "presenter@mas", "coordinator@mas", map[string]any{
		"type": "USER_MSG",
		"args": map[string]any{"question": question},
		"meta": map[string]any{"presenter_jid": "presenter@mas"},
	}, acl.WithConversation(conv), acl.WithReplyWith(acl.NewReplyID("msg")))
	require.NoError(h.t, err)
	raw, err := f.Marshal()
	require.NoError(h.t, err)
	require.NoError(h.t, h.pres.Send(h.ctx, "coordinator@mas", raw))

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rctx, cancel := context.WithDeadline(h.ctx, deadline)
		d, err := h.pres.Receive(rctx)
		cancel()
		require.NoError(h.t, err)
		var body map[string]any
		require.NoError(h.t, json.Unmarshal(d.Body, &body))
		if acl.NestedString(body, "conversation_id") != conv {
			continue
		}
		if acl.NestedString(body, "performative") != "INFORM" {
			continue
		}
		if acl.NestedString(body, "content", "type") != "PRESENTER_REPLY" {
			continue
		}
		return acl.NestedString(body, "content", "text")
	}
	h.t.Fatalf("no presenter reply on %s", conv)
	return ""
}

func pick(jid string) selector.Selector {
	return selector.Func(func(ctx context.Context, in selector.Input) (selector.Choice, error) {
		return selector.Choice{SelectedJID: jid, Confidence: 1}, nil
	})
}

func TestAnswerFlowsToPresenter(t *testing.T) {
	h := newHarness(t, pick("law@mas"), 5*time.Second)
	h.addSpecialist("law@mas", "Umowa wymaga formy pisemnej.")

	text := h.ask("sess-e2e-1", "Czy umowa musi być pisemna?")
	require.Equal(t, "Umowa wymaga formy pisemnej.", text)
}

func TestTimelineJournaled(t *testing.T) {
	h := newHarness(t, pick("law@mas"), 5*time.Second)
	h.addSpecialist("law@mas", "Tak.")

	h.ask("sess-e2e-2", "Pytanie testowe")

	require.Eventually(t, func() bool {
		item, err := h.store.Get(context.Background(), store.Get{
			Key: "session:sess-e2e-2:chat:timeline:main",
		})
		if err != nil {
			return false
		}
		value, ok := item.Value.(map[string]any)
		if !ok {
			return false
		}
		entries, _ := value["entries"].([]any)
		types := map[string]bool{}
		for _, e := range entries {
			if m, ok := e.(map[string]any); ok {
				typ, _ := m["type"].(string)
				types[typ] = true
			}
		}
		return types["USER_MSG"] && types["RESULT"]
	}, 5*time.Second, 50*time.Millisecond, "timeline must carry the question and the answer")
}

func TestNoSpecialistsAvailable(t *testing.T) {
	h := newHarness(t, nil, time.Second)

	text := h.ask("sess-e2e-3", "Ktokolwiek?")
	require.Equal(t, "Brak dostępnych specjalistów (ASK_EXPERT).", text)
}

func TestSelectorPicksNonCandidateFallsBack(t *testing.T) {
	h := newHarness(t, pick("ghost@mas"), 5*time.Second)
	h.addSpecialist("law@mas", "Fallback działa.")

	text := h.ask("sess-e2e-4", "Kto odpowie?")
	require.Equal(t, "Fallback działa.", text)
}

func TestSilentSpecialistTimesOut(t *testing.T) {
	h := newHarness(t, pick("mute@mas"), 500*time.Millisecond)
	h.addSpecialist("mute@mas", "")

	text := h.ask("sess-e2e-5", "Halo?")
	require.Equal(t, "Specjalista nie odpowiedział w czasie. Spróbuj ponownie.", text)
}

func TestRetryMovesToNextCandidate(t *testing.T) {
	h := newHarness(t, pick("mute@mas"), 500*time.Millisecond)
	h.addSpecialist("mute@mas", "")
	h.addSpecialist("backup@mas", "Zapasowy odpowiada.")

	text := h.ask("sess-e2e-6", "Kto żyje?")
	require.Equal(t, "Zapasowy odpowiada.", text)
}

func TestDispatchDropsUncorrelatedReply(t *testing.T) {
	ctx := context.Background()
	ex := inmem.NewExchange()
	conn, err := ex.Dial(ctx, "coordinator@mas")
	require.NoError(t, err)
	a, err := New(Options{Conn: conn, DFJID: "df@mas", KBJID: "kb@mas"})
	require.NoError(t, err)

	q := a.registerQueue("sess-guard")
	body := func(inReplyTo string) []byte {
		m := map[string]any{
			"performative":    "INFORM",
			"sender":          "rogue@mas",
			"conversation_id": "sess-guard",
			"content":         map[string]any{"type": "RESULT"},
		}
		if inReplyTo != "" {
			m["in_reply_to"] = inReplyTo
		}
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		return raw
	}

	a.dispatch(ctx, bus.Delivery{From: "rogue@mas", Body: body("ask-never-issued")})
	require.Empty(t, q, "a correlated reply nobody asked for must be dropped")

	a.dispatch(ctx, bus.Delivery{From: "rogue@mas", Body: body("")})
	require.Len(t, q, 1, "frames without in_reply_to pass the guard")
}

func TestFallbackPrefersLiveCapable(t *testing.T) {
	candidates := []df.Profile{
		{JID: "z@mas", Status: "online", Capabilities: []string{"ASK_EXPERT"}},
		{JID: "a@mas", Status: "offline", Capabilities: []string{"ASK_EXPERT"}},
		{JID: "b@mas", Status: "ready", Capabilities: []string{"OTHER"}},
	}
	require.Equal(t, "z@mas", Fallback(candidates, "ASK_EXPERT"))

	// No capability holder alive: any live candidate wins.
	candidates[0].Status = "offline"
	require.Equal(t, "b@mas", Fallback(candidates, "ASK_EXPERT"))

	// Nobody alive: smallest JID overall.
	candidates[2].Status = "gone"
	require.Equal(t, "a@mas", Fallback(candidates, "ASK_EXPERT"))

	require.Equal(t, "", Fallback(nil, "ASK_EXPERT"))
}

func TestFallbackDeterministicProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genProfile := gopter.CombineGens(
		gen.RegexMatch(`[a-z]{1,8}@mas`),
		gen.OneConstOf("online", "ready", "available", "offline", ""),
		gen.Bool(),
	).Map(func(vals []any) df.Profile {
		p := df.Profile{JID: vals[0].(string), Status: vals[1].(string)}
		if vals[2].(bool) {
			p.Capabilities = []string{"ASK_EXPERT"}
		}
		return p
	})

	properties.Property("order independent and always a candidate", prop.ForAll(
		func(candidates []df.Profile) bool {
			if len(candidates) == 0 {
				return Fallback(candidates, "ASK_EXPERT") == ""
			}
			picked := Fallback(candidates, "ASK_EXPERT")
			reversed := make([]df.Profile, len(candidates))
			for i, c := range candidates {
				reversed[len(candidates)-1-i] = c
			}
			if Fallback(reversed, "ASK_EXPERT") != picked {
				return false
			}
			for _, c := range candidates {
				if c.JID == picked {
					return true
				}
			}
			return false
		},
		gen.SliceOf(genProfile),
	))
	properties.TestingRun(t)
}

func TestTimelineEntryText(t *testing.T) {
	frame := func(typ string, content map[string]any) map[string]any {
		content["type"] = typ
		return map[string]any{
			"performative": "REQUEST",
			"sender":       "presenter@mas",
			"content":      content,
		}
	}

	e := timelineEntry(frame("USER_MSG", map[string]any{
		"args": map[string]any{"question": "q?"},
	}))
	require.Equal(t, "q?", e["text"])
	require.Equal(t, "USER_MSG", e["type"])
	require.Equal(t, "presenter@mas", e["agent"])

	e = timelineEntry(frame("PRESENTER_REPLY", map[string]any{"text": "odp"}))
	require.Equal(t, "odp", e["text"])

	e = timelineEntry(frame("RESULT", map[string]any{
		"result": map[string]any{"answer": "42"},
	}))
	require.Equal(t, "42", e["text"])

	require.Nil(t, timelineEntry(map[string]any{"content": map[string]any{}}))
}

func TestEachConversationGetsOwnTimeline(t *testing.T) {
	h := newHarness(t, pick("law@mas"), 5*time.Second)
	h.addSpecialist("law@mas", "ok")

	const conv = "sess-e2e-7"
	for i := 0; i < 4; i++ {
		h.ask(fmt.Sprintf("%s-%d", conv, i), fmt.Sprintf("pytanie %d", i))
	}

	keys := make([]string, 0, 4)
	require.Eventually(t, func() bool {
		keys = keys[:0]
		for i := 0; i < 4; i++ {
			key := fmt.Sprintf("session:%s-%d:chat:timeline:main", conv, i)
			if _, err := h.store.Get(context.Background(), store.Get{Key: key}); err == nil {
				keys = append(keys, key)
			}
		}
		return len(keys) == 4
	}, 5*time.Second, 50*time.Millisecond)
	sort.Strings(keys)
	require.Len(t, keys, 4)
}
