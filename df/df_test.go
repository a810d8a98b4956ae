package df

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
	"github.com/fipago/mas/bus/inmem"
)

type harness struct {
	agent  *Agent
	client bus.Conn
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	ex := inmem.NewExchange()
	dfConn, err := ex.Dial(ctx, "df@mas")
	require.NoError(t, err)
	client, err := ex.Dial(ctx, "client@mas")
	require.NoError(t, err)

	a, err := New(Options{Conn: dfConn, Heartbeat: 30 * time.Second, TTLMultiplier: 3, CleanupPeriod: 10 * time.Second})
	require.NoError(t, err)

	h := &harness{agent: a, client: client, clock: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	a.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) send(t *testing.T, f *acl.Frame) {
	t.Helper()
	raw, err := f.Marshal()
	require.NoError(t, err)
	h.agent.handle(context.Background(), bus.Delivery{From: f.Sender, Body: raw})
}

func (h *harness) recv(t *testing.T) *acl.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := h.client.Receive(ctx)
	require.NoError(t, err)
	f, err := acl.Parse(d.Body)
	require.NoError(t, err)
	return f
}

func register(t *testing.T, h *harness, jid string, caps ...string) {
	t.Helper()
	anyCaps := make([]any, len(caps))
	for i, c := range caps {
		anyCaps[i] = c
	}
	f, err := acl.New("REQUEST", "client@mas", "df@mas", map[string]any{
		"type":    "REGISTER",
		"profile": map[string]any{"jid": jid, "capabilities": anyCaps},
	}, acl.WithOntology(acl.OntologyDF), acl.WithReplyWith("reg-"+jid))
	require.NoError(t, err)
	h.send(t, f)
	reply := h.recv(t)
	require.Equal(t, acl.Agree, reply.Performative)
	require.Equal(t, "registered", reply.Content["status"])
	require.Equal(t, "reg-"+jid, reply.InReplyTo)
}

func query(t *testing.T, h *harness, need string) QueryResult {
	t.Helper()
	f, err := acl.New("QUERY-REF", "client@mas", "df@mas", map[string]any{"need": need},
		acl.WithOntology(acl.OntologyDF))
	require.NoError(t, err)
	h.send(t, f)
	reply := h.recv(t)
	require.Equal(t, acl.Inform, reply.Performative)
	return ParseQueryReply(reply.Content)
}

func TestRegisterWithoutJIDFails(t *testing.T) {
	h := newHarness(t)
	f, err := acl.New("REQUEST", "client@mas", "df@mas", map[string]any{
		"type":    "REGISTER",
		"profile": map[string]any{"capabilities": []any{"ASK_EXPERT"}},
	})
	require.NoError(t, err)
	h.send(t, f)

	reply := h.recv(t)
	require.Equal(t, acl.Failure, reply.Performative)
	require.Equal(t, "INVALID_PROFILE", reply.Content["reason"])
}

func TestRegisterAndQueryByCapability(t *testing.T) {
	h := newHarness(t)
	register(t, h, "math@mas", "ASK_EXPERT", "MATH")
	register(t, h, "law@mas", "ASK_EXPERT")
	register(t, h, "other@mas", "TRANSLATE")

	res := query(t, h, "ask_expert")
	require.Equal(t, []string{"law@mas", "math@mas"}, res.Candidates)
	require.True(t, res.Profiles["math@mas"].HasCapability("MATH"))
	require.Equal(t, "online", res.Profiles["law@mas"].Status)
	require.NotEmpty(t, res.Timestamp)

	res = query(t, h, "TRANSLATE")
	require.Equal(t, []string{"other@mas"}, res.Candidates)
}

func TestQueryAllAndStar(t *testing.T) {
	h := newHarness(t)
	register(t, h, "b@mas", "ASK_EXPERT")
	register(t, h, "a@mas", "TRANSLATE")

	for _, need := range []string{"ALL", "*", "LIST"} {
		res := query(t, h, need)
		require.Equal(t, []string{"a@mas", "b@mas"}, res.Candidates, "need=%s", need)
	}
}

func TestRegisterMergesFields(t *testing.T) {
	h := newHarness(t)
	register(t, h, "spec@mas", "ASK_EXPERT")

	f, err := acl.New("REQUEST", "client@mas", "df@mas", map[string]any{
		"type":    "REGISTER",
		"profile": map[string]any{"jid": "spec@mas", "version": "2.0", "capabilities": []any{"ASK_EXPERT", "MATH"}},
	})
	require.NoError(t, err)
	h.send(t, f)
	h.recv(t)

	res := query(t, h, "MATH")
	require.Equal(t, []string{"spec@mas"}, res.Candidates)
	require.Equal(t, "2.0", res.Profiles["spec@mas"].Meta["version"])
	require.True(t, res.Profiles["spec@mas"].HasCapability("ASK_EXPERT"))
}

func TestReRegisterKeepsCapabilitiesUnion(t *testing.T) {
	h := newHarness(t)
	register(t, h, "spec@mas", "ASK_EXPERT")
	register(t, h, "spec@mas", "MATH")

	res := query(t, h, "ASK_EXPERT")
	require.Equal(t, []string{"spec@mas"}, res.Candidates)
	require.ElementsMatch(t, []string{"ASK_EXPERT", "MATH"},
		res.Profiles["spec@mas"].Capabilities)
}

func TestHeartbeatKeepsAliveAndMerges(t *testing.T) {
	h := newHarness(t)
	register(t, h, "spec@mas", "ASK_EXPERT")

	h.clock = h.clock.Add(50 * time.Second)
	hb, err := acl.New("REQUEST", "spec@mas", "df@mas", map[string]any{
		"type": "HEARTBEAT", "jid": "spec@mas", "load": 0.7,
	})
	require.NoError(t, err)
	h.send(t, hb)

	h.clock = h.clock.Add(30 * time.Second)
	res := query(t, h, "ASK_EXPERT")
	require.Equal(t, []string{"spec@mas"}, res.Candidates)
	require.Equal(t, 0.7, res.Profiles["spec@mas"].Meta["load"])
}

func TestHeartbeatFromUnknownCreatesMinimalProfile(t *testing.T) {
	h := newHarness(t)
	hb, err := acl.New("REQUEST", "ghost@mas/res", "df@mas", map[string]any{"type": "HEARTBEAT"})
	require.NoError(t, err)
	h.send(t, hb)

	res := query(t, h, "LIST")
	require.Equal(t, []string{"ghost@mas"}, res.Candidates)
	require.Equal(t, "online", res.Profiles["ghost@mas"].Status)
	require.Empty(t, res.Profiles["ghost@mas"].Capabilities)
}

func TestLivenessOfflineThenExpired(t *testing.T) {
	h := newHarness(t)
	register(t, h, "spec@mas", "ASK_EXPERT")

	// Past two heartbeat periods: invisible to LIST and capability queries,
	// still present in DUMP as offline.
	h.clock = h.clock.Add(61 * time.Second)
	require.Empty(t, query(t, h, "ASK_EXPERT").Candidates)
	require.Empty(t, query(t, h, "LIST").Candidates)

	dump := query(t, h, "DUMP")
	require.Equal(t, []string{"spec@mas"}, dump.Candidates)
	require.Equal(t, "offline", dump.Profiles["spec@mas"].Status)

	// Past the TTL: removed by GC.
	h.clock = h.clock.Add(30 * time.Second)
	h.agent.gc(context.Background())
	require.Empty(t, query(t, h, "DUMP").Candidates)
}

func TestDeregister(t *testing.T) {
	h := newHarness(t)
	register(t, h, "spec@mas", "ASK_EXPERT")

	f, err := acl.New("REQUEST", "spec@mas", "df@mas", map[string]any{
		"type": "DEREGISTER", "jid": "spec@mas",
	})
	require.NoError(t, err)
	h.send(t, f)
	reply := h.recv(t)
	require.Equal(t, acl.Agree, reply.Performative)
	require.Equal(t, "deregistered", reply.Content["status"])

	require.Empty(t, query(t, h, "DUMP").Candidates)
}

func TestUnknownRequestTypeNotUnderstood(t *testing.T) {
	h := newHarness(t)
	f, err := acl.New("REQUEST", "client@mas", "df@mas", map[string]any{"type": "WIBBLE"})
	require.NoError(t, err)
	h.send(t, f)

	reply := h.recv(t)
	require.Equal(t, acl.NotUnderstood, reply.Performative)
	require.Equal(t, "UNKNOWN_TYPE", reply.Content["reason"])
}

func TestProfileRoundTrip(t *testing.T) {
	p := ProfileFromMap(map[string]any{
		"jid":          "spec@mas",
		"status":       "online",
		"capabilities": []any{"B", "A", "A"},
		"version":      "1.0",
	})
	require.Equal(t, []string{"A", "B"}, p.Capabilities)
	require.Equal(t, "1.0", p.Meta["version"])

	m := p.Map()
	require.Equal(t, "spec@mas", m["jid"])
	require.Equal(t, "1.0", m["version"])
}

func TestInformHeartbeatAccepted(t *testing.T) {
	h := newHarness(t)
	register(t, h, "law@mas", "ASK_EXPERT")

	h.clock = h.clock.Add(70 * time.Second)
	f, err := acl.New("INFORM", "law@mas", "df@mas", map[string]any{
		"type": "HEARTBEAT", "jid": "law@mas", "status": "ready",
	}, acl.WithOntology(acl.OntologyDF))
	require.NoError(t, err)
	h.send(t, f)

	res := query(t, h, "ask_expert")
	require.Equal(t, []string{"law@mas"}, res.Candidates)
}

func TestQueryByContentType(t *testing.T) {
	h := newHarness(t)
	register(t, h, "law@mas", "ASK_EXPERT")
	register(t, h, "old@mas", "ASK_EXPERT")
	h.clock = h.clock.Add(70 * time.Second)
	heartbeat := func(jid string) {
		f, err := acl.New("REQUEST", jid, "df@mas", map[string]any{
			"type": "HEARTBEAT", "jid": jid,
		}, acl.WithOntology(acl.OntologyDF))
		require.NoError(t, err)
		h.send(t, f)
	}
	heartbeat("law@mas")

	list, err := acl.New("QUERY-REF", "client@mas", "df@mas", map[string]any{"type": "LIST"},
		acl.WithOntology(acl.OntologyDF))
	require.NoError(t, err)
	h.send(t, list)
	res := ParseQueryReply(h.recv(t).Content)
	require.Equal(t, []string{"law@mas"}, res.Candidates)

	dump, err := acl.New("QUERY-REF", "client@mas", "df@mas", map[string]any{"type": "DUMP"},
		acl.WithOntology(acl.OntologyDF))
	require.NoError(t, err)
	h.send(t, dump)
	res = ParseQueryReply(h.recv(t).Content)
	require.Equal(t, []string{"law@mas", "old@mas"}, res.Candidates)
	require.Equal(t, "offline", res.Profiles["old@mas"].Status)
}
