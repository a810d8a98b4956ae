package kb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fipago/mas/acl"
	"github.com/fipago/mas/bus"
	"github.com/fipago/mas/bus/inmem"
	storeinmem "github.com/fipago/mas/kb/store/inmem"
)

type kbHarness struct {
	coord  bus.Conn
	df     bus.Conn
	cancel context.CancelFunc
}

func startKB(t *testing.T, withDF bool) *kbHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ex := inmem.NewExchange()

	kbConn, err := ex.Dial(ctx, "kb@mas")
	require.NoError(t, err)
	coord, err := ex.Dial(ctx, "coordinator@mas")
	require.NoError(t, err)
	var df bus.Conn
	dfJID := ""
	if withDF {
		df, err = ex.Dial(ctx, "df@mas")
		require.NoError(t, err)
		dfJID = "df@mas"
	}

	agent, err := New(Options{
		Conn:          kbConn,
		Store:         storeinmem.New(),
		AllowedWriter: "coordinator@mas",
		DFJID:         dfJID,
		Heartbeat:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	go agent.Run(ctx)

	t.Cleanup(cancel)
	return &kbHarness{coord: coord, df: df, cancel: cancel}
}

func (h *kbHarness) send(t *testing.T, from bus.Conn, body map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, from.Send(context.Background(), "kb@mas", raw))
}

func (h *kbHarness) recv(t *testing.T, on bus.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := on.Receive(ctx)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(d.Body, &m))
	return m
}

func storeFrame(conv, key string, value any) map[string]any {
	return map[string]any{
		"performative":    "REQUEST",
		"sender":          "coordinator@mas",
		"receiver":        "kb@mas",
		"ontology":        acl.OntologyKB,
		"conversation_id": conv,
		"type":            "STORE",
		"key":             key,
		"value":           value,
	}
}

func TestStoreAndGetFlatFrames(t *testing.T) {
	h := startKB(t, false)
	const key = "session:sess-1:chat:timeline:main"

	h.send(t, h.coord, storeFrame("sess-1-kbput-1", key, map[string]any{"entries": []any{"hi"}}))
	reply := h.recv(t, h.coord)
	require.Equal(t, "INFORM", reply["performative"])
	require.Equal(t, "STORED", reply["type"])
	require.Equal(t, key, reply["key"])
	require.Equal(t, float64(1), reply["version"])
	require.NotEmpty(t, reply["etag"])
	require.Equal(t, "sess-1-kbput-1", reply["conversation_id"])
	require.NotContains(t, reply, "in_reply_to")
	require.Equal(t, acl.OntologyKB, reply["ontology"])

	h.send(t, h.coord, map[string]any{
		"performative":    "REQUEST",
		"sender":          "coordinator@mas",
		"receiver":        "kb@mas",
		"conversation_id": "sess-1-kbget-1",
		"type":            "GET",
		"key":             key,
	})
	got := h.recv(t, h.coord)
	require.Equal(t, "VALUE", got["type"])
	require.Equal(t, float64(1), got["version"])
	require.Equal(t, "application/json", got["content_type"])
	value, ok := got["value"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, []any{"hi"}, value["entries"])
}

func TestUnauthorizedSenderRefused(t *testing.T) {
	ctx := context.Background()
	ex := inmem.NewExchange()
	kbConn, err := ex.Dial(ctx, "kb@mas")
	require.NoError(t, err)
	intruder, err := ex.Dial(ctx, "intruder@mas")
	require.NoError(t, err)

	agent, err := New(Options{Conn: kbConn, Store: storeinmem.New(), AllowedWriter: "coordinator@mas"})
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go agent.Run(runCtx)

	raw, err := json.Marshal(map[string]any{
		"performative": "REQUEST",
		"sender":       "intruder@mas",
		"receiver":     "kb@mas",
		"type":         "STORE",
		"key":          "session:s:chat:frame:1",
		"value":        1,
	})
	require.NoError(t, err)
	require.NoError(t, intruder.Send(ctx, "kb@mas", raw))

	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	d, err := intruder.Receive(rctx)
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.Unmarshal(d.Body, &reply))
	require.Equal(t, "REFUSE", reply["performative"])
	require.Equal(t, "REFUSE.UNAUTHORIZED", reply["type"])
}

func TestInvalidKeyFails(t *testing.T) {
	h := startKB(t, false)
	h.send(t, h.coord, storeFrame("c1", "bad key", 1))
	reply := h.recv(t, h.coord)
	require.Equal(t, "FAILURE", reply["performative"])
	require.Equal(t, "FAILURE.INVALID_KEY", reply["type"])
}

func TestIfMatchConflict(t *testing.T) {
	h := startKB(t, false)
	const key = "session:sess-2:chat:timeline:main"

	h.send(t, h.coord, storeFrame("c1", key, "a"))
	require.Equal(t, "STORED", h.recv(t, h.coord)["type"])

	frame := storeFrame("c2", key, "b")
	frame["if_match"] = "v9"
	h.send(t, h.coord, frame)
	reply := h.recv(t, h.coord)
	require.Equal(t, "FAILURE", reply["performative"])
	require.Equal(t, "FAILURE.CONFLICT", reply["type"])

	frame = storeFrame("c3", key, "b")
	frame["if_match"] = "v1"
	h.send(t, h.coord, frame)
	reply = h.recv(t, h.coord)
	require.Equal(t, "STORED", reply["type"])
	require.Equal(t, float64(2), reply["version"])
}

func TestGetByVersionAndNotFound(t *testing.T) {
	h := startKB(t, false)
	const key = "session:sess-3:chat:timeline:main"

	h.send(t, h.coord, storeFrame("c1", key, "one"))
	h.recv(t, h.coord)
	h.send(t, h.coord, storeFrame("c2", key, "two"))
	h.recv(t, h.coord)

	h.send(t, h.coord, map[string]any{
		"performative": "REQUEST", "sender": "coordinator@mas", "receiver": "kb@mas",
		"type": "GET", "key": key, "version": 1,
	})
	reply := h.recv(t, h.coord)
	require.Equal(t, "one", reply["value"])

	h.send(t, h.coord, map[string]any{
		"performative": "REQUEST", "sender": "coordinator@mas", "receiver": "kb@mas",
		"type": "GET", "key": "session:sess-3:chat:timeline:other",
	})
	reply = h.recv(t, h.coord)
	require.Equal(t, "FAILURE", reply["performative"])
	require.Equal(t, "FAILURE.NOT_FOUND", reply["type"])
}

func TestUnsupportedTypeRefused(t *testing.T) {
	h := startKB(t, false)
	h.send(t, h.coord, map[string]any{
		"performative": "REQUEST", "sender": "coordinator@mas", "receiver": "kb@mas",
		"type": "DELETE", "key": "session:s:chat:frame:1",
	})
	reply := h.recv(t, h.coord)
	require.Equal(t, "REFUSE", reply["performative"])
	require.Equal(t, "REFUSE.UNSUPPORTED_TYPE", reply["type"])
}

func TestInvalidJSONFails(t *testing.T) {
	h := startKB(t, false)
	require.NoError(t, h.coord.Send(context.Background(), "kb@mas", []byte("{not json")))
	reply := h.recv(t, h.coord)
	require.Equal(t, "FAILURE", reply["performative"])
	require.Equal(t, "FAILURE.INVALID_JSON", reply["type"])
}

func TestRegistersAndHeartbeatsAtDF(t *testing.T) {
	h := startKB(t, true)

	reg := h.recv(t, h.df)
	require.Equal(t, "REQUEST", reg["performative"])
	content, ok := reg["content"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "REGISTER", content["type"])
	profile, ok := content["profile"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "kb@mas", profile["jid"])
	require.Contains(t, profile["capabilities"], "KB.STORE")
	require.Contains(t, profile["capabilities"], "KB.GET")

	hb := h.recv(t, h.df)
	hbContent, ok := hb["content"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "HEARTBEAT", hbContent["type"])
	require.Equal(t, "kb@mas", hbContent["jid"])
}
