package routes

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/incoming"
	"github.com/petervdpas/peercall/internal/model"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/storage"
)

type idlePeer struct{ events chan peer.Event }

func (p *idlePeer) Open(context.Context, model.CallType) error { return nil }
func (p *idlePeer) CreateOffer(context.Context) (*model.Offer, error) {
	return &model.Offer{SDP: "v=0"}, nil
}
func (p *idlePeer) CreateAnswer(context.Context, *model.Offer) (*model.Answer, error) {
	return &model.Answer{SDP: "v=0"}, nil
}
func (p *idlePeer) SetRemoteAnswer(*model.Answer) error          { return nil }
func (p *idlePeer) AddRemoteCandidate(*model.ICECandidate) error { return nil }
func (p *idlePeer) Events() <-chan peer.Event                    { return p.events }
func (p *idlePeer) Close() error                                 { return nil }

type nopSurface struct{}

func (nopSurface) Start(model.Call)              {}
func (nopSurface) Stop()                         {}
func (nopSurface) Notify(string, model.CallType) {}

// user is one user's API over a shared store.
type user struct {
	srv      *httptest.Server
	calls    *call.Manager
	listener *incoming.Listener
	presence *Presence
}

func newUsers(t *testing.T) (*storage.DB, *user, *user) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	f := feed.New(db, feed.Options{PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.Start(ctx))

	mk := func(self string) *user {
		m := call.New(self, db, f, func(string) call.Peer { return &idlePeer{events: make(chan peer.Event)} }, call.DefaultConfig())
		p := &Presence{}
		l := incoming.New(db, f, m, nopSurface{}, incoming.Options{Foreground: p.Attached})
		l.Attach(ctx)
		mux := http.NewServeMux()
		Register(mux, Deps{Calls: m, Incoming: l, History: db, Feed: f, Presence: p})
		return &user{srv: httptest.NewServer(mux), calls: m, listener: l, presence: p}
	}
	carol, dave := mk("carol"), mk("dave")
	t.Cleanup(func() {
		for _, u := range []*user{carol, dave} {
			u.srv.Close()
			u.listener.Close()
			u.calls.Close()
		}
		cancel()
		f.Close()
		db.Close()
	})
	return db, carol, dave
}

func (u *user) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(u.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return decode(t, resp)
}

func (u *user) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(u.srv.URL + path)
	require.NoError(t, err)
	return decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		require.NoError(t, json.Unmarshal(b, &out))
	}
	return resp.StatusCode, out
}

func TestStartAcceptAndHistory(t *testing.T) {
	db, carol, dave := newUsers(t)

	code, body := carol.post(t, "/api/call/start", `{"callee_id":"dave","call_type":"video"}`)
	require.Equal(t, http.StatusOK, code, body)
	callID := body["call_id"].(string)
	assert.Equal(t, "ringing", body["status"])
	assert.Equal(t, "caller", body["role"])

	require.Eventually(t, func() bool {
		_, body := dave.get(t, "/api/call/incoming")
		return body["ringing"] == true
	}, 5*time.Second, 20*time.Millisecond)

	code, body = dave.post(t, "/api/call/accept", `{"call_id":"`+callID+`"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "callee", body["role"])

	c, err := db.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnecting, c.Status)

	code, body = carol.get(t, "/api/call/history?limit=5")
	require.Equal(t, http.StatusOK, code)
	calls := body["calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, callID, calls[0].(map[string]any)["id"])

	code, body = dave.get(t, "/api/call/debug")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["session_count"])
	assert.Contains(t, body, "feed")

	code, _ = carol.post(t, "/api/call/hangup", `{"call_id":"`+callID+`"}`)
	assert.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		c, err := db.GetCall(context.Background(), callID)
		return err == nil && c.Status == model.StatusEnded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeclineViaAPI(t *testing.T) {
	db, carol, dave := newUsers(t)
	_, body := carol.post(t, "/api/call/start", `{"callee_id":"dave"}`)
	callID := body["call_id"].(string)
	assert.Equal(t, "voice", body["call_type"])

	code, _ := dave.post(t, "/api/call/decline", `{"call_id":"`+callID+`"}`)
	require.Equal(t, http.StatusOK, code)
	c, err := db.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeclined, c.Status)

	code, _ = dave.post(t, "/api/call/accept", `{"call_id":"`+callID+`"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestErrorStatuses(t *testing.T) {
	_, carol, dave := newUsers(t)

	code, _ := carol.post(t, "/api/call/start", `{"callee_id":"dave","call_type":"fax"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = carol.post(t, "/api/call/start", `{"callee_id":"carol"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = carol.post(t, "/api/call/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = carol.post(t, "/api/call/hangup", `{"call_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = carol.get(t, "/api/call/history?limit=abc")
	assert.Equal(t, http.StatusBadRequest, code)

	resp, err := http.Get(carol.srv.URL + "/api/call/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	code, body := carol.post(t, "/api/call/start", `{"callee_id":"dave"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = carol.post(t, "/api/call/start", `{"callee_id":"erin"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, glare := dave.post(t, "/api/call/start", `{"callee_id":"carol"}`)
	assert.Equal(t, http.StatusConflict, code)
	existing := glare["existing_call"].(map[string]any)
	assert.Equal(t, body["call_id"], existing["id"])
}

func TestWebsocketStreamsSessions(t *testing.T) {
	_, carol, _ := newUsers(t)

	url := "ws" + strings.TrimPrefix(carol.srv.URL, "http") + "/api/call/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "state", msg.Type)
	assert.Equal(t, "carol", msg.Data["self"])
	assert.True(t, carol.presence.Attached())

	code, body := carol.post(t, "/api/call/start", `{"callee_id":"dave"}`)
	require.Equal(t, http.StatusOK, code)

	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Type == "session" && msg.Data["call_id"] == body["call_id"] {
			assert.Equal(t, "ringing", msg.Data["status"])
			break
		}
	}

	conn.Close()
	require.Eventually(t, func() bool { return !carol.presence.Attached() }, 5*time.Second, 10*time.Millisecond)
}
