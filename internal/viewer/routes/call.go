package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/petervdpas/peercall/internal/feed"
	"github.com/petervdpas/peercall/internal/model"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
	recentEvents   = 50
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Only loopback clients may attach.
	CheckOrigin: isLocalRequest,
}

// wsMessage is one frame on /api/call/ws.
type wsMessage struct {
	Type string `json:"type"` // state | session | incoming
	Data any    `json:"data"`
}

type callRequest struct {
	CallID string `json:"call_id"`
}

type startRequest struct {
	CalleeID string `json:"callee_id"`
	CallType string `json:"call_type"`
}

// RegisterCall registers the call API.
//
//	POST /api/call/start    {callee_id, call_type}
//	POST /api/call/accept   {call_id}
//	POST /api/call/decline  {call_id}
//	POST /api/call/hangup   {call_id}
//	GET  /api/call/incoming
//	GET  /api/call/history?limit=
//	GET  /api/call/debug
//	GET  /api/call/ws
func RegisterCall(mux *http.ServeMux, d Deps) {
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req startRequest) {
		ct := model.CallType(lo.Ternary(req.CallType == "", string(model.CallVoice), req.CallType))
		if req.CalleeID == "" || !ct.Valid() {
			http.Error(w, "missing callee_id or invalid call_type", http.StatusBadRequest)
			return
		}
		s, err := d.Calls.StartOutgoing(r.Context(), req.CalleeID, ct)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Snapshot())
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		s, err := d.Incoming.Accept(r.Context(), req.CallID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s.Snapshot())
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Incoming.Decline(r.Context(), req.CallID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.Hangup(r.Context(), req.CallID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up", "call_id": req.CallID})
	})

	handleGet(mux, "/api/call/incoming", func(w http.ResponseWriter, r *http.Request) {
		cur, ok := d.Incoming.Current()
		if !ok {
			writeJSON(w, map[string]any{"ringing": false})
			return
		}
		writeJSON(w, map[string]any{"ringing": true, "incoming": cur})
	})

	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			if limit = atoiOrNeg(s); limit < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
		}
		calls, err := d.History.ListCalls(r.Context(), d.Calls.Self(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"self": d.Calls.Self(), "calls": calls})
	})

	// GET /api/call/debug: live sessions and change feed state, for testing
	// without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		sessions := d.Calls.Sessions()
		out := map[string]any{
			"self":          d.Calls.Self(),
			"session_count": len(sessions),
			"sessions":      sessions,
		}
		if cur, ok := d.Incoming.Current(); ok {
			out["incoming"] = cur
		}
		if d.Feed != nil {
			recent := d.Feed.Recent(recentEvents)
			out["feed"] = map[string]any{
				"watermark":   d.Feed.Watermark(),
				"subscribers": d.Feed.Subscribers(),
				"recent":      lo.Map(recent, func(e feed.Event, _ int) map[string]any { return describeEvent(e) }),
			}
		}
		writeJSON(w, out)
	})

	// GET /api/call/ws: session snapshots and incoming-call updates. While a
	// client is attached, incoming calls do not raise desktop notifications.
	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("call websocket upgrade")
			return
		}
		defer conn.Close()

		leave := d.Presence.enter()
		defer leave()

		snaps, cancelSnaps := d.Calls.Subscribe()
		defer cancelSnaps()
		updates, cancelUpdates := d.Incoming.Subscribe()
		defer cancelUpdates()

		state := map[string]any{"self": d.Calls.Self(), "sessions": d.Calls.Sessions()}
		if cur, ok := d.Incoming.Current(); ok {
			state["incoming"] = cur
		}
		if writeWS(conn, wsMessage{Type: "state", Data: state}) != nil {
			return
		}

		// Drain client frames so close and pong are processed.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			var msg wsMessage
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
				continue
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				msg = wsMessage{Type: "session", Data: snap}
			case u, ok := <-updates:
				if !ok {
					return
				}
				msg = wsMessage{Type: "incoming", Data: u}
			}
			if writeWS(conn, msg) != nil {
				return
			}
		}
	})
}

func writeWS(conn *websocket.Conn, msg wsMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func describeEvent(e feed.Event) map[string]any {
	out := map[string]any{"seq": e.Seq, "topic": e.Topic, "table": e.Table, "op": e.Op, "at": e.At}
	if e.Call != nil {
		out["call_id"] = e.Call.ID
		out["status"] = e.Call.Status
	}
	if e.Signal != nil {
		out["call_id"] = e.Signal.CallID
		out["signal_id"] = e.Signal.ID
		out["signal_type"] = e.Signal.Type
		out["sender_id"] = e.Signal.SenderID
	}
	return out
}
