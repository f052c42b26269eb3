// Package routes: swaggo annotation stubs for the call API.
// Each function below documents one route registered in RegisterCall; the
// handlers themselves are the closures passed to handlePost/handleGet.
// `swag init -g internal/viewer/routes/openapi_annotations.go` renders them.
package routes

// statusResponse is the body returned by decline and hangup.
type statusResponse struct {
	Status string `json:"status"  example:"declined"`
	CallID string `json:"call_id" example:"3f2b0c9e-..."`
}

// incomingResponse is the body for GET /api/call/incoming.
type incomingResponse struct {
	Ringing  bool `json:"ringing"`
	Incoming any  `json:"incoming,omitempty"`
}

// historyResponse is the body for GET /api/call/history.
type historyResponse struct {
	Self  string `json:"self" example:"dave"`
	Calls []any  `json:"calls"`
}

// swagCallStart is a documentation stub for POST /api/call/start.
//
//	@Summary	Start an outgoing call
//	@Description	Creates a ringing call record addressed to callee_id and opens local media.\ncall_type defaults to voice.
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		startRequest	true	"Callee and call type"
//	@Success	200		{object}	call.Snapshot
//	@Failure	400		{string}	string	"missing callee_id or invalid call_type"
//	@Failure	409		{string}	string	"already in a call"
//	@Router		/api/call/start [post]
func swagCallStart() {}

// swagCallAccept is a documentation stub for POST /api/call/accept.
//
//	@Summary	Accept the ringing call
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		callRequest	true	"Call id"
//	@Success	200		{object}	call.Snapshot
//	@Failure	400		{string}	string	"missing call_id"
//	@Failure	409		{string}	string	"busy or no longer ringing"
//	@Router		/api/call/accept [post]
func swagCallAccept() {}

// swagCallDecline is a documentation stub for POST /api/call/decline.
//
//	@Summary	Decline a call without opening media
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		callRequest	true	"Call id"
//	@Success	200		{object}	statusResponse
//	@Router		/api/call/decline [post]
func swagCallDecline() {}

// swagCallHangup is a documentation stub for POST /api/call/hangup.
//
//	@Summary	Hang up or cancel a call
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		callRequest	true	"Call id"
//	@Success	200		{object}	statusResponse
//	@Router		/api/call/hangup [post]
func swagCallHangup() {}

// swagCallIncoming is a documentation stub for GET /api/call/incoming.
//
//	@Summary	The currently surfaced incoming call
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	incomingResponse
//	@Router		/api/call/incoming [get]
func swagCallIncoming() {}

// swagCallHistory is a documentation stub for GET /api/call/history.
//
//	@Summary	Calls this user took part in, newest first
//	@Tags		call
//	@Produce	json
//	@Param		limit	query		int	false	"Maximum rows"
//	@Success	200		{object}	historyResponse
//	@Failure	400		{string}	string	"invalid limit"
//	@Router		/api/call/history [get]
func swagCallHistory() {}

// swagCallDebug is a documentation stub for GET /api/call/debug.
//
//	@Summary	Live sessions and change feed state
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Router		/api/call/debug [get]
func swagCallDebug() {}

// swagCallWS is a documentation stub for GET /api/call/ws.
//
//	@Summary	WebSocket of session snapshots and incoming-call updates
//	@Description	Frames are {type, data} with type state, session or incoming.\nWhile a client is attached incoming calls raise no desktop notification.
//	@Tags		call
//	@Success	101	{string}	string	"switching protocols"
//	@Router		/api/call/ws [get]
func swagCallWS() {}
