// internal/viewer/routes/helpers.go

package routes

import (
	"errors"
	"net"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/peercall/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBody = 1 << 20

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into T before calling fn.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}

// writeError maps the call error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	status := http.StatusInternalServerError

	var glare *model.GlareError
	switch {
	case errors.As(err, &glare):
		status = http.StatusConflict
		body["existing_call"] = glare.Existing
	case errors.Is(err, model.ErrBusy), errors.Is(err, model.ErrStaleTransition):
		status = http.StatusConflict
	case errors.Is(err, model.ErrCallNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrSelfCall), errors.Is(err, model.ErrInvalidCall),
		errors.Is(err, model.ErrInvalidSignal), errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrMediaAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrNegotiationFailed):
		status = http.StatusBadGateway
	}
	writeJSONStatus(w, status, body)
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func atoiOrNeg(s string) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return -1
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
