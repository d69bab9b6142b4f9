package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

// fallbackBody is sent when a response cannot be encoded. It matches
// models.Error("Internal server error").
const fallbackBody = `{"status":"error","message":"Internal server error"}`

// writeJSON encodes v and writes it with status. Admin responses are never
// cached. An encoding failure becomes a 500 carrying fallbackBody.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("Server.writeJSON: encode response failed", "status", status, "error", err)
		body, status = []byte(fallbackBody), http.StatusInternalServerError
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Server.writeJSON: client went away", "error", err)
	}
}

// writeError writes a models.Error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.Error(msg))
}

// allowMethod writes 405 with an Allow header unless r uses method.
func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}
