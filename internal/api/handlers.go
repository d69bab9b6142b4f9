package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/bot"
	"github.com/BTreeMap/ImgurBot/internal/models"
)

// healthReport is the /health body.
type healthReport struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	QueueLen  int    `json:"queue_len"`
	InFlight  int    `json:"in_flight"`
	SeenItems *int   `json:"seen_items,omitempty"`
	Error     string `json:"error,omitempty"`
}

// code maps the report to 200 when healthy and 503 otherwise.
func (h healthReport) code() int {
	if h.Status == "healthy" {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		QueueLen:  s.queue.Len(),
		InFlight:  s.queue.InFlight(),
	}
	if count, err := s.seen.CountSeen(ctx); err != nil {
		slog.Warn("Server.healthHandler: seen store probe failed", "error", err)
		report.Status = "degraded"
		report.Error = "Failed to query seen store"
	} else {
		report.SeenItems = &count
	}
	writeJSON(w, report.code(), report)
}

type seenResult struct {
	ID          string     `json:"id"`
	Seen        bool       `json:"seen"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Active      bool       `json:"active"`
}

func (s *Server) seenHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing id query parameter")
		return
	}
	item, err := s.seen.GetSeen(r.Context(), id)
	if err != nil {
		slog.Error("Server.seenHandler: lookup failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to query seen store")
		return
	}
	res := seenResult{ID: id, Active: s.queue.Active(id)}
	if item != nil {
		res.Seen = true
		res.ProcessedAt = &item.ProcessedAt
	}
	writeJSON(w, http.StatusOK, models.Success(res))
}

type queueResult struct {
	Length   int                    `json:"length"`
	InFlight int                    `json:"in_flight"`
	Actions  []models.PendingAction `json:"actions"`
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	actions := s.queue.Snapshot()
	if actions == nil {
		actions = []models.PendingAction{}
	}
	writeJSON(w, http.StatusOK, models.Success(queueResult{
		Length:   s.queue.Len(),
		InFlight: s.queue.InFlight(),
		Actions:  actions,
	}))
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var item bot.Item
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&item); err != nil {
		slog.Warn("Server.submitHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	res, err := s.pipeline.Submit(r.Context(), item)
	switch {
	case errors.Is(err, models.ErrEmptyItemID), errors.Is(err, bot.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("Server.submitHandler: submit failed", "itemID", item.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to queue item")
		return
	}

	switch res.Status {
	case bot.SubmitQueued:
		writeJSON(w, http.StatusAccepted, models.Queued("Item queued", res))
	case bot.SubmitSeen:
		writeJSON(w, http.StatusOK, models.Skipped("Item already processed"))
	default:
		writeJSON(w, http.StatusOK, models.Skipped("Item already queued"))
	}
}
