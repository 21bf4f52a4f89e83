package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fanoutlabs/crossposter/internal/lane"
	"github.com/fanoutlabs/crossposter/internal/repo"
	"github.com/fanoutlabs/crossposter/internal/scheduler"
)

type Handler struct {
	sched  *scheduler.Scheduler
	repo   repo.PostRepository
	lanes  map[string]lane.Lane
	runNow scheduler.TickFunc
}

func NewHandler(s *scheduler.Scheduler, r repo.PostRepository, lanes map[string]lane.Lane, runNow scheduler.TickFunc) *Handler {
	return &Handler{sched: s, repo: r, lanes: lanes, runNow: runNow}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

type createPostRequest struct {
	Body        string `json:"body"`
	ScheduledAt string `json:"scheduledAt"`
	Recurring   bool   `json:"recurring"`
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != "" {
		ts, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			http.Error(w, "scheduledAt must be RFC3339", http.StatusBadRequest)
			return
		}
		scheduledAt = &ts
	}
	if req.Recurring && scheduledAt == nil {
		http.Error(w, "recurring posts need a scheduledAt", http.StatusBadRequest)
		return
	}

	post, err := h.repo.Insert(r.Context(), req.Body, scheduledAt, req.Recurring)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, post)
}

type updatePostRequest struct {
	Body string `json:"body"`
}

func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}

	if err := h.repo.UpdateBody(r.Context(), id, req.Body); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "post not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.repo.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RunPublish triggers one production pass outside the schedule.
func (h *Handler) RunPublish(w http.ResponseWriter, r *http.Request) {
	produced, err := h.runNow(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"produced": produced})
}

func (h *Handler) LaneStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]lane.Snapshot, len(h.lanes))
	for name, l := range h.lanes {
		stats[name] = l.Stats()
	}

	writeJSON(w, http.StatusOK, map[string]any{"lanes": stats})
}

func (h *Handler) LaneQuarantine(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	l, ok := h.lanes[name]
	if !ok {
		http.Error(w, "unknown lane", http.StatusNotFound)
		return
	}

	entries, err := l.Quarantined(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
