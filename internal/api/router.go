package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/posts", h.CreatePost)
	mux.HandleFunc("GET /v1/posts", h.ListPosts)
	mux.HandleFunc("PATCH /v1/posts/{id}", h.UpdatePost)

	mux.HandleFunc("POST /v1/publish/run", h.RunPublish)

	mux.HandleFunc("GET /v1/lanes", h.LaneStats)
	mux.HandleFunc("GET /v1/lanes/{name}/quarantine", h.LaneQuarantine)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("crossposter"))
	})

	return mux
}
