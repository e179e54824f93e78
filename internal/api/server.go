// Package api exposes queue state over HTTP as JSON. The surface is
// read-only except for task submission.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gseismic/qtask-nano/internal/query"
	"github.com/gseismic/qtask-nano/internal/queue"
	"github.com/gseismic/qtask-nano/internal/task"
)

type Server struct {
	r      *chi.Mux
	q      *queue.TaskQueue
	engine *query.Engine
}

// NewServer builds the HTTP handler for one queue.
func NewServer(q *queue.TaskQueue) http.Handler {
	return NewServerWithDebug(q, false)
}

func NewServerWithDebug(q *queue.TaskQueue, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, q: q, engine: query.New(q)}

	r.Get("/api/stats", s.stats)
	r.Get("/api/health", s.health)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/doing", s.doing)
	r.Post("/api/tasks", s.submitTask)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	report := s.engine.QueueStats(r.Context())
	if report.Err != "" {
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Health(r.Context())
	code := http.StatusOK
	if report.Stats.Err != "" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = task.StatusTodo
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	records, err := s.engine.TasksByStatus(r.Context(), status, limit)
	if err != nil {
		if !status.Valid() {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if records == nil {
		records = []*task.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.q.GetMetadata(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type doingEntry struct {
	*task.Record
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

func (s *Server) doing(w http.ResponseWriter, r *http.Request) {
	doing, err := s.engine.DoingWithDuration(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	out := make([]doingEntry, 0, len(doing))
	for _, d := range doing {
		out = append(out, doingEntry{Record: d.Record, ElapsedSeconds: d.Elapsed.Seconds()})
	}
	writeJSON(w, http.StatusOK, out)
}

type submitReq struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

type submitResp struct {
	TaskID string `json:"task_id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	rec := task.New(req.Type, req.Params)
	if err := s.q.AddTask(r.Context(), rec); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{TaskID: rec.TaskID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
