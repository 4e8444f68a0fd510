package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"offsync/internal/dispatch"
	"offsync/internal/domain"
	"offsync/internal/monitor"
	"offsync/internal/queue"
	"offsync/internal/syncer"
)

// Drainer is the slice of the synchronizer the API exposes.
type Drainer interface {
	ForceSync(ctx context.Context) (domain.SyncResult, error)
	RetryFailed(ctx context.Context) (domain.SyncResult, error)
}

type Server struct {
	r          *chi.Mux
	store      queue.Store
	dispatcher *dispatch.Dispatcher
	drainer    Drainer
	mon        *monitor.Monitor
	exec       syncer.Executor
}

func NewServer(store queue.Store, dispatcher *dispatch.Dispatcher, drainer Drainer, mon *monitor.Monitor, exec syncer.Executor) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: store, dispatcher: dispatcher, drainer: drainer, mon: mon, exec: exec}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/actions", s.dispatchAction)
	r.Get("/api/queue/stats", s.queueStats)
	r.Get("/api/queue/pending", s.queuePending)
	r.Get("/api/queue/entries/{id}", s.getEntry)
	r.Post("/api/sync", s.forceSync)
	r.Post("/api/sync/retry-failed", s.retryFailed)
	r.Delete("/api/queue", s.clearQueue)
	r.Get("/api/status", s.status)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	st, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	fmt.Fprintf(w, "offsync_up 1\noffsync_queue_pending %d\noffsync_queue_failed %d\noffsync_queue_synced %d\n",
		st.Pending, st.Failed, st.Synced)
}

type dispatchReq struct {
	ActionType       string          `json:"action_type"`
	TenantID         string          `json:"tenant_id"`
	Payload          json.RawMessage `json:"payload"`
	Priority         int             `json:"priority"`
	SkipOfflineQueue bool            `json:"skip_offline_queue"`
}

type dispatchResp struct {
	Applied bool   `json:"applied"`
	Queued  bool   `json:"queued"`
	State   string `json:"state"`
}

func (s *Server) dispatchAction(w http.ResponseWriter, r *http.Request) {
	var req dispatchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ActionType == "" {
		http.Error(w, "action_type is required", 400)
		return
	}

	// One idempotency key covers the online attempt and any queued replay:
	// if the attempt committed server-side but the response was lost, the
	// replay dedupes on the backend.
	idemKey := uuid.NewString()
	attempt := domain.QueueEntry{
		ActionType:     req.ActionType,
		TenantID:       req.TenantID,
		Payload:        req.Payload,
		IdempotencyKey: idemKey,
	}
	online := func(ctx context.Context) (any, error) {
		if err := s.exec.Execute(ctx, attempt); err != nil {
			return nil, err
		}
		return dispatchResp{Applied: true}, nil
	}

	result, err := s.dispatcher.Execute(r.Context(), req.ActionType, req.TenantID, req.Payload, online, dispatch.Options{
		Priority:         req.Priority,
		Fallback:         dispatchResp{Queued: !req.SkipOfflineQueue},
		SkipOfflineQueue: req.SkipOfflineQueue,
		IdempotencyKey:   idemKey,
	})
	if err != nil {
		if errors.Is(err, queue.ErrStorageUnavailable) {
			http.Error(w, err.Error(), http.StatusInsufficientStorage)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}

	resp, ok := result.(dispatchResp)
	if !ok {
		resp = dispatchResp{}
	}
	resp.State = string(s.mon.State())
	code := http.StatusOK
	if resp.Queued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, resp)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) queuePending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.ListPending(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON(e))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, entryJSON(e))
}

func entryJSON(e domain.QueueEntry) map[string]any {
	m := map[string]any{
		"id":          e.ID,
		"action_type": e.ActionType,
		"tenant_id":   e.TenantID,
		"priority":    e.Priority,
		"synced":      e.Synced,
		"retry_count": e.RetryCount,
		"created_at":  e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.LastError != nil {
		m["last_error"] = *e.LastError
	}
	return m
}

func (s *Server) forceSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.drainer.ForceSync(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrDrainInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	res, err := s.drainer.RetryFailed(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrDrainInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{"state": string(s.mon.State())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
