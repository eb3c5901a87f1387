package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uniqueue/uniqueue/pkg/queue"
)

type Server struct {
	registry *queue.Registry
	addr     string
	timeout  time.Duration
}

func NewServer(addr string, reg *queue.Registry) *http.Server {
	srv := &Server{
		registry: reg,
		addr:     addr,
		timeout:  5 * time.Second,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(srv.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// list queues per backend: GET /v1/queues
		r.Get("/queues", srv.handleListQueues)

		// list a queue's items: GET /v1/queues/{queue}/items
		r.Get("/queues/{queue}/items", srv.handleListItems)

		// peek one item by unique key: GET /v1/queues/{queue}/items/peek?key=
		r.Get("/queues/{queue}/items/peek", srv.handlePeekItem)

		// claimable count: GET /v1/queues/{queue}/count?min_priority=
		r.Get("/queues/{queue}/count", srv.handleItemsLeft)

		// free expired locks: POST /v1/locks/reclaim
		r.Post("/locks/reclaim", srv.handleReclaimLocks)
	})

	return &http.Server{
		Addr:    srv.addr,
		Handler: r,
	}
}

type queuesResponse struct {
	Queues map[string][]string `json:"queues"`
}

type countResponse struct {
	Count int `json:"count"`
}

type reclaimRequest struct {
	Queues []string `json:"queues,omitempty"`
}

type reclaimResponse struct {
	Reclaimed int `json:"reclaimed"`
}

// ---------- Handlers ----------

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.registry.ListAll(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "list queues failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &queuesResponse{Queues: queues})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	items, err := q.ListItems(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "list items failed: %v", err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePeekItem(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		httpError(w, http.StatusBadRequest, "`key` query param is required")
		return
	}
	it, err := q.PeekItem(r.Context(), key)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "peek failed: %v", err)
		return
	}
	if it == nil {
		httpError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleItemsLeft(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(w, r)
	if !ok {
		return
	}
	var minPriority *int
	if raw := r.URL.Query().Get("min_priority"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid min_priority: %v", err)
			return
		}
		minPriority = &n
	}
	count, err := q.ItemsLeft(r.Context(), minPriority)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "count failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &countResponse{Count: count})
}

func (s *Server) handleReclaimLocks(w http.ResponseWriter, r *http.Request) {
	// Body is optional; an empty one means every known queue.
	var req reclaimRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	reclaimed, err := s.registry.ReclaimLocks(r.Context(), req.Queues...)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "reclaim failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &reclaimResponse{Reclaimed: reclaimed})
}

// queueFor resolves the {queue} path param to a handle, writing the error
// response itself when it cannot.
func (s *Server) queueFor(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	qname := chi.URLParam(r, "queue")
	if qname == "" {
		httpError(w, http.StatusBadRequest, "missing queue path param")
		return nil, false
	}
	q, err := s.registry.Get(r.Context(), qname)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "resolve queue: %v", err)
		return nil, false
	}
	return q, true
}

// ---------- helpers ----------

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
