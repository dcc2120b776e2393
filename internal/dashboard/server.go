// Package dashboard serves read-only task status over HTTP: JSON views of
// the task store, a server-sent event stream of lifecycle events and the
// Prometheus metrics of the process.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/pkg/types"
)

const (
	defaultHeartbeat = 30 * time.Second
	defaultLimit     = 50
)

// Server is the status HTTP server
type Server struct {
	store     *db.Store
	bus       *events.Bus
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	limiter   *rate.Limiter
	version   string
	heartbeat time.Duration
	started   time.Time
	server    *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer sets the registry /metrics exposes
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithVersion sets the version /health reports
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithRateLimit caps API requests per second across all clients
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithHeartbeat sets how often idle event streams get a keep-alive comment
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// New creates a status server over store. bus may be nil, in which case
// /api/events answers 503.
func New(store *db.Store, bus *events.Bus, opts ...Option) *Server {
	s := &Server{
		store:     store,
		bus:       bus,
		gatherer:  prometheus.DefaultGatherer,
		logger:    zap.NewNop(),
		version:   "dev",
		heartbeat: defaultHeartbeat,
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleTask).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/groups", s.handleGroups).Methods("GET")
	api.HandleFunc("/groups/{name}", s.handleGroup).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}

	var handler http.Handler = router
	handler = s.loggingMiddleware(handler)
	handler = corsMiddleware(handler)
	return handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- s.server.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	version, err := s.store.SchemaVersion(r.Context())
	if err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime":         time.Since(s.started).Round(time.Second).String(),
		"schema_version": version,
	})
}

// handleTasks lists tasks. Query parameters: status, type, group, q (prompt
// search) and limit.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	var taskType types.TaskType
	if v := q.Get("type"); v != "" {
		tt, err := types.ParseTaskType(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		taskType = tt
	}
	status := types.TaskStatus(q.Get("status"))

	var (
		tasks []*types.Task
		err   error
	)
	switch {
	case q.Get("q") != "":
		tasks, err = s.store.Search(ctx, q.Get("q"))
	case q.Get("group") != "":
		tasks, err = s.store.ByGroup(ctx, q.Get("group"))
	case status == types.TaskStatusPending:
		tasks, err = s.store.Pending(ctx, 0)
	case status == types.TaskStatusInProgress:
		tasks, err = s.store.InProgress(ctx)
	case status == "":
		tasks, err = s.store.All(ctx)
	case status.IsTerminal():
		tasks, err = s.store.History(ctx, db.HistoryFilter{Status: status, Type: taskType})
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid status %q", status))
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	tasks = filterTasks(tasks, status, taskType)
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// filterTasks applies the status and type filters the chosen query did not
func filterTasks(tasks []*types.Task, status types.TaskStatus, taskType types.TaskType) []*types.Task {
	out := tasks[:0]
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		if taskType != "" && t.Type != taskType {
			continue
		}
		out = append(out, t)
	}
	if out == nil {
		return []*types.Task{}
	}
	return out
}

// taskDetail is a task with its blocking dependency, if any
type taskDetail struct {
	*types.Task
	Blocked       bool             `json:"blocked"`
	BlockedBy     *int64           `json:"blocked_by,omitempty"`
	BlockedStatus types.TaskStatus `json:"blocked_by_status,omitempty"`
}

// handleTask returns one task by numeric id or slug
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := mux.Vars(r)["id"]

	var (
		task *types.Task
		err  error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		task, err = s.store.Get(ctx, id)
	} else {
		task, err = s.store.GetByTaskID(ctx, ref)
	}
	if errors.Is(err, db.ErrTaskNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	detail := taskDetail{Task: task}
	if task.Status == types.TaskStatusPending {
		blocked, dep, depStatus, err := s.store.IsBlocked(ctx, task)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		detail.Blocked, detail.BlockedBy, detail.BlockedStatus = blocked, dep, depStatus
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.Groups(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tasks, err := s.store.ByGroup(r.Context(), name)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if len(tasks) == 0 {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("group %q not found", name))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"group": name, "tasks": tasks})
}

// handleEvents streams lifecycle events as server-sent events until the
// client disconnects. Query parameters type (comma separated), task and
// group narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("no event source in this process"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	sub := s.bus.Subscribe(filter)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("could not encode event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func parseFilter(r *http.Request) (events.Filter, error) {
	q := r.URL.Query()
	var f events.Filter
	if v := q.Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			f.Types = append(f.Types, events.Type(strings.TrimSpace(t)))
		}
	}
	if v := q.Get("task"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid task %q", v)
		}
		f.Task = id
	}
	f.Group = q.Get("group")
	return f, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("could not write response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	type errorBody struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	s.respondJSON(w, status, map[string]errorBody{"error": {Message: err.Error(), Code: status}})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.respondError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
