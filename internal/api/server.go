package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"trackflow/internal/domain"
	"trackflow/internal/queue"
	"trackflow/internal/tracking"
	"trackflow/internal/worker"
)

// Tracker is the queue facade the ingestion routes feed.
type Tracker interface {
	QueueIdentifyProfile(profileIdentifier string, attrs map[string]string, opts ...tracking.Option) error
	QueueTrack(profileIdentifier *string, kind domain.Kind, name string, attrs map[string]string, opts ...tracking.Option) error
	QueueRegisterDevice(profileIdentifier *string, device domain.Device, opts ...tracking.Option) error
	QueueDeletePushToken(profileIdentifier *string, deviceToken string, opts ...tracking.Option) error
	QueueTrackMetric(deliveryID, deviceToken string, event domain.MetricEvent, opts ...tracking.Option) error
	QueueTrackInAppMetric(deliveryID string, event domain.MetricEvent, opts ...tracking.Option) error
	Flush(ctx context.Context) error
	DeleteExpired(ctx context.Context) (int, error)
}

// TaskReader exposes the task table for inspection.
type TaskReader interface {
	Get(ctx context.Context, id string) (domain.QueueTask, error)
	ListRecent(ctx context.Context, limit int) ([]domain.QueueTask, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

type Server struct {
	r        *chi.Mux
	tracker  Tracker
	tasks    TaskReader
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewServer(tracker Tracker, tasks TaskReader, logger zerolog.Logger) http.Handler {
	return NewServerWithDebug(tracker, tasks, logger, false)
}

func NewServerWithDebug(tracker Tracker, tasks TaskReader, logger zerolog.Logger, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	logger = logger.With().Str("component", "api").Logger()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(logger), middleware.Recoverer)

	s := &Server{r: r, tracker: tracker, tasks: tasks, validate: validator.New(), logger: logger}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	// Ingestion
	r.Post("/v1/identify", s.identify)
	r.Post("/v1/track", s.track)
	r.Post("/v1/devices", s.registerDevice)
	r.Delete("/v1/devices/{token}", s.deleteDevice)
	r.Post("/v1/metrics", s.trackMetric)
	r.Post("/v1/flush", s.flush)
	r.Delete("/v1/tasks/expired", s.deleteExpired)

	// Inspection
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/stats", s.stats)

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

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type identifyReq struct {
	ProfileIdentifier string            `json:"profile_identifier" validate:"required"`
	Attributes        map[string]string `json:"attributes"`
	Priority          int               `json:"priority" validate:"gte=-1,lte=1"`
}

type trackReq struct {
	ProfileIdentifier *string           `json:"profile_identifier"`
	Type              string            `json:"type" validate:"required,oneof=event page screen"`
	Name              string            `json:"name" validate:"required"`
	Attributes        map[string]string `json:"attributes"`
	Priority          int               `json:"priority" validate:"gte=-1,lte=1"`
}

type deviceReq struct {
	ProfileIdentifier *string           `json:"profile_identifier"`
	Token             string            `json:"token" validate:"required"`
	LastUsed          *int64            `json:"last_used"`
	Attributes        map[string]string `json:"attributes"`
}

type metricReq struct {
	DeliveryID  string `json:"delivery_id" validate:"required"`
	Event       string `json:"event" validate:"required,oneof=delivered opened converted clicked"`
	DeviceToken string `json:"device_token"`
}

type acceptedResp struct {
	Status string `json:"status"`
}

var accepted = acceptedResp{Status: "queued"}

func (s *Server) identify(w http.ResponseWriter, r *http.Request) {
	var req identifyReq
	if !s.decode(w, r, &req) {
		return
	}
	err := s.tracker.QueueIdentifyProfile(req.ProfileIdentifier, req.Attributes, s.enqueueOptions(req.Priority)...)
	s.respondQueued(w, err)
}

func (s *Server) track(w http.ResponseWriter, r *http.Request) {
	var req trackReq
	if !s.decode(w, r, &req) {
		return
	}
	err := s.tracker.QueueTrack(req.ProfileIdentifier, domain.Kind(req.Type), req.Name, req.Attributes, s.enqueueOptions(req.Priority)...)
	s.respondQueued(w, err)
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceReq
	if !s.decode(w, r, &req) {
		return
	}
	err := s.tracker.QueueRegisterDevice(req.ProfileIdentifier, domain.Device{
		Token:      req.Token,
		LastUsed:   req.LastUsed,
		Attributes: req.Attributes,
	}, s.enqueueOptions(domain.PriorityDefault)...)
	s.respondQueued(w, err)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var profile *string
	if p := r.URL.Query().Get("profile_identifier"); p != "" {
		profile = &p
	}
	err := s.tracker.QueueDeletePushToken(profile, token, s.enqueueOptions(domain.PriorityDefault)...)
	s.respondQueued(w, err)
}

func (s *Server) trackMetric(w http.ResponseWriter, r *http.Request) {
	var req metricReq
	if !s.decode(w, r, &req) {
		return
	}
	event, err := domain.ParseMetricEvent(req.Event)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := s.enqueueOptions(domain.PriorityDefault)
	if req.DeviceToken != "" {
		err = s.tracker.QueueTrackMetric(req.DeliveryID, req.DeviceToken, event, opts...)
	} else {
		err = s.tracker.QueueTrackInAppMetric(req.DeliveryID, event, opts...)
	}
	s.respondQueued(w, err)
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	err := s.tracker.Flush(r.Context())
	switch {
	case errors.Is(err, worker.ErrServerUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, acceptedResp{Status: "flushed"})
	}
}

func (s *Server) deleteExpired(w http.ResponseWriter, r *http.Request) {
	n, err := s.tracker.DeleteExpired(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type taskView struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"`
	Status            string  `json:"status"`
	ProfileIdentifier *string `json:"profile_identifier,omitempty"`
	IdentityType      string  `json:"identity_type"`
	Priority          int     `json:"priority"`
	RetryCount        int     `json:"retry_count"`
	LastStatusCode    *int    `json:"last_status_code,omitempty"`
	ErrorReason       *string `json:"error_reason,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	Activity          any     `json:"activity,omitempty"`
}

func newTaskView(t domain.QueueTask, withActivity bool) taskView {
	v := taskView{
		ID:                t.ID,
		Type:              string(t.Type),
		Status:            string(t.Status),
		ProfileIdentifier: t.ProfileIdentifier,
		IdentityType:      string(t.IdentityType),
		Priority:          t.Priority,
		RetryCount:        t.RetryCount,
		LastStatusCode:    t.LastStatusCode,
		CreatedAt:         t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.ErrorReason != nil {
		reason := string(*t.ErrorReason)
		v.ErrorReason = &reason
	}
	if withActivity {
		v.Activity = json.RawMessage(t.ActivityJSON)
	}
	return v
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	tasks, err := s.tasks.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskView(t, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(t, true))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tasks.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// enqueueOptions logs storage failures that happen after the request has
// already been answered.
func (s *Server) enqueueOptions(priority int) []tracking.Option {
	return []tracking.Option{
		tracking.WithPriority(priority),
		tracking.WithListener(func(err error) {
			if err != nil {
				s.logger.Error().Err(err).Msg("queued activity was not stored")
			}
		}),
	}
}

func (s *Server) respondQueued(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracking.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusAccepted, accepted)
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request handled")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
