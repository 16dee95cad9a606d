package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/idempotency"
	"github.com/goliatone/go-settlement-guard/reconcile"
	"github.com/goliatone/go-settlement-guard/webhooks"
)

const DefaultMaxBodyBytes int64 = 1 << 20

type WebhookDispatcher interface {
	Dispatch(ctx context.Context, req webhooks.Request) (webhooks.Result, error)
}

type Reconciler interface {
	Run(ctx context.Context, window reconcile.Window) (core.DiscrepancyReport, error)
	RunRecent(ctx context.Context, lookback time.Duration) (core.DiscrepancyReport, error)
}

// Server exposes the guard over HTTP. Nil collaborators leave their routes
// unmounted.
type Server struct {
	Webhooks     WebhookDispatcher
	Idempotency  *idempotency.Cache
	Reconciler   Reconciler
	Reports      core.ReportReader
	Metrics      http.Handler
	MaxBodyBytes int64
	RetryAfter   time.Duration
	Now          func() time.Time

	mutations []mutationRoute
}

type mutationRoute struct {
	method     string
	pattern    string
	endpointID string
	handler    http.Handler
}

func NewServer(dispatcher WebhookDispatcher) *Server {
	return &Server{
		Webhooks:     dispatcher,
		MaxBodyBytes: DefaultMaxBodyBytes,
		RetryAfter:   time.Second,
		Now:          core.SystemClock,
	}
}

// HandleMutation mounts a collaborator mutation behind the idempotency
// middleware. endpointID scopes idempotency keys and defaults to
// "<METHOD> <pattern>".
func (s *Server) HandleMutation(method string, pattern string, endpointID string, handler http.Handler) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if strings.TrimSpace(endpointID) == "" {
		endpointID = method + " " + pattern
	}
	s.mutations = append(s.mutations, mutationRoute{
		method:     method,
		pattern:    pattern,
		endpointID: endpointID,
		handler:    handler,
	})
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Webhooks != nil {
		r.Post("/webhooks/{source}", s.handleWebhook)
	}
	if s.Reconciler != nil {
		r.Method(http.MethodPost, "/reconciliation/runs", s.Mutations("POST /reconciliation/runs", http.HandlerFunc(s.handleRun)))
	}
	if s.Reports != nil {
		r.Get("/reconciliation/report", s.handleLatestReport)
		r.Get("/reconciliation/discrepancies", s.handleDiscrepancies)
	}
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	for _, route := range s.mutations {
		r.Method(route.method, route.pattern, s.Mutations(route.endpointID, route.handler))
	}
	return r
}

type webhookAccepted struct {
	Received bool   `json:"received"`
	Source   string `json:"source"`
	EventID  string `json:"eventId"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err, s.RetryAfter)
		return
	}
	result, err := s.Webhooks.Dispatch(r.Context(), webhooks.Request{
		Source:     chi.URLParam(r, "source"),
		Headers:    flattenHeaders(r.Header),
		Body:       body,
		ReceivedAt: s.now(),
	})
	if err != nil {
		writeError(w, err, s.RetryAfter)
		return
	}
	writeJSON(w, http.StatusOK, webhookAccepted{
		Received: true,
		Source:   string(result.Source),
		EventID:  result.EventID,
	})
}

type runRequest struct {
	Lookback    string    `json:"lookback,omitempty"`
	WindowStart time.Time `json:"window_start,omitempty"`
	WindowEnd   time.Time `json:"window_end,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err, s.RetryAfter)
		return
	}
	var req runRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, core.NewBadInput("reconciliation run request is not valid json", nil), s.RetryAfter)
			return
		}
	}

	var report core.DiscrepancyReport
	switch {
	case !req.WindowStart.IsZero() || !req.WindowEnd.IsZero():
		report, err = s.Reconciler.Run(r.Context(), reconcile.Window{Start: req.WindowStart, End: req.WindowEnd})
	default:
		var lookback time.Duration
		if raw := strings.TrimSpace(req.Lookback); raw != "" {
			lookback, err = time.ParseDuration(raw)
			if err != nil || lookback <= 0 {
				writeError(w, core.NewBadInput("lookback must be a positive duration", map[string]any{"lookback": raw}), s.RetryAfter)
				return
			}
		}
		report, err = s.Reconciler.RunRecent(r.Context(), lookback)
	}
	if err != nil {
		writeError(w, err, s.RetryAfter)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	report, found, err := s.Reports.LatestReport(r.Context())
	if err != nil {
		writeError(w, err, s.RetryAfter)
		return
	}
	if !found {
		writeError(w, notFound("reconciliation report"), s.RetryAfter)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type discrepancyPage struct {
	Items  []core.DiscrepancyRecord `json:"items"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

func (s *Server) handleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := core.DiscrepancyFilter{
		Kind:      core.DiscrepancyKind(strings.TrimSpace(query.Get("kind"))),
		EntityKey: strings.TrimSpace(query.Get("entity_key")),
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		writeError(w, core.NewBadInput("limit must be a non-negative integer", nil), s.RetryAfter)
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		writeError(w, core.NewBadInput("offset must be a non-negative integer", nil), s.RetryAfter)
		return
	}
	if filter.Kind != "" && !knownKind(filter.Kind) {
		writeError(w, core.NewBadInput("unknown discrepancy kind", map[string]any{"kind": string(filter.Kind)}), s.RetryAfter)
		return
	}
	items, total, err := s.Reports.ListDiscrepancies(r.Context(), filter)
	if err != nil {
		writeError(w, err, s.RetryAfter)
		return
	}
	if items == nil {
		items = []core.DiscrepancyRecord{}
	}
	writeJSON(w, http.StatusOK, discrepancyPage{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, bodyTooLarge(limit)
		}
		return nil, core.NewBadInput("request body could not be read", nil)
	}
	return body, nil
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		flat[key] = values[0]
	}
	return flat
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}

func knownKind(kind core.DiscrepancyKind) bool {
	for _, known := range core.DiscrepancyKinds() {
		if known == kind {
			return true
		}
	}
	return false
}
