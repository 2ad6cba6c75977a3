// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gofhir/gateway/pkg/gateway"
	"github.com/gofhir/gateway/pkg/issue"
	"github.com/gofhir/gateway/pkg/logger"
	"github.com/gofhir/gateway/pkg/outcome"
)

// ContentTypeFHIR is the media type of FHIR JSON.
const ContentTypeFHIR = "application/fhir+json"

// DefaultMaxBodyBytes limits the size of a submitted resource.
const DefaultMaxBodyBytes = 10 << 20

// Validator validates a resource.
type Validator interface {
	Evaluate(ctx context.Context, resource []byte, profiles []string) (*issue.Result, error)
}

// Artifacts lists and extends the loaded artifacts.
type Artifacts interface {
	ResourceNames() []string
	StructureCanonicals() []string
	LoadProfile(ctx context.Context, identifier string) error
}

// Handler serves the gateway endpoints.
type Handler struct {
	validator    Validator
	artifacts    Artifacts
	gatherer     prometheus.Gatherer
	maxBodyBytes int64
	log          *logger.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithGatherer serves the metrics of g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// WithMaxBodyBytes limits the size of request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		h.maxBodyBytes = n
	}
}

// WithLogger sets the logger. The package default logger is used otherwise.
func WithLogger(l *logger.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// New constructs a Handler.
func New(v Validator, a Artifacts, opts ...Option) *Handler {
	h := &Handler{validator: v, artifacts: a, maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logger.Default()
	}
	return h
}

// Register mounts the endpoints on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/validate", h.HandleValidate)
	r.Get("/resources", h.HandleResources)
	r.Get("/structures", h.HandleStructures)
	r.Post("/profiles", h.HandleLoadProfile)
	r.Get("/healthz", h.HandleHealth)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// Router returns a router with the endpoints and the standard middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

// HandleValidate handles POST /validate?profile=a,b.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeOutcome(w, status, outcome.FromError(err))
		return
	}

	profiles := gateway.ParseProfiles(r.URL.Query().Get("profile"))
	result, err := h.validator.Evaluate(r.Context(), body, profiles)
	if err != nil {
		h.log.Info("Validation request %s failed: %v", middleware.GetReqID(r.Context()), err)
		writeOutcome(w, http.StatusUnprocessableEntity, outcome.FromError(err))
		return
	}

	h.log.Debug("Validation request %s: %d issues in %s",
		middleware.GetReqID(r.Context()), len(result.Issues), time.Since(start))
	writeOutcome(w, http.StatusOK, outcome.FromResult(result))
}

// HandleResources handles GET /resources.
func (h *Handler) HandleResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.artifacts.ResourceNames()))
}

// HandleStructures handles GET /structures.
func (h *Handler) HandleStructures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.artifacts.StructureCanonicals()))
}

// HandleLoadProfile handles POST /profiles?identifier=...
func (h *Handler) HandleLoadProfile(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("identifier")
	if id == "" {
		writeOutcome(w, http.StatusBadRequest, outcome.FromError(errors.New("missing 'identifier' query parameter")))
		return
	}
	if err := h.artifacts.LoadProfile(r.Context(), id); err != nil {
		h.log.Warn("Profile load failed: %v", err)
		writeOutcome(w, http.StatusBadGateway, outcome.FromError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewServer builds an HTTP server for handler.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
}

func writeOutcome(w http.ResponseWriter, status int, oo *outcome.OperationOutcome) {
	w.Header().Set("Content-Type", ContentTypeFHIR)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oo)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
