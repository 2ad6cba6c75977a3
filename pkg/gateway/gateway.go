// Package gateway is the entry point for validating FHIR resources.
//
// A Gateway hands a resource and its requested profiles to an engine.Engine
// and returns the outcome as OperationOutcome JSON. It holds no state between
// calls and is safe for concurrent use.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofhir/gateway/pkg/engine"
	"github.com/gofhir/gateway/pkg/issue"
	"github.com/gofhir/gateway/pkg/logger"
	"github.com/gofhir/gateway/pkg/metrics"
	"github.com/gofhir/gateway/pkg/outcome"
)

// ErrEmptyResource is the cause of a ValidationError for empty input.
var ErrEmptyResource = errors.New("resource is empty")

// ValidationError reports that a resource could not be validated at all.
// Conformance problems are never reported this way; they are issues in the
// outcome.
type ValidationError struct {
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// IssueCode maps the cause to the OperationOutcome issue type used when the
// failure is rendered as a fatal issue.
func (e *ValidationError) IssueCode() issue.Code {
	switch {
	case errors.Is(e.Cause, ErrEmptyResource), errors.Is(e.Cause, engine.ErrInvalidResource):
		return issue.CodeInvalid
	case errors.Is(e.Cause, engine.ErrUnknownResourceType):
		return issue.CodeNotSupported
	case errors.Is(e.Cause, engine.ErrProfileNotFound):
		return issue.CodeNotFound
	case errors.Is(e.Cause, context.Canceled), errors.Is(e.Cause, context.DeadlineExceeded):
		return issue.CodeException
	default:
		return issue.CodeProcessing
	}
}

// Gateway validates resources through an Engine.
type Gateway struct {
	engine  engine.Engine
	metrics *metrics.Metrics
	log     *logger.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records every validation in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithLogger sets the logger. The package default logger is used otherwise.
func WithLogger(l *logger.Logger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

// New creates a Gateway backed by eng.
func New(eng engine.Engine, opts ...Option) *Gateway {
	g := &Gateway{engine: eng}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.Default()
	}
	return g
}

// Validate validates resource against profiles (plus those declared in its
// meta.profile) and returns the OperationOutcome JSON. Any failure to
// validate is returned as *ValidationError.
func (g *Gateway) Validate(ctx context.Context, resource []byte, profiles []string) (string, error) {
	result, err := g.Evaluate(ctx, resource, profiles)
	if err != nil {
		return "", err
	}
	data, err := outcome.Marshal(result)
	if err != nil {
		return "", &ValidationError{Cause: err}
	}
	return string(data), nil
}

// ValidateString is Validate for a text resource and a comma-separated
// profile list.
func (g *Gateway) ValidateString(ctx context.Context, resource, profileSpec string) (string, error) {
	return g.Validate(ctx, []byte(resource), ParseProfiles(profileSpec))
}

// Evaluate is Validate without serialization.
func (g *Gateway) Evaluate(ctx context.Context, resource []byte, profiles []string) (*issue.Result, error) {
	start := time.Now()

	if len(bytes.TrimSpace(resource)) == 0 {
		g.metrics.RecordValidation(nil, time.Since(start))
		return nil, &ValidationError{Cause: ErrEmptyResource}
	}

	result, err := g.engine.Validate(ctx, resource, profiles)
	if err != nil {
		g.metrics.RecordValidation(nil, time.Since(start))
		g.log.Debug("Validation failed: %v", err)
		return nil, &ValidationError{Cause: err}
	}
	g.metrics.RecordValidation(result, time.Since(start))
	return result, nil
}

// ParseProfiles splits a comma-separated profile list. An empty spec yields
// no profiles. Entries are not trimmed or deduplicated.
func ParseProfiles(spec string) []string {
	if spec == "" {
		return nil
	}
	return strings.Split(spec, ",")
}
