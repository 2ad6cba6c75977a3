// Package engine checks FHIR resources against the StructureDefinitions of an
// artifact snapshot.
//
// The Engine interface is the narrow contract the gateway depends on. The
// default implementation covers structure, cardinality, primitive formats and
// resource invariants (FHIRPath).
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/funcs"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gofhir/gateway/pkg/issue"
	"github.com/gofhir/gateway/pkg/location"
	"github.com/gofhir/gateway/pkg/logger"
	"github.com/gofhir/gateway/pkg/registry"
)

func init() {
	// Disable FHIRPath trace() output by default.
	// The trace() function is used in some FHIR constraints (e.g., dom-3)
	// and outputs debug information that should only appear when explicitly enabled.
	funcs.SetTraceLogger(funcs.NullTraceLogger{})
}

// Failure classes. A failure means the resource could not be validated at
// all; conformance problems are reported as issues instead.
var (
	ErrInvalidResource     = errors.New("invalid resource")
	ErrUnknownResourceType = errors.New("unknown resource type")
	ErrProfileNotFound     = errors.New("profile not found")
)

// Engine validates a resource against its base definition and profiles.
type Engine interface {
	Validate(ctx context.Context, resource []byte, profiles []string) (*issue.Result, error)
}

// SnapshotSource provides the current artifact snapshot.
type SnapshotSource interface {
	Registry() *registry.Registry
}

// DefaultExpressionCacheSize bounds the number of compiled FHIRPath expressions.
const DefaultExpressionCacheSize = 1024

type config struct {
	cacheSize int
	log       *logger.Logger
}

// Option configures a Validator.
type Option func(*config)

// WithExpressionCacheSize sets the size of the compiled expression cache.
func WithExpressionCacheSize(n int) Option {
	return func(c *config) {
		c.cacheSize = n
	}
}

// WithLogger sets the logger. The package default logger is used otherwise.
func WithLogger(l *logger.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// Validator is the default Engine.
type Validator struct {
	source    SnapshotSource
	exprCache *lru.Cache[string, *fhirpath.Expression]
	log       *logger.Logger
}

var _ Engine = (*Validator)(nil)

// New binds a Validator to source.
func New(source SnapshotSource, opts ...Option) (*Validator, error) {
	if source == nil {
		return nil, errors.New("engine: nil snapshot source")
	}
	cfg := &config{cacheSize: DefaultExpressionCacheSize}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.Default()
	}

	cache, err := lru.New[string, *fhirpath.Expression](cfg.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: expression cache: %w", err)
	}
	return &Validator{source: source, exprCache: cache, log: cfg.log}, nil
}

// Validate validates resource against the given profiles plus those declared
// in meta.profile. Without any resolvable profile the base definition of the
// resource type is used.
func (v *Validator) Validate(ctx context.Context, resource []byte, profiles []string) (*issue.Result, error) {
	startTime := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, resourceType, err := parseResource(resource)
	if err != nil {
		return nil, err
	}

	// One snapshot per call; concurrent profile loads are not observed.
	reg := v.source.Registry()

	baseSD := reg.GetByType(resourceType)
	if !reg.IsResourceType(resourceType) || baseSD.Abstract {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResourceType, resourceType)
	}

	result := issue.NewResult()
	result.Stats = &issue.Stats{
		ResourceType: resourceType,
		ResourceSize: len(resource),
	}

	var targets []*registry.StructureDefinition
	seen := make(map[string]bool)
	addTarget := func(sd *registry.StructureDefinition) {
		if seen[sd.URL] {
			return
		}
		seen[sd.URL] = true
		if sd.Type != resourceType {
			result.AddWithID(issue.DiagProfileTypeMismatch, map[string]any{
				"url": sd.URL, "profileType": sd.Type, "resourceType": resourceType,
			}, resourceType)
			return
		}
		targets = append(targets, sd)
	}

	for _, canonical := range normalizeProfiles(profiles) {
		sd := reg.Resolve(canonical)
		if sd == nil {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, canonical)
		}
		addTarget(sd)
	}

	for _, canonical := range metaProfiles(data) {
		sd := reg.Resolve(canonical)
		if sd == nil {
			result.AddWithID(issue.DiagProfileNotFound, map[string]any{"url": canonical}, resourceType+".meta.profile")
			continue
		}
		addTarget(sd)
	}

	if len(targets) == 0 {
		targets = []*registry.StructureDefinition{baseSD}
	}

	for _, sd := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v.log.Debug("Validating %s against %s", resourceType, sd.URL)
		result.Merge(v.validateAgainst(reg, data, resource, sd), sd.URL)
		result.Stats.Profiles = append(result.Stats.Profiles, sd.URL)
	}

	result.Issues = dedupe(result.Issues)
	result.EnrichLocations(location.Locator(resource))
	result.Stats.Duration = time.Since(startTime).Nanoseconds()

	v.log.Debug("Validated %s in %.3fms: %d errors, %d warnings",
		resourceType, result.Stats.DurationMs(), result.ErrorCount(), result.WarningCount())

	return result, nil
}

// validateAgainst runs all phases for one StructureDefinition.
func (v *Validator) validateAgainst(reg *registry.Registry, data map[string]any, raw []byte, sd *registry.StructureDefinition) *issue.Result {
	result := issue.NewResult()
	w := &walker{reg: reg}
	root := &node{data: data, sd: sd, path: sd.Type, fhirPath: sd.Type}

	w.walk(root, func(n *node) {
		v.checkStructure(w, n, result)
		v.checkCardinality(n, result)
		v.checkPrimitives(w, n, result)
		if n.isResourceRoot() {
			var nodeRaw []byte
			if n == root {
				nodeRaw = raw
			}
			v.checkConstraints(n, nodeRaw, result)
		}
	})
	return result
}

// parseResource decodes resource and extracts its resourceType.
func parseResource(resource []byte) (map[string]any, string, error) {
	if len(bytes.TrimSpace(resource)) == 0 {
		return nil, "", fmt.Errorf("%w: empty content", ErrInvalidResource)
	}

	var decoded any
	if err := json.Unmarshal(resource, &decoded); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	data, ok := decoded.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("%w: not a JSON object", ErrInvalidResource)
	}

	resourceType, _ := data["resourceType"].(string)
	if resourceType == "" {
		return nil, "", fmt.Errorf("%w: missing 'resourceType' property", ErrInvalidResource)
	}
	return data, resourceType, nil
}

// normalizeProfiles trims entries and drops blanks and duplicates, keeping order.
func normalizeProfiles(profiles []string) []string {
	var out []string
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// metaProfiles extracts meta.profile from the resource.
func metaProfiles(data map[string]any) []string {
	meta, ok := data["meta"].(map[string]any)
	if !ok {
		return nil
	}
	list, ok := meta["profile"].([]any)
	if !ok {
		return nil
	}
	var profiles []string
	for _, p := range list {
		if s, ok := p.(string); ok && strings.TrimSpace(s) != "" {
			profiles = append(profiles, strings.TrimSpace(s))
		}
	}
	return profiles
}

// dedupe drops issues repeated across profiles, keeping the first occurrence.
func dedupe(issues []issue.Issue) []issue.Issue {
	seen := make(map[string]bool, len(issues))
	out := issues[:0]
	for _, iss := range issues {
		key := string(iss.Severity) + "|" + string(iss.Code) + "|" + iss.Diagnostics + "|" + strings.Join(iss.Expression, ",")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, iss)
	}
	return out
}
