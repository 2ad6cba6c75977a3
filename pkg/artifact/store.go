// Package artifact manages the validation artifacts of the gateway: the
// implementation guide packages and StructureDefinitions loaded from an
// artifact directory, plus profiles registered at runtime.
//
// A Store is created once with Open. Afterwards it serves immutable
// registry snapshots to any number of readers while LoadProfile adds
// definitions by publishing a new snapshot.
package artifact

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gofhir/gateway/pkg/loader"
	"github.com/gofhir/gateway/pkg/logger"
	"github.com/gofhir/gateway/pkg/metrics"
	"github.com/gofhir/gateway/pkg/registry"
)

// DefaultDir is the artifact directory used when none is given.
const DefaultDir = "./igs"

// DefaultWorkers bounds the number of packages loaded concurrently.
const DefaultWorkers = 4

// DefaultFHIRVersion is assumed when no package declares a version.
const DefaultFHIRVersion = "4.0.1"

// Store holds the loaded artifact set.
type Store struct {
	dir         string
	fhirVersion string
	loader      *loader.Loader
	cache       *loader.Loader
	metrics     *metrics.Metrics
	log         *logger.Logger

	// mu serializes writers; readers only load current.
	mu      sync.Mutex
	current atomic.Pointer[registry.Registry]
}

type options struct {
	packageCache string
	httpClient   loader.Option
	maxDownload  int64
	workers      int
	metrics      *metrics.Metrics
	log          *logger.Logger
}

// Option configures Open.
type Option func(*options)

// WithPackageCache sets the FHIR package cache used for name#version
// identifiers and for the core fallback. Defaults to ~/.fhir/packages.
func WithPackageCache(path string) Option {
	return func(o *options) {
		o.packageCache = path
	}
}

// WithFetchTimeout sets the timeout for remote profile downloads.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		o.httpClient = loader.WithTimeout(d)
	}
}

// WithHTTPClient sets the client used for remote profile downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = loader.WithHTTPClient(c)
	}
}

// WithMaxDownloadBytes caps the size of a remote profile or package.
func WithMaxDownloadBytes(n int64) Option {
	return func(o *options) {
		o.maxDownload = n
	}
}

// WithWorkers bounds the number of packages loaded concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithMetrics publishes artifact counts and profile loads to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger. The package default logger is used otherwise.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// Open loads every package and conformance resource under dir ("" means
// DefaultDir). Any failure is returned as *InitError.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	o := &options{packageCache: loader.DefaultPackagePath(), workers: DefaultWorkers}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Default()
	}
	if o.workers < 1 {
		o.workers = 1
	}

	var loaderOpts []loader.Option
	if o.httpClient != nil {
		loaderOpts = append(loaderOpts, o.httpClient)
	}
	if o.maxDownload > 0 {
		loaderOpts = append(loaderOpts, loader.WithMaxDownloadBytes(o.maxDownload))
	}

	s := &Store{
		dir:     dir,
		loader:  loader.NewLoader(dir, loaderOpts...),
		metrics: o.metrics,
		log:     o.log,
	}
	if o.packageCache != "" {
		s.cache = loader.NewLoader(o.packageCache, loaderOpts...)
	}

	start := time.Now()
	packages, err := s.loadDir(ctx, o.workers)
	if err != nil {
		return nil, &InitError{Dir: dir, Err: err}
	}

	s.fhirVersion, err = detectVersion(packages)
	if err != nil {
		return nil, &InitError{Dir: dir, Err: err}
	}

	packages = s.withCore(packages)

	reg, err := registry.Build(packages)
	if err != nil {
		return nil, &InitError{Dir: dir, Err: err}
	}
	if !reg.HasResourceDefinitions() {
		return nil, &InitError{Dir: dir, Err: ErrNoResourceDefinitions}
	}

	s.publish(reg)
	s.log.Info("Loaded %d StructureDefinitions (%d types) from %d packages in %s (FHIR %s, %s)",
		reg.Count(), reg.TypeCount(), len(packages), dir, s.fhirVersion, time.Since(start).Round(time.Millisecond))
	return s, nil
}

// loadDir loads the discovered packages concurrently, keeping directory
// order. Loose JSON files form one trailing package.
func (s *Store) loadDir(ctx context.Context, workers int) ([]*loader.Package, error) {
	found, err := loader.Discover(s.dir)
	if err != nil {
		return nil, err
	}

	packages := make([]*loader.Package, len(found.Packages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range found.Packages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pkg, err := s.loader.Load(p)
			if err != nil {
				return err
			}
			s.log.Debug("Loaded package %s from %s", pkg.Ref(), p)
			packages[i] = pkg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(found.Resources) > 0 {
		contents := make([][]byte, 0, len(found.Resources))
		for _, file := range found.Resources {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", file, err)
			}
			contents = append(contents, data)
		}
		pkg, err := s.loader.LoadFromResources(contents, s.dir)
		if err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

// detectVersion returns the single FHIR version declared by packages.
func detectVersion(packages []*loader.Package) (string, error) {
	version := ""
	for _, pkg := range packages {
		if pkg.FHIRVersion == "" {
			continue
		}
		v, err := loader.NormalizeVersion(pkg.FHIRVersion)
		if err != nil {
			return "", fmt.Errorf("package %s: %w", pkg.Ref(), err)
		}
		if version != "" && v != version {
			return "", fmt.Errorf("%w: %s and %s", ErrInconsistentVersion, version, v)
		}
		version = v
	}
	if version == "" {
		version = DefaultFHIRVersion
	}
	return version, nil
}

// withCore prepends the core packages from the package cache when the
// directory carries none. A cache without them is not an error here.
func (s *Store) withCore(packages []*loader.Package) []*loader.Package {
	for _, pkg := range packages {
		if pkg.Ref().IsCore() {
			return packages
		}
	}
	if s.cache == nil {
		return packages
	}
	core, err := s.cache.LoadVersion(s.fhirVersion)
	if err != nil {
		s.log.Warn("No core package in %s and none in cache: %v", s.dir, err)
		return packages
	}
	s.log.Info("Using core package %s from %s", core[0].Ref(), s.cache.BasePath())
	return append(core, packages...)
}

func (s *Store) publish(reg *registry.Registry) {
	s.current.Store(reg)
	s.metrics.SetArtifactCounts(reg.Count(), len(reg.ResourceNames()))
}

// Registry returns the current artifact snapshot. The snapshot never
// changes; later profile loads publish a new one.
func (s *Store) Registry() *registry.Registry {
	return s.current.Load()
}

// FHIRVersion returns the FHIR version of the loaded artifacts.
func (s *Store) FHIRVersion() string {
	return s.fhirVersion
}

// Packages returns the packages merged so far, in load order.
func (s *Store) Packages() []loader.PackageRef {
	return s.Registry().Packages()
}

// ResourceNames returns the sorted names of the concrete resource types.
func (s *Store) ResourceNames() []string {
	return s.Registry().ResourceNames()
}

// StructureCanonicals returns the sorted canonical URLs of all loaded
// StructureDefinitions.
func (s *Store) StructureCanonicals() []string {
	return s.Registry().StructureURLs()
}

// LoadProfile registers the StructureDefinitions identified by identifier:
// a canonical that is already loaded (no-op), an http(s) URL, a
// name#version package from the cache, or a local package directory,
// archive or JSON file. On failure the Store is unchanged and the error is
// a *ProfileLoadError.
func (s *Store) LoadProfile(ctx context.Context, identifier string) (err error) {
	defer func() {
		s.metrics.RecordProfileLoad(err)
	}()

	id := strings.TrimSpace(identifier)
	if id == "" {
		return &ProfileLoadError{Identifier: identifier, Err: ErrEmptyIdentifier}
	}
	if s.Registry().Resolve(id) != nil {
		s.log.Debug("Profile %s already loaded", id)
		return nil
	}

	pkg, err := s.fetch(ctx, id)
	if err != nil {
		return &ProfileLoadError{Identifier: id, Err: err}
	}
	if pkg.FHIRVersion != "" {
		v, err := loader.NormalizeVersion(pkg.FHIRVersion)
		if err != nil {
			return &ProfileLoadError{Identifier: id, Err: err}
		}
		if v != s.fhirVersion {
			return &ProfileLoadError{Identifier: id,
				Err: fmt.Errorf("%w: %s declares %s, loaded artifacts are %s", ErrInconsistentVersion, pkg.Ref(), v, s.fhirVersion)}
		}
	}

	own, err := registry.Build([]*loader.Package{pkg})
	if err != nil {
		return &ProfileLoadError{Identifier: id, Err: err}
	}
	if own.Count() == 0 {
		return &ProfileLoadError{Identifier: id, Err: ErrNoStructureDefinitions}
	}
	for _, url := range own.StructureURLs() {
		if len(own.GetByURL(url).Snapshot) == 0 {
			return &ProfileLoadError{Identifier: id, Err: fmt.Errorf("%w: %s", ErrNoSnapshot, url)}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next, err := cur.Merge(pkg)
	if err != nil {
		return &ProfileLoadError{Identifier: id, Err: err}
	}
	if next.Count() == cur.Count() {
		s.log.Debug("Profile %s adds no new StructureDefinitions", id)
		return nil
	}
	s.publish(next)
	s.log.Info("Loaded profile %s: %d new StructureDefinitions", id, next.Count()-cur.Count())
	return nil
}

// fetch resolves identifier to a package.
func (s *Store) fetch(ctx context.Context, id string) (*loader.Package, error) {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		url, _, _ := strings.Cut(id, "|")
		return s.loader.LoadFromURL(ctx, url)
	}

	if _, err := os.Stat(id); err == nil {
		return s.loader.Load(id)
	}

	if strings.Contains(id, "#") {
		if s.cache == nil {
			return nil, ErrNoPackageCache
		}
		name, version := loader.ParsePackageSpec(id)
		return s.cache.LoadPackage(name, version)
	}
	return nil, fmt.Errorf("%s is neither a loaded canonical, a URL, a package reference nor an existing path", id)
}
