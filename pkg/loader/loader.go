// Package loader handles loading FHIR packages from implementation guide
// directories, the NPM package cache, .tgz archives or remote URLs.
package loader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotPackage is returned when a directory holds no package manifest.
var ErrNotPackage = errors.New("not a FHIR package")

// ErrUnsupportedVersion is returned for FHIR versions the gateway cannot validate.
var ErrUnsupportedVersion = errors.New("unsupported FHIR version")

// ErrDownloadTooLarge is returned when a remote body exceeds the loader limit.
var ErrDownloadTooLarge = errors.New("download exceeds size limit")

// DefaultMaxDownloadBytes caps the body of a remote package or profile.
const DefaultMaxDownloadBytes int64 = 50 << 20

// DefaultPackagePath returns the default FHIR package cache path.
func DefaultPackagePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fhir", "packages")
}

// PackageRef represents a reference to a FHIR package.
type PackageRef struct {
	Name    string
	Version string
}

// String returns the package spec in "name#version" format.
func (p PackageRef) String() string {
	return fmt.Sprintf("%s#%s", p.Name, p.Version)
}

// IsCore reports whether the reference names a FHIR core package.
func (p PackageRef) IsCore() bool {
	return strings.HasPrefix(p.Name, "hl7.fhir.r") && strings.HasSuffix(p.Name, ".core")
}

// Package represents a loaded FHIR package.
type Package struct {
	Name        string
	Version     string
	Path        string
	FHIRVersion string
	Resources   map[string]json.RawMessage // URL or resourceType/id -> raw JSON
}

// Ref returns the name#version reference of the package.
func (p *Package) Ref() PackageRef {
	return PackageRef{Name: p.Name, Version: p.Version}
}

// PackageManifest represents the package.json of a FHIR NPM package.
type PackageManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	FHIRVersion  string            `json:"fhirVersion,omitempty"`
	FHIRVersions []string          `json:"fhirVersions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// DeclaredVersion returns the first FHIR version the manifest declares.
func (m PackageManifest) DeclaredVersion() string {
	if m.FHIRVersion != "" {
		return m.FHIRVersion
	}
	if len(m.FHIRVersions) > 0 {
		return m.FHIRVersions[0]
	}
	return ""
}

// DefaultPackages maps FHIR versions to their core package.
var DefaultPackages = map[string][]PackageRef{
	"4.0.1": {{Name: "hl7.fhir.r4.core", Version: "4.0.1"}},
	"4.3.0": {{Name: "hl7.fhir.r4b.core", Version: "4.3.0"}},
	"5.0.0": {{Name: "hl7.fhir.r5.core", Version: "5.0.0"}},
}

// NormalizeVersion maps a declared FHIR version ("4.0", "4.0.1", "R4", ...)
// to one of the keys of DefaultPackages.
func NormalizeVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "R4" || v == "4.0" || strings.HasPrefix(v, "4.0."):
		return "4.0.1", nil
	case v == "R4B" || v == "4.3" || strings.HasPrefix(v, "4.3."):
		return "4.3.0", nil
	case v == "R5" || v == "5.0" || strings.HasPrefix(v, "5.0."):
		return "5.0.0", nil
	default:
		return "", fmt.Errorf("%w: %q (supported: 4.0.1, 4.3.0, 5.0.0)", ErrUnsupportedVersion, v)
	}
}

// Loader loads FHIR packages.
type Loader struct {
	basePath    string
	client      *http.Client
	maxDownload int64
}

// Option configures a Loader.
type Option func(*Loader)

// WithHTTPClient sets the client used for remote packages and profiles.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		l.client = c
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.client = &http.Client{Timeout: d}
	}
}

// WithMaxDownloadBytes caps the size of remote downloads. Values below 1
// keep DefaultMaxDownloadBytes.
func WithMaxDownloadBytes(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxDownload = n
		}
	}
}

// NewLoader creates a new Loader with the given package cache path.
func NewLoader(basePath string, opts ...Option) *Loader {
	if basePath == "" {
		basePath = DefaultPackagePath()
	}
	l := &Loader{
		basePath:    basePath,
		client:      &http.Client{Timeout: 30 * time.Second},
		maxDownload: DefaultMaxDownloadBytes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BasePath returns the base path for packages.
func (l *Loader) BasePath() string {
	return l.basePath
}

// LoadPackage loads a specific package by name and version from the cache.
func (l *Loader) LoadPackage(name, version string) (*Package, error) {
	pkgDir := filepath.Join(l.basePath, fmt.Sprintf("%s#%s", name, version))
	if _, err := os.Stat(pkgDir); os.IsNotExist(err) {
		var cached []string
		if all, err := l.ListPackages(); err == nil {
			for _, p := range all {
				if strings.HasPrefix(p, name+"#") {
					cached = append(cached, p)
				}
			}
		}
		if len(cached) > 0 {
			return nil, fmt.Errorf("package %s#%s not found at %s (cached: %s)", name, version, pkgDir, strings.Join(cached, ", "))
		}
		return nil, fmt.Errorf("package %s#%s not found at %s", name, version, pkgDir)
	}
	return l.LoadDir(pkgDir)
}

// LoadPackageRef loads a package from a PackageRef.
func (l *Loader) LoadPackageRef(ref PackageRef) (*Package, error) {
	return l.LoadPackage(ref.Name, ref.Version)
}

// LoadVersion loads the core packages for a specific FHIR version from the cache.
func (l *Loader) LoadVersion(version string) ([]*Package, error) {
	refs, ok := DefaultPackages[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s (supported: 4.0.1, 4.3.0, 5.0.0)", ErrUnsupportedVersion, version)
	}

	packages := make([]*Package, 0, len(refs))
	for _, ref := range refs {
		pkg, err := l.LoadPackageRef(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to load core package: %w", err)
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

// ListPackages returns the name#version directories of the cache, sorted.
func (l *Loader) ListPackages() ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, err
	}

	var packages []string
	for _, entry := range entries {
		if entry.IsDir() && strings.Contains(entry.Name(), "#") {
			packages = append(packages, entry.Name())
		}
	}
	return packages, nil
}

// ParsePackageSpec parses "name#version" into separate components.
func ParsePackageSpec(spec string) (name, version string) {
	parts := strings.SplitN(spec, "#", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return spec, ""
}

// IsPackageDir reports whether dir holds a package manifest, either at its
// root or under package/.
func IsPackageDir(dir string) bool {
	_, err := manifestDir(dir)
	return err == nil
}

func manifestDir(dir string) (string, error) {
	for _, candidate := range []string{filepath.Join(dir, "package"), dir} {
		if _, err := os.Stat(filepath.Join(candidate, "package.json")); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no package.json in %s", ErrNotPackage, dir)
}

// LoadDir loads an extracted package directory. Every top-level JSON file
// must parse; a package with broken content is rejected as a whole.
func (l *Loader) LoadDir(dir string) (*Package, error) {
	contentDir, err := manifestDir(dir)
	if err != nil {
		return nil, err
	}

	manifestData, err := os.ReadFile(filepath.Join(contentDir, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read package manifest: %w", err)
	}
	pkg, err := newPackage(manifestData, dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(contentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || skipFile(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(contentDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := pkg.index(data); err != nil {
			return nil, fmt.Errorf("malformed resource %s in %s: %w", name, pkg.Ref(), err)
		}
	}

	return pkg, nil
}

// LoadFromTgz loads a FHIR package from a local .tgz file.
func (l *Loader) LoadFromTgz(tgzPath string) (*Package, error) {
	file, err := os.Open(tgzPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open tgz file: %w", err)
	}
	defer file.Close()

	return l.LoadFromTgzReader(file, tgzPath)
}

// LoadFromURL downloads url. A gzip payload is read as a package archive,
// anything else as JSON conformance content.
func (l *Loader) LoadFromURL(ctx context.Context, url string) (*Package, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/fhir+json, application/json, application/gzip;q=0.9")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: HTTP %d", url, resp.StatusCode)
	}

	if resp.ContentLength > l.maxDownload {
		return nil, fmt.Errorf("%w: %s declares %d bytes, limit is %d", ErrDownloadTooLarge, url, resp.ContentLength, l.maxDownload)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if int64(len(data)) > l.maxDownload {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrDownloadTooLarge, url, l.maxDownload)
	}

	if isGzip(data) {
		return l.LoadFromTgzReader(bytes.NewReader(data), url)
	}
	return l.LoadFromResources([][]byte{data}, url)
}

// LoadFile loads a .tgz archive or a single .json resource file.
func (l *Loader) LoadFile(file string) (*Package, error) {
	switch {
	case strings.HasSuffix(file, ".tgz") || strings.HasSuffix(file, ".tar.gz"):
		return l.LoadFromTgz(file)
	case strings.HasSuffix(file, ".json"):
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return l.LoadFromResources([][]byte{data}, file)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", file)
	}
}

// LoadFromTgzReader loads a package from a gzipped tar stream.
func (l *Loader) LoadFromTgzReader(reader io.Reader, source string) (*Package, error) {
	gzReader, err := gzip.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	var manifestData []byte
	var files [][]byte
	var names []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}

		// Only top-level package content; examples and other/ are skipped.
		name := strings.TrimPrefix(path.Clean(header.Name), "package/")
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		if name == "package.json" {
			manifestData = data
			continue
		}
		if skipFile(name) {
			continue
		}
		files = append(files, data)
		names = append(names, name)
	}

	if manifestData == nil {
		return nil, fmt.Errorf("package.json not found in %s", source)
	}

	pkg, err := newPackage(manifestData, source)
	if err != nil {
		return nil, err
	}
	for i, data := range files {
		if err := pkg.index(data); err != nil {
			return nil, fmt.Errorf("malformed resource %s in %s: %w", names[i], pkg.Ref(), err)
		}
	}
	return pkg, nil
}

// LoadFromResources wraps individual conformance resources into a synthetic
// package. Bundles are unpacked into their entries.
func (l *Loader) LoadFromResources(resources [][]byte, source string) (*Package, error) {
	pkg := &Package{
		Name:      "resources",
		Version:   "local",
		Path:      source,
		Resources: make(map[string]json.RawMessage),
	}
	for i, data := range resources {
		if err := pkg.index(data); err != nil {
			return nil, fmt.Errorf("malformed resource %d from %s: %w", i, source, err)
		}
	}
	return pkg, nil
}

// Discovery lists the loadable content of an implementation guide directory.
type Discovery struct {
	// Packages are extracted package directories and .tgz archives.
	Packages []string
	// Resources are loose JSON files at the directory root.
	Resources []string
}

// Empty reports whether nothing loadable was found.
func (d Discovery) Empty() bool {
	return len(d.Packages) == 0 && len(d.Resources) == 0
}

// Discover scans dir for packages and loose resources, in lexical order.
func Discover(dir string) (Discovery, error) {
	var d Discovery

	info, err := os.Stat(dir)
	if err != nil {
		return d, err
	}
	if !info.IsDir() {
		return d, fmt.Errorf("%s is not a directory", dir)
	}

	// A directory that is itself a package is loaded as one.
	if IsPackageDir(dir) {
		d.Packages = append(d.Packages, dir)
		return d, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return d, err
	}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			if IsPackageDir(full) {
				d.Packages = append(d.Packages, full)
			}
		case strings.HasSuffix(entry.Name(), ".tgz") || strings.HasSuffix(entry.Name(), ".tar.gz"):
			d.Packages = append(d.Packages, full)
		case strings.HasSuffix(entry.Name(), ".json"):
			d.Resources = append(d.Resources, full)
		}
	}
	sort.Strings(d.Packages)
	sort.Strings(d.Resources)
	return d, nil
}

// Load loads one discovered package path (directory or archive).
func (l *Loader) Load(p string) (*Package, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return l.LoadDir(p)
	}
	return l.LoadFile(p)
}

func newPackage(manifestData []byte, source string) (*Package, error) {
	var manifest PackageManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest in %s: %w", source, err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("package manifest in %s has no name", source)
	}
	return &Package{
		Name:        manifest.Name,
		Version:     manifest.Version,
		Path:        source,
		FHIRVersion: manifest.DeclaredVersion(),
		Resources:   make(map[string]json.RawMessage),
	}, nil
}

// index adds one resource (or the entries of a Bundle) to the package.
func (p *Package) index(data []byte) error {
	var resource struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		URL          string `json:"url"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &resource); err != nil {
		return err
	}
	if resource.ResourceType == "" {
		// Non-resource JSON (e.g. IG tooling files) is ignored.
		return nil
	}

	if resource.ResourceType == "Bundle" {
		for _, e := range resource.Entry {
			if len(e.Resource) == 0 {
				continue
			}
			if err := p.index(e.Resource); err != nil {
				return err
			}
		}
		return nil
	}

	// Index by URL for StructureDefinitions and other conformance resources
	if resource.URL != "" {
		p.Resources[resource.URL] = data
	}
	if resource.ID != "" {
		p.Resources[resource.ResourceType+"/"+resource.ID] = data
	}
	return nil
}

func skipFile(name string) bool {
	return name == "package.json" || name == ".index.json" || strings.HasPrefix(name, ".")
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
