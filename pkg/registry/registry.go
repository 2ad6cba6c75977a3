// Package registry provides an immutable registry of FHIR StructureDefinitions.
//
// A Registry is a snapshot: it is never mutated after construction. Merge
// returns a new Registry that shares the unchanged definitions with its
// parent, so readers holding an older snapshot are not affected by loads.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/gateway/pkg/loader"
)

// StructureDefinition.Kind constants.
const (
	KindResource      = "resource"
	KindComplexType   = "complex-type"
	KindPrimitiveType = "primitive-type"
	KindLogical       = "logical"
)

const baseURLPrefix = "http://hl7.org/fhir/StructureDefinition/"

// StructureDefinition is the lightweight view of a FHIR StructureDefinition
// used during validation.
type StructureDefinition struct {
	URL            string
	Version        string
	Name           string
	Type           string
	Kind           string
	Abstract       bool
	BaseDefinition string
	FHIRVersion    string
	// Package is the name#version of the package the definition came from.
	Package string

	Snapshot []ElementDefinition

	byPath   map[string]*ElementDefinition
	children map[string][]*ElementDefinition
}

// ElementDefinition represents a FHIR ElementDefinition.
type ElementDefinition struct {
	ID         string
	Path       string
	SliceName  string
	Min        uint32
	Max        string
	Types      []TypeRef
	Constraint []Constraint
}

// TypeRef is an allowed type of an element.
type TypeRef struct {
	Code          string
	Profile       []string
	TargetProfile []string
}

// Constraint represents a FHIRPath constraint/invariant.
type Constraint struct {
	Key        string
	Severity   string // error | warning
	Human      string
	Expression string
}

// IsBase reports whether the definition is the base definition of its type
// rather than a profile on it.
func (sd *StructureDefinition) IsBase() bool {
	return sd.URL == baseURLPrefix+sd.Type
}

// Root returns the root element of the snapshot.
func (sd *StructureDefinition) Root() *ElementDefinition {
	return sd.byPath[sd.Type]
}

// Element returns the unsliced element with the given path.
func (sd *StructureDefinition) Element(path string) *ElementDefinition {
	return sd.byPath[path]
}

// Children returns the direct unsliced children of path in snapshot order.
func (sd *StructureDefinition) Children(path string) []*ElementDefinition {
	return sd.children[path]
}

// Name returns the last path segment of the element ("deceased[x]" for
// "Patient.deceased[x]").
func (ed *ElementDefinition) Name() string {
	if i := strings.LastIndexByte(ed.Path, '.'); i >= 0 {
		return ed.Path[i+1:]
	}
	return ed.Path
}

// IsChoice reports whether the element is a choice type ([x]).
func (ed *ElementDefinition) IsChoice() bool {
	return strings.HasSuffix(ed.Path, "[x]")
}

// IsArray reports whether the element may repeat.
func (ed *ElementDefinition) IsArray() bool {
	return ed.Max == "*" || (ed.Max != "" && ed.Max != "0" && ed.Max != "1")
}

// TypeCodes returns the codes of the allowed types.
func (ed *ElementDefinition) TypeCodes() []string {
	codes := make([]string, 0, len(ed.Types))
	for _, t := range ed.Types {
		codes = append(codes, t.Code)
	}
	return codes
}

func (sd *StructureDefinition) buildIndex() {
	sd.byPath = make(map[string]*ElementDefinition, len(sd.Snapshot))
	sd.children = make(map[string][]*ElementDefinition)
	for i := range sd.Snapshot {
		ed := &sd.Snapshot[i]
		// Slices share their path with the sliced element; only the
		// unsliced definition is indexed.
		if ed.SliceName != "" || strings.Contains(ed.ID, ":") {
			continue
		}
		if _, exists := sd.byPath[ed.Path]; exists {
			continue
		}
		sd.byPath[ed.Path] = ed
		if i := strings.LastIndexByte(ed.Path, '.'); i >= 0 {
			parent := ed.Path[:i]
			sd.children[parent] = append(sd.children[parent], ed)
		}
	}
}

// Registry holds loaded StructureDefinitions indexed by URL and base type.
type Registry struct {
	byURL    map[string]*StructureDefinition
	byType   map[string]*StructureDefinition
	packages []loader.PackageRef
}

// New creates a new empty Registry.
func New() *Registry {
	return &Registry{
		byURL:  make(map[string]*StructureDefinition),
		byType: make(map[string]*StructureDefinition),
	}
}

// Build creates a Registry from packages.
func Build(packages []*loader.Package) (*Registry, error) {
	return New().Merge(packages...)
}

// Merge returns a new Registry holding the definitions of r plus those of
// packages. r itself is left untouched. A canonical URL that is already
// registered keeps its first definition, which makes repeated loads of the
// same content idempotent.
func (r *Registry) Merge(packages ...*loader.Package) (*Registry, error) {
	next := &Registry{
		byURL:    make(map[string]*StructureDefinition, len(r.byURL)),
		byType:   make(map[string]*StructureDefinition, len(r.byType)),
		packages: append([]loader.PackageRef(nil), r.packages...),
	}
	for k, v := range r.byURL {
		next.byURL[k] = v
	}
	for k, v := range r.byType {
		next.byType[k] = v
	}

	for _, pkg := range packages {
		added, err := next.add(pkg)
		if err != nil {
			return nil, err
		}
		if added > 0 {
			next.packages = append(next.packages, pkg.Ref())
		}
	}
	return next, nil
}

// add registers the StructureDefinitions of pkg and returns how many were new.
func (r *Registry) add(pkg *loader.Package) (int, error) {
	// Map iteration order is random; sort keys so that "first wins" is
	// deterministic within a package.
	keys := make([]string, 0, len(pkg.Resources))
	for key := range pkg.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	added := 0
	for _, key := range keys {
		data := pkg.Resources[key]

		// Quick check if this is a StructureDefinition
		var peek struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(data, &peek); err != nil {
			return added, fmt.Errorf("package %s: %s: %w", pkg.Ref(), key, err)
		}
		if peek.ResourceType != "StructureDefinition" {
			continue
		}

		sd, err := Parse(data)
		if err != nil {
			return added, fmt.Errorf("package %s: %s: %w", pkg.Ref(), key, err)
		}
		if sd.URL == "" {
			continue
		}
		sd.Package = pkg.Ref().String()

		if _, exists := r.byURL[sd.URL]; exists {
			continue
		}
		r.byURL[sd.URL] = sd
		added++

		// Index by type for base definitions - first definition wins
		if sd.Type != "" && sd.IsBase() {
			if _, exists := r.byType[sd.Type]; !exists {
				r.byType[sd.Type] = sd
			}
		}
	}
	return added, nil
}

// Parse decodes a StructureDefinition and converts it to the registry view.
func Parse(data []byte) (*StructureDefinition, error) {
	var sd r4.StructureDefinition
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("invalid StructureDefinition: %w", err)
	}
	var meta struct {
		Version string `json:"version"`
	}
	_ = json.Unmarshal(data, &meta)

	result := Convert(&sd)
	result.Version = meta.Version
	return result, nil
}

// Convert converts an r4.StructureDefinition to the registry view.
func Convert(sd *r4.StructureDefinition) *StructureDefinition {
	result := &StructureDefinition{
		URL:            derefString(sd.Url),
		Name:           derefString(sd.Name),
		Type:           derefString(sd.Type),
		Abstract:       derefBool(sd.Abstract),
		BaseDefinition: derefString(sd.BaseDefinition),
	}
	if sd.Kind != nil {
		result.Kind = string(*sd.Kind)
	}
	if sd.FhirVersion != nil {
		result.FHIRVersion = string(*sd.FhirVersion)
	}

	if sd.Snapshot != nil {
		result.Snapshot = make([]ElementDefinition, 0, len(sd.Snapshot.Element))
		for i := range sd.Snapshot.Element {
			result.Snapshot = append(result.Snapshot, convertElement(&sd.Snapshot.Element[i]))
		}
	}
	result.buildIndex()
	return result
}

func convertElement(ed *r4.ElementDefinition) ElementDefinition {
	result := ElementDefinition{
		ID:        derefString(ed.Id),
		Path:      derefString(ed.Path),
		SliceName: derefString(ed.SliceName),
		Max:       derefString(ed.Max),
	}
	if ed.Min != nil {
		result.Min = *ed.Min
	}
	for i := range ed.Type {
		t := &ed.Type[i]
		result.Types = append(result.Types, TypeRef{
			Code:          derefString(t.Code),
			Profile:       t.Profile,
			TargetProfile: t.TargetProfile,
		})
	}
	for i := range ed.Constraint {
		c := &ed.Constraint[i]
		con := Constraint{
			Key:        derefString(c.Key),
			Human:      derefString(c.Human),
			Expression: derefString(c.Expression),
		}
		if c.Severity != nil {
			con.Severity = string(*c.Severity)
		}
		result.Constraint = append(result.Constraint, con)
	}
	return result
}

// GetByURL returns a StructureDefinition by its canonical URL.
func (r *Registry) GetByURL(url string) *StructureDefinition {
	return r.byURL[url]
}

// Resolve looks up a canonical that may carry a "|version" suffix. The
// versioned form is tried first.
func (r *Registry) Resolve(canonical string) *StructureDefinition {
	if sd := r.byURL[canonical]; sd != nil {
		return sd
	}
	if i := strings.IndexByte(canonical, '|'); i >= 0 {
		sd := r.byURL[canonical[:i]]
		if sd != nil && (sd.Version == "" || sd.Version == canonical[i+1:]) {
			return sd
		}
	}
	return nil
}

// GetByType returns the base StructureDefinition for a type name (e.g., "Patient", "HumanName").
func (r *Registry) GetByType(typeName string) *StructureDefinition {
	return r.byType[typeName]
}

// Count returns the number of loaded StructureDefinitions.
func (r *Registry) Count() int {
	return len(r.byURL)
}

// TypeCount returns the number of indexed types.
func (r *Registry) TypeCount() int {
	return len(r.byType)
}

// Packages returns the packages merged into the registry, in load order.
func (r *Registry) Packages() []loader.PackageRef {
	return append([]loader.PackageRef(nil), r.packages...)
}

// StructureURLs returns all registered canonical URLs, sorted.
func (r *Registry) StructureURLs() []string {
	urls := make([]string, 0, len(r.byURL))
	for url := range r.byURL {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// ResourceNames returns the sorted names of concrete resource types.
func (r *Registry) ResourceNames() []string {
	var names []string
	for typeName, sd := range r.byType {
		if sd.Kind == KindResource && !sd.Abstract {
			names = append(names, typeName)
		}
	}
	sort.Strings(names)
	return names
}

// IsResourceType checks if the given type name is a FHIR resource type.
func (r *Registry) IsResourceType(typeName string) bool {
	sd := r.byType[typeName]
	return sd != nil && sd.Kind == KindResource
}

// HasResourceDefinitions reports whether at least one resource type is known.
func (r *Registry) HasResourceDefinitions() bool {
	for _, sd := range r.byType {
		if sd.Kind == KindResource {
			return true
		}
	}
	return false
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}
