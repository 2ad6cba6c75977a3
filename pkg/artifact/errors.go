package artifact

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResourceDefinitions is the cause of an InitError when the loaded
	// artifacts define no resource type.
	ErrNoResourceDefinitions = errors.New("no resource StructureDefinitions loaded")

	// ErrInconsistentVersion is the cause of an InitError when packages
	// declare different FHIR versions.
	ErrInconsistentVersion = errors.New("packages declare different FHIR versions")

	// ErrEmptyIdentifier is the cause of a ProfileLoadError for a blank identifier.
	ErrEmptyIdentifier = errors.New("empty profile identifier")

	// ErrNoStructureDefinitions is the cause of a ProfileLoadError when the
	// identifier resolves to content without StructureDefinitions.
	ErrNoStructureDefinitions = errors.New("no StructureDefinitions found")

	// ErrNoSnapshot is the cause of a ProfileLoadError when a
	// StructureDefinition carries only a differential.
	ErrNoSnapshot = errors.New("StructureDefinition has no snapshot")

	// ErrNoPackageCache is the cause of a ProfileLoadError for a package
	// reference when no package cache is configured.
	ErrNoPackageCache = errors.New("no package cache configured")
)

// InitError reports that the artifact directory could not be loaded. It is
// fatal: no Store exists after it.
type InitError struct {
	Dir string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("loading artifacts from %s: %v", e.Dir, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// ProfileLoadError reports that a profile could not be registered. The
// Store is unchanged.
type ProfileLoadError struct {
	Identifier string
	Err        error
}

func (e *ProfileLoadError) Error() string {
	return fmt.Sprintf("loading profile %q: %v", e.Identifier, e.Err)
}

func (e *ProfileLoadError) Unwrap() error {
	return e.Err
}
