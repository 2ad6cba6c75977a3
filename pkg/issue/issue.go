// Package issue defines validation issues aligned with FHIR OperationOutcome.
package issue

// Severity represents the severity of a validation issue.
type Severity string

// Severity constants aligned with FHIR IssueSeverity.
const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// Code represents the type of validation issue (IssueType).
type Code string

// Code constants aligned with FHIR IssueType. Only the codes the gateway
// produces are listed.
const (
	CodeInvalid       Code = "invalid"
	CodeStructure     Code = "structure"
	CodeRequired      Code = "required"
	CodeValue         Code = "value"
	CodeInvariant     Code = "invariant"
	CodeProcessing    Code = "processing"
	CodeNotSupported  Code = "not-supported"
	CodeNotFound      Code = "not-found"
	CodeException     Code = "exception"
	CodeInformational Code = "informational"
)

// Issue represents a single validation issue.
type Issue struct {
	// Severity indicates the severity level (error, warning, etc.)
	Severity Severity

	// Code indicates the type of issue
	Code Code

	// Diagnostics is the human-readable description of the issue
	Diagnostics string

	// Expression contains FHIRPath expression(s) pointing to the issue location
	Expression []string

	// Location contains line and column information
	Location *Location

	// Source is the canonical URL of the StructureDefinition that produced the issue
	Source string

	// MessageID is the identifier from the diagnostic catalog
	MessageID string
}

// Location represents the position in the source JSON.
type Location struct {
	Line   int
	Column int
}

// Stats contains validation statistics.
type Stats struct {
	ResourceType string
	ResourceSize int
	// Profiles are the StructureDefinitions the resource was checked against
	Profiles []string
	// Duration is the total validation time in nanoseconds
	Duration int64
}

// DurationMs returns the duration in milliseconds.
func (s *Stats) DurationMs() float64 {
	return float64(s.Duration) / 1e6
}

// Result holds the collection of issues from validation.
type Result struct {
	Issues []Issue
	Stats  *Stats
}

// Most validations produce fewer than 16 issues.
const defaultIssueCapacity = 16

// NewResult creates a new empty Result with pre-allocated capacity.
func NewResult() *Result {
	return &Result{
		Issues: make([]Issue, 0, defaultIssueCapacity),
	}
}

// AddIssue adds an issue to the result.
func (r *Result) AddIssue(issue Issue) {
	r.Issues = append(r.Issues, issue)
}

// AddError adds an error-level issue.
func (r *Result) AddError(code Code, diagnostics string, expression ...string) {
	r.add(SeverityError, code, diagnostics, expression)
}

// AddWarning adds a warning-level issue.
func (r *Result) AddWarning(code Code, diagnostics string, expression ...string) {
	r.add(SeverityWarning, code, diagnostics, expression)
}

func (r *Result) add(sev Severity, code Code, diagnostics string, expression []string) {
	r.Issues = append(r.Issues, Issue{
		Severity:    sev,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  expression,
	})
}

// Valid reports whether the result carries no issues at all.
func (r *Result) Valid() bool {
	return len(r.Issues) == 0
}

// HasErrors returns true if there are any error-level issues.
func (r *Result) HasErrors() bool {
	return r.ErrorCount() > 0
}

// ErrorCount returns the number of error-level issues (fatal included).
func (r *Result) ErrorCount() int {
	return r.count(SeverityError) + r.count(SeverityFatal)
}

// WarningCount returns the number of warning-level issues.
func (r *Result) WarningCount() int {
	return r.count(SeverityWarning)
}

// InfoCount returns the number of information-level issues.
func (r *Result) InfoCount() int {
	return r.count(SeverityInformation)
}

func (r *Result) count(sev Severity) int {
	n := 0
	for i := range r.Issues {
		if r.Issues[i].Severity == sev {
			n++
		}
	}
	return n
}

// Merge combines another result into this one, stamping source on the
// merged issues that have none.
func (r *Result) Merge(other *Result, source string) {
	if other == nil {
		return
	}
	for _, iss := range other.Issues {
		if iss.Source == "" {
			iss.Source = source
		}
		r.Issues = append(r.Issues, iss)
	}
}

// EnrichLocations adds line and column information to issues based on their expressions.
// The locator function maps an expression path to a Location.
func (r *Result) EnrichLocations(locator func(expression string) *Location) {
	if locator == nil {
		return
	}
	for i := range r.Issues {
		if len(r.Issues[i].Expression) > 0 && r.Issues[i].Location == nil {
			if loc := locator(r.Issues[i].Expression[0]); loc != nil {
				r.Issues[i].Location = loc
			}
		}
	}
}
