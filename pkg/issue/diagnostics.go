package issue

import (
	"fmt"
	"strings"
)

// DiagnosticID identifies a specific diagnostic message.
type DiagnosticID string

// Structure.
const (
	DiagStructureUnknownElement DiagnosticID = "STRUCTURE_UNKNOWN_ELEMENT"
	DiagStructureNotObject      DiagnosticID = "STRUCTURE_NOT_OBJECT"
	DiagStructureNotArray       DiagnosticID = "STRUCTURE_NOT_ARRAY"
	DiagStructureUnexpectedList DiagnosticID = "STRUCTURE_UNEXPECTED_ARRAY"
)

// Cardinality.
const (
	DiagCardinalityMin DiagnosticID = "CARDINALITY_MIN"
	DiagCardinalityMax DiagnosticID = "CARDINALITY_MAX"
)

// Primitive types.
const (
	DiagTypeWrongJSONType     DiagnosticID = "TYPE_WRONG_JSON_TYPE"
	DiagTypeInvalidFormat     DiagnosticID = "TYPE_INVALID_FORMAT"
	DiagTypeNullWithoutShadow DiagnosticID = "TYPE_NULL_WITHOUT_SHADOW"
)

// Constraints.
const (
	DiagConstraintFailed       DiagnosticID = "CONSTRAINT_FAILED"
	DiagConstraintCompileError DiagnosticID = "CONSTRAINT_COMPILE_ERROR"
	DiagConstraintEvalError    DiagnosticID = "CONSTRAINT_EVAL_ERROR"
)

// Profiles.
const (
	DiagProfileNotFound     DiagnosticID = "PROFILE_NOT_FOUND"
	DiagProfileTypeMismatch DiagnosticID = "PROFILE_TYPE_MISMATCH"
)

// DiagnosticTemplate defines the structure for a diagnostic message.
type DiagnosticTemplate struct {
	Severity Severity
	Code     Code
	Template string
}

// Templates use {placeholder} syntax for variable substitution.
var diagnosticTemplates = map[DiagnosticID]DiagnosticTemplate{
	DiagStructureUnknownElement: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Unknown element '{element}'",
	},
	DiagStructureNotObject: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Element '{path}' must be a JSON object",
	},
	DiagStructureNotArray: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Element '{path}' repeats and must be a JSON array",
	},
	DiagStructureUnexpectedList: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Element '{path}' does not repeat and must not be a JSON array",
	},

	DiagCardinalityMin: {
		Severity: SeverityError,
		Code:     CodeRequired,
		Template: "Minimum cardinality of '{path}' is {min}, but found {count}",
	},
	DiagCardinalityMax: {
		Severity: SeverityError,
		Code:     CodeValue,
		Template: "Maximum cardinality of '{path}' is {max}, but found {count}",
	},

	DiagTypeWrongJSONType: {
		Severity: SeverityError,
		Code:     CodeValue,
		Template: "Error parsing JSON: the primitive value must be a {expected}",
	},
	DiagTypeInvalidFormat: {
		Severity: SeverityError,
		Code:     CodeValue,
		Template: "Value '{value}' does not match expected format for type {type}",
	},
	DiagTypeNullWithoutShadow: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Null value at '{path}' has no matching entry in '{element}'",
	},

	DiagConstraintFailed: {
		Severity: SeverityError,
		Code:     CodeInvariant,
		Template: "Constraint failed: {key}: '{human}'",
	},
	DiagConstraintCompileError: {
		Severity: SeverityWarning,
		Code:     CodeProcessing,
		Template: "Could not compile constraint '{key}': {error}",
	},
	DiagConstraintEvalError: {
		Severity: SeverityWarning,
		Code:     CodeProcessing,
		Template: "Could not evaluate constraint '{key}': {error}",
	},

	DiagProfileNotFound: {
		Severity: SeverityWarning,
		Code:     CodeNotFound,
		Template: "Profile '{url}' not found in registry",
	},
	DiagProfileTypeMismatch: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Profile '{url}' constrains '{profileType}', but the resource is a '{resourceType}'",
	},
}

// formatTemplate replaces {placeholder} with values from params.
func formatTemplate(template string, params map[string]any) string {
	result := template
	for key, value := range params {
		result = strings.ReplaceAll(result, "{"+key+"}", fmt.Sprint(value))
	}
	return result
}

// AddWithID adds an issue using the catalog severity of the template.
func (r *Result) AddWithID(id DiagnosticID, params map[string]any, expression ...string) {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		r.AddError(CodeProcessing, string(id), expression...)
		return
	}
	r.addTemplate(id, tmpl, tmpl.Severity, params, expression)
}

// AddErrorWithID adds an error using a diagnostic template.
func (r *Result) AddErrorWithID(id DiagnosticID, params map[string]any, expression ...string) {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		r.AddError(CodeProcessing, string(id), expression...)
		return
	}
	r.addTemplate(id, tmpl, SeverityError, params, expression)
}

// AddWarningWithID adds a warning using a diagnostic template.
func (r *Result) AddWarningWithID(id DiagnosticID, params map[string]any, expression ...string) {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		r.AddWarning(CodeProcessing, string(id), expression...)
		return
	}
	r.addTemplate(id, tmpl, SeverityWarning, params, expression)
}

func (r *Result) addTemplate(id DiagnosticID, tmpl DiagnosticTemplate, sev Severity, params map[string]any, expression []string) {
	r.Issues = append(r.Issues, Issue{
		Severity:    sev,
		Code:        tmpl.Code,
		Diagnostics: formatTemplate(tmpl.Template, params),
		Expression:  expression,
		MessageID:   string(id),
	})
}
