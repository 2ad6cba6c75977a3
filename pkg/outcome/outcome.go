// Package outcome serializes validation results as FHIR OperationOutcome JSON.
package outcome

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofhir/gateway/pkg/issue"
)

// Extension URLs carrying the source position of an issue.
const (
	LineExtensionURL   = "http://hl7.org/fhir/StructureDefinition/operationoutcome-issue-line"
	ColumnExtensionURL = "http://hl7.org/fhir/StructureDefinition/operationoutcome-issue-col"
	// MessageIDExtensionURL records the diagnostic catalog identifier.
	MessageIDExtensionURL = "http://hl7.org/fhir/StructureDefinition/operationoutcome-message-id"
)

// ResourceType is the resourceType of the serialized document.
const ResourceType = "OperationOutcome"

// OperationOutcome is the wire form of a validation result.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// Issue is one OperationOutcome.issue entry.
type Issue struct {
	Extension   []Extension `json:"extension,omitempty"`
	Severity    string      `json:"severity"`
	Code        string      `json:"code"`
	Diagnostics string      `json:"diagnostics,omitempty"`
	Location    []string    `json:"location,omitempty"`
	Expression  []string    `json:"expression,omitempty"`
}

// Extension is a FHIR extension with the value types used here.
type Extension struct {
	URL          string `json:"url"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
	ValueString  string `json:"valueString,omitempty"`
}

// FromResult converts a result to its OperationOutcome form. Issue order is
// preserved; an empty result yields an empty issue list.
func FromResult(result *issue.Result) *OperationOutcome {
	oo := &OperationOutcome{ResourceType: ResourceType, Issue: []Issue{}}
	if result == nil {
		return oo
	}
	for _, iss := range result.Issues {
		oo.Issue = append(oo.Issue, convertIssue(iss))
	}
	return oo
}

func convertIssue(iss issue.Issue) Issue {
	out := Issue{
		Severity:    string(iss.Severity),
		Code:        string(iss.Code),
		Diagnostics: iss.Diagnostics,
		Location:    iss.Expression,
		Expression:  iss.Expression,
	}
	if iss.Location != nil {
		line, col := iss.Location.Line, iss.Location.Column
		out.Extension = append(out.Extension,
			Extension{URL: LineExtensionURL, ValueInteger: &line},
			Extension{URL: ColumnExtensionURL, ValueInteger: &col},
		)
	}
	if iss.MessageID != "" {
		out.Extension = append(out.Extension, Extension{URL: MessageIDExtensionURL, ValueString: iss.MessageID})
	}
	return out
}

// Marshal serializes result as compact OperationOutcome JSON.
func Marshal(result *issue.Result) ([]byte, error) {
	data, err := json.Marshal(FromResult(result))
	if err != nil {
		return nil, fmt.Errorf("outcome: marshal: %w", err)
	}
	return data, nil
}

// MarshalIndent is like Marshal but indents the output.
func MarshalIndent(result *issue.Result) ([]byte, error) {
	data, err := json.MarshalIndent(FromResult(result), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("outcome: marshal: %w", err)
	}
	return data, nil
}

// FromError renders a validation failure as a single fatal issue.
func FromError(err error) *OperationOutcome {
	code := issue.CodeProcessing
	var coder interface{ IssueCode() issue.Code }
	if errors.As(err, &coder) {
		code = coder.IssueCode()
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &OperationOutcome{
		ResourceType: ResourceType,
		Issue: []Issue{{
			Severity:    string(issue.SeverityFatal),
			Code:        string(code),
			Diagnostics: msg,
		}},
	}
}
