package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofhir/gateway/pkg/issue"
)

func TestMarshalEmptyResult(t *testing.T) {
	data, err := Marshal(issue.NewResult())
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[]}`, string(data))

	data, err = Marshal(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[]}`, string(data))
}

func TestMarshalIssue(t *testing.T) {
	result := issue.NewResult()
	result.AddErrorWithID(issue.DiagCardinalityMin,
		map[string]any{"path": "Patient.name", "min": 1, "count": 0}, "Patient.name")
	result.Issues[0].Location = &issue.Location{Line: 1, Column: 1}

	data, err := Marshal(result)
	require.NoError(t, err)

	want := `{"resourceType":"OperationOutcome","issue":[{
		"extension":[
			{"url":"` + LineExtensionURL + `","valueInteger":1},
			{"url":"` + ColumnExtensionURL + `","valueInteger":1},
			{"url":"` + MessageIDExtensionURL + `","valueString":"CARDINALITY_MIN"}
		],
		"severity":"error",
		"code":"required",
		"diagnostics":"Minimum cardinality of 'Patient.name' is 1, but found 0",
		"location":["Patient.name"],
		"expression":["Patient.name"]
	}]}`
	assert.JSONEq(t, want, string(data))
	assert.NotContains(t, string(data), "\n", "output should be compact")
}

func TestMarshalPreservesOrder(t *testing.T) {
	result := issue.NewResult()
	for i := 0; i < 5; i++ {
		result.AddWarning(issue.CodeValue, fmt.Sprintf("w%d", i))
	}
	oo := FromResult(result)
	require.Len(t, oo.Issue, 5)
	for i, iss := range oo.Issue {
		assert.Equal(t, fmt.Sprintf("w%d", i), iss.Diagnostics)
		assert.Empty(t, iss.Extension)
	}
}

func TestMarshalIndentWireForm(t *testing.T) {
	result := issue.NewResult()
	result.AddErrorWithID(issue.DiagStructureUnknownElement, map[string]any{"element": "foo"}, "Patient.foo")
	result.Issues[0].Location = &issue.Location{Line: 3, Column: 5}
	result.AddIssue(issue.Issue{Severity: issue.SeverityInformation, Code: issue.CodeInformational, Diagnostics: "note"})

	data, err := MarshalIndent(result)
	require.NoError(t, err)

	var oo OperationOutcome
	require.NoError(t, json.Unmarshal(data, &oo))
	assert.Equal(t, ResourceType, oo.ResourceType)
	require.Len(t, oo.Issue, 2)

	first := oo.Issue[0]
	assert.Equal(t, "error", first.Severity)
	assert.Equal(t, "Unknown element 'foo'", first.Diagnostics)
	assert.Equal(t, []string{"Patient.foo"}, first.Expression)
	require.Len(t, first.Extension, 3)
	assert.Equal(t, LineExtensionURL, first.Extension[0].URL)
	assert.Equal(t, 3, *first.Extension[0].ValueInteger)
	assert.Equal(t, ColumnExtensionURL, first.Extension[1].URL)
	assert.Equal(t, 5, *first.Extension[1].ValueInteger)
	assert.Equal(t, "STRUCTURE_UNKNOWN_ELEMENT", first.Extension[2].ValueString)

	assert.Equal(t, "information", oo.Issue[1].Severity)
	assert.Empty(t, oo.Issue[1].Extension)
}

type codedError struct{ error }

func (codedError) IssueCode() issue.Code { return issue.CodeNotFound }

func TestFromError(t *testing.T) {
	oo := FromError(errors.New("boom"))
	require.Len(t, oo.Issue, 1)
	assert.Equal(t, "fatal", oo.Issue[0].Severity)
	assert.Equal(t, "processing", oo.Issue[0].Code)
	assert.Equal(t, "boom", oo.Issue[0].Diagnostics)

	wrapped := fmt.Errorf("validate: %w", codedError{errors.New("missing profile")})
	oo = FromError(wrapped)
	assert.Equal(t, "not-found", oo.Issue[0].Code)

	data, err := json.Marshal(oo)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"resourceType":"OperationOutcome"`)
}
