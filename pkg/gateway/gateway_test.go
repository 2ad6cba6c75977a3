package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofhir/gateway/pkg/artifact"
	"github.com/gofhir/gateway/pkg/engine"
	"github.com/gofhir/gateway/pkg/issue"
	"github.com/gofhir/gateway/pkg/logger"
	"github.com/gofhir/gateway/pkg/metrics"
	"github.com/gofhir/gateway/pkg/outcome"
)

const (
	fixtures         = "../../testdata/igs"
	patientBasicURL  = "https://example.org/StructureDefinition/Patient-basic"
	scenarioResource = `{"resourceType":"Patient","id":"p1","gender":"male","birthDate":"1990-01-01"}`
)

func init() {
	logger.SetLevel(logger.LevelNone)
}

// stubEngine records the last call and returns a canned answer.
type stubEngine struct {
	mu       sync.Mutex
	resource []byte
	profiles []string
	result   *issue.Result
	err      error
}

func (s *stubEngine) Validate(_ context.Context, resource []byte, profiles []string) (*issue.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resource = resource
	s.profiles = profiles
	return s.result, s.err
}

func newFixtureGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	store, err := artifact.Open(context.Background(), fixtures, artifact.WithPackageCache(t.TempDir()))
	require.NoError(t, err)
	eng, err := engine.New(store)
	require.NoError(t, err)
	return New(eng, opts...)
}

func TestParseProfiles(t *testing.T) {
	tests := []struct {
		spec string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{"a,", []string{"a", ""}},
		{" a , b ", []string{" a ", " b "}},
		{"a,a", []string{"a", "a"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.spec), func(t *testing.T) {
			assert.Equal(t, tt.want, ParseProfiles(tt.spec))
		})
	}
}

func TestValidatePassesIssuesThrough(t *testing.T) {
	result := issue.NewResult()
	result.AddError(issue.CodeRequired, "missing name", "Patient.name")
	result.AddWarning(issue.CodeValue, "odd value", "Patient.gender")
	result.Issues[0].Location = &issue.Location{Line: 1, Column: 1}
	stub := &stubEngine{result: result}

	g := New(stub)
	out, err := g.ValidateString(context.Background(), `{"resourceType":"Patient"}`, "p1,p2")
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, stub.profiles)
	assert.Equal(t, `{"resourceType":"Patient"}`, string(stub.resource))

	want, err := outcome.Marshal(result)
	require.NoError(t, err)
	assert.Equal(t, string(want), out)

	var back outcome.OperationOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &back))
	require.Len(t, back.Issue, 2)
	assert.Equal(t, "missing name", back.Issue[0].Diagnostics)
	assert.Equal(t, string(issue.SeverityWarning), back.Issue[1].Severity)
}

func TestValidateEmptyOutcome(t *testing.T) {
	g := New(&stubEngine{result: issue.NewResult()})
	out, err := g.Validate(context.Background(), []byte(`{"resourceType":"Patient"}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[]}`, out)
}

func TestValidateErrors(t *testing.T) {
	t.Run("empty resource", func(t *testing.T) {
		stub := &stubEngine{result: issue.NewResult()}
		g := New(stub)
		for _, resource := range []string{"", "  \n"} {
			out, err := g.ValidateString(context.Background(), resource, "")
			assert.Empty(t, out)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.ErrorIs(t, err, ErrEmptyResource)
			assert.Equal(t, issue.CodeInvalid, vErr.IssueCode())
		}
		assert.Nil(t, stub.resource, "engine must not be called")
	})

	causes := []struct {
		cause error
		code  issue.Code
	}{
		{fmt.Errorf("%w: bad json", engine.ErrInvalidResource), issue.CodeInvalid},
		{fmt.Errorf("%w: %q", engine.ErrUnknownResourceType, "Foo"), issue.CodeNotSupported},
		{fmt.Errorf("%w: x", engine.ErrProfileNotFound), issue.CodeNotFound},
		{context.Canceled, issue.CodeException},
		{errors.New("engine exploded"), issue.CodeProcessing},
	}
	for _, tt := range causes {
		t.Run(tt.cause.Error(), func(t *testing.T) {
			g := New(&stubEngine{err: tt.cause})
			out, err := g.Validate(context.Background(), []byte(`{"resourceType":"Patient"}`), nil)
			assert.Empty(t, out)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.ErrorIs(t, err, tt.cause)
			assert.Equal(t, tt.code, vErr.IssueCode())
			assert.Contains(t, err.Error(), tt.cause.Error())

			oo := outcome.FromError(err)
			assert.Equal(t, string(tt.code), oo.Issue[0].Code)
		})
	}
}

func TestEvaluateRecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	result := issue.NewResult()
	result.AddError(issue.CodeRequired, "missing")

	g := New(&stubEngine{result: result}, WithMetrics(m))
	_, err := g.Evaluate(context.Background(), []byte(`{}`), nil)
	require.NoError(t, err)

	_, err = g.Evaluate(context.Background(), nil, nil)
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.ValidationsTotal)
	assert.Equal(t, uint64(0), snap.ValidationsValid)
	assert.Equal(t, uint64(1), snap.ValidationsFailed)
	assert.Equal(t, uint64(1), snap.ErrorsTotal)
}

func TestValidateScenario(t *testing.T) {
	g := newFixtureGateway(t)
	out, err := g.ValidateString(context.Background(), scenarioResource, patientBasicURL)
	require.NoError(t, err)

	var oo outcome.OperationOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &oo))
	require.Len(t, oo.Issue, 1)
	iss := oo.Issue[0]
	assert.Equal(t, string(issue.SeverityError), iss.Severity)
	assert.Equal(t, string(issue.CodeRequired), iss.Code)
	assert.Equal(t, []string{"Patient.name"}, iss.Expression)
	require.GreaterOrEqual(t, len(iss.Extension), 2)
	assert.Equal(t, outcome.LineExtensionURL, iss.Extension[0].URL)
	assert.Equal(t, 1, *iss.Extension[0].ValueInteger)
	assert.Equal(t, outcome.ColumnExtensionURL, iss.Extension[1].URL)
	assert.Equal(t, 1, *iss.Extension[1].ValueInteger)
}

func TestValidateScenarioWithoutProfile(t *testing.T) {
	g := newFixtureGateway(t)
	for _, spec := range []string{"", " ", ","} {
		out, err := g.ValidateString(context.Background(), scenarioResource, spec)
		require.NoError(t, err)
		assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[]}`, out)
	}
}

func TestValidateScenarioFailures(t *testing.T) {
	g := newFixtureGateway(t)
	ctx := context.Background()

	_, err := g.ValidateString(ctx, scenarioResource, "https://example.org/StructureDefinition/unknown")
	assert.ErrorIs(t, err, engine.ErrProfileNotFound)

	_, err = g.ValidateString(ctx, `{"resourceType":"Observation"}`, "")
	assert.ErrorIs(t, err, engine.ErrUnknownResourceType)

	_, err = g.ValidateString(ctx, `not json`, "")
	assert.ErrorIs(t, err, engine.ErrInvalidResource)
}

func TestConcurrentValidate(t *testing.T) {
	g := newFixtureGateway(t)
	ctx := context.Background()

	want, err := g.ValidateString(ctx, scenarioResource, patientBasicURL)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([]string, 64)
	errs := make([]error, 64)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spec := ""
			if i%2 == 0 {
				spec = patientBasicURL
			}
			outs[i], errs[i] = g.ValidateString(ctx, scenarioResource, spec)
		}()
	}
	wg.Wait()

	for i := range outs {
		require.NoError(t, errs[i])
		if i%2 == 0 {
			assert.Equal(t, want, outs[i])
		} else {
			assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[]}`, outs[i])
		}
	}
}
