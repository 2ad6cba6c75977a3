package engine

import (
	"encoding/json"

	"github.com/gofhir/fhirpath"

	"github.com/gofhir/gateway/pkg/issue"
	"github.com/gofhir/gateway/pkg/registry"
)

// checkConstraints evaluates the invariants declared on the root element of
// a resource node. raw is the JSON of the node when already available.
func (v *Validator) checkConstraints(n *node, raw []byte, result *issue.Result) {
	root := n.sd.Root()
	if root == nil || len(root.Constraint) == 0 {
		return
	}

	if raw == nil {
		data, err := json.Marshal(n.data)
		if err != nil {
			return
		}
		raw = data
	}

	for _, c := range root.Constraint {
		if c.Expression == "" {
			continue
		}

		expr, err := v.compile(c.Expression)
		if err != nil {
			result.AddWarningWithID(issue.DiagConstraintCompileError,
				map[string]any{"key": c.Key, "error": err.Error()},
				n.fhirPath)
			continue
		}

		evalResult, err := expr.Evaluate(raw)
		if err != nil {
			result.AddWarningWithID(issue.DiagConstraintEvalError,
				map[string]any{"key": c.Key, "error": err.Error()},
				n.fhirPath)
			continue
		}

		if !constraintPassed(evalResult) {
			addConstraintViolation(c, n.fhirPath, result)
		}
	}
}

// compile returns a cached compiled expression or compiles a new one.
func (v *Validator) compile(expr string) (*fhirpath.Expression, error) {
	if compiled, ok := v.exprCache.Get(expr); ok {
		return compiled, nil
	}
	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, err
	}
	v.exprCache.Add(expr, compiled)
	return compiled, nil
}

// constraintPassed checks if a FHIRPath result indicates the constraint passed.
func constraintPassed(result fhirpath.Collection) bool {
	// Empty collection = constraint not applicable = passes.
	if result.Empty() {
		return true
	}
	b, err := result.ToBoolean()
	if err != nil {
		// If conversion fails, treat non-empty collection as truthy.
		return true
	}
	return b
}

func addConstraintViolation(c registry.Constraint, fhirPath string, result *issue.Result) {
	params := map[string]any{"key": c.Key, "human": c.Human}
	if c.Severity == "error" {
		result.AddErrorWithID(issue.DiagConstraintFailed, params, fhirPath)
	} else {
		result.AddWarningWithID(issue.DiagConstraintFailed, params, fhirPath)
	}
}
