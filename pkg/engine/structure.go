package engine

import (
	"strings"

	"github.com/gofhir/gateway/pkg/issue"
)

// checkStructure reports properties without a definition and values whose
// JSON shape does not fit their definition.
func (v *Validator) checkStructure(w *walker, n *node, result *issue.Result) {
	for _, key := range sortedKeys(n.data) {
		if key == "resourceType" {
			continue
		}
		fhirPath := n.fhirPath + "." + key

		// Shadow elements (_birthDate) carry id and extensions of a primitive.
		if strings.HasPrefix(key, "_") {
			res := w.resolveChild(n, key[1:])
			if res == nil || !isPrimitive(res.typeCode) {
				result.AddErrorWithID(issue.DiagStructureUnknownElement,
					map[string]any{"element": key}, fhirPath)
			}
			continue
		}

		res := w.resolveChild(n, key)
		if res == nil {
			result.AddErrorWithID(issue.DiagStructureUnknownElement,
				map[string]any{"element": key}, fhirPath)
			continue
		}

		value := n.data[key]
		items, isList := value.([]any)
		switch {
		case res.elem.IsArray() && !isList:
			result.AddErrorWithID(issue.DiagStructureNotArray,
				map[string]any{"path": fhirPath}, fhirPath)
			items = []any{value}
		case !res.elem.IsArray() && isList:
			result.AddErrorWithID(issue.DiagStructureUnexpectedList,
				map[string]any{"path": fhirPath}, fhirPath)
		case !isList:
			items = []any{value}
		}

		if res.typeCode == "" || isPrimitive(res.typeCode) {
			continue
		}
		for _, item := range items {
			if _, ok := item.(map[string]any); !ok {
				result.AddErrorWithID(issue.DiagStructureNotObject,
					map[string]any{"path": fhirPath}, fhirPath)
				break
			}
		}
	}
}
