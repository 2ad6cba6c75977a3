package engine

import (
	"strconv"
	"strings"

	"github.com/gofhir/gateway/pkg/issue"
	"github.com/gofhir/gateway/pkg/registry"
)

// checkCardinality validates min/max of the children defined for n.
func (v *Validator) checkCardinality(n *node, result *issue.Result) {
	for _, child := range n.sd.Children(n.path) {
		name := child.Name()
		count := countOccurrences(n.data, child)
		childPath := n.fhirPath + "." + name

		if child.Min > 0 && count < int(child.Min) {
			result.AddErrorWithID(issue.DiagCardinalityMin,
				map[string]any{"path": childPath, "min": child.Min, "count": count},
				childPath)
		}

		if child.Max != "" && child.Max != "*" {
			maxInt, err := strconv.Atoi(child.Max)
			if err == nil && count > maxInt {
				result.AddErrorWithID(issue.DiagCardinalityMax,
					map[string]any{"path": childPath, "max": maxInt, "count": count},
					childPath)
			}
		}
	}
}

// countOccurrences counts how many times an element appears in the data.
// A primitive that only has its shadow element (_foo) still counts.
func countOccurrences(data map[string]any, elem *registry.ElementDefinition) int {
	name := elem.Name()
	if !elem.IsChoice() {
		return countValue(data, name)
	}

	base := strings.TrimSuffix(name, "[x]")
	count := 0
	for key := range data {
		if strings.HasPrefix(key, base) && matchChoiceType(elem, key[len(base):]) != "" {
			count += countValue(data, key)
		}
	}
	return count
}

func countValue(data map[string]any, key string) int {
	value, exists := data[key]
	if !exists {
		value, exists = data["_"+key]
	}
	if !exists || value == nil {
		return 0
	}
	if arr, ok := value.([]any); ok {
		return len(arr)
	}
	return 1
}
