package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gofhir/gateway/pkg/registry"
)

// node is a JSON object together with the definition that governs it.
type node struct {
	data map[string]any
	sd   *registry.StructureDefinition
	// path is the element path inside sd ("Patient.name", "HumanName").
	path string
	// fhirPath is the instance path used in issues ("Patient.name[0]").
	fhirPath string
}

// isResourceRoot reports whether the node is the root of a resource
// (the validated resource, a contained resource or a Bundle entry).
func (n *node) isResourceRoot() bool {
	_, ok := n.data["resourceType"]
	return ok && n.path == n.sd.Type
}

// resolved is the element definition matched by a JSON property.
type resolved struct {
	elem *registry.ElementDefinition
	// typeCode is the concrete type of the property. For choice elements it
	// is derived from the property name suffix.
	typeCode string
}

// walker visits every object node of a resource that has a known definition.
type walker struct {
	reg *registry.Registry
}

// walk calls visit for n and then descends into its children in key order.
func (w *walker) walk(n *node, visit func(*node)) {
	visit(n)

	for _, key := range sortedKeys(n.data) {
		if key == "resourceType" || strings.HasPrefix(key, "_") {
			continue
		}
		res := w.resolveChild(n, key)
		if res == nil {
			continue
		}

		childPath := n.fhirPath + "." + key
		switch val := n.data[key].(type) {
		case map[string]any:
			if child := w.childNode(n, res, val, childPath); child != nil {
				w.walk(child, visit)
			}
		case []any:
			for i, item := range val {
				obj, ok := item.(map[string]any)
				if !ok {
					continue
				}
				itemPath := fmt.Sprintf("%s[%d]", childPath, i)
				if child := w.childNode(n, res, obj, itemPath); child != nil {
					w.walk(child, visit)
				}
			}
		}
	}
}

// resolveChild finds the element definition of property key in n.
func (w *walker) resolveChild(n *node, key string) *resolved {
	if ed := n.sd.Element(n.path + "." + key); ed != nil {
		code := ""
		if len(ed.Types) == 1 {
			code = fhirType(ed.Types[0].Code)
		}
		return &resolved{elem: ed, typeCode: code}
	}

	// Choice types: deceasedBoolean -> deceased[x]
	for _, ed := range n.sd.Children(n.path) {
		if !ed.IsChoice() {
			continue
		}
		base := strings.TrimSuffix(ed.Name(), "[x]")
		if !strings.HasPrefix(key, base) || len(key) == len(base) {
			continue
		}
		if code := matchChoiceType(ed, key[len(base):]); code != "" {
			return &resolved{elem: ed, typeCode: code}
		}
	}
	return nil
}

// childNode returns the node for a complex child value, or nil when its
// definition is not available.
func (w *walker) childNode(parent *node, res *resolved, data map[string]any, fhirPath string) *node {
	// Inline resources (contained, Bundle.entry.resource, Parameters.parameter.resource)
	if rt, ok := data["resourceType"].(string); ok {
		sd := w.reg.GetByType(rt)
		if sd == nil || sd.Kind != registry.KindResource {
			return nil
		}
		return &node{data: data, sd: sd, path: rt, fhirPath: fhirPath}
	}

	// Backbone elements and elements constrained in place by a profile
	if len(parent.sd.Children(res.elem.Path)) > 0 {
		return &node{data: data, sd: parent.sd, path: res.elem.Path, fhirPath: fhirPath}
	}

	if res.typeCode == "" || isPrimitive(res.typeCode) {
		return nil
	}
	typeSD := w.reg.GetByType(res.typeCode)
	if typeSD == nil || typeSD.Kind != registry.KindComplexType {
		return nil
	}
	return &node{data: data, sd: typeSD, path: typeSD.Type, fhirPath: fhirPath}
}

// matchChoiceType returns the type code of ed matching a property suffix
// ("Boolean" -> "boolean", "DateTime" -> "dateTime").
func matchChoiceType(ed *registry.ElementDefinition, suffix string) string {
	if suffix == "" || suffix[0] < 'A' || suffix[0] > 'Z' {
		return ""
	}
	for _, t := range ed.Types {
		if strings.EqualFold(t.Code, suffix) {
			return t.Code
		}
	}
	return ""
}

// fhirType maps FHIRPath system type codes used by the core definitions
// (e.g. Resource.id) onto FHIR primitive types.
func fhirType(code string) string {
	if strings.HasPrefix(code, "http://hl7.org/fhirpath/System.") {
		return strings.ToLower(strings.TrimPrefix(code, "http://hl7.org/fhirpath/System."))
	}
	return code
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
