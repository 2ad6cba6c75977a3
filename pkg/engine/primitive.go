package engine

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofhir/gateway/pkg/issue"
)

// jsonType represents the JSON type categories relevant for FHIR.
type jsonType int

const (
	jsonTypeUnknown jsonType = iota
	jsonTypeNull
	jsonTypeBoolean
	jsonTypeNumber
	jsonTypeString
	jsonTypeArray
	jsonTypeObject
)

const yearPattern = `([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)`

const tzPattern = `(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00))`

const timePattern = `([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?`

// primitivePatterns holds the value regular expressions of the FHIR
// primitive types. Types without an entry only get the JSON type check.
var primitivePatterns = map[string]*regexp.Regexp{
	"string":       anchored(`[ \r\n\t\S]+`),
	"markdown":     anchored(`\s*(\S|\s)*`),
	"code":         anchored(`[^\s]+(\s[^\s]+)*`),
	"id":           anchored(`[A-Za-z0-9\-\.]{1,64}`),
	"uri":          anchored(`\S*`),
	"url":          anchored(`\S*`),
	"canonical":    anchored(`\S*`),
	"oid":          anchored(`urn:oid:[0-2](\.(0|[1-9][0-9]*))+`),
	"uuid":         anchored(`urn:uuid:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`),
	"base64Binary": anchored(`(\s*([0-9a-zA-Z\+/=]){4}\s*)+`),
	"date":         anchored(yearPattern + `(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1]))?)?`),
	"dateTime": anchored(yearPattern + `(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1])(T` +
		timePattern + tzPattern + `)?)?)?`),
	"instant": anchored(yearPattern + `-(0[1-9]|1[0-2])-(0[1-9]|[1-2][0-9]|3[0-1])T` +
		timePattern + tzPattern),
	"time": anchored(timePattern),
}

func anchored(pattern string) *regexp.Regexp {
	return regexp.MustCompile("^" + pattern + "$")
}

var primitiveTypes = map[string]bool{
	"boolean": true, "integer": true, "integer64": true, "decimal": true,
	"positiveInt": true, "unsignedInt": true, "string": true, "markdown": true,
	"code": true, "id": true, "uri": true, "url": true, "canonical": true,
	"oid": true, "uuid": true, "base64Binary": true, "date": true,
	"dateTime": true, "instant": true, "time": true, "xhtml": true,
}

func isPrimitive(typeCode string) bool {
	return primitiveTypes[typeCode]
}

// checkPrimitives validates primitive values of n: JSON type first, then
// the lexical format of the type.
func (v *Validator) checkPrimitives(w *walker, n *node, result *issue.Result) {
	for _, key := range sortedKeys(n.data) {
		if key == "resourceType" || strings.HasPrefix(key, "_") {
			continue
		}
		res := w.resolveChild(n, key)
		if res == nil || !isPrimitive(res.typeCode) {
			continue
		}

		fhirPath := n.fhirPath + "." + key
		switch val := n.data[key].(type) {
		case []any:
			for i, item := range val {
				itemPath := fmt.Sprintf("%s[%d]", fhirPath, i)
				// null items are allowed when the shadow array carries the content.
				if item == nil {
					if !hasShadowItem(n.data["_"+key], i) {
						result.AddErrorWithID(issue.DiagTypeNullWithoutShadow,
							map[string]any{"path": itemPath, "element": "_" + key}, itemPath)
					}
					continue
				}
				validatePrimitiveValue(item, res.typeCode, itemPath, result)
			}
		default:
			validatePrimitiveValue(val, res.typeCode, fhirPath, result)
		}
	}
}

// hasShadowItem reports whether the shadow array of a primitive list has a
// non-null entry at index i.
func hasShadowItem(shadow any, i int) bool {
	items, ok := shadow.([]any)
	return ok && i < len(items) && items[i] != nil
}

// validatePrimitiveValue checks a single primitive value.
func validatePrimitiveValue(value any, typeName, fhirPath string, result *issue.Result) {
	expected := getExpectedJSONType(typeName)
	actual := getJSONType(value)
	if actual != expected {
		result.AddErrorWithID(issue.DiagTypeWrongJSONType,
			map[string]any{"expected": jsonTypeName(expected), "actual": jsonTypeName(actual)},
			fhirPath)
		return
	}

	switch val := value.(type) {
	case float64:
		if !numberInRange(val, typeName) {
			result.AddErrorWithID(issue.DiagTypeInvalidFormat,
				map[string]any{"value": formatNumericValue(val), "type": typeName},
				fhirPath)
		}
	case string:
		if typeName == "xhtml" {
			return
		}
		if re := primitivePatterns[typeName]; re != nil && !re.MatchString(val) {
			result.AddErrorWithID(issue.DiagTypeInvalidFormat,
				map[string]any{"value": truncateValue(val), "type": typeName},
				fhirPath)
		}
	}
}

func numberInRange(val float64, typeName string) bool {
	switch typeName {
	case "integer":
		return val == math.Trunc(val) && val >= math.MinInt32 && val <= math.MaxInt32
	case "positiveInt":
		return val == math.Trunc(val) && val >= 1 && val <= math.MaxInt32
	case "unsignedInt":
		return val == math.Trunc(val) && val >= 0 && val <= math.MaxInt32
	default:
		return true
	}
}

func formatNumericValue(val float64) string {
	return strconv.FormatFloat(val, 'f', -1, 64)
}

// getJSONType returns the JSON type of a decoded value.
func getJSONType(value any) jsonType {
	switch value.(type) {
	case nil:
		return jsonTypeNull
	case bool:
		return jsonTypeBoolean
	case float64:
		return jsonTypeNumber
	case string:
		return jsonTypeString
	case []any:
		return jsonTypeArray
	case map[string]any:
		return jsonTypeObject
	default:
		return jsonTypeUnknown
	}
}

// getExpectedJSONType returns the JSON type a FHIR primitive is encoded as.
func getExpectedJSONType(typeName string) jsonType {
	switch typeName {
	case "boolean":
		return jsonTypeBoolean
	case "integer", "decimal", "positiveInt", "unsignedInt":
		return jsonTypeNumber
	default:
		// All other primitives (integer64 included) are strings in JSON
		return jsonTypeString
	}
}

// jsonTypeName returns a human-readable name for a JSON type.
func jsonTypeName(t jsonType) string {
	switch t {
	case jsonTypeNull:
		return "null"
	case jsonTypeBoolean:
		return "boolean"
	case jsonTypeNumber:
		return "number"
	case jsonTypeString:
		return "string"
	case jsonTypeArray:
		return "array"
	case jsonTypeObject:
		return "object"
	default:
		return "unknown"
	}
}

// truncateValue truncates a value for display in error messages.
func truncateValue(value string) string {
	if len(value) > 50 {
		return value[:47] + "..."
	}
	return value
}
