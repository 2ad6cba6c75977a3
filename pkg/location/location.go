// Package location provides utilities to find line and column positions
// in JSON source for FHIRPath expressions.
package location

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofhir/gateway/pkg/issue"
)

// Nearest locates a FHIRPath expression in JSON source. Object properties
// resolve to their key, array items to the item itself. A path that does not
// exist resolves to its deepest existing ancestor, so issues about missing
// elements are reported at their parent.
func Nearest(jsonData []byte, fhirPath string) *issue.Location {
	if len(jsonData) == 0 {
		return nil
	}
	offset, _ := walk(jsonData, parseFHIRPath(fhirPath))
	if offset < 0 {
		return nil
	}
	return toLocation(jsonData, offset)
}

// Locator returns a function suitable for issue.Result.EnrichLocations.
func Locator(jsonData []byte) func(expression string) *issue.Location {
	return func(expression string) *issue.Location {
		return Nearest(jsonData, expression)
	}
}

// parseFHIRPath parses a FHIRPath expression into path segments.
// Examples:
//   - "Patient.identifier[0].value" -> ["identifier", "0", "value"]
//   - "Bundle.entry[0].resource.id" -> ["entry", "0", "resource", "id"]
func parseFHIRPath(path string) []string {
	segments := []string{}
	first := true
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		name, rest, _ := strings.Cut(part, "[")
		// Leading resource type (Patient.identifier -> identifier)
		if first && name != "" && name[0] >= 'A' && name[0] <= 'Z' {
			first = false
			continue
		}
		first = false
		if name != "" {
			segments = append(segments, name)
		}
		for rest != "" {
			idx, after, found := strings.Cut(rest, "]")
			if !found {
				break
			}
			if idx != "" {
				segments = append(segments, idx)
			}
			rest = strings.TrimPrefix(after, "[")
		}
	}
	return segments
}

// walk descends into data along segments. It returns the offset of the
// deepest segment reached (the root object when none matched) and whether
// the whole path was found. The offset is -1 when data is not a JSON object.
func walk(data []byte, segments []string) (int, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	current := skipSeparators(data, 0)
	if current >= len(data) || data[current] != '{' {
		return -1, false
	}

	for _, seg := range segments {
		var next int
		var ok bool
		if idx, err := strconv.Atoi(seg); err == nil {
			next, ok = enterIndex(dec, data, idx)
		} else {
			next, ok = enterKey(dec, data, seg)
		}
		if !ok {
			return current, false
		}
		current = next
	}
	return current, true
}

// enterKey consumes the opening of an object and advances the decoder up to
// the value of key. An array in place of the object is entered at its first
// item, so "name.family" reads as "name[0].family".
func enterKey(dec *json.Decoder, data []byte, key string) (int, bool) {
	tok, err := dec.Token()
	if err != nil {
		return 0, false
	}
	if tok == json.Delim('[') {
		if !dec.More() {
			return 0, false
		}
		tok, err = dec.Token()
		if err != nil {
			return 0, false
		}
	}
	if tok != json.Delim('{') {
		return 0, false
	}

	for dec.More() {
		start := skipSeparators(data, int(dec.InputOffset()))
		tok, err := dec.Token()
		if err != nil {
			return 0, false
		}
		if k, ok := tok.(string); ok && k == key {
			return start, true
		}
		if err := skipValue(dec); err != nil {
			return 0, false
		}
	}
	return 0, false
}

// enterIndex consumes the opening of an array and advances the decoder up to
// item idx.
func enterIndex(dec *json.Decoder, data []byte, idx int) (int, bool) {
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('[') {
		return 0, false
	}
	for i := 0; dec.More(); i++ {
		start := skipSeparators(data, int(dec.InputOffset()))
		if i == idx {
			return start, true
		}
		if err := skipValue(dec); err != nil {
			return 0, false
		}
	}
	return 0, false
}

// skipValue skips a single JSON value (primitive, object, or array).
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if _, ok := tok.(json.Delim); !ok {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

func skipSeparators(data []byte, offset int) int {
	for offset < len(data) {
		switch data[offset] {
		case ' ', '\t', '\r', '\n', ',', ':':
			offset++
		default:
			return offset
		}
	}
	return offset
}

func toLocation(data []byte, offset int) *issue.Location {
	line, col := offsetToLineCol(data, offset)
	return &issue.Location{Line: line, Column: col}
}

// offsetToLineCol converts a byte offset to line and column numbers.
// Line and column are 1-indexed (human-readable).
func offsetToLineCol(input []byte, offset int) (line, col int) {
	line = 1
	col = 1
	for i := 0; i < offset && i < len(input); i++ {
		if input[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return
}
