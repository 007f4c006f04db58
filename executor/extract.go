package executor

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// extractStructuredData implements §4.6's agent structured-data extraction:
// a fenced ```json block takes precedence; failing that, a trimmed text
// that begins with '{' or '[' is tried as a whole. Parse failure yields a
// nil map, never an error — extraction is best-effort.
func extractStructuredData(text string) map[string]interface{} {
	if m := fencedJSONBlock.FindStringSubmatch(text); m != nil {
		if data, ok := tryParseObject(m[1]); ok {
			return data
		}
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if data, ok := tryParseObject(trimmed); ok {
			return data
		}
	}

	return nil
}

// marshalIndented renders v as indented JSON text for embedding in a
// fenced code block.
func marshalIndented(v interface{}) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// tryParseObject parses raw as either a JSON object (returned as-is) or a
// JSON array (wrapped under an "items" key, since dag.Output.Data is a
// map), reporting false on any parse failure.
func tryParseObject(raw string) (map[string]interface{}, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, true
	}

	var arr []interface{}
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		return map[string]interface{}{"items": arr}, true
	}

	return nil, false
}
