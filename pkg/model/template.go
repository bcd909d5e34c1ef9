package model

import (
	"fmt"
	"regexp"
	"strings"
)

var templateRef = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// IsTemplateRef reports whether s is exactly one {{path}} reference and
// returns the path.
func IsTemplateRef(s string) (string, bool) {
	m := templateRef.FindStringSubmatch(s)
	if m == nil || m[0] != strings.TrimSpace(s) {
		return "", false
	}
	return m[1], true
}

// ExpandString expands {{path}} references in s against the source tree.
// A string that is exactly one reference yields the referenced value with its
// type preserved; embedded references are stringified in place. Unresolved
// references expand to the empty string.
func ExpandString(s string, source map[string]interface{}) interface{} {
	if path, ok := IsTemplateRef(s); ok {
		if v, found := ResolvePath(source, path); found {
			return v
		}
		return nil
	}
	return templateRef.ReplaceAllStringFunc(s, func(match string) string {
		path := templateRef.FindStringSubmatch(match)[1]
		v, found := ResolvePath(source, path)
		if !found {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}

// ExpandPayload template-expands every string value in a payload template,
// recursing through nested maps and slices. The template itself is not
// mutated.
func ExpandPayload(payload map[string]interface{}, source map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = expandValue(v, source)
	}
	return out
}

func expandValue(v interface{}, source map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return ExpandString(val, source)
	case map[string]interface{}:
		return ExpandPayload(val, source)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = expandValue(item, source)
		}
		return out
	default:
		return v
	}
}
