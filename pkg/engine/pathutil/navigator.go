package pathutil

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Split converts a dotted path into segments. Bracket indexes are accepted as an
// alias for numeric segments: "items[0].name" == "items.0.name".
func Split(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")

	raw := strings.Split(path, ".")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Get navigates a dotted path through nested maps and slices.
// An empty path returns root itself. Raw JSON strings or byte slices met along the
// way are navigated with gjson for the remaining segments.
func Get(root interface{}, path string) (interface{}, bool) {
	return GetSegments(root, Split(path))
}

// GetSegments is Get over pre-split segments.
func GetSegments(root interface{}, segments []string) (interface{}, bool) {
	current := root
	for i, seg := range segments {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, ok := index(seg, len(v))
			if !ok {
				return nil, false
			}
			current = v[idx]
		case []map[string]interface{}:
			idx, ok := index(seg, len(v))
			if !ok {
				return nil, false
			}
			current = v[idx]
		case []string:
			idx, ok := index(seg, len(v))
			if !ok {
				return nil, false
			}
			current = v[idx]
		case string:
			return getJSON([]byte(v), segments[i:])
		case []byte:
			return getJSON(v, segments[i:])
		default:
			return nil, false
		}
	}
	return current, true
}

func index(seg string, length int) (int, bool) {
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 || idx >= length {
		return 0, false
	}
	return idx, true
}

func getJSON(data []byte, segments []string) (interface{}, bool) {
	if !gjson.ValidBytes(data) {
		return nil, false
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = escapeGJSON(s)
	}
	result := gjson.GetBytes(data, strings.Join(escaped, "."))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

func escapeGJSON(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
