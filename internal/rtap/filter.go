package rtap

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Filter maps filter keys to expected values. Recognized keys:
//
//   - "start"/"end": inclusive lower/upper bounds on the annotation timestamp
//   - "type": exact match against the annotation type
//   - anything else: a dot-separated path into the annotation data, resolved
//     through the type's alias table first
//
// An empty filter matches every annotation.
type Filter map[string]string

// ParseQuery converts URL query parameters into a Filter. Only the first
// value of a repeated key is used. Unparseable start/end bounds are kept as-is
// and ignored at match time, mirroring how unparseable bounds were always
// treated by this API.
func ParseQuery(query url.Values) Filter {
	f := make(Filter, len(query))
	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		f[key] = values[0]
	}
	return f
}

// aliasTable maps annotation type -> filter key -> data path. Types register
// convenience locations for their well-known fields so the matcher stays
// generic. The "event" type ships with severity and area aliases.
var (
	aliasMu    sync.RWMutex
	aliasTable = map[string]map[string][]string{
		"event": {
			"severity": {"severity"},
			"area":     {"location", "area"},
		},
	}
)

// RegisterAlias maps a filter key to a data path for annotations of the given
// type. Later registrations replace earlier ones.
func RegisterAlias(annotationType, key string, path ...string) {
	aliasMu.Lock()
	defer aliasMu.Unlock()
	byKey, ok := aliasTable[annotationType]
	if !ok {
		byKey = make(map[string][]string)
		aliasTable[annotationType] = byKey
	}
	byKey[key] = path
}

func aliasPath(annotationType, key string) ([]string, bool) {
	aliasMu.RLock()
	defer aliasMu.RUnlock()
	path, ok := aliasTable[annotationType][key]
	return path, ok
}

// Matches reports whether the annotation satisfies every key in the filter.
func (f Filter) Matches(a *Annotation) bool {
	for key, want := range f {
		switch key {
		case "start":
			if bound, ok := ParseTimestamp(want); ok && a.ts.Before(bound) {
				return false
			}
		case "end":
			if bound, ok := ParseTimestamp(want); ok && a.ts.After(bound) {
				return false
			}
		case "type":
			if a.Type != want {
				return false
			}
		default:
			got, ok := lookupField(a, key)
			if !ok {
				return false
			}
			if !strings.EqualFold(stringify(got), want) {
				return false
			}
		}
	}
	return true
}

// lookupField resolves a filter key against the annotation data: the type's
// alias table first, then the key itself as a dot-separated path. A missing
// intermediate segment or final key is a no-match, not an error.
func lookupField(a *Annotation, key string) (any, bool) {
	if path, ok := aliasPath(a.Type, key); ok {
		if v, found := lookupPath(a.Data, path); found {
			return v, true
		}
	}
	return lookupPath(a.Data, strings.Split(key, "."))
}

// lookupPath walks a tree of maps and slices by path segments. Slice segments
// must be valid indices.
func lookupPath(root any, path []string) (any, bool) {
	current := root
	for _, segment := range path {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a data value for comparison. JSON numbers arrive as
// float64; integral values print without a decimal point so "3" matches 3.
func stringify(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}
