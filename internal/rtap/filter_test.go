package rtap

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAnnotation(t *testing.T, annotationType string, data map[string]any, ts string) *Annotation {
	t.Helper()
	a, err := NewAnnotation(annotationType, data, ts)
	require.NoError(t, err)
	return a
}

func TestFilter_empty_matches_everything(t *testing.T) {
	a := mustAnnotation(t, "motion", map[string]any{"frame": 1}, "2026-01-02T10:00:00Z")
	assert.True(t, Filter{}.Matches(a))
}

func TestFilter_type(t *testing.T) {
	a := mustAnnotation(t, "motion", nil, "2026-01-02T10:00:00Z")
	assert.True(t, Filter{"type": "motion"}.Matches(a))
	assert.False(t, Filter{"type": "object"}.Matches(a))
}

func TestFilter_time_range_inclusive(t *testing.T) {
	a := mustAnnotation(t, "motion", nil, "2026-01-02T10:00:00Z")

	assert.True(t, Filter{"start": "2026-01-02T10:00:00Z"}.Matches(a), "start bound is inclusive")
	assert.True(t, Filter{"end": "2026-01-02T10:00:00Z"}.Matches(a), "end bound is inclusive")
	assert.True(t, Filter{"start": "2026-01-02T09:00:00Z", "end": "2026-01-02T11:00:00Z"}.Matches(a))
	assert.False(t, Filter{"start": "2026-01-02T10:00:01Z"}.Matches(a))
	assert.False(t, Filter{"end": "2026-01-02T09:59:59Z"}.Matches(a))
}

func TestFilter_unparseable_bounds_ignored(t *testing.T) {
	a := mustAnnotation(t, "motion", nil, "2026-01-02T10:00:00Z")
	assert.True(t, Filter{"start": "garbage"}.Matches(a))
	assert.True(t, Filter{"end": "garbage"}.Matches(a))
}

func TestFilter_event_area_alias(t *testing.T) {
	a := mustAnnotation(t, "event",
		map[string]any{"location": map[string]any{"area": "X"}},
		"2026-01-02T10:00:00Z")

	assert.True(t, Filter{"area": "X"}.Matches(a))
	assert.False(t, Filter{"area": "Y"}.Matches(a))
}

func TestFilter_event_severity_alias(t *testing.T) {
	a := mustAnnotation(t, "event",
		map[string]any{"severity": "high"},
		"2026-01-02T10:00:00Z")

	assert.True(t, Filter{"severity": "high"}.Matches(a))
	assert.True(t, Filter{"severity": "HIGH"}.Matches(a), "comparison is case-insensitive")
	assert.False(t, Filter{"severity": "low"}.Matches(a))
}

func TestFilter_alias_not_applied_to_other_types(t *testing.T) {
	// A motion annotation has no area alias; the generic path lookup for
	// "area" finds nothing at the top level.
	a := mustAnnotation(t, "motion",
		map[string]any{"location": map[string]any{"area": "X"}},
		"2026-01-02T10:00:00Z")

	assert.False(t, Filter{"area": "X"}.Matches(a))
	assert.True(t, Filter{"location.area": "X"}.Matches(a), "dotted path still works")
}

func TestFilter_dotted_path(t *testing.T) {
	a := mustAnnotation(t, "custom",
		map[string]any{"meta": map[string]any{"camera": map[string]any{"id": "cam42"}}},
		"2026-01-02T10:00:00Z")

	assert.True(t, Filter{"meta.camera.id": "cam42"}.Matches(a))
	assert.False(t, Filter{"meta.camera.id": "cam43"}.Matches(a))
	assert.False(t, Filter{"meta.missing.id": "cam42"}.Matches(a), "missing intermediate segment is a no-match")
	assert.False(t, Filter{"meta.camera.missing": "x"}.Matches(a), "missing final key is a no-match")
}

func TestFilter_array_index_path(t *testing.T) {
	a := mustAnnotation(t, "custom",
		map[string]any{"tags": []any{"alpha", "beta"}},
		"2026-01-02T10:00:00Z")

	assert.True(t, Filter{"tags.1": "beta"}.Matches(a))
	assert.False(t, Filter{"tags.5": "beta"}.Matches(a))
}

func TestFilter_numeric_values_stringified(t *testing.T) {
	// JSON decoding produces float64; an integral value must match its
	// undecorated decimal form.
	a := mustAnnotation(t, "motion", map[string]any{"frame": float64(3)}, "2026-01-02T10:00:00Z")
	assert.True(t, Filter{"frame": "3"}.Matches(a))
}

func TestRegisterAlias_extends_matching(t *testing.T) {
	RegisterAlias("thermal", "zone", "readings", "zone")

	a := mustAnnotation(t, "thermal",
		map[string]any{"readings": map[string]any{"zone": "B2"}},
		"2026-01-02T10:00:00Z")

	assert.True(t, Filter{"zone": "B2"}.Matches(a))
}

func TestParseQuery(t *testing.T) {
	q := url.Values{}
	q.Set("start", "2026-01-02T00:00:00Z")
	q.Set("area", "X")
	q.Add("multi", "first")
	q.Add("multi", "second")

	f := ParseQuery(q)
	assert.Equal(t, "2026-01-02T00:00:00Z", f["start"])
	assert.Equal(t, "X", f["area"])
	assert.Equal(t, "first", f["multi"], "first value of a repeated key wins")
}
