package rtap

import (
	"errors"
	"time"
)

// ErrInvalidTimestamp is returned when an annotation timestamp is not a valid
// ISO-8601 instant.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// timestampLayouts are the accepted ISO-8601 shapes: seconds or sub-second
// precision, with or without a zone designator.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Annotation is a single timestamped event attached to a stream. Immutable
// after creation.
type Annotation struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	CreatedAt string         `json:"created_at"`

	// ts caches the parsed Timestamp for range filtering and sorting.
	ts time.Time
}

// NewAnnotation validates the timestamp and builds an annotation with a
// server-assigned creation time. Returns ErrInvalidTimestamp if the timestamp
// cannot be parsed.
func NewAnnotation(annotationType string, data map[string]any, timestamp string) (*Annotation, error) {
	ts, ok := ParseTimestamp(timestamp)
	if !ok {
		return nil, ErrInvalidTimestamp
	}
	if data == nil {
		data = map[string]any{}
	}
	return &Annotation{
		Type:      annotationType,
		Data:      data,
		Timestamp: timestamp,
		CreatedAt: Now(),
		ts:        ts,
	}, nil
}

// ParseTimestamp parses an ISO-8601 instant. The ok result is false when the
// value matches none of the accepted layouts.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Now returns the current time formatted as an ISO-8601 instant, the format
// used for server-generated timestamps and created_at fields.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Time returns the parsed timestamp used for ordering.
func (a *Annotation) Time() time.Time {
	return a.ts
}
