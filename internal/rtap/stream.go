package rtap

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a stream's ingestion loop.
type Status string

const (
	// StatusInactive means no active processing: either the stream was just
	// created or its ingestion task has exited.
	StatusInactive Status = "inactive"
	// StatusActive means the ingestion loop is connected and decoding.
	StatusActive Status = "active"
	// StatusError means the last connection attempt failed; the task may
	// still be retrying.
	StatusError Status = "error"
)

// defaultAnnotationTypes are the type collections every new stream starts
// with. Additional types are created on first use.
var defaultAnnotationTypes = []string{"transcript", "motion", "object", "custom"}

// Stream holds identity, configuration, lifecycle status, and the per-type
// annotation history for one media source.
//
// Status, last error, and annotations are written only by the stream's own
// ingestion task (or a request handler adding an annotation) and read
// concurrently by request handlers; all access goes through the mutex.
type Stream struct {
	Name        string
	URL         string
	Description string
	Parameters  map[string]string

	mu          sync.RWMutex
	status      Status
	lastError   string
	createdAt   time.Time
	updatedAt   time.Time
	annotations map[string][]*Annotation

	// maxPerType bounds each type's annotation list; 0 means unbounded.
	// When the bound is hit the oldest annotation is evicted.
	maxPerType int
}

// NewStream creates an inactive stream record.
func NewStream(name, url, description string, parameters map[string]string, maxAnnotationsPerType int) *Stream {
	if parameters == nil {
		parameters = map[string]string{}
	}
	now := time.Now().UTC()
	annotations := make(map[string][]*Annotation, len(defaultAnnotationTypes))
	for _, t := range defaultAnnotationTypes {
		annotations[t] = nil
	}
	return &Stream{
		Name:        name,
		URL:         url,
		Description: description,
		Parameters:  parameters,
		status:      StatusInactive,
		createdAt:   now,
		updatedAt:   now,
		annotations: annotations,
		maxPerType:  maxAnnotationsPerType,
	}
}

// Status returns the current lifecycle state.
func (s *Stream) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the most recent error message, or "" if the stream is
// healthy.
func (s *Stream) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// SetActive transitions the stream to active and clears the last error.
func (s *Stream) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusActive
	s.lastError = ""
	s.touchLocked()
}

// SetError transitions the stream to error and records the message.
func (s *Stream) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.lastError = msg
	s.touchLocked()
}

// SetInactive marks the stream inactive; called when the ingestion task's run
// loop exits.
func (s *Stream) SetInactive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusInactive
	s.touchLocked()
}

// touchLocked advances updatedAt monotonically. Caller must hold s.mu.
func (s *Stream) touchLocked() {
	now := time.Now().UTC()
	if !now.After(s.updatedAt) {
		now = s.updatedAt.Add(time.Nanosecond)
	}
	s.updatedAt = now
}

// AddAnnotation validates and appends an annotation to the type's collection,
// in arrival order. Returns ErrInvalidTimestamp for a malformed timestamp.
func (s *Stream) AddAnnotation(annotationType string, data map[string]any, timestamp string) (*Annotation, error) {
	a, err := NewAnnotation(annotationType, data, timestamp)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.annotations[annotationType], a)
	if s.maxPerType > 0 && len(list) > s.maxPerType {
		list = list[len(list)-s.maxPerType:]
	}
	s.annotations[annotationType] = list
	return a, nil
}

// GetAnnotations returns every annotation matching the filter, across all
// type collections, sorted by timestamp ascending.
func (s *Stream) GetAnnotations(filter Filter) []*Annotation {
	s.mu.RLock()
	var matched []*Annotation
	for _, list := range s.annotations {
		for _, a := range list {
			if filter.Matches(a) {
				matched = append(matched, a)
			}
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ts.Before(matched[j].ts)
	})
	return matched
}

// AnnotationCounts returns the number of stored annotations per type, used by
// the list view to summarize history without shipping every record.
func (s *Stream) AnnotationCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int, len(s.annotations))
	for t, list := range s.annotations {
		counts[t] = len(list)
	}
	return counts
}

// streamJSON is the wire representation of a stream.
type streamJSON struct {
	Name        string                   `json:"name"`
	URL         string                   `json:"url"`
	Description string                   `json:"description"`
	Parameters  map[string]string        `json:"parameters"`
	Status      Status                   `json:"status"`
	LastError   *string                  `json:"last_error"`
	CreatedAt   string                   `json:"created_at"`
	UpdatedAt   string                   `json:"updated_at"`
	Annotations map[string][]*Annotation `json:"annotations"`
}

// MarshalJSON renders the full stream representation, including all
// annotation collections, from a snapshot taken under the read lock.
func (s *Stream) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	var lastError *string
	if s.lastError != "" {
		msg := s.lastError
		lastError = &msg
	}
	annotations := make(map[string][]*Annotation, len(s.annotations))
	for t, list := range s.annotations {
		annotations[t] = append([]*Annotation(nil), list...)
	}
	view := streamJSON{
		Name:        s.Name,
		URL:         s.URL,
		Description: s.Description,
		Parameters:  s.Parameters,
		Status:      s.status,
		LastError:   lastError,
		CreatedAt:   s.createdAt.Format(time.RFC3339Nano),
		UpdatedAt:   s.updatedAt.Format(time.RFC3339Nano),
		Annotations: annotations,
	}
	s.mu.RUnlock()

	return json.Marshal(view)
}

// Summary returns the list-view representation: identity and status with
// annotation counts instead of annotation bodies.
func (s *Stream) Summary() map[string]any {
	s.mu.RLock()
	var lastError *string
	if s.lastError != "" {
		msg := s.lastError
		lastError = &msg
	}
	summary := map[string]any{
		"name":        s.Name,
		"url":         s.URL,
		"description": s.Description,
		"parameters":  s.Parameters,
		"status":      s.status,
		"last_error":  lastError,
		"created_at":  s.createdAt.Format(time.RFC3339Nano),
		"updated_at":  s.updatedAt.Format(time.RFC3339Nano),
	}
	s.mu.RUnlock()

	summary["annotations"] = s.AnnotationCounts()
	return summary
}
