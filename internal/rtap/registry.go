package rtap

import (
	"errors"
	"sync"
)

var (
	// ErrStreamExists is returned when adding a stream whose name is taken.
	ErrStreamExists = errors.New("stream already exists")

	// ErrStreamNotFound is returned when looking up an unknown stream.
	ErrStreamNotFound = errors.New("stream not found")
)

// Store is the persistence abstraction for stream records. Implementations
// can be in-memory, file-based, or remote; the Registry does all locking, so
// a Store only needs single-threaded map semantics.
type Store interface {
	GetStream(name string) (*Stream, bool)
	SetStream(s *Stream)
	ListStreams() []*Stream
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	streams map[string]*Stream
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{streams: make(map[string]*Stream)}
}

// GetStream implements Store.GetStream.
func (s *InMemoryStore) GetStream(name string) (*Stream, bool) {
	st, ok := s.streams[name]
	return st, ok
}

// SetStream implements Store.SetStream.
func (s *InMemoryStore) SetStream(st *Stream) {
	s.streams[st.Name] = st
}

// ListStreams implements Store.ListStreams.
func (s *InMemoryStore) ListStreams() []*Stream {
	out := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out
}

// Registry owns the name -> stream mapping and enforces name uniqueness.
// There is no remove operation; streams live until process teardown.
type Registry struct {
	mu    sync.RWMutex
	store Store

	// maxAnnotationsPerType is passed to every stream it creates.
	maxAnnotationsPerType int
}

// NewRegistry constructs a registry with a default in-memory store.
// maxAnnotationsPerType bounds each stream's per-type annotation history;
// 0 means unbounded.
func NewRegistry(maxAnnotationsPerType int) *Registry {
	return NewRegistryWithStore(NewInMemoryStore(), maxAnnotationsPerType)
}

// NewRegistryWithStore constructs a registry that uses the given Store.
func NewRegistryWithStore(store Store, maxAnnotationsPerType int) *Registry {
	return &Registry{store: store, maxAnnotationsPerType: maxAnnotationsPerType}
}

// Add creates and registers a new stream record. The uniqueness check and the
// insert happen under one lock, so two concurrent adds of the same name
// cannot both succeed. Returns ErrStreamExists if the name is taken.
func (r *Registry) Add(name, url, description string, parameters map[string]string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetStream(name); exists {
		return nil, ErrStreamExists
	}

	stream := NewStream(name, url, description, parameters, r.maxAnnotationsPerType)
	r.store.SetStream(stream)
	return stream, nil
}

// Get returns the stream record for name, or ErrStreamNotFound.
func (r *Registry) Get(name string) (*Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, ok := r.store.GetStream(name)
	if !ok {
		return nil, ErrStreamNotFound
	}
	return stream, nil
}

// List returns a snapshot mapping of all registered streams.
func (r *Registry) List() map[string]*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Stream)
	for _, stream := range r.store.ListStreams() {
		out[stream.Name] = stream
	}
	return out
}

// ActiveCount returns the number of streams currently in the active state.
// Used for metrics.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	streams := r.store.ListStreams()
	r.mu.RUnlock()

	n := 0
	for _, stream := range streams {
		if stream.Status() == StatusActive {
			n++
		}
	}
	return n
}
