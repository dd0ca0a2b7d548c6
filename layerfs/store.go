package layerfs

import (
	"fmt"
	"sync"
)

// Store is the arena of read-only layers. Layers are shared by reference
// across containers derived from the same image and are reference-counted:
// a layer's storage is released only when no image and no container view
// holds it. Containers hold digests, never direct layer references, so
// layer lifetime is independent of any single container.
type Store struct {
	mu     sync.Mutex
	layers map[Digest]*layerRef
}

type layerRef struct {
	layer *Layer
	refs  int
}

// NewStore creates an empty layer store.
func NewStore() *Store {
	return &Store{layers: make(map[Digest]*layerRef)}
}

// Add registers a layer and takes one reference on behalf of the caller
// (typically the image store). Adding an identical layer twice is
// deduplicated by content address.
func (s *Store) Add(l *Layer) Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := l.Digest()
	if ref, ok := s.layers[d]; ok {
		ref.refs++
		return d
	}
	s.layers[d] = &layerRef{layer: l, refs: 1}
	return d
}

// Acquire takes a reference on each digest and returns the layers in the
// given order. On any missing digest, references taken so far are rolled
// back and an error is returned.
func (s *Store) Acquire(digests []Digest) ([]*Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Layer, 0, len(digests))
	for i, d := range digests {
		ref, ok := s.layers[d]
		if !ok {
			for _, prev := range digests[:i] {
				s.releaseLocked(prev)
			}
			return nil, fmt.Errorf("unknown layer %s", d)
		}
		ref.refs++
		out = append(out, ref.layer)
	}
	return out, nil
}

// Release drops one reference per digest, freeing a layer once its count
// reaches zero. Unknown digests are ignored, which makes release
// idempotent for already-freed layers.
func (s *Store) Release(digests []Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range digests {
		s.releaseLocked(d)
	}
}

func (s *Store) releaseLocked(d Digest) {
	ref, ok := s.layers[d]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		delete(s.layers, d)
	}
}

// Refs reports the current reference count of a layer. Zero means the
// layer is not resident.
func (s *Store) Refs(d Digest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.layers[d]; ok {
		return ref.refs
	}
	return 0
}

// Len returns the number of resident layers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.layers)
}
