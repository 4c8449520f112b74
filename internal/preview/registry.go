// Package preview hands out revocable preview handles for queued images.
//
// A handle is acquired when an item is admitted and must be released when the
// item is removed or the queue is cleared. Thumbnails are rendered lazily on
// first request and dropped together with the handle.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// ErrReleased is returned when rendering a handle that was released or never existed.
var ErrReleased = errors.New("preview handle released")

// MediaType of rendered previews.
const MediaType = "image/jpeg"

type entry struct {
	source []byte
	once   sync.Once
	thumb  []byte
	err    error
}

// Registry owns preview handles for one session.
type Registry struct {
	size     int
	mu       sync.RWMutex
	entries  map[string]*entry
	acquired int64
	released int64
}

// NewRegistry creates a registry rendering thumbnails that fit size×size.
func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = 320
	}
	return &Registry{size: size, entries: make(map[string]*entry)}
}

// Acquire registers source bytes and returns a new handle.
func (r *Registry) Acquire(source []byte) string {
	handle := uuid.NewString()
	r.mu.Lock()
	r.entries[handle] = &entry{source: source}
	r.mu.Unlock()
	atomic.AddInt64(&r.acquired, 1)
	return handle
}

// Release drops the handle. Releasing an unknown handle is a no-op.
func (r *Registry) Release(handle string) bool {
	r.mu.Lock()
	_, ok := r.entries[handle]
	delete(r.entries, handle)
	r.mu.Unlock()
	if ok {
		atomic.AddInt64(&r.released, 1)
	}
	return ok
}

// ReleaseAll drops every handle and returns how many were live.
func (r *Registry) ReleaseAll() int {
	r.mu.Lock()
	n := len(r.entries)
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	atomic.AddInt64(&r.released, int64(n))
	return n
}

// Render returns the JPEG thumbnail for handle.
func (r *Registry) Render(handle string) ([]byte, error) {
	r.mu.RLock()
	e, ok := r.entries[handle]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrReleased
	}

	e.once.Do(func() {
		img, err := imaging.Decode(bytes.NewReader(e.source), imaging.AutoOrientation(true))
		if err != nil {
			e.err = fmt.Errorf("render preview: %w", err)
			return
		}
		thumb := imaging.Fit(img, r.size, r.size, imaging.Box)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(75)); err != nil {
			e.err = fmt.Errorf("render preview: %w", err)
			return
		}
		e.thumb = buf.Bytes()
	})
	return e.thumb, e.err
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats is a snapshot of handle accounting.
type Stats struct {
	Live     int
	Acquired int64
	Released int64
}

// GetStats returns current statistics
func (r *Registry) GetStats() Stats {
	return Stats{
		Live:     r.Len(),
		Acquired: atomic.LoadInt64(&r.acquired),
		Released: atomic.LoadInt64(&r.released),
	}
}
