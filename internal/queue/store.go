package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"image-compressor/internal/services"
)

// PreviewProvider hands out preview handles for admitted sources.
type PreviewProvider interface {
	Acquire(source []byte) string
	Release(handle string) bool
}

// Store is the ordered collection of queue items for one session. It is
// the single point of mutation: every transition is a read-modify-write
// under the store lock keyed by item id, and writes to absent ids are no-ops.
type Store struct {
	mu          sync.RWMutex
	items       []*Item
	index       map[string]*Item
	admitted    int
	quota       QuotaPolicy
	maxFileSize int64
	previews    PreviewProvider
	logger      *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPreviews acquires a preview handle per admitted item.
func WithPreviews(p PreviewProvider) StoreOption {
	return func(s *Store) { s.previews = p }
}

// WithMaxFileSize rejects candidates larger than n bytes at admission.
func WithMaxFileSize(n int64) StoreOption {
	return func(s *Store) { s.maxFileSize = n }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store.
func NewStore(quota QuotaPolicy, opts ...StoreOption) *Store {
	s := &Store{
		index:  make(map[string]*Item),
		quota:  quota,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rejection names a candidate that was not admitted and why.
type Rejection struct {
	Name   string
	Reason string
}

// Admission reports the outcome of Add.
type Admission struct {
	Added     []Item
	Invalid   []Rejection // failed validation; never entered the queue
	OverQuota []Rejection // valid but beyond the remaining free slots
	Remaining int         // free slots left after this admission, -1 when unlimited
}

// Add validates candidates and admits them in the given order. Candidates
// that are not images, are empty or exceed the size limit are reported in
// Invalid. If a non-privileged caller has no slot left, Add returns a
// *QuotaExceededError and leaves the store untouched; otherwise excess
// candidates are reported in OverQuota.
func (s *Store) Add(candidates []services.Source, privileged bool) (Admission, error) {
	var adm Admission
	valid := make([]services.Source, 0, len(candidates))
	for _, c := range candidates {
		if reason := s.validate(c); reason != "" {
			adm.Invalid = append(adm.Invalid, Rejection{Name: c.Name, Reason: reason})
			continue
		}
		valid = append(valid, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.quota.Admit(len(valid), s.admitted, privileged)
	if err != nil {
		adm.Remaining = s.quota.Remaining(s.admitted, privileged)
		return adm, err
	}

	now := time.Now()
	for _, src := range valid[:n] {
		item := &Item{
			ID:       uuid.NewString(),
			Source:   src,
			Status:   StatusPending,
			Progress: 0,
			AddedAt:  now,
		}
		if s.previews != nil {
			item.Preview = s.previews.Acquire(src.Data)
		}
		s.items = append(s.items, item)
		s.index[item.ID] = item
		adm.Added = append(adm.Added, *item)
	}
	for _, src := range valid[n:] {
		adm.OverQuota = append(adm.OverQuota, Rejection{
			Name:   src.Name,
			Reason: fmt.Sprintf("free users can only compress %d images total", s.quota.FreeLimit),
		})
	}
	s.admitted += n
	adm.Remaining = s.quota.Remaining(s.admitted, privileged)

	if len(adm.Added) > 0 || len(adm.OverQuota) > 0 {
		s.logger.Debug("queue admission",
			"added", len(adm.Added),
			"invalid", len(adm.Invalid),
			"over_quota", len(adm.OverQuota),
			"privileged", privileged)
	}
	return adm, nil
}

func (s *Store) validate(c services.Source) string {
	switch {
	case len(c.Data) == 0:
		return "file is empty"
	case !c.IsImage():
		return fmt.Sprintf("%s is not an image", c.Name)
	case s.maxFileSize > 0 && c.Size() > s.maxFileSize:
		return fmt.Sprintf("%s exceeds the maximum size of %d bytes", c.Name, s.maxFileSize)
	}
	return ""
}

// Remove deletes an item in any state. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Store) removeLocked(id string) bool {
	item, ok := s.index[id]
	if !ok {
		return false
	}
	delete(s.index, id)
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	s.release(item)
	return true
}

// RemoveSelected deletes every selected item and returns how many went.
func (s *Store) RemoveSelected() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.items[:0]
	removed := 0
	for _, item := range s.items {
		if item.Selected {
			delete(s.index, item.ID)
			s.release(item)
			removed++
			continue
		}
		kept = append(kept, item)
	}
	clear(s.items[len(kept):])
	s.items = kept
	return removed
}

// Clear empties the queue, releasing every preview. Admission history is kept.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	for _, item := range s.items {
		s.release(item)
	}
	s.items = nil
	s.index = make(map[string]*Item)
	return n
}

func (s *Store) release(item *Item) {
	if s.previews != nil && item.Preview != "" {
		s.previews.Release(item.Preview)
	}
}

// MarkProcessing moves a pending item to processing with an initial progress.
func (s *Store) MarkProcessing(id string, progress int) bool {
	return s.update(id, func(item *Item) bool {
		if item.Status != StatusPending {
			return false
		}
		item.Status = StatusProcessing
		item.Progress = progress
		return true
	})
}

// AdvanceProgress adds step to a processing item's progress, never past limit.
func (s *Store) AdvanceProgress(id string, step, limit int) bool {
	return s.update(id, func(item *Item) bool {
		if item.Status != StatusProcessing || item.Progress >= limit {
			return false
		}
		item.Progress = min(item.Progress+step, limit)
		return true
	})
}

// Complete attaches the result to a processing item.
func (s *Store) Complete(id string, result *services.CompressedOutput) bool {
	return s.update(id, func(item *Item) bool {
		if item.Status != StatusProcessing || result == nil {
			return false
		}
		item.Status = StatusCompleted
		item.Progress = 100
		item.Result = result
		item.Error = ""
		return true
	})
}

// Fail records the error message on a processing item.
func (s *Store) Fail(id, message string) bool {
	return s.update(id, func(item *Item) bool {
		if item.Status != StatusProcessing {
			return false
		}
		if message == "" {
			message = "Compression failed"
		}
		item.Status = StatusFailed
		item.Progress = 0
		item.Result = nil
		item.Error = message
		return true
	})
}

// ResetFailed moves every failed item back to pending and returns the count.
func (s *Store) ResetFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.items {
		if item.Status == StatusFailed {
			item.Status = StatusPending
			item.Progress = 0
			item.Error = ""
			n++
		}
	}
	return n
}

func (s *Store) update(id string, fn func(*Item) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index[id]
	if !ok {
		return false
	}
	return fn(item)
}

// ToggleSelected flips the selection flag and returns the new value.
func (s *Store) ToggleSelected(id string) (selected, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index[id]
	if !ok {
		return false, false
	}
	item.Selected = !item.Selected
	return item.Selected, true
}

// SelectAll sets the selection flag on every item and returns how many changed.
func (s *Store) SelectAll(selected bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, item := range s.items {
		if item.Selected != selected {
			item.Selected = selected
			changed++
		}
	}
	return changed
}

// Get returns a snapshot of one item.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.index[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Result returns the compressed output of a completed item.
func (s *Store) Result(id string) (*services.CompressedOutput, error) {
	item, ok := s.Get(id)
	if !ok {
		return nil, ErrItemNotFound
	}
	if item.Status != StatusCompleted {
		return nil, ErrNotCompleted
	}
	return item.Result, nil
}

// Items returns snapshots of all items in insertion order.
func (s *Store) Items() []Item {
	return s.Filter(nil)
}

// Pending returns snapshots of the items currently pending.
func (s *Store) Pending() []Item {
	return s.Filter(func(it Item) bool { return it.Status == StatusPending })
}

// Filter returns snapshots of the items accepted by keep, in insertion order.
// A nil keep accepts everything.
func (s *Store) Filter(keep func(Item) bool) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		if keep == nil || keep(*item) {
			out = append(out, *item)
		}
	}
	return out
}

// Stats is a point-in-time count of items per state.
type Stats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Selected   int
	Total      int
}

// Stats recomputes the counts with a full scan.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Total: len(s.items)}
	for _, item := range s.items {
		switch item.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
		if item.Selected {
			st.Selected++
		}
	}
	return st
}

// Admitted returns how many items were ever admitted to this store.
func (s *Store) Admitted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admitted
}

// FreeLimit returns the cap applied to non-privileged callers.
func (s *Store) FreeLimit() int {
	return s.quota.FreeLimit
}

// Remaining returns the free slots left for the caller, -1 when unlimited.
func (s *Store) Remaining(privileged bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota.Remaining(s.admitted, privileged)
}
