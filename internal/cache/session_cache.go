package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"image-compressor/internal/preview"
	"image-compressor/internal/queue"
	"image-compressor/internal/services"
)

// Session is one user's queue: its store, scheduler and preview handles.
type Session struct {
	ID        string
	Store     *queue.Store
	Scheduler *queue.Scheduler
	Previews  *preview.Registry
	CreatedAt time.Time

	mu          sync.RWMutex
	autoProcess bool
	autoOptions services.CompressionOptions
}

// SetAutoProcess turns automatic runs on admission on or off. opts are the
// options those runs use.
func (s *Session) SetAutoProcess(enabled bool, opts services.CompressionOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoProcess = enabled
	s.autoOptions = opts
}

// AutoProcess returns the automatic run options and whether automatic runs are on.
func (s *Session) AutoProcess() (services.CompressionOptions, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoOptions, s.autoProcess
}

// SessionFactory builds the components of a new session.
type SessionFactory func(id string) *Session

// SessionCache keeps sessions alive while they are used and tears them down
// after SessionTTL of inactivity. Every Get extends the session's lifetime.
type SessionCache struct {
	sessions *ttlcache.Cache[string, *Session]
	factory  SessionFactory
	ttl      time.Duration
	logger   *slog.Logger
}

// CacheStats tracks session cache activity
type CacheStats struct {
	Sessions   int           `json:"sessions"`
	Insertions uint64        `json:"insertions"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Evictions  uint64        `json:"evictions"`
	HitRate    string        `json:"hit_rate"`
	TTL        time.Duration `json:"ttl"`
}

// NewSessionCache creates the cache and starts its expiry loop.
func NewSessionCache(ttl time.Duration, factory SessionFactory, logger *slog.Logger) *SessionCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	sc := &SessionCache{
		sessions: ttlcache.New(
			ttlcache.WithTTL[string, *Session](ttl),
		),
		factory: factory,
		ttl:     ttl,
		logger:  logger,
	}
	sc.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		sc.teardown(item.Value(), reason)
	})
	go sc.sessions.Start()

	logger.Info("💾 session cache initialized", "ttl", ttl)
	return sc
}

// teardown releases everything the session holds. A run still in flight
// finds its items gone and records them as dropped.
func (sc *SessionCache) teardown(s *Session, reason ttlcache.EvictionReason) {
	if s == nil {
		return
	}
	removed := s.Store.Clear()
	released := s.Previews.ReleaseAll()
	s.Scheduler.ResetProgress()

	sc.logger.Info("🗑️  session closed",
		"session", s.ID,
		"reason", evictionReason(reason),
		"items", removed,
		"previews", released,
		"age", time.Since(s.CreatedAt).Round(time.Second))
}

func evictionReason(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonDeleted:
		return "deleted"
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	default:
		return fmt.Sprintf("reason-%d", r)
	}
}

// Create opens a new session with a fresh id.
func (sc *SessionCache) Create() *Session {
	id := uuid.NewString()
	s := sc.factory(id)
	s.ID = id
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	sc.sessions.Set(id, s, ttlcache.DefaultTTL)
	sc.logger.Debug("session opened", "session", id)
	return s
}

// Get returns a live session and extends its lifetime.
func (sc *SessionCache) Get(id string) (*Session, bool) {
	item := sc.sessions.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Delete closes a session. Closing an unknown session is a no-op.
func (sc *SessionCache) Delete(id string) bool {
	if !sc.sessions.Has(id) {
		return false
	}
	sc.sessions.Delete(id)
	return true
}

// Len returns the number of live sessions.
func (sc *SessionCache) Len() int {
	return sc.sessions.Len()
}

// GetStats returns cache statistics
func (sc *SessionCache) GetStats() CacheStats {
	m := sc.sessions.Metrics()
	hitRate := 0.0
	if total := m.Hits + m.Misses; total > 0 {
		hitRate = float64(m.Hits) / float64(total) * 100
	}
	return CacheStats{
		Sessions:   sc.sessions.Len(),
		Insertions: m.Insertions,
		Hits:       m.Hits,
		Misses:     m.Misses,
		Evictions:  m.Evictions,
		HitRate:    fmt.Sprintf("%.2f%%", hitRate),
		TTL:        sc.ttl,
	}
}

// Stop closes every session and stops the expiry loop.
func (sc *SessionCache) Stop() {
	sc.sessions.DeleteAll()
	sc.sessions.Stop()
	sc.logger.Info("🛑 session cache stopped")
}
