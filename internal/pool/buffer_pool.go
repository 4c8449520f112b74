package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// BufferPool manages reusable encode buffers.
// Pre-allocates buffers to avoid GC pressure when a batch re-encodes several images.
type BufferPool struct {
	pool      sync.Pool
	size      int
	allocated int32
	inUse     int32
	gets      int64
	misses    int64
}

// NewBufferPool creates a pool holding count buffers of the given initial capacity.
func NewBufferPool(count, size int) *BufferPool {
	if size <= 0 {
		size = 64 * 1024
	}
	bp := &BufferPool{size: size}

	bp.pool = sync.Pool{
		New: func() any {
			atomic.AddInt32(&bp.allocated, 1)
			atomic.AddInt64(&bp.misses, 1)
			return bytes.NewBuffer(make([]byte, 0, size))
		},
	}

	for range count {
		atomic.AddInt32(&bp.allocated, 1)
		bp.pool.Put(bytes.NewBuffer(make([]byte, 0, size)))
	}

	return bp
}

// Get returns an empty buffer.
func (bp *BufferPool) Get() *bytes.Buffer {
	atomic.AddInt32(&bp.inUse, 1)
	atomic.AddInt64(&bp.gets, 1)
	buf := bp.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool. Buffers that grew far beyond the
// configured size are dropped so one huge image does not pin memory.
func (bp *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	atomic.AddInt32(&bp.inUse, -1)
	if buf.Cap() > bp.size*8 {
		atomic.AddInt32(&bp.allocated, -1)
		return
	}
	buf.Reset()
	bp.pool.Put(buf)
}

// BufferPoolStats is a point-in-time view of pool counters.
type BufferPoolStats struct {
	Allocated int32
	InUse     int32
	Available int32
	Hits      int64
	Misses    int64
	HitRate   float64
}

// GetStats returns current statistics
func (bp *BufferPool) GetStats() BufferPoolStats {
	allocated := atomic.LoadInt32(&bp.allocated)
	inUse := atomic.LoadInt32(&bp.inUse)
	gets := atomic.LoadInt64(&bp.gets)
	misses := atomic.LoadInt64(&bp.misses)
	hits := max(gets-misses, 0)

	hitRate := 0.0
	if gets > 0 {
		hitRate = float64(hits) / float64(gets) * 100
	}

	return BufferPoolStats{
		Allocated: allocated,
		InUse:     inUse,
		Available: max(allocated-inUse, 0),
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate,
	}
}
