// Package queue holds the per-session compression queue: the item store,
// the free-tier quota policy and the batch scheduler that drives items
// through the codec.
package queue

import (
	"errors"
	"fmt"
	"time"

	"image-compressor/internal/services"
)

// Status is the lifecycle state of a queue item.
//
//	pending -> processing -> completed
//	                      -> failed -> pending (retry)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is one unit of compression work. Values returned by the Store are
// snapshots; mutate items only through Store methods.
type Item struct {
	ID       string
	Source   services.Source
	Preview  string // preview handle, empty when the store has no preview provider
	Status   Status
	Progress int
	Selected bool
	Result   *services.CompressedOutput // set iff Status == StatusCompleted
	Error    string                     // set iff Status == StatusFailed
	AddedAt  time.Time
}

var (
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrAlreadyRunning = errors.New("a compression run is already in progress")
	ErrItemNotFound   = errors.New("queue item not found")
	ErrNotCompleted   = errors.New("queue item has no result yet")
)

// QuotaExceededError is returned when a non-privileged caller is already at the cap.
type QuotaExceededError struct {
	Limit int
	Used  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("free users can only compress %d images total (%d used); upgrade for unlimited compression", e.Limit, e.Used)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }
