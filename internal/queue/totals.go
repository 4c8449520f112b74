package queue

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Totals aggregates completed results for display.
type Totals struct {
	Completed       int
	OriginalBytes   int64
	CompressedBytes int64
	SavedBytes      int64
	SavedPercent    float64
}

// String renders the totals for humans, e.g. "3 images: 4.2 MB -> 1.1 MB, saved 3.1 MB (73.8%)".
func (t Totals) String() string {
	return fmt.Sprintf("%d images: %s -> %s, saved %s (%.1f%%)",
		t.Completed,
		humanize.Bytes(uint64(t.OriginalBytes)),
		humanize.Bytes(uint64(t.CompressedBytes)),
		HumanBytes(t.SavedBytes),
		t.SavedPercent)
}

// HumanBytes formats a signed byte count, e.g. "1.2 MB" or "-340 B".
func HumanBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}

// ComputeTotals sums completed items; other statuses are ignored.
func ComputeTotals(items []Item) Totals {
	var t Totals
	for _, item := range items {
		if item.Status != StatusCompleted || item.Result == nil {
			continue
		}
		t.Completed++
		t.OriginalBytes += item.Result.OriginalSize
		t.CompressedBytes += item.Result.CompressedSize
	}
	t.SavedBytes = t.OriginalBytes - t.CompressedBytes
	if t.OriginalBytes > 0 {
		t.SavedPercent = float64(t.SavedBytes) / float64(t.OriginalBytes) * 100
	}
	return t
}

// Totals sums the completed items currently in the store.
func (s *Store) Totals() Totals {
	return ComputeTotals(s.Items())
}
