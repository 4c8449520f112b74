package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor/internal/preview"
	"image-compressor/internal/services"
)

func imageSource(name string) services.Source {
	return services.Source{Name: name, MediaType: "image/jpeg", Data: []byte("fake-jpeg-" + name)}
}

func imageSources(n int) []services.Source {
	out := make([]services.Source, n)
	for i := range out {
		out[i] = imageSource(fmt.Sprintf("img%d.jpg", i))
	}
	return out
}

func assertInvariants(t *testing.T, items []Item) {
	t.Helper()
	for _, it := range items {
		switch it.Status {
		case StatusCompleted:
			assert.NotNil(t, it.Result, it.ID)
			assert.Empty(t, it.Error, it.ID)
			assert.Equal(t, 100, it.Progress, it.ID)
		case StatusFailed:
			assert.Nil(t, it.Result, it.ID)
			assert.NotEmpty(t, it.Error, it.ID)
			assert.Equal(t, 0, it.Progress, it.ID)
		case StatusPending, StatusProcessing:
			assert.Nil(t, it.Result, it.ID)
			assert.Empty(t, it.Error, it.ID)
		default:
			t.Errorf("unknown status %q", it.Status)
		}
		assert.GreaterOrEqual(t, it.Progress, 0)
		assert.LessOrEqual(t, it.Progress, 100)
	}
}

func TestQuotaPolicyAdmit(t *testing.T) {
	q := QuotaPolicy{FreeLimit: 3}

	tests := []struct {
		name       string
		candidates int
		used       int
		privileged bool
		want       int
		wantErr    bool
	}{
		{"fits", 2, 0, false, 2, false},
		{"truncated to remaining", 5, 0, false, 3, false},
		{"partially used", 4, 2, false, 1, false},
		{"at cap", 1, 3, false, 0, true},
		{"privileged unlimited", 50, 3, true, 50, false},
		{"nothing to admit at cap", 0, 3, false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := q.Admit(tt.candidates, tt.used, tt.privileged)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrQuotaExceeded)
				var qe *QuotaExceededError
				require.ErrorAs(t, err, &qe)
				assert.Equal(t, 3, qe.Limit)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, -1, q.Remaining(10, true))
	assert.Equal(t, 0, q.Remaining(10, false))
	assert.Equal(t, 2, q.Remaining(1, false))
}

func TestStoreAddTruncatesForFreeTier(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 3})

	adm, err := s.Add(imageSources(5), false)
	require.NoError(t, err)

	assert.Len(t, adm.Added, 3)
	assert.Len(t, adm.OverQuota, 2)
	assert.Equal(t, "img3.jpg", adm.OverQuota[0].Name)
	assert.Equal(t, 0, adm.Remaining)
	assert.Equal(t, 3, s.Stats().Total)

	// Insertion order is preserved.
	items := s.Items()
	for i, it := range items {
		assert.Equal(t, fmt.Sprintf("img%d.jpg", i), it.Source.Name)
		assert.Equal(t, StatusPending, it.Status)
		assert.Equal(t, 0, it.Progress)
		assert.NotEmpty(t, it.ID)
	}
	assertInvariants(t, items)
}

func TestStoreAddAtCapFailsWithoutMutation(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 3})
	_, err := s.Add(imageSources(3), false)
	require.NoError(t, err)

	adm, err := s.Add(imageSources(1), false)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Empty(t, adm.Added)
	assert.Equal(t, 3, s.Stats().Total)
	assert.Equal(t, 3, s.Admitted())
}

func TestStoreQuotaCountsLifetimeAdmissions(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 3})
	adm, err := s.Add(imageSources(3), false)
	require.NoError(t, err)

	s.Remove(adm.Added[0].ID)
	s.Clear()

	_, err = s.Add(imageSources(1), false)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 0, s.Remaining(false))
	assert.Equal(t, -1, s.Remaining(true))
}

func TestStoreAddPrivilegedIsUnlimited(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 3})

	adm, err := s.Add(imageSources(10), true)
	require.NoError(t, err)
	assert.Len(t, adm.Added, 10)
	assert.Empty(t, adm.OverQuota)
	assert.Equal(t, -1, adm.Remaining)
	assert.Equal(t, 10, s.Stats().Total)
}

func TestStoreAddRejectsInvalidCandidates(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 3}, WithMaxFileSize(16))

	candidates := []services.Source{
		{Name: "notes.txt", MediaType: "text/plain", Data: []byte("hello")},
		{Name: "empty.jpg", MediaType: "image/jpeg"},
		{Name: "huge.jpg", MediaType: "image/jpeg", Data: make([]byte, 17)},
		{Name: "ok.jpg", MediaType: "image/jpeg", Data: []byte("small")},
	}

	adm, err := s.Add(candidates, false)
	require.NoError(t, err)
	require.Len(t, adm.Added, 1)
	assert.Equal(t, "ok.jpg", adm.Added[0].Source.Name)

	require.Len(t, adm.Invalid, 3)
	assert.Equal(t, "notes.txt", adm.Invalid[0].Name)
	assert.Contains(t, adm.Invalid[0].Reason, "not an image")
	assert.Equal(t, "empty.jpg", adm.Invalid[1].Name)
	assert.Contains(t, adm.Invalid[2].Reason, "maximum size")

	// Invalid candidates do not consume quota.
	assert.Equal(t, 1, s.Admitted())
}

func TestStoreTransitions(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 10})
	adm, err := s.Add(imageSources(2), false)
	require.NoError(t, err)
	a, b := adm.Added[0].ID, adm.Added[1].ID

	// No transition skips processing.
	assert.False(t, s.Complete(a, &services.CompressedOutput{}))
	assert.False(t, s.Fail(a, "nope"))
	assert.False(t, s.AdvanceProgress(a, 10, 90))

	require.True(t, s.MarkProcessing(a, 10))
	assert.False(t, s.MarkProcessing(a, 10))
	assert.True(t, s.AdvanceProgress(a, 50, 90))
	assert.True(t, s.AdvanceProgress(a, 50, 90))
	assert.False(t, s.AdvanceProgress(a, 50, 90))
	it, _ := s.Get(a)
	assert.Equal(t, 90, it.Progress)

	require.True(t, s.Complete(a, &services.CompressedOutput{OriginalSize: 10, CompressedSize: 5}))
	// A late tick cannot touch a terminal item.
	assert.False(t, s.AdvanceProgress(a, 10, 90))
	it, _ = s.Get(a)
	assert.Equal(t, StatusCompleted, it.Status)
	assert.Equal(t, 100, it.Progress)

	require.True(t, s.MarkProcessing(b, 10))
	require.True(t, s.Fail(b, ""))
	it, _ = s.Get(b)
	assert.Equal(t, StatusFailed, it.Status)
	assert.Equal(t, "Compression failed", it.Error)

	assert.Equal(t, 1, s.ResetFailed())
	it, _ = s.Get(b)
	assert.Equal(t, StatusPending, it.Status)
	assert.Empty(t, it.Error)

	assertInvariants(t, s.Items())
}

func TestStoreWritesToRemovedIDsAreNoops(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 10})
	adm, err := s.Add(imageSources(2), false)
	require.NoError(t, err)
	id := adm.Added[0].ID

	require.True(t, s.MarkProcessing(id, 10))
	assert.True(t, s.Remove(id))
	assert.False(t, s.Remove(id))
	assert.False(t, s.Remove("does-not-exist"))

	assert.False(t, s.AdvanceProgress(id, 10, 90))
	assert.False(t, s.Complete(id, &services.CompressedOutput{}))
	assert.False(t, s.Fail(id, "late"))

	_, ok := s.Get(id)
	assert.False(t, ok)
	assert.Equal(t, Stats{Pending: 1, Total: 1}, s.Stats())
}

func TestStoreSelection(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 10})
	adm, err := s.Add(imageSources(4), false)
	require.NoError(t, err)

	sel, ok := s.ToggleSelected(adm.Added[1].ID)
	require.True(t, ok)
	assert.True(t, sel)
	_, ok = s.ToggleSelected("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Stats().Selected)

	assert.Equal(t, 3, s.SelectAll(true))
	assert.Equal(t, 4, s.Stats().Selected)
	assert.Equal(t, 4, s.SelectAll(false))

	s.ToggleSelected(adm.Added[0].ID)
	s.ToggleSelected(adm.Added[2].ID)
	assert.Equal(t, 2, s.RemoveSelected())

	items := s.Items()
	require.Len(t, items, 2)
	assert.Equal(t, adm.Added[1].ID, items[0].ID)
	assert.Equal(t, adm.Added[3].ID, items[1].ID)
}

func TestStoreReleasesPreviews(t *testing.T) {
	previews := preview.NewRegistry(16)
	s := NewStore(QuotaPolicy{FreeLimit: 10}, WithPreviews(previews))

	adm, err := s.Add(imageSources(3), false)
	require.NoError(t, err)
	assert.Equal(t, 3, previews.Len())
	for _, it := range adm.Added {
		assert.NotEmpty(t, it.Preview)
	}

	s.Remove(adm.Added[0].ID)
	assert.Equal(t, 2, previews.Len())

	s.ToggleSelected(adm.Added[1].ID)
	s.RemoveSelected()
	assert.Equal(t, 1, previews.Len())

	assert.Equal(t, 1, s.Clear())
	assert.Equal(t, 0, previews.Len())
	assert.Empty(t, s.Items())
}

func TestStoreResult(t *testing.T) {
	s := NewStore(QuotaPolicy{FreeLimit: 10})
	adm, err := s.Add(imageSources(1), false)
	require.NoError(t, err)
	id := adm.Added[0].ID

	_, err = s.Result("missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, err = s.Result(id)
	assert.ErrorIs(t, err, ErrNotCompleted)

	out := &services.CompressedOutput{Name: "img0_compressed.jpg"}
	s.MarkProcessing(id, 10)
	s.Complete(id, out)
	got, err := s.Result(id)
	require.NoError(t, err)
	assert.Same(t, out, got)
}

func TestComputeTotals(t *testing.T) {
	items := []Item{
		{Status: StatusCompleted, Result: &services.CompressedOutput{OriginalSize: 1000, CompressedSize: 250}},
		{Status: StatusCompleted, Result: &services.CompressedOutput{OriginalSize: 1000, CompressedSize: 750}},
		{Status: StatusFailed, Error: "x"},
		{Status: StatusPending},
	}

	totals := ComputeTotals(items)
	assert.Equal(t, 2, totals.Completed)
	assert.Equal(t, int64(2000), totals.OriginalBytes)
	assert.Equal(t, int64(1000), totals.CompressedBytes)
	assert.Equal(t, int64(1000), totals.SavedBytes)
	assert.InDelta(t, 50.0, totals.SavedPercent, 1e-9)
	assert.Equal(t, "2 images: 2.0 kB -> 1.0 kB, saved 1.0 kB (50.0%)", totals.String())

	grown := ComputeTotals([]Item{{Status: StatusCompleted, Result: &services.CompressedOutput{OriginalSize: 1000, CompressedSize: 3000}}})
	assert.Equal(t, int64(-2000), grown.SavedBytes)
	assert.Contains(t, grown.String(), "saved -2.0 kB")
}
