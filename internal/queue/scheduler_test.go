package queue

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor/internal/pool"
	"image-compressor/internal/services"
)

// fakeCodec records call order and concurrency and fails chosen names.
type fakeCodec struct {
	delay time.Duration
	hook  func(name string)

	mu     sync.Mutex
	events []string
	fail   map[string]error
	calls  map[string]int

	inFlight int32
	peak     int32
}

func newFakeCodec(delay time.Duration) *fakeCodec {
	return &fakeCodec{delay: delay, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeCodec) setFail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, name)
		return
	}
	f.fail[name] = err
}

func (f *fakeCodec) record(event string) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeCodec) Compress(_ context.Context, src services.Source, _ services.CompressionOptions) (*services.CompressedOutput, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		old := atomic.LoadInt32(&f.peak)
		if n <= old || atomic.CompareAndSwapInt32(&f.peak, old, n) {
			break
		}
	}
	f.record("start:" + src.Name)
	if f.hook != nil {
		f.hook(src.Name)
	}
	time.Sleep(f.delay)
	atomic.AddInt32(&f.inFlight, -1)
	f.record("end:" + src.Name)

	f.mu.Lock()
	f.calls[src.Name]++
	err := f.fail[src.Name]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	size := src.Size() / 2
	return &services.CompressedOutput{
		Data:             src.Data[:size],
		Name:             services.CompressedName(src.Name, services.FormatJPEG),
		MediaType:        "image/jpeg",
		OriginalSize:     src.Size(),
		CompressedSize:   size,
		CompressionRatio: services.CompressionRatio(src.Size(), size),
	}, nil
}

func (f *fakeCodec) indexOf(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Index(f.events, event)
}

func (f *fakeCodec) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

var testOpts = services.CompressionOptions{Quality: 0.8}

func newTestScheduler(t *testing.T, store *Store, codec Compressor, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	opts = append([]SchedulerOption{WithProgressConfig(ProgressConfig{Tick: time.Millisecond, Start: 10, Step: 10, Cap: 90})}, opts...)
	return NewScheduler(store, codec, pool.NewWorkerPool(3), opts...)
}

func TestSchedulerRunsGroupsWithBarrier(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(4), false)
	require.NoError(t, err)

	codec := newFakeCodec(20 * time.Millisecond)
	sched := newTestScheduler(t, store, codec)

	summary, err := sched.Run(context.Background(), testOpts)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 4, summary.Completed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, "4 files compressed successfully.", summary.Message())
	assert.LessOrEqual(t, atomic.LoadInt32(&codec.peak), int32(3))

	// The fourth item starts only after the whole first group ended.
	fourth := codec.indexOf("start:img3.jpg")
	require.NotEqual(t, -1, fourth)
	for _, name := range []string{"img0.jpg", "img1.jpg", "img2.jpg"} {
		end := codec.indexOf("end:" + name)
		require.NotEqual(t, -1, end)
		assert.Less(t, end, fourth, name)
	}

	stats := store.Stats()
	assert.Equal(t, 4, stats.Completed+stats.Failed)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 100.0, sched.Progress())
	assert.False(t, sched.IsProcessing())
	assertInvariants(t, store.Items())
}

func TestSchedulerIsolatesFailures(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(3), false)
	require.NoError(t, err)

	codec := newFakeCodec(time.Millisecond)
	codec.setFail("img1.jpg", &services.CodecError{Op: "decode", Kind: services.ErrDecode, Name: "img1.jpg", Err: errors.New("bad header")})
	sched := newTestScheduler(t, store, codec)

	summary, err := sched.Run(context.Background(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "2 files compressed successfully, 1 failed.", summary.Message())

	items := store.Items()
	assert.Equal(t, StatusCompleted, items[0].Status)
	assert.Equal(t, StatusFailed, items[1].Status)
	assert.Contains(t, items[1].Error, "bad header")
	assert.Equal(t, 0, items[1].Progress)
	assert.Equal(t, StatusCompleted, items[2].Status)
	assertInvariants(t, items)
}

func TestSchedulerMalformedImageWithRealCodec(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 20))))

	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add([]services.Source{
		{Name: "good1.png", MediaType: "image/png", Data: buf.Bytes()},
		{Name: "broken.jpg", MediaType: "image/jpeg", Data: []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}},
		{Name: "good2.png", MediaType: "image/png", Data: buf.Bytes()},
	}, false)
	require.NoError(t, err)

	sched := newTestScheduler(t, store, services.NewImageCompressor(nil))
	summary, err := sched.Run(context.Background(), services.CompressionOptions{Quality: 0.6, MaxWidth: 20, MaxHeight: 20})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)

	items := store.Items()
	assert.Equal(t, StatusFailed, items[1].Status)
	assert.Contains(t, items[1].Error, "decode")
	assert.Equal(t, 0, items[1].Progress)
	for _, i := range []int{0, 2} {
		require.Equal(t, StatusCompleted, items[i].Status)
		assert.Equal(t, 20, items[i].Result.Width)
		assert.Equal(t, 10, items[i].Result.Height)
	}
	assertInvariants(t, items)
}

func TestSchedulerRunWithNothingPendingIsNoop(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	codec := newFakeCodec(0)
	sched := newTestScheduler(t, store, codec)

	summary, err := sched.Run(context.Background(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)

	_, err = store.Add(imageSources(2), false)
	require.NoError(t, err)
	_, err = sched.Run(context.Background(), testOpts)
	require.NoError(t, err)

	// Completed items are never reprocessed.
	summary, err = sched.Run(context.Background(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 1, codec.callCount("img0.jpg"))
	assert.Equal(t, 1, codec.callCount("img1.jpg"))
}

func TestSchedulerRetryFailed(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(3), false)
	require.NoError(t, err)

	codec := newFakeCodec(time.Millisecond)
	codec.setFail("img0.jpg", errors.New("transient"))
	codec.setFail("img2.jpg", errors.New("permanent"))
	sched := newTestScheduler(t, store, codec)

	summary, err := sched.RetryFailed(context.Background(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary, "nothing failed yet")

	_, err = sched.Run(context.Background(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Stats().Failed)

	codec.setFail("img0.jpg", nil)
	summary, err = sched.RetryFailed(context.Background(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Failed)

	stats := store.Stats()
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, codec.callCount("img1.jpg"))
	assertInvariants(t, store.Items())

	// Unknown (non-codec) errors are wrapped as generic compression failures.
	items := store.Items()
	assert.Contains(t, items[2].Error, services.ErrCompressionFailed.Error())
}

func TestSchedulerRemovalMidFlight(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	adm, err := store.Add(imageSources(3), false)
	require.NoError(t, err)
	victim := adm.Added[1].ID

	started := make(chan struct{})
	gate := make(chan struct{})
	codec := newFakeCodec(0)
	codec.hook = func(name string) {
		if name == "img1.jpg" {
			close(started)
			<-gate
		}
	}
	sched := newTestScheduler(t, store, codec)

	done := make(chan Summary, 1)
	go func() {
		s, _ := sched.Run(context.Background(), testOpts)
		done <- s
	}()

	<-started
	it, ok := store.Get(victim)
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, it.Status)

	assert.NotPanics(t, func() { store.Remove(victim) })
	close(gate)

	summary := <-done
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Dropped)

	_, ok = store.Get(victim)
	assert.False(t, ok)
	stats := store.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Completed)
	assertInvariants(t, store.Items())
}

func TestSchedulerRejectsConcurrentRuns(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(1), false)
	require.NoError(t, err)

	started := make(chan struct{})
	gate := make(chan struct{})
	codec := newFakeCodec(0)
	codec.hook = func(string) {
		close(started)
		<-gate
	}
	sched := newTestScheduler(t, store, codec)

	errc := make(chan error, 1)
	go func() {
		_, err := sched.Run(context.Background(), testOpts)
		errc <- err
	}()

	<-started
	assert.True(t, sched.IsProcessing())
	_, err = sched.Run(context.Background(), testOpts)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = sched.RetryFailed(context.Background(), testOpts)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
	require.NoError(t, <-errc)
	assert.False(t, sched.IsProcessing())
}

func TestSchedulerStartClaimsSynchronously(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(2), false)
	require.NoError(t, err)

	gate := make(chan struct{})
	codec := newFakeCodec(0)
	codec.hook = func(string) { <-gate }
	sched := newTestScheduler(t, store, codec)

	// No waiting between the two calls: the slot is taken before Start returns.
	first, err := sched.Start(context.Background(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Total)
	assert.True(t, first.Started())
	assert.True(t, sched.IsProcessing())

	second, err := sched.Start(context.Background(), testOpts)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Nil(t, second)
	_, err = sched.StartRetry(context.Background(), testOpts)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
	res := <-first.Done
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Summary.Completed)
	assert.False(t, sched.IsProcessing())

	_, open := <-first.Done
	assert.False(t, open)
}

func TestSchedulerStartRetryWithNothingFailed(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(1), false)
	require.NoError(t, err)
	codec := newFakeCodec(0)
	sched := newTestScheduler(t, store, codec)

	ticket, err := sched.StartRetry(context.Background(), testOpts)
	require.NoError(t, err)
	assert.False(t, ticket.Started())
	assert.Zero(t, ticket.Total)
	assert.Equal(t, RunResult{}, <-ticket.Done)

	// The slot was released and the pending item left alone.
	assert.False(t, sched.IsProcessing())
	assert.Equal(t, 1, store.Stats().Pending)
	assert.Zero(t, codec.callCount("img0.jpg"))
}

func TestSchedulerStartRejectsInvalidOptionsWithoutClaiming(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	sched := newTestScheduler(t, store, newFakeCodec(0))

	_, err := sched.Start(context.Background(), services.CompressionOptions{Quality: 2})
	assert.ErrorIs(t, err, services.ErrInvalidInput)
	assert.False(t, sched.IsProcessing())
}

func TestSchedulerProgressIsMonotonic(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	adm, err := store.Add(imageSources(1), false)
	require.NoError(t, err)
	id := adm.Added[0].ID

	var overall []float64
	var mu sync.Mutex
	codec := newFakeCodec(40 * time.Millisecond)
	sched := newTestScheduler(t, store, codec, WithProgressFunc(func(done, total int, percent float64) {
		mu.Lock()
		overall = append(overall, percent)
		mu.Unlock()
	}))

	var samples []int
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if it, ok := store.Get(id); ok && it.Status == StatusProcessing {
				samples = append(samples, it.Progress)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	_, err = sched.Run(context.Background(), testOpts)
	require.NoError(t, err)
	close(stop)
	<-sampled

	require.NotEmpty(t, samples)
	assert.True(t, slices.IsSorted(samples), "progress went backwards: %v", samples)
	assert.GreaterOrEqual(t, samples[0], 10)
	assert.LessOrEqual(t, samples[len(samples)-1], 90)

	it, _ := store.Get(id)
	assert.Equal(t, 100, it.Progress)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{100}, overall)
}

func TestSchedulerOverallProgressPerItem(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(4), false)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []float64
	sched := newTestScheduler(t, store, newFakeCodec(time.Millisecond), WithProgressFunc(func(done, total int, percent float64) {
		mu.Lock()
		seen = append(seen, percent)
		mu.Unlock()
		assert.Equal(t, 4, total)
	}))

	_, err = sched.Run(context.Background(), testOpts)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []float64{25, 50, 75, 100}, seen)
}

func TestSchedulerRecoversCodecPanic(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(2), false)
	require.NoError(t, err)

	codec := newFakeCodec(0)
	codec.hook = func(name string) {
		if name == "img0.jpg" {
			panic("codec exploded")
		}
	}
	sched := newTestScheduler(t, store, codec)

	summary, err := sched.Run(context.Background(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Completed)

	items := store.Items()
	assert.Contains(t, items[0].Error, "codec exploded")
	assert.Equal(t, StatusCompleted, items[1].Status)
}

func TestSchedulerRejectsInvalidOptions(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(1), false)
	require.NoError(t, err)
	sched := newTestScheduler(t, store, newFakeCodec(0))

	_, err = sched.Run(context.Background(), services.CompressionOptions{Quality: 2})
	require.ErrorIs(t, err, services.ErrInvalidInput)
	assert.Equal(t, 1, store.Stats().Pending)
	assert.False(t, sched.IsProcessing())
}

func TestSchedulerStopsBetweenGroupsOnCancel(t *testing.T) {
	store := NewStore(QuotaPolicy{FreeLimit: 10})
	_, err := store.Add(imageSources(5), false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	codec := newFakeCodec(0)
	codec.hook = func(name string) {
		if name == "img0.jpg" {
			cancel()
		}
	}
	sched := newTestScheduler(t, store, codec)

	summary, err := sched.Run(ctx, testOpts)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, summary.Completed)

	stats := store.Stats()
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 2, stats.Pending)
}
