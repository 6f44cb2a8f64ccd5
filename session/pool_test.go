package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mediacache "github.com/wolfeidau/media-cache"
)

type fakeDecoder struct {
	key mediacache.Key

	mu       sync.Mutex
	prepared bool
	closed   bool
	playing  bool
	looping  bool
	volume   float64
	position time.Duration

	failPrepare bool
	blockOnCtx  bool
	delay       time.Duration
}

func (d *fakeDecoder) Prepare(ctx context.Context) error {
	if d.blockOnCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.failPrepare {
		return errors.New("decode setup failed")
	}
	d.mu.Lock()
	d.prepared = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDecoder) Play() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playing = true
}

func (d *fakeDecoder) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playing = false
}

func (d *fakeDecoder) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

func (d *fakeDecoder) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

func (d *fakeDecoder) Seek(pos time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.position = pos
	return nil
}

func (d *fakeDecoder) SetLooping(looping bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.looping = looping
}

func (d *fakeDecoder) SetVolume(volume float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = volume
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDecoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeFactory struct {
	mu           sync.Mutex
	created      []*fakeDecoder
	attempts     map[mediacache.Key]int
	attemptTimes map[mediacache.Key][]time.Time
	failFirst    map[mediacache.Key]int
	alwaysFail   map[mediacache.Key]bool
	block        map[mediacache.Key]bool
	delay        time.Duration
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		attempts:     make(map[mediacache.Key]int),
		attemptTimes: make(map[mediacache.Key][]time.Time),
		failFirst:    make(map[mediacache.Key]int),
		alwaysFail:   make(map[mediacache.Key]bool),
		block:        make(map[mediacache.Key]bool),
	}
}

func (f *fakeFactory) New(key mediacache.Key) (Decoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[key]++
	f.attemptTimes[key] = append(f.attemptTimes[key], time.Now())

	d := &fakeDecoder{
		key:         key,
		failPrepare: f.alwaysFail[key] || f.attempts[key] <= f.failFirst[key],
		blockOnCtx:  f.block[key],
		delay:       f.delay,
	}
	f.created = append(f.created, d)
	return d, nil
}

func (f *fakeFactory) attemptCount(key mediacache.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key]
}

func (f *fakeFactory) decoders(key mediacache.Key) []*fakeDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeDecoder
	for _, d := range f.created {
		if d.key == key {
			out = append(out, d)
		}
	}
	return out
}

func fastConfig() Config {
	c := DefaultConfig()
	c.InitTimeout = time.Second
	c.RetryBaseDelay = 5 * time.Millisecond
	return c
}

const testKey = mediacache.Key("https://cdn.example.com/v/1.mp4")

func TestAcquireInitializesSession(t *testing.T) {
	factory := newFakeFactory()
	pool := NewPool(factory, WithConfig(fastConfig()))
	ctx := context.Background()

	h, err := pool.Acquire(ctx, testKey, mediacache.PriorityHigh, nil)
	require.NoError(t, err)
	require.Equal(t, testKey, h.Key())
	require.Equal(t, 1, pool.Len())
	require.Equal(t, 1, pool.References(testKey))

	state, ok := pool.SessionState(testKey)
	require.True(t, ok)
	require.Equal(t, StateReady, state)

	// Fresh sessions come up looping at the default volume.
	d := factory.decoders(testKey)[0]
	require.True(t, d.looping)
	require.Equal(t, 1.0, d.volume)
}

func TestAcquireHitReturnsSameHandle(t *testing.T) {
	analytics := mediacache.NewAnalytics()
	factory := newFakeFactory()
	pool := NewPool(factory, WithConfig(fastConfig()), WithAnalytics(analytics))
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, testKey, mediacache.PriorityHigh, nil)
	require.NoError(t, err)
	h2, err := pool.Acquire(ctx, testKey, mediacache.PriorityHigh, nil)
	require.NoError(t, err)

	require.Equal(t, h1.ID(), h2.ID())
	require.Equal(t, 1, factory.attemptCount(testKey))
	require.Equal(t, 2, pool.References(testKey))
	require.Equal(t, int64(1), analytics.Hits())
	require.Equal(t, int64(1), analytics.Misses())
}

func TestAcquireInvalidKey(t *testing.T) {
	factory := newFakeFactory()
	pool := NewPool(factory, WithConfig(fastConfig()))

	_, err := pool.Acquire(context.Background(), "ftp://example.com/clip", mediacache.PriorityLow, nil)
	require.ErrorIs(t, err, mediacache.ErrInvalidReference)
	require.Zero(t, factory.attemptCount("ftp://example.com/clip"))
	require.Zero(t, pool.Len())
}

func TestAcquireSingleFlight(t *testing.T) {
	factory := newFakeFactory()
	factory.delay = 50 * time.Millisecond
	pool := NewPool(factory, WithConfig(fastConfig()))

	const callers = 10
	handles := make([]*Handle, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = pool.Acquire(context.Background(), testKey, mediacache.PriorityHigh, nil)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, factory.attemptCount(testKey))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, handles[0].ID(), handles[i].ID())
	}
	require.Equal(t, callers, pool.References(testKey))
}

func TestAcquireRetriesWithBackoff(t *testing.T) {
	factory := newFakeFactory()
	factory.failFirst[testKey] = 2
	config := fastConfig()
	config.RetryBaseDelay = 10 * time.Millisecond
	pool := NewPool(factory, WithConfig(config))

	h, err := pool.Acquire(context.Background(), testKey, mediacache.PriorityHigh, nil)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, 3, factory.attemptCount(testKey))

	// Monotonic backoff: the delay before attempt 3 is at least the delay
	// before attempt 2.
	times := factory.attemptTimes[testKey]
	require.Len(t, times, 3)
	require.GreaterOrEqual(t, times[2].Sub(times[1]), times[1].Sub(times[0]))

	// Both failed partial sessions were disposed.
	decoders := factory.decoders(testKey)
	require.True(t, decoders[0].Closed())
	require.True(t, decoders[1].Closed())
	require.False(t, decoders[2].Closed())
}

func TestAcquireExhaustsRetries(t *testing.T) {
	factory := newFakeFactory()
	factory.alwaysFail[testKey] = true
	pool := NewPool(factory, WithConfig(fastConfig()))
	ctx := context.Background()

	_, err := pool.Acquire(ctx, testKey, mediacache.PriorityHigh, nil)
	require.Error(t, err)
	require.Equal(t, 3, factory.attemptCount(testKey))
	require.Zero(t, pool.Len())

	// The failed flight was forgotten, so a later acquire starts fresh.
	_, err = pool.Acquire(ctx, testKey, mediacache.PriorityHigh, nil)
	require.Error(t, err)
	require.Equal(t, 6, factory.attemptCount(testKey))
}

func TestAcquireInitTimeout(t *testing.T) {
	factory := newFakeFactory()
	factory.block[testKey] = true
	config := fastConfig()
	config.InitTimeout = 20 * time.Millisecond
	config.InitAttempts = 2
	pool := NewPool(factory, WithConfig(config))

	_, err := pool.Acquire(context.Background(), testKey, mediacache.PriorityHigh, nil)
	require.ErrorIs(t, err, ErrInitTimeout)
	require.Equal(t, 2, factory.attemptCount(testKey))

	// Timed-out attempts released their partial resources.
	for _, d := range factory.decoders(testKey) {
		require.True(t, d.Closed())
	}
}

func acquireN(t *testing.T, pool *Pool, n int) []mediacache.Key {
	t.Helper()
	keys := make([]mediacache.Key, n)
	for i := 0; i < n; i++ {
		keys[i] = mediacache.Key("https://cdn.example.com/v/" + string(rune('a'+i)) + ".mp4")
		_, err := pool.Acquire(context.Background(), keys[i], mediacache.PriorityMedium, nil)
		require.NoError(t, err)
	}
	return keys
}

func TestPoolExceedsCapacityWhenAllReferenced(t *testing.T) {
	factory := newFakeFactory()
	pool := NewPool(factory, WithConfig(fastConfig()))
	ctx := context.Background()

	// Nine acquisitions against capacity 8, none released.
	keys := acquireN(t, pool, 9)
	require.Equal(t, 9, pool.Len())

	// Eviction cannot claim a referenced session.
	pool.EvictIfOverCapacity(ctx)
	require.Equal(t, 9, pool.Len())

	// Releasing the oldest makes it the eviction candidate.
	pool.Release(keys[0])
	pool.EvictIfOverCapacity(ctx)
	require.Equal(t, 8, pool.Len())
	require.False(t, pool.Contains(keys[0]))
	require.True(t, factory.decoders(keys[0])[0].Closed())
}

func TestEvictionPrefersLeastRecentlyUsed(t *testing.T) {
	factory := newFakeFactory()
	config := fastConfig()
	config.Capacity = 2
	pool := NewPool(factory, WithConfig(config))
	ctx := context.Background()

	k1 := mediacache.Key("https://cdn.example.com/v/1.mp4")
	k2 := mediacache.Key("https://cdn.example.com/v/2.mp4")
	k3 := mediacache.Key("https://cdn.example.com/v/3.mp4")

	_, err := pool.Acquire(ctx, k1, mediacache.PriorityMedium, nil)
	require.NoError(t, err)
	_, err = pool.Acquire(ctx, k2, mediacache.PriorityMedium, nil)
	require.NoError(t, err)
	pool.Release(k1)
	pool.Release(k2)

	_, err = pool.Acquire(ctx, k3, mediacache.PriorityMedium, nil)
	require.NoError(t, err)
	pool.EvictIfOverCapacity(ctx)

	require.Equal(t, 2, pool.Len())
	require.False(t, pool.Contains(k1))
	require.True(t, pool.Contains(k2))
	require.True(t, pool.Contains(k3))
}

func TestReleaseWithoutAcquire(t *testing.T) {
	pool := NewPool(newFakeFactory(), WithConfig(fastConfig()))

	// Neither of these may panic or drive the count negative.
	pool.Release("https://cdn.example.com/unknown")

	_, err := pool.Acquire(context.Background(), testKey, mediacache.PriorityMedium, nil)
	require.NoError(t, err)
	pool.Release(testKey)
	pool.Release(testKey)
	require.Zero(t, pool.References(testKey))
}

func TestReapIdle(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	factory := newFakeFactory()
	pool := NewPool(factory, WithConfig(fastConfig()), WithNow(func() time.Time { return clock }))
	ctx := context.Background()

	idle := mediacache.Key("https://cdn.example.com/v/idle.mp4")
	held := mediacache.Key("https://cdn.example.com/v/held.mp4")

	_, err := pool.Acquire(ctx, idle, mediacache.PriorityMedium, nil)
	require.NoError(t, err)
	pool.Release(idle)
	_, err = pool.Acquire(ctx, held, mediacache.PriorityMedium, nil)
	require.NoError(t, err)

	// Not idle for long enough yet.
	require.Zero(t, pool.ReapIdle(ctx))

	clock = clock.Add(31 * time.Minute)
	require.Equal(t, 1, pool.ReapIdle(ctx))
	require.False(t, pool.Contains(idle))

	// A referenced session is never reaped, no matter how stale.
	require.True(t, pool.Contains(held))
	require.Zero(t, pool.ReapIdle(ctx))
}

func TestSwitchQuality(t *testing.T) {
	factory := newFakeFactory()
	pool := NewPool(factory, WithConfig(fastConfig()))
	ctx := context.Background()

	lowRes := mediacache.Key("https://cdn.example.com/v/1-480p.mp4")
	highRes := mediacache.Key("https://cdn.example.com/v/1-1080p.mp4")

	h, err := pool.Acquire(ctx, lowRes, mediacache.PriorityHigh, nil)
	require.NoError(t, err)

	h.Play()
	require.NoError(t, h.Seek(5*time.Second))
	h.SetVolume(0.5)

	switched, err := pool.SwitchQuality(ctx, lowRes, highRes)
	require.NoError(t, err)

	// Same external handle identity, rebound to the new variant.
	require.Equal(t, h.ID(), switched.ID())
	require.Equal(t, highRes, h.Key())
	require.True(t, pool.Contains(highRes))
	require.False(t, pool.Contains(lowRes))

	// Playback state carried over.
	require.Equal(t, 5*time.Second, h.Position())
	require.True(t, h.Playing())
	newDecoder := factory.decoders(highRes)[0]
	require.Equal(t, 0.5, newDecoder.volume)
	require.True(t, newDecoder.looping)

	// The old decoder is retired, not disposed synchronously.
	oldDecoder := factory.decoders(lowRes)[0]
	require.False(t, oldDecoder.Closed())

	pool.EvictIfOverCapacity(ctx)
	require.True(t, oldDecoder.Closed())
}

func TestSwitchQualityUnknownKey(t *testing.T) {
	pool := NewPool(newFakeFactory(), WithConfig(fastConfig()))

	_, err := pool.SwitchQuality(context.Background(), testKey, "https://cdn.example.com/v/other.mp4")
	require.ErrorIs(t, err, ErrNotFound)
}

type recordingWarmer struct {
	mu      sync.Mutex
	batches [][]mediacache.Key
	prios   []mediacache.Priority
	sizes   []int
	notify  chan struct{}
}

func newRecordingWarmer() *recordingWarmer {
	return &recordingWarmer{notify: make(chan struct{}, 8)}
}

func (w *recordingWarmer) WarmBatch(ctx context.Context, keys []mediacache.Key, prio mediacache.Priority, batchSize int) {
	w.mu.Lock()
	w.batches = append(w.batches, keys)
	w.prios = append(w.prios, prio)
	w.sizes = append(w.sizes, batchSize)
	w.mu.Unlock()
	w.notify <- struct{}{}
}

func (w *recordingWarmer) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func TestAcquireWarmsNextOnFreshInit(t *testing.T) {
	factory := newFakeFactory()
	warmer := newRecordingWarmer()
	pool := NewPool(factory, WithConfig(fastConfig()), WithWarmer(warmer))
	ctx := context.Background()

	warmNext := []mediacache.Key{
		"https://cdn.example.com/v/2.mp4",
		"https://cdn.example.com/v/3.mp4",
	}

	_, err := pool.Acquire(ctx, testKey, mediacache.PriorityHigh, warmNext)
	require.NoError(t, err)

	select {
	case <-warmer.notify:
	case <-time.After(time.Second):
		t.Fatal("warm batch was never fired")
	}

	warmer.mu.Lock()
	require.Equal(t, warmNext, warmer.batches[0])
	require.Equal(t, mediacache.PriorityMedium, warmer.prios[0])
	require.Equal(t, 2, warmer.sizes[0])
	warmer.mu.Unlock()

	// A hit does not re-warm.
	_, err = pool.Acquire(ctx, testKey, mediacache.PriorityHigh, warmNext)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, warmer.count())
}

func TestClearDisposesEverything(t *testing.T) {
	factory := newFakeFactory()
	pool := NewPool(factory, WithConfig(fastConfig()))
	ctx := context.Background()

	keys := acquireN(t, pool, 3)
	pool.Clear(ctx)

	require.Zero(t, pool.Len())
	for _, key := range keys {
		require.True(t, factory.decoders(key)[0].Closed())
	}
}

func TestPoolEmitsLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	factory := newFakeFactory()
	config := fastConfig()
	config.Capacity = 1
	pool := NewPool(factory, WithConfig(config), WithListener(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))
	ctx := context.Background()

	k1 := mediacache.Key("https://cdn.example.com/v/1.mp4")
	k2 := mediacache.Key("https://cdn.example.com/v/2.mp4")

	_, err := pool.Acquire(ctx, k1, mediacache.PriorityMedium, nil)
	require.NoError(t, err)
	pool.Release(k1)
	_, err = pool.Acquire(ctx, k2, mediacache.PriorityMedium, nil)
	require.NoError(t, err)
	pool.EvictIfOverCapacity(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, events, Event{Key: k1, From: StateInitializing, To: StateReady})
	require.Contains(t, events, Event{Key: k1, From: StateReady, To: StateRetired})
	require.Contains(t, events, Event{Key: k1, From: StateRetired, To: StateDisposed})
	require.Contains(t, events, Event{Key: k2, From: StateInitializing, To: StateReady})
}

func TestIdleReaper(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	factory := newFakeFactory()
	pool := NewPool(factory, WithConfig(fastConfig()), WithNow(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := pool.Acquire(ctx, testKey, mediacache.PriorityMedium, nil)
	require.NoError(t, err)
	pool.Release(testKey)

	reaper := NewIdleReaper(pool, time.Hour, nil)
	reaper.Start()
	reaper.Start() // second start is a no-op
	defer reaper.Stop()

	clock = clock.Add(31 * time.Minute)
	require.Equal(t, 1, reaper.ReapNow(ctx))
	require.Zero(t, pool.Len())
}
