package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

var (
	// ErrInitTimeout is returned when decoder setup exceeded the per-attempt
	// deadline on every attempt.
	ErrInitTimeout = errors.New("session: initialization timed out")

	// ErrNotFound is returned when a key has no live session.
	ErrNotFound = errors.New("session: not found")
)

// Warmer pre-fetches upcoming assets into the store. The downloader
// implements it.
type Warmer interface {
	WarmBatch(ctx context.Context, keys []mediacache.Key, prio mediacache.Priority, batchSize int)
}

// Config holds pool settings.
type Config struct {
	// Capacity bounds the number of live sessions. The pool may temporarily
	// exceed it when every session is referenced.
	Capacity int

	// InitAttempts is the number of initialization attempts per acquire.
	InitAttempts int

	// InitTimeout bounds each individual initialization attempt.
	InitTimeout time.Duration

	// RetryBaseDelay is the backoff before the second attempt; it doubles
	// per subsequent attempt.
	RetryBaseDelay time.Duration

	// IdleTimeout is how long an unreferenced session may sit unused before
	// the idle reaper disposes it.
	IdleTimeout time.Duration

	// DefaultVolume is applied to freshly initialized sessions.
	DefaultVolume float64

	// WarmBatchSize bounds in-flight fetches when warming the "next" keys
	// after a fresh initialization.
	WarmBatchSize int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:       8,
		InitAttempts:   3,
		InitTimeout:    10 * time.Second,
		RetryBaseDelay: 500 * time.Millisecond,
		IdleTimeout:    30 * time.Minute,
		DefaultVolume:  1.0,
		WarmBatchSize:  2,
	}
}

// Pool is a bounded pool of playback sessions keyed by asset. Concurrent
// acquires for the same key collapse into a single initialization; eviction
// scans the LRU order and never disposes a referenced session.
type Pool struct {
	factory   Factory
	warmer    Warmer
	analytics *mediacache.Analytics
	config    Config
	logger    *slog.Logger
	now       func() time.Time
	listener  Listener

	group singleflight.Group

	mu      sync.Mutex
	entries map[mediacache.Key]*Handle
	lru     *list.List       // front is most recently used
	retired []retiredDecoder // awaiting disposal outside the lock
}

type retiredDecoder struct {
	key     mediacache.Key
	decoder Decoder
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger for the pool.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithConfig sets the pool configuration.
func WithConfig(config Config) Option {
	return func(p *Pool) {
		p.config = config
	}
}

// WithWarmer sets the warmer used to pre-fetch upcoming assets.
func WithWarmer(w Warmer) Option {
	return func(p *Pool) {
		p.warmer = w
	}
}

// WithAnalytics sets the analytics counters acquire outcomes are recorded to.
func WithAnalytics(a *mediacache.Analytics) Option {
	return func(p *Pool) {
		p.analytics = a
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// WithListener sets the lifecycle event listener.
func WithListener(l Listener) Option {
	return func(p *Pool) {
		p.listener = l
	}
}

// NewPool creates a session pool over the given decoder factory.
func NewPool(factory Factory, opts ...Option) *Pool {
	p := &Pool{
		factory:   factory,
		analytics: mediacache.NewAnalytics(),
		config:    DefaultConfig(),
		logger:    slog.Default(),
		now:       time.Now,
		entries:   make(map[mediacache.Key]*Handle),
		lru:       list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	d := DefaultConfig()
	if p.config.Capacity <= 0 {
		p.config.Capacity = d.Capacity
	}
	if p.config.InitAttempts <= 0 {
		p.config.InitAttempts = d.InitAttempts
	}
	if p.config.InitTimeout <= 0 {
		p.config.InitTimeout = d.InitTimeout
	}
	if p.config.RetryBaseDelay <= 0 {
		p.config.RetryBaseDelay = d.RetryBaseDelay
	}
	if p.config.IdleTimeout <= 0 {
		p.config.IdleTimeout = d.IdleTimeout
	}
	if p.config.WarmBatchSize <= 0 {
		p.config.WarmBatchSize = d.WarmBatchSize
	}
	return p
}

func (p *Pool) emit(key mediacache.Key, from, to State) {
	if p.listener != nil {
		p.listener(Event{Key: key, From: from, To: to})
	}
}

// Acquire returns a ready session for key, initializing one if needed. A
// live session is a hit and costs no decode work. Concurrent acquires for
// the same key share one initialization and all receive the same handle or
// the same error. On a fresh initialization the warmNext keys are warmed
// asynchronously at one priority level below prio.
//
// The caller must balance a successful Acquire with exactly one Release.
func (p *Pool) Acquire(ctx context.Context, key mediacache.Key, prio mediacache.Priority, warmNext []mediacache.Key) (*Handle, error) {
	p.mu.Lock()
	if h, ok := p.entries[key]; ok {
		p.touchLocked(h)
		p.mu.Unlock()
		p.analytics.RecordHit()
		telemetry.RecordSessionAcquire(ctx, "hit", "success")
		return h, nil
	}
	p.mu.Unlock()

	if err := key.Validate(); err != nil {
		telemetry.RecordSessionAcquire(ctx, "miss", "invalid")
		return nil, err
	}

	p.analytics.RecordMiss()

	ch := p.group.DoChan(key.String(), func() (any, error) {
		// Detached context so one waiter timing out does not abort the
		// initialization for the others.
		return p.initSession(context.WithoutCancel(ctx), key, prio, warmNext)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			telemetry.RecordSessionAcquire(ctx, "miss", "error")
			return nil, res.Err
		}
		h := res.Val.(*Handle)
		p.registerReference(h)
		telemetry.RecordSessionAcquire(ctx, "miss", "success")
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// initSession runs the retrying initialization for one key and inserts the
// resulting handle. Exactly one of these runs per key at a time.
func (p *Pool) initSession(ctx context.Context, key mediacache.Key, prio mediacache.Priority, warmNext []mediacache.Key) (*Handle, error) {
	start := p.now()
	decoder, err := p.initDecoder(ctx, key)
	if err != nil {
		p.group.Forget(key.String())
		return nil, err
	}
	telemetry.RecordSessionInit(ctx, time.Since(start))

	decoder.SetLooping(true)
	decoder.SetVolume(p.config.DefaultVolume)

	h := newHandle(key, decoder, true, p.config.DefaultVolume)
	h.state = StateReady

	p.mu.Lock()
	h.lastUsed = p.now()
	h.elem = p.lru.PushFront(key)
	// Pinned until the first waiter registers its reference; the idle
	// reaper is the backstop if every waiter abandoned.
	h.pinned = true
	p.entries[key] = h
	p.evictLocked()
	p.mu.Unlock()
	p.drainRetired()
	p.publishGauge(ctx)

	p.emit(key, StateInitializing, StateReady)

	if p.warmer != nil && len(warmNext) > 0 {
		warmCtx := context.WithoutCancel(ctx)
		go p.warmer.WarmBatch(warmCtx, warmNext, prio.Lower(), p.config.WarmBatchSize)
	}

	return h, nil
}

// initDecoder attempts decoder construction and setup with a per-attempt
// timeout and exponential backoff between attempts.
func (p *Pool) initDecoder(ctx context.Context, key mediacache.Key) (Decoder, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.config.RetryBaseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	attempt := func() (Decoder, error) {
		decoder, err := p.factory.New(key)
		if err != nil {
			telemetry.RecordSessionInitAttempt(ctx, "error")
			return nil, fmt.Errorf("constructing decoder: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.config.InitTimeout)
		err = decoder.Prepare(attemptCtx)
		cancel()
		if err != nil {
			// A timed-out attempt must fully release its partial resources
			// before the next retry begins.
			_ = decoder.Close()
			if errors.Is(err, context.DeadlineExceeded) {
				telemetry.RecordSessionInitAttempt(ctx, "timeout")
				return nil, fmt.Errorf("%w: %v", ErrInitTimeout, err)
			}
			telemetry.RecordSessionInitAttempt(ctx, "error")
			return nil, err
		}

		telemetry.RecordSessionInitAttempt(ctx, "success")
		return decoder, nil
	}

	decoder, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(p.config.InitAttempts)),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing session for %s: %w", key.ShortString(), err)
	}
	return decoder, nil
}

// registerReference records one caller's reference on a freshly initialized
// handle and runs the over-capacity check on the caller's path.
func (p *Pool) registerReference(h *Handle) {
	key := h.Key()

	p.mu.Lock()
	if cur, ok := p.entries[key]; ok && cur == h {
		p.touchLocked(h)
		h.pinned = false
	}
	p.mu.Unlock()
}

// touchLocked moves a handle to the LRU front and takes a reference.
// Callers must hold p.mu.
func (p *Pool) touchLocked(h *Handle) {
	h.refCount++
	h.lastUsed = p.now()
	if h.elem != nil {
		p.lru.MoveToFront(h.elem)
	}
}

// Release returns one reference for key. It never disposes synchronously;
// an unreferenced session stays resident until eviction or idle reaping
// claims it.
func (p *Pool) Release(key mediacache.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.entries[key]
	if !ok {
		return
	}
	if h.refCount <= 0 {
		p.logger.Warn("release without matching acquire", "key", key.ShortString())
		return
	}
	h.refCount--
}

// EvictIfOverCapacity disposes least-recently-used unreferenced sessions
// until the pool is back within capacity. When every session is referenced
// the pool is left over capacity rather than disposing in-use sessions.
func (p *Pool) EvictIfOverCapacity(ctx context.Context) {
	p.mu.Lock()
	p.evictLocked()
	p.mu.Unlock()
	p.drainRetired()
	p.publishGauge(ctx)
}

// evictLocked scans from the LRU back, skipping referenced and pinned
// entries. Callers must hold p.mu.
func (p *Pool) evictLocked() {
	for len(p.entries) > p.config.Capacity {
		evicted := false
		for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
			key := elem.Value.(mediacache.Key)
			h := p.entries[key]
			if h.refCount > 0 || h.pinned {
				continue
			}
			p.removeLocked(h, "capacity")
			evicted = true
			break
		}
		if !evicted {
			// Everything resident is in use.
			return
		}
	}
}

// removeLocked takes a handle out of the pool and queues its decoder for
// disposal. Callers must hold p.mu.
func (p *Pool) removeLocked(h *Handle, reason string) {
	key := h.Key()
	delete(p.entries, key)
	if h.elem != nil {
		p.lru.Remove(h.elem)
		h.elem = nil
	}
	h.state = StateRetired
	p.retired = append(p.retired, retiredDecoder{key: key, decoder: h.decoder})
	p.analytics.RecordEviction(1)
	telemetry.RecordSessionEviction(context.Background(), reason)
	p.emit(key, StateReady, StateRetired)
	p.logger.Debug("evicted session", "key", key.ShortString(), "reason", reason)
}

// drainRetired closes decoders queued by eviction, reaping, and quality
// switches. Runs outside the pool lock since Close may block.
func (p *Pool) drainRetired() {
	p.mu.Lock()
	retired := p.retired
	p.retired = nil
	p.mu.Unlock()

	for _, r := range retired {
		if err := r.decoder.Close(); err != nil {
			p.logger.Warn("closing retired decoder", "key", r.key.ShortString(), "error", err)
		}
		p.emit(r.key, StateRetired, StateDisposed)
	}
}

// ReapIdle disposes every unreferenced session unused for longer than the
// idle timeout and returns the number reaped.
func (p *Pool) ReapIdle(ctx context.Context) int {
	cutoff := p.now().Add(-p.config.IdleTimeout)

	p.mu.Lock()
	var stale []*Handle
	for _, h := range p.entries {
		if h.refCount <= 0 && h.lastUsed.Before(cutoff) {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		p.removeLocked(h, "idle")
	}
	p.mu.Unlock()

	p.drainRetired()
	p.publishGauge(ctx)
	return len(stale)
}

// SwitchQuality initializes a session for newKey, carries the current
// playback position, play state, looping, and volume over to it, and swaps
// it in under the same handle identity. The old decoder is retired, not
// closed synchronously; its disposal rides the next eviction pass.
func (p *Pool) SwitchQuality(ctx context.Context, key, newKey mediacache.Key) (*Handle, error) {
	if err := newKey.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	h, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	replacement, err := p.initDecoder(ctx, newKey)
	if err != nil {
		return nil, err
	}

	old, err := h.swapDecoder(newKey, replacement)
	if err != nil {
		_ = replacement.Close()
		return nil, fmt.Errorf("carrying playback state: %w", err)
	}

	p.mu.Lock()
	delete(p.entries, key)
	p.entries[newKey] = h
	if h.elem != nil {
		h.elem.Value = newKey
		p.lru.MoveToFront(h.elem)
	}
	h.lastUsed = p.now()
	p.retired = append(p.retired, retiredDecoder{key: key, decoder: old})
	p.mu.Unlock()

	telemetry.RecordSessionEviction(ctx, "retired")
	p.emit(key, StateReady, StateRetired)
	p.logger.Debug("switched quality", "from", key.ShortString(), "to", newKey.ShortString())

	return h, nil
}

// Clear disposes every session regardless of reference counts. Used for
// full resets such as logout.
func (p *Pool) Clear(ctx context.Context) {
	p.mu.Lock()
	for _, h := range p.entries {
		if h.elem != nil {
			p.lru.Remove(h.elem)
			h.elem = nil
		}
		h.state = StateRetired
		p.retired = append(p.retired, retiredDecoder{key: h.Key(), decoder: h.decoder})
		telemetry.RecordSessionEviction(context.Background(), "clear")
		p.emit(h.Key(), StateReady, StateRetired)
	}
	p.entries = make(map[mediacache.Key]*Handle)
	p.mu.Unlock()

	p.drainRetired()
	p.publishGauge(ctx)
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Contains reports whether a key has a live session.
func (p *Pool) Contains(key mediacache.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// SessionState returns the lifecycle state for a key's session.
func (p *Pool) SessionState(key mediacache.Key) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.entries[key]; ok {
		return h.state, true
	}
	return StateDisposed, false
}

// References returns the reference count for a key's session, zero when no
// session exists.
func (p *Pool) References(key mediacache.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.entries[key]; ok {
		return h.refCount
	}
	return 0
}

func (p *Pool) publishGauge(ctx context.Context) {
	telemetry.SetSessionsActive(ctx, p.Len())
}
