package main

import (
	"context"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/session"
)

// nopDecoder satisfies the pool's decoder contract without touching any
// media hardware. The standalone service uses it so session bookkeeping
// (LRU, refcounts, reaping) can be exercised over the diagnostics surface.
type nopDecoder struct {
	mu      sync.Mutex
	playing bool
	looping bool
	volume  float64
	pos     time.Duration
}

func newNopDecoder(_ mediacache.Key) (session.Decoder, error) {
	return &nopDecoder{}, nil
}

func (d *nopDecoder) Prepare(ctx context.Context) error { return ctx.Err() }

func (d *nopDecoder) Play() {
	d.mu.Lock()
	d.playing = true
	d.mu.Unlock()
}

func (d *nopDecoder) Pause() {
	d.mu.Lock()
	d.playing = false
	d.mu.Unlock()
}

func (d *nopDecoder) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

func (d *nopDecoder) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

func (d *nopDecoder) Seek(pos time.Duration) error {
	d.mu.Lock()
	d.pos = pos
	d.mu.Unlock()
	return nil
}

func (d *nopDecoder) SetLooping(looping bool) {
	d.mu.Lock()
	d.looping = looping
	d.mu.Unlock()
}

func (d *nopDecoder) SetVolume(volume float64) {
	d.mu.Lock()
	d.volume = volume
	d.mu.Unlock()
}

func (d *nopDecoder) Close() error { return nil }
