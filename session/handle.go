package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	mediacache "github.com/wolfeidau/media-cache"
)

// Handle is a pooled session. Consumers hold a borrowed reference and must
// release it through the pool; the pool exclusively owns the underlying
// decoder and is the only place it is ever closed.
//
// The decoder, looping, volume, and key fields are guarded by the handle's
// own mutex. The bookkeeping fields (refCount, lastUsed, elem, pinned,
// state) are guarded by the pool's mutex.
type Handle struct {
	id string

	mu      sync.Mutex
	key     mediacache.Key
	decoder Decoder
	looping bool
	volume  float64

	// guarded by the pool mutex
	refCount int
	lastUsed time.Time
	elem     *list.Element
	pinned   bool
	state    State
}

func newHandle(key mediacache.Key, decoder Decoder, looping bool, volume float64) *Handle {
	return &Handle{
		id:      uuid.New().String(),
		key:     key,
		decoder: decoder,
		looping: looping,
		volume:  volume,
		state:   StateInitializing,
	}
}

// ID returns the handle's stable identity. It survives quality switches.
func (h *Handle) ID() string {
	return h.id
}

// Key returns the asset key the handle is currently bound to.
func (h *Handle) Key() mediacache.Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key
}

// Play starts playback.
func (h *Handle) Play() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decoder.Play()
}

// Pause pauses playback.
func (h *Handle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decoder.Pause()
}

// Playing reports whether the session is playing.
func (h *Handle) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decoder.Playing()
}

// Position returns the current playback position.
func (h *Handle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decoder.Position()
}

// Seek moves the playback position.
func (h *Handle) Seek(pos time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decoder.Seek(pos)
}

// SetLooping sets whether playback loops at the end of the asset.
func (h *Handle) SetLooping(looping bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.looping = looping
	h.decoder.SetLooping(looping)
}

// SetVolume sets the playback volume.
func (h *Handle) SetVolume(volume float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volume = volume
	h.decoder.SetVolume(volume)
}

// swapDecoder replaces the underlying decoder, carrying playback state over
// to the replacement, and returns the old decoder for deferred disposal.
func (h *Handle) swapDecoder(newKey mediacache.Key, replacement Decoder) (Decoder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.decoder

	if err := replacement.Seek(old.Position()); err != nil {
		return nil, err
	}
	replacement.SetLooping(h.looping)
	replacement.SetVolume(h.volume)
	if old.Playing() {
		old.Pause()
		replacement.Play()
	}

	h.decoder = replacement
	h.key = newKey
	return old, nil
}
