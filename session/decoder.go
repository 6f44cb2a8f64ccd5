// Package session manages pooled decoder/playback sessions: bounded LRU
// capacity, reference counting, single-flight initialization with timeout
// and exponential-backoff retry, and idle reaping.
package session

import (
	"context"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// Decoder is a live playback instance bound to one asset. Implementations
// are provided by the presentation layer and are not required to be safe
// for concurrent use; the pool serializes access through Handle.
type Decoder interface {
	// Prepare runs decoder setup. It must respect ctx cancellation and
	// release any partial resources before returning an error.
	Prepare(ctx context.Context) error

	Play()
	Pause()
	Playing() bool

	Position() time.Duration
	Seek(pos time.Duration) error

	SetLooping(looping bool)
	SetVolume(volume float64)

	// Close releases decode resources. Called exactly once by the pool.
	Close() error
}

// Factory constructs decoders for asset keys.
type Factory interface {
	New(key mediacache.Key) (Decoder, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(key mediacache.Key) (Decoder, error)

// New calls f.
func (f FactoryFunc) New(key mediacache.Key) (Decoder, error) {
	return f(key)
}

// State is the lifecycle state of a session.
type State int

const (
	// StateInitializing means an initialization attempt is in flight.
	StateInitializing State = iota

	// StateReady means the session is live in the pool.
	StateReady

	// StateRetired means the session left the pool but its decoder has not
	// been closed yet.
	StateRetired

	// StateDisposed means the decoder has been closed.
	StateDisposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRetired:
		return "retired"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// Event is a session lifecycle transition.
type Event struct {
	Key  mediacache.Key
	From State
	To   State
}

// Listener receives lifecycle events. Listeners are invoked synchronously
// and must not block or call back into the pool.
type Listener func(Event)
