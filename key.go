// Package mediacache provides the core types for the media resource manager:
// asset keys, priority levels, and fetch analytics shared by the asset store,
// downloader, and session pool.
package mediacache

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidReference is returned when an asset key is not a well-formed
// absolute URL with an allowed scheme. Calls failing with this error must not
// be retried.
var ErrInvalidReference = errors.New("invalid asset reference")

// allowedSchemes restricts asset keys to plain and secure HTTP.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// Key identifies a remote media asset by its URL. Keys are stable across
// process restarts and are used verbatim as cache keys.
type Key string

// String returns the key as a plain string.
func (k Key) String() string {
	return string(k)
}

// Validate checks that the key parses as an absolute URL with an allowed
// scheme. It returns an error wrapping ErrInvalidReference otherwise.
func (k Key) Validate() error {
	if k == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidReference)
	}
	u, err := url.Parse(string(k))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidReference, k)
	}
	if !allowedSchemes[u.Scheme] {
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidReference, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidReference, k)
	}
	return nil
}

// Hash returns the BLAKE3 digest of the key, used to derive safe, sharded
// on-disk paths for the asset's cached bytes.
func (k Key) Hash() Hash {
	return HashBytes([]byte(k))
}

// ShortString returns a truncated form of the key for log output.
func (k Key) ShortString() string {
	const max = 64
	if len(k) <= max {
		return string(k)
	}
	return string(k[:max]) + "..."
}
