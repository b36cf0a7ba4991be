// Package kvstore defines the key/value channel used by pub/sub signaling
// and ships three backends: an HTTPS gist-style endpoint, Redis, and an
// in-memory store for tests.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound reports that a channel or field has no value yet. Pollers
// treat it as "try again", not as a failure.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the minimal contract signaling needs: read one field of a
// channel and overwrite one field of a channel.
type Store interface {
	Get(ctx context.Context, channel, field string) ([]byte, error)
	Patch(ctx context.Context, channel, field string, value []byte) error
}
