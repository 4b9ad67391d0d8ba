package nblocks

import (
	"context"

	"github.com/go-jose/go-jose/v3"
)

// KeySource provides the identity provider's public signing keys.
type KeySource interface {
	// Keys returns the current key set. Implementations may serve it from
	// a cache.
	Keys(ctx context.Context) (*jose.JSONWebKeySet, error)
	// Refetch discards any cached set and retrieves a fresh one. It is
	// called when a token names a key id the cached set does not contain.
	Refetch(ctx context.Context) (*jose.JSONWebKeySet, error)
}

var _ KeySource = (*StaticKeysource)(nil)

// StaticKeysource serves a fixed key set. Useful for tests and for
// deployments that pin keys out of band.
type StaticKeysource struct {
	keys jose.JSONWebKeySet
}

func NewStaticKeysource(keys jose.JSONWebKeySet) *StaticKeysource {
	return &StaticKeysource{
		keys: keys,
	}
}

func (s *StaticKeysource) Keys(_ context.Context) (*jose.JSONWebKeySet, error) {
	return &s.keys, nil
}

func (s *StaticKeysource) Refetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	return s.Keys(ctx)
}
