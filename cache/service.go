package cache

import (
	"context"
	"errors"
)

// ErrInvalidResultType is returned by GetOrFetch when the cached value is not a T.
var ErrInvalidResultType = errors.New("cache: cached value has unexpected type")

// KeySerializer builds a cache key from a method name + arbitrary args.
// It is responsible for producing stable keys across calls.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// FetchFn is the function signature GetOrFetch expects when fetching from the source of truth.
type FetchFn[T any] func(ctx context.Context) (T, error)

// ReadThrough is the subset of Store used by GetOrFetch.
type ReadThrough interface {
	Get(key string) (any, bool)
	Set(key string, data any, opts SetOptions)
}

// GetOrFetch returns the cached value for key when it is fresh or stale-servable,
// and otherwise calls fetchFn and stores its result.
func GetOrFetch[T any](ctx context.Context, store ReadThrough, key string, fetchFn FetchFn[T], opts SetOptions) (T, error) {
	var zero T

	if cached, ok := store.Get(key); ok {
		if cached == nil {
			return zero, nil
		}
		typed, ok := cached.(T)
		if !ok {
			return zero, ErrInvalidResultType
		}
		return typed, nil
	}

	result, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	store.Set(key, result, opts)
	return result, nil
}
