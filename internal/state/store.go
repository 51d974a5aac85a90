package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// DeleteRange removes keys in [from, to) and reports how many went away.
	DeleteRange(ctx context.Context, from, to string) (int64, error)
	Close() error
}
