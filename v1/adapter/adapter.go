// Package adapter implements the lock and catalog stores on persistent
// backends. Every call runs under a per-call timeout; deadline errors are
// reported as errors.ErrTimeout and closed clients as
// errors.ErrConnectionClosed.
package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
)

const defaultOpTimeout = 5 * time.Second

// Option configures a store in this package.
type Option func(*options)

type options struct {
	timeout   time.Duration
	tableName string
	prefix    string
	now       func() time.Time
}

func newOptions(opts []Option) options {
	o := options{timeout: defaultOpTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTableName overrides the lock table used by GormLockStore.
func WithTableName(name string) Option {
	return func(o *options) { o.tableName = name }
}

// WithKeyPrefix overrides the key prefix used by RedisLockStore.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// precheck rejects calls on an already finished context.
func precheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return lsperrors.ErrTimeout
		}
		return err
	}
	return nil
}

// mapErr translates backend errors into the shared sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lsperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return lsperrors.ErrConnectionClosed
	}
	return err
}
