// Package sessionkey stores the AES session key negotiated for each
// (user, connection) pair.
//
// Every backend upserts on Put, fails closed on Get (absent, inactive and
// expired records all yield errors.ErrSessionExpired) and removes expired
// records on SweepExpired.
package sessionkey

import (
	"context"
	"time"

	"securechat/internal/model"
)

// DefaultTTL is how long a session key stays usable after an exchange.
const DefaultTTL = 24 * time.Hour

type Store interface {
	// Put inserts or replaces the key for (userID, connectionID), resetting
	// its expiry to now+ttl and marking it active.
	Put(ctx context.Context, userID, connectionID string, aesKey []byte, ttl time.Duration) (*model.SessionKeyRecord, error)
	Get(ctx context.Context, userID, connectionID string) (*model.SessionKeyRecord, error)
	SweepExpired(ctx context.Context) (int, error)
	// ListActive returns live records. An empty userID lists every user.
	ListActive(ctx context.Context, userID string) ([]*model.SessionKeyRecord, error)
	Deactivate(ctx context.Context, userID, connectionID string) error
}

// Clock returns the current time. Backends use it for every expiry decision.
type Clock func() time.Time

type storeOptions struct {
	clock Clock
}

type Option func(*storeOptions)

// WithClock overrides time.Now.
func WithClock(c Clock) Option {
	return func(o *storeOptions) {
		o.clock = c
	}
}

func newOptions(opts []Option) storeOptions {
	o := storeOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
