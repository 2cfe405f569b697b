package sessionkey

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func key(b byte) []byte {
	k := make([]byte, 16)
	for i := range k {
		k[i] = b
	}
	return k
}

// runStoreSuite checks the behaviour every backend shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T, clock Clock) Store) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		s := newStore(t, newFakeClock().Now)

		rec, err := s.Put(ctx, "alice", "c1", key(1), time.Hour)
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.True(t, rec.IsActive)

		got, err := s.Get(ctx, "alice", "c1")
		require.NoError(t, err)
		assert.Equal(t, key(1), got.AESKey)
		assert.Equal(t, rec.ID, got.ID)
	})

	t.Run("missing record fails closed", func(t *testing.T) {
		s := newStore(t, newFakeClock().Now)

		_, err := s.Get(ctx, "nobody", "c1")
		assert.ErrorIs(t, err, errors.ErrSessionExpired)
	})

	t.Run("zero ttl is expired immediately", func(t *testing.T) {
		s := newStore(t, newFakeClock().Now)

		_, err := s.Put(ctx, "alice", "c1", key(1), 0)
		require.NoError(t, err)

		_, err = s.Get(ctx, "alice", "c1")
		assert.ErrorIs(t, err, errors.ErrSessionExpired)
	})

	t.Run("re-exchange updates in place", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)

		first, err := s.Put(ctx, "alice", "c1", key(1), time.Hour)
		require.NoError(t, err)

		clock.Advance(30 * time.Minute)
		second, err := s.Put(ctx, "alice", "c1", key(2), time.Hour)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
		assert.True(t, second.ExpiresAt.After(first.ExpiresAt))

		got, err := s.Get(ctx, "alice", "c1")
		require.NoError(t, err)
		assert.Equal(t, key(2), got.AESKey)

		active, err := s.ListActive(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})

	t.Run("expiry and sweep", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock.Now)

		_, err := s.Put(ctx, "alice", "short", key(1), time.Hour)
		require.NoError(t, err)
		_, err = s.Put(ctx, "alice", "long", key(2), 3*time.Hour)
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)

		_, err = s.Get(ctx, "alice", "short")
		assert.ErrorIs(t, err, errors.ErrSessionExpired)

		n, err := s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = s.Get(ctx, "alice", "long")
		assert.NoError(t, err)
	})

	t.Run("deactivate", func(t *testing.T) {
		s := newStore(t, newFakeClock().Now)

		_, err := s.Put(ctx, "alice", "c1", key(1), time.Hour)
		require.NoError(t, err)
		require.NoError(t, s.Deactivate(ctx, "alice", "c1"))

		_, err = s.Get(ctx, "alice", "c1")
		assert.ErrorIs(t, err, errors.ErrSessionExpired)

		// unknown pairs are a no-op
		assert.NoError(t, s.Deactivate(ctx, "bob", "c9"))

		_, err = s.Put(ctx, "alice", "c1", key(3), time.Hour)
		require.NoError(t, err)
		_, err = s.Get(ctx, "alice", "c1")
		assert.NoError(t, err)
	})

	t.Run("list active filters by user", func(t *testing.T) {
		s := newStore(t, newFakeClock().Now)

		for _, p := range [][2]string{{"alice", "c1"}, {"alice", "c2"}, {"bob", "c3"}} {
			_, err := s.Put(ctx, p[0], p[1], key(1), time.Hour)
			require.NoError(t, err)
		}
		require.NoError(t, s.Deactivate(ctx, "alice", "c2"))

		alice, err := s.ListActive(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, alice, 1)
		assert.Equal(t, "c1", alice[0].ConnectionID)

		all, err := s.ListActive(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("ids containing separators stay distinct", func(t *testing.T) {
		s := newStore(t, newFakeClock().Now)

		_, err := s.Put(ctx, "a:b", "c", key(1), time.Hour)
		require.NoError(t, err)

		_, err = s.Get(ctx, "a", "b:c")
		assert.ErrorIs(t, err, errors.ErrSessionExpired)

		_, err = s.Put(ctx, "a", "b:c", key(2), time.Hour)
		require.NoError(t, err)

		first, err := s.Get(ctx, "a:b", "c")
		require.NoError(t, err)
		assert.Equal(t, key(1), first.AESKey)
		assert.Equal(t, "a:b", first.UserID)

		second, err := s.Get(ctx, "a", "b:c")
		require.NoError(t, err)
		assert.Equal(t, key(2), second.AESKey)
		assert.NotEqual(t, first.ID, second.ID)

		onlyA, err := s.ListActive(ctx, "a")
		require.NoError(t, err)
		require.Len(t, onlyA, 1)
		assert.Equal(t, "b:c", onlyA[0].ConnectionID)
	})

	t.Run("empty ids rejected", func(t *testing.T) {
		s := newStore(t, newFakeClock().Now)

		_, err := s.Put(ctx, "", "c1", key(1), time.Hour)
		assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
	})

	t.Run("concurrent puts on distinct pairs", func(t *testing.T) {
		s := newStore(t, newFakeClock().Now)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Put(ctx, "user", fmt.Sprintf("conn-%d", i), key(byte(i)), time.Hour)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		all, err := s.ListActive(ctx, "user")
		require.NoError(t, err)
		assert.Len(t, all, 20)
	})
}
