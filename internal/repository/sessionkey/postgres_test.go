package sessionkey

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/pkg/errors"
)

var recordColumns = []string{"id", "user_id", "connection_id", "aes_key", "created_at", "expires_at", "is_active"}

func newMockStore(t *testing.T, clock Clock) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	return NewPostgresStore(db, WithClock(clock)), mock
}

func TestPostgresStore_Put(t *testing.T) {
	clock := newFakeClock()
	s, mock := newMockStore(t, clock.Now)
	created := clock.Now().Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO session_keys")).
		WithArgs(sqlmock.AnyArg(), "alice", "c1", key(1), clock.Now(), clock.Now().Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("rec-1", created))

	rec, err := s.Put(context.Background(), "alice", "c1", key(1), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, created, rec.CreatedAt)
	assert.True(t, rec.IsActive)
	assert.Equal(t, key(1), rec.AESKey)
}

func TestPostgresStore_PutError(t *testing.T) {
	s, mock := newMockStore(t, time.Now)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO session_keys")).
		WillReturnError(sql.ErrConnDone)

	_, err := s.Put(context.Background(), "alice", "c1", key(1), time.Hour)
	assert.Equal(t, errors.CodeInternal, errors.CodeOf(err))
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPostgresStore_Get(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()

	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		wantErr error
	}{
		{
			name: "live",
			rows: sqlmock.NewRows(recordColumns).
				AddRow("rec-1", "alice", "c1", key(1), now, now.Add(time.Hour), true),
		},
		{
			name: "expired",
			rows: sqlmock.NewRows(recordColumns).
				AddRow("rec-1", "alice", "c1", key(1), now.Add(-2*time.Hour), now, true),
			wantErr: errors.ErrSessionExpired,
		},
		{
			name: "inactive",
			rows: sqlmock.NewRows(recordColumns).
				AddRow("rec-1", "alice", "c1", key(1), now, now.Add(time.Hour), false),
			wantErr: errors.ErrSessionExpired,
		},
		{
			name:    "missing",
			rows:    sqlmock.NewRows(recordColumns),
			wantErr: errors.ErrSessionExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t, clock.Now)
			mock.ExpectQuery(regexp.QuoteMeta("FROM session_keys WHERE user_id = $1 AND connection_id = $2")).
				WithArgs("alice", "c1").
				WillReturnRows(tt.rows)

			rec, err := s.Get(context.Background(), "alice", "c1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, key(1), rec.AESKey)
		})
	}
}

func TestPostgresStore_SweepExpired(t *testing.T) {
	clock := newFakeClock()
	s, mock := newMockStore(t, clock.Now)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM session_keys WHERE expires_at <= $1")).
		WithArgs(clock.Now()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresStore_ListActive(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	s, mock := newMockStore(t, clock.Now)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_active AND expires_at > $1")).
		WithArgs(now, "alice").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("rec-1", "alice", "c1", key(1), now, now.Add(time.Hour), true).
			AddRow("rec-2", "alice", "c2", key(2), now, now.Add(time.Hour), true))

	recs, err := s.ListActive(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c2", recs[1].ConnectionID)
}

func TestPostgresStore_Deactivate(t *testing.T) {
	s, mock := newMockStore(t, time.Now)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE session_keys SET is_active = FALSE")).
		WithArgs("alice", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Deactivate(context.Background(), "alice", "c1"))
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	s, mock := newMockStore(t, time.Now)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS session_keys")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
}
