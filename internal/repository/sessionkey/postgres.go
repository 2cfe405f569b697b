package sessionkey

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"securechat/internal/model"
	"securechat/pkg/errors"
)

const schema = `CREATE TABLE IF NOT EXISTS session_keys (
	id            UUID PRIMARY KEY,
	user_id       TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	aes_key       BYTEA NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (user_id, connection_id)
)`

// PostgresStore relies on the (user_id, connection_id) unique constraint
// and ON CONFLICT so the upsert is a single row-locked statement.
type PostgresStore struct {
	db    *sql.DB
	clock Clock
}

func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	o := newOptions(opts)
	return &PostgresStore{db: db, clock: o.clock}
}

// OpenPostgres opens a lib/pq connection pool and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, userID, connectionID string, aesKey []byte, ttl time.Duration) (*model.SessionKeyRecord, error) {
	if userID == "" || connectionID == "" {
		return nil, errors.InvalidArg("user id and connection id are required")
	}

	now := s.clock()
	rec := &model.SessionKeyRecord{
		UserID:       userID,
		ConnectionID: connectionID,
		AESKey:       append([]byte(nil), aesKey...),
		ExpiresAt:    now.Add(ttl),
		IsActive:     true,
	}

	query := `INSERT INTO session_keys (id, user_id, connection_id, aes_key, created_at, expires_at, is_active)
			  VALUES ($1, $2, $3, $4, $5, $6, TRUE)
			  ON CONFLICT (user_id, connection_id) DO UPDATE
			  SET aes_key = EXCLUDED.aes_key,
			      expires_at = EXCLUDED.expires_at,
			      is_active = TRUE
			  RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		uuid.NewString(),
		userID,
		connectionID,
		rec.AESKey,
		now,
		rec.ExpiresAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to store session key", err)
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, connectionID string) (*model.SessionKeyRecord, error) {
	query := `SELECT id, user_id, connection_id, aes_key, created_at, expires_at, is_active
			  FROM session_keys WHERE user_id = $1 AND connection_id = $2`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, userID, connectionID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrSessionExpired
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to get session key", err)
	}

	if !rec.Live(s.clock()) {
		return nil, errors.ErrSessionExpired
	}
	return rec, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_keys WHERE expires_at <= $1`, s.clock())
	if err != nil {
		return 0, errors.Wrap(errors.CodeInternal, "failed to sweep session keys", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.CodeInternal, "failed to sweep session keys", err)
	}
	return int(n), nil
}

func (s *PostgresStore) ListActive(ctx context.Context, userID string) ([]*model.SessionKeyRecord, error) {
	query := `SELECT id, user_id, connection_id, aes_key, created_at, expires_at, is_active
			  FROM session_keys
			  WHERE is_active AND expires_at > $1 AND ($2 = '' OR user_id = $2)
			  ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, s.clock(), userID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to list session keys", err)
	}
	defer rows.Close()

	out := []*model.SessionKeyRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(errors.CodeInternal, "failed to list session keys", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to list session keys", err)
	}
	return out, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, userID, connectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_keys SET is_active = FALSE WHERE user_id = $1 AND connection_id = $2`,
		userID, connectionID,
	)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to deactivate session key", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.SessionKeyRecord, error) {
	var rec model.SessionKeyRecord
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.ConnectionID,
		&rec.AESKey,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
