package sessionkey

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"securechat/internal/model"
	redisSvc "securechat/internal/service/redis"
	"securechat/pkg/errors"
)

const (
	redisKeyPrefix = "sessionkey:"

	fieldID           = "id"
	fieldUserID       = "user_id"
	fieldConnectionID = "connection_id"
	fieldAESKey       = "aes_key"
	fieldCreatedAt    = "created_at"
	fieldExpiresAt    = "expires_at"
	fieldIsActive     = "is_active"

	maxWatchRetries = 5
)

var errKeyCollision = stderrors.New("redis key holds a record of another pair")

// RedisStore keeps one hash per (user, connection). Upserts run under
// WATCH so a concurrent re-exchange of the same pair retries instead of
// interleaving. Redis also expires each hash via PEXPIREAT.
type RedisStore struct {
	redis *redisSvc.RedisService
	clock Clock
}

func NewRedisStore(r *redisSvc.RedisService, opts ...Option) *RedisStore {
	o := newOptions(opts)
	return &RedisStore{redis: r, clock: o.clock}
}

// redisKey encodes both ids so no two pairs share a key; base64url never
// contains ':' or glob metacharacters.
func redisKey(userID, connectionID string) string {
	return redisUserPrefix(userID) + base64.RawURLEncoding.EncodeToString([]byte(connectionID))
}

func redisUserPrefix(userID string) string {
	return redisKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(userID)) + ":"
}

func owns(rec *model.SessionKeyRecord, userID, connectionID string) bool {
	return rec.UserID == userID && rec.ConnectionID == connectionID
}

func (s *RedisStore) Put(ctx context.Context, userID, connectionID string, aesKey []byte, ttl time.Duration) (*model.SessionKeyRecord, error) {
	if userID == "" || connectionID == "" {
		return nil, errors.InvalidArg("user id and connection id are required")
	}

	key := redisKey(userID, connectionID)
	var rec *model.SessionKeyRecord

	txf := func(tx *goredis.Tx) error {
		now := s.clock()

		existing, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		rec = &model.SessionKeyRecord{
			ID:           uuid.NewString(),
			UserID:       userID,
			ConnectionID: connectionID,
			CreatedAt:    now,
		}
		old, err := decodeHash(existing)
		if err == nil && old != nil {
			if !owns(old, userID, connectionID) {
				return errKeyCollision
			}
			rec.ID = old.ID
			rec.CreatedAt = old.CreatedAt
		}
		rec.AESKey = append([]byte(nil), aesKey...)
		rec.ExpiresAt = now.Add(ttl)
		rec.IsActive = true

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeHash(rec))
			pipe.PExpireAt(ctx, key, rec.ExpiresAt)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return rec.Clone(), nil
		}
		if stderrors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return nil, errors.Wrap(errors.CodeInternal, "failed to store session key", err)
	}

	return nil, errors.Internal("failed to store session key: too much contention")
}

func (s *RedisStore) Get(ctx context.Context, userID, connectionID string) (*model.SessionKeyRecord, error) {
	fields, err := s.redis.HGetAll(ctx, redisKey(userID, connectionID))
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to get session key", err)
	}

	rec, err := decodeHash(fields)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to decode session key", err)
	}
	if rec == nil || !owns(rec, userID, connectionID) || !rec.Live(s.clock()) {
		return nil, errors.ErrSessionExpired
	}
	return rec, nil
}

func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.redis.Scan(ctx, redisKeyPrefix+"*")
	if err != nil {
		return 0, errors.Wrap(errors.CodeInternal, "failed to scan session keys", err)
	}

	now := s.clock()
	removed := 0
	for _, key := range keys {
		raw, err := s.redis.HGet(ctx, key, fieldExpiresAt)
		if stderrors.Is(err, redisSvc.Nil) {
			continue
		}
		if err != nil {
			return removed, errors.Wrap(errors.CodeInternal, "failed to read session key", err)
		}

		expiresAt, err := parseUnixNano(raw)
		if err == nil && now.Before(expiresAt) {
			continue
		}

		n, err := s.redis.Del(ctx, key)
		if err != nil {
			return removed, errors.Wrap(errors.CodeInternal, "failed to delete session key", err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *RedisStore) ListActive(ctx context.Context, userID string) ([]*model.SessionKeyRecord, error) {
	pattern := redisKeyPrefix + "*"
	if userID != "" {
		pattern = redisUserPrefix(userID) + "*"
	}

	keys, err := s.redis.Scan(ctx, pattern)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to scan session keys", err)
	}

	now := s.clock()
	out := []*model.SessionKeyRecord{}
	for _, key := range keys {
		fields, err := s.redis.HGetAll(ctx, key)
		if err != nil {
			return nil, errors.Wrap(errors.CodeInternal, "failed to get session key", err)
		}
		rec, err := decodeHash(fields)
		if err != nil || rec == nil {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		if rec.Live(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) Deactivate(ctx context.Context, userID, connectionID string) error {
	key := redisKey(userID, connectionID)

	err := s.redis.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldIsActive, "0")
			return nil
		})
		return err
	}, key)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to deactivate session key", err)
	}
	return nil
}

func encodeHash(rec *model.SessionKeyRecord) map[string]any {
	active := "0"
	if rec.IsActive {
		active = "1"
	}
	return map[string]any{
		fieldID:           rec.ID,
		fieldUserID:       rec.UserID,
		fieldConnectionID: rec.ConnectionID,
		fieldAESKey:       base64.StdEncoding.EncodeToString(rec.AESKey),
		fieldCreatedAt:    strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
		fieldExpiresAt:    strconv.FormatInt(rec.ExpiresAt.UnixNano(), 10),
		fieldIsActive:     active,
	}
}

// decodeHash returns nil, nil for an empty hash.
func decodeHash(fields map[string]string) (*model.SessionKeyRecord, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	aesKey, err := base64.StdEncoding.DecodeString(fields[fieldAESKey])
	if err != nil {
		return nil, err
	}
	createdAt, err := parseUnixNano(fields[fieldCreatedAt])
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseUnixNano(fields[fieldExpiresAt])
	if err != nil {
		return nil, err
	}

	return &model.SessionKeyRecord{
		ID:           fields[fieldID],
		UserID:       fields[fieldUserID],
		ConnectionID: fields[fieldConnectionID],
		AESKey:       aesKey,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
		IsActive:     fields[fieldIsActive] == "1",
	}, nil
}

func parseUnixNano(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
