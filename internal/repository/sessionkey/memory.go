package sessionkey

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"securechat/internal/model"
	"securechat/pkg/errors"
)

const shardCount = 32

type (
	recordKey struct {
		userID       string
		connectionID string
	}

	shard struct {
		mu      sync.RWMutex
		records map[recordKey]*model.SessionKeyRecord
	}

	// MemoryStore keeps records in process memory. Keys are spread across
	// shards so writers for unrelated connections rarely contend.
	MemoryStore struct {
		shards [shardCount]*shard
		clock  Clock
	}
)

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	s := &MemoryStore{clock: o.clock}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[recordKey]*model.SessionKeyRecord)}
	}
	return s
}

func (s *MemoryStore) shardFor(k recordKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.connectionID))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Put(_ context.Context, userID, connectionID string, aesKey []byte, ttl time.Duration) (*model.SessionKeyRecord, error) {
	if userID == "" || connectionID == "" {
		return nil, errors.InvalidArg("user id and connection id are required")
	}

	k := recordKey{userID, connectionID}
	sh := s.shardFor(k)
	now := s.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[k]
	if !ok {
		rec = &model.SessionKeyRecord{
			ID:           uuid.NewString(),
			UserID:       userID,
			ConnectionID: connectionID,
			CreatedAt:    now,
		}
		sh.records[k] = rec
	}
	rec.AESKey = append([]byte(nil), aesKey...)
	rec.ExpiresAt = now.Add(ttl)
	rec.IsActive = true

	return rec.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, userID, connectionID string) (*model.SessionKeyRecord, error) {
	k := recordKey{userID, connectionID}
	sh := s.shardFor(k)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[k]
	if !ok || !rec.Live(s.clock()) {
		return nil, errors.ErrSessionExpired
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	now := s.clock()
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.records {
			if !now.Before(rec.ExpiresAt) {
				delete(sh.records, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) ListActive(_ context.Context, userID string) ([]*model.SessionKeyRecord, error) {
	now := s.clock()
	out := []*model.SessionKeyRecord{}

	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, rec := range sh.records {
			if userID != "" && k.userID != userID {
				continue
			}
			if rec.Live(now) {
				out = append(out, rec.Clone())
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Deactivate(_ context.Context, userID, connectionID string) error {
	k := recordKey{userID, connectionID}
	sh := s.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[k]; ok {
		rec.IsActive = false
	}
	return nil
}
