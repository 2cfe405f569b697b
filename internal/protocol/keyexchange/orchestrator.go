// Package keyexchange runs the per-connection handshake that hands each
// client a fresh AES session key encrypted under its own RSA public key.
package keyexchange

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"sync"
	"time"

	"go.uber.org/zap"

	"securechat/internal/cryptographic/asymmetric"
	"securechat/internal/cryptographic/encryption"
	"securechat/internal/metrics"
	"securechat/internal/model"
	"securechat/internal/repository/sessionkey"
	"securechat/internal/utils/log"
	"securechat/pkg/errors"
)

// Errors sent back to the peer. Causes stay in the server log.
var (
	ErrInvalidPublicKey = errors.InvalidArg("invalid public key")
	ErrExchangeFailed   = errors.Internal("failed to exchange keys")
)

type State int

const (
	NoKeys State = iota
	AwaitingExchange
	Exchanged
)

func (s State) String() string {
	switch s {
	case AwaitingExchange:
		return "AwaitingExchange"
	case Exchanged:
		return "Exchanged"
	default:
		return "NoKeys"
	}
}

// KeyProvider is the RSA side of the handshake.
type KeyProvider interface {
	ExportPublicKey(format asymmetric.Format) ([]byte, error)
	ImportPublicKey(data []byte) (*rsa.PublicKey, asymmetric.Format, error)
	Encrypt(plaintext []byte, peer *rsa.PublicKey) ([]byte, error)
}

type (
	connection struct {
		mu    sync.Mutex
		state State
	}

	Orchestrator struct {
		provider KeyProvider
		store    sessionkey.Store
		ttl      time.Duration
		newKey   func() ([]byte, error)

		mu    sync.Mutex
		conns map[string]*connection
	}
)

func NewOrchestrator(provider KeyProvider, store sessionkey.Store, ttl time.Duration) *Orchestrator {
	if ttl <= 0 {
		ttl = sessionkey.DefaultTTL
	}
	return &Orchestrator{
		provider: provider,
		store:    store,
		ttl:      ttl,
		newKey:   encryption.GenerateKey,
		conns:    make(map[string]*connection),
	}
}

// Join moves connectionID from NoKeys to AwaitingExchange. Joining an
// already known connection leaves its state alone.
func (o *Orchestrator) Join(connectionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.conns[connectionID]; !ok {
		o.conns[connectionID] = &connection{state: AwaitingExchange}
	}
}

func (o *Orchestrator) State(connectionID string) State {
	c := o.lookup(connectionID)
	if c == nil {
		return NoKeys
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (o *Orchestrator) lookup(connectionID string) *connection {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conns[connectionID]
}

// ExchangeKeys imports the peer key, generates an AES-128 key, encrypts it
// for the peer and only then stores it. Exchanges on one connection run one
// at a time; a failure leaves the previous state and record untouched.
func (o *Orchestrator) ExchangeKeys(ctx context.Context, userID, connectionID string, peerPublicKey []byte) (*model.KeysExchanged, error) {
	c := o.lookup(connectionID)
	if c == nil {
		return nil, errors.ErrNotJoined
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// closed while we waited for the lock
	if c.state == NoKeys {
		return nil, errors.ErrNotJoined
	}

	res, err := o.exchange(ctx, userID, connectionID, peerPublicKey)
	metrics.KeyExchangeCounter.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		return nil, err
	}

	c.state = Exchanged
	return res, nil
}

func (o *Orchestrator) exchange(ctx context.Context, userID, connectionID string, peerPublicKey []byte) (*model.KeysExchanged, error) {
	fields := []zap.Field{zap.String("user_id", userID), zap.String("connection_id", connectionID)}

	peer, format, err := o.provider.ImportPublicKey(peerPublicKey)
	if err != nil {
		log.Warn("import peer public key failed", append(fields, zap.Error(err))...)
		return nil, errors.Wrap(errors.CodeInvalidArgument, "invalid public key", err)
	}

	aesKey, err := o.newKey()
	if err != nil {
		log.Error("generate session key failed", append(fields, zap.Error(err))...)
		return nil, errors.Wrap(errors.CodeInternal, "failed to exchange keys", err)
	}

	encrypted, err := o.provider.Encrypt(aesKey, peer)
	if err != nil {
		log.Error("encrypt session key failed", append(fields, zap.Error(err))...)
		return nil, errors.Wrap(errors.CodeInternal, "failed to exchange keys", err)
	}

	serverKey, err := o.provider.ExportPublicKey(asymmetric.FormatSPKI)
	if err != nil {
		log.Error("export server public key failed", append(fields, zap.Error(err))...)
		return nil, errors.Wrap(errors.CodeInternal, "failed to exchange keys", err)
	}

	if _, err := o.store.Put(ctx, userID, connectionID, aesKey, o.ttl); err != nil {
		log.Error("store session key failed", append(fields, zap.Error(err))...)
		return nil, errors.Wrap(errors.CodeInternal, "failed to exchange keys", err)
	}

	log.Info("keys exchanged", append(fields, zap.String("peer_key_format", string(format)))...)

	return &model.KeysExchanged{
		ServerPublicKey: base64.StdEncoding.EncodeToString(serverKey),
		EncryptedAESKey: base64.StdEncoding.EncodeToString(encrypted),
	}, nil
}

// SessionKey returns the AES key of an exchanged connection. It fails with
// errors.ErrSessionExpired once the stored record is gone or stale.
func (o *Orchestrator) SessionKey(ctx context.Context, userID, connectionID string) ([]byte, error) {
	if o.State(connectionID) != Exchanged {
		return nil, errors.ErrSessionExpired
	}

	rec, err := o.store.Get(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	return rec.AESKey, nil
}

// Close forgets the connection and deactivates its session key.
func (o *Orchestrator) Close(ctx context.Context, userID, connectionID string) error {
	o.mu.Lock()
	c, ok := o.conns[connectionID]
	delete(o.conns, connectionID)
	o.mu.Unlock()

	if !ok {
		return nil
	}

	// wait for an in-flight exchange so it cannot store after we deactivate
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = NoKeys
	return o.store.Deactivate(ctx, userID, connectionID)
}
