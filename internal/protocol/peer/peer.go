// Package peer is the client end of the handshake. It owns a client RSA
// pair, receives the session key, and encrypts and decrypts messages locally.
package peer

import (
	"crypto/rsa"
	"encoding/base64"
	"sync"

	"github.com/awnumar/memguard"

	"securechat/internal/cryptographic/asymmetric"
	"securechat/internal/cryptographic/encryption"
	"securechat/internal/model"
	"securechat/pkg/errors"
)

// Sink delivers an encrypted outgoing message to the transport.
type Sink func(*model.SendMessageRequest) error

type (
	outgoing struct {
		receiverID string
		text       string
	}

	// Peer holds connection-scoped state only. Messages sent before the
	// session key arrives are queued and flushed in order once it does.
	Peer struct {
		pair *asymmetric.KeyPair
		sink Sink

		mu        sync.Mutex
		key       *memguard.Enclave
		serverKey *rsa.PublicKey
		queue     []outgoing
	}
)

// New generates a key pair of the given size for this peer. Sizes below
// asymmetric.MinExchangeKeyBits are refused.
func New(bits int, sink Sink) (*Peer, error) {
	if err := asymmetric.CheckExchangeBits(bits); err != nil {
		return nil, err
	}
	pair, err := asymmetric.GenerateKeyPair(bits, asymmetric.DefaultKeyTTL)
	if err != nil {
		return nil, err
	}
	return NewWithKeyPair(pair, sink), nil
}

func NewWithKeyPair(pair *asymmetric.KeyPair, sink Sink) *Peer {
	return &Peer{pair: pair, sink: sink}
}

// PublicKey is the base64 SPKI encoding sent in exchangeKeys.
func (p *Peer) PublicKey() (string, error) {
	der, err := p.pair.ExportPublicKey(asymmetric.FormatSPKI)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func (p *Peer) HasKey() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key != nil
}

func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// HandleKeysExchanged imports the server key and the session key, then
// flushes queued messages. A queued message that fails to send stays at the
// head of the queue.
func (p *Peer) HandleKeysExchanged(res *model.KeysExchanged) error {
	serverDER, err := base64.StdEncoding.DecodeString(res.ServerPublicKey)
	if err != nil {
		return errors.InvalidKeyFormat(err)
	}
	serverKey, _, err := asymmetric.ImportPublicKey(serverDER)
	if err != nil {
		return err
	}

	encrypted, err := base64.StdEncoding.DecodeString(res.EncryptedAESKey)
	if err != nil {
		return errors.Decryption("session key is not base64")
	}
	raw, err := p.pair.Decrypt(encrypted)
	if err != nil {
		return err
	}
	if len(raw) != encryption.KeySize {
		memguard.WipeBytes(raw)
		return errors.InvalidKeyLength(len(raw), encryption.KeySize)
	}

	buf := memguard.NewBufferFromBytes(raw)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.key = buf.Seal()
	p.serverKey = serverKey

	return p.flushLocked()
}

func (p *Peer) flushLocked() error {
	for len(p.queue) > 0 {
		next := p.queue[0]
		if err := p.sendLocked(next.receiverID, next.text); err != nil {
			return err
		}
		p.queue = p.queue[1:]
	}
	p.queue = nil
	return nil
}

// Send encrypts text for the server, or queues it while no session key is
// present. An empty receiverID broadcasts.
func (p *Peer) Send(receiverID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil || len(p.queue) > 0 {
		p.queue = append(p.queue, outgoing{receiverID: receiverID, text: text})
		if p.key == nil {
			return nil
		}
		return p.flushLocked()
	}
	return p.sendLocked(receiverID, text)
}

func (p *Peer) sendLocked(receiverID, text string) error {
	lb, err := p.key.Open()
	if err != nil {
		return errors.CryptoOperation(errors.OpEncrypt, err)
	}
	defer lb.Destroy()

	content, _, err := encryption.Seal(text, lb.Bytes())
	if err != nil {
		return err
	}

	return p.sink(&model.SendMessageRequest{
		ReceiverID:  receiverID,
		Content:     content,
		MessageType: model.MessageTypeText,
	})
}

// Decrypt opens an inbound envelope. Without a session key it fails with
// errors.ErrSessionKeyMissing.
func (p *Peer) Decrypt(env *model.Envelope) (string, error) {
	p.mu.Lock()
	key := p.key
	p.mu.Unlock()

	if key == nil {
		return "", errors.ErrSessionKeyMissing
	}

	lb, err := key.Open()
	if err != nil {
		return "", errors.CryptoOperation(errors.OpDecrypt, err)
	}
	defer lb.Destroy()

	return encryption.Open(env.Content, lb.Bytes())
}

// Reset drops the session key, for example after a reconnect. Queued
// messages are kept.
func (p *Peer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.key = nil
	p.serverKey = nil
}

// ServerPublicKey is nil until a key exchange has completed.
func (p *Peer) ServerPublicKey() *rsa.PublicKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverKey
}
