package asymmetric

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"securechat/internal/metrics"
	appErrors "securechat/pkg/errors"
)

const (
	DefaultKeyBits = 2048
	MinKeyBits     = 512

	// MinExchangeKeyBits is the smallest modulus used for key exchange.
	// OAEP-SHA256 carries at most k-66 bytes, so smaller keys cannot hold
	// an AES-128 session key with room to spare.
	MinExchangeKeyBits = 1024

	DefaultKeyTTL = 24 * time.Hour
)

// KeyPair holds an RSA key pair together with its DER encodings. ExpiresAt
// is advisory; nothing rotates the pair automatically.
type KeyPair struct {
	PublicKey  []byte // SPKI DER
	PrivateKey []byte // PKCS#8 DER
	CreatedAt  time.Time
	ExpiresAt  time.Time

	priv *rsa.PrivateKey
}

// CheckExchangeBits rejects modulus sizes too small to receive a session key.
func CheckExchangeBits(bits int) error {
	if bits < MinExchangeKeyBits {
		return appErrors.KeyGeneration(fmt.Errorf("key size %d below exchange minimum %d", bits, MinExchangeKeyBits))
	}
	return nil
}

// GenerateKeyPair creates a new RSA key pair from crypto/rand.
func GenerateKeyPair(bits int, ttl time.Duration) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, appErrors.KeyGeneration(fmt.Errorf("key size %d below minimum %d", bits, MinKeyBits))
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, appErrors.KeyGeneration(err)
	}

	return newKeyPair(priv, ttl)
}

// LoadKeyPair builds a key pair from an existing private key in PKCS#8 or
// PKCS#1 form, DER or PEM.
func LoadKeyPair(data []byte, ttl time.Duration) (*KeyPair, error) {
	priv, _, err := ImportPrivateKey(data)
	if err != nil {
		return nil, err
	}
	return newKeyPair(priv, ttl)
}

func newKeyPair(priv *rsa.PrivateKey, ttl time.Duration) (*KeyPair, error) {
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, appErrors.KeyGeneration(err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, appErrors.KeyGeneration(err)
	}

	now := time.Now().UTC()
	return &KeyPair{
		PublicKey:  pub,
		PrivateKey: der,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		priv:       priv,
	}, nil
}

func (k *KeyPair) Public() *rsa.PublicKey {
	return &k.priv.PublicKey
}

func (k *KeyPair) Bits() int {
	return k.priv.N.BitLen()
}

func (k *KeyPair) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// ExportPublicKey encodes the public half in the requested format.
func (k *KeyPair) ExportPublicKey(format Format) ([]byte, error) {
	switch format {
	case FormatSPKI:
		return append([]byte(nil), k.PublicKey...), nil
	case FormatPKCS1:
		return x509.MarshalPKCS1PublicKey(&k.priv.PublicKey), nil
	default:
		return nil, appErrors.InvalidKeyFormat(fmt.Errorf("cannot export public key as %q", format))
	}
}

// PrivateKeyPEM returns the private key as a PKCS#8 PEM block.
func (k *KeyPair) PrivateKeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: k.PrivateKey})
}

// Decrypt is RSA-OAEP(SHA-256) decryption with this pair's private key.
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	return Decrypt(ciphertext, k.priv)
}

// MaxPlaintextSize is the OAEP-SHA256 payload limit for pub.
func MaxPlaintextSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Encrypt is RSA-OAEP(SHA-256) encryption for pub. Only small payloads such
// as AES keys fit.
func Encrypt(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil || pub.N == nil {
		return nil, appErrors.CryptoOperation(appErrors.OpEncrypt, fmt.Errorf("missing public key"))
	}
	if len(plaintext) > MaxPlaintextSize(pub) {
		return nil, appErrors.CryptoOperation(appErrors.OpEncrypt,
			fmt.Errorf("plaintext of %d bytes exceeds %d", len(plaintext), MaxPlaintextSize(pub)))
	}

	metrics.RsaEncryptCounter.Inc()
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, appErrors.CryptoOperation(appErrors.OpEncrypt, err)
	}
	return ct, nil
}

func Decrypt(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, appErrors.CryptoOperation(appErrors.OpDecrypt, fmt.Errorf("missing private key"))
	}

	metrics.RsaDecryptCounter.Inc()
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, appErrors.CryptoOperation(appErrors.OpDecrypt, err)
	}
	return pt, nil
}
