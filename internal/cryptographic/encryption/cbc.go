package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	appErrors "securechat/pkg/errors"
)

const (
	// KeySize is the AES-128 session key length in bytes.
	KeySize = 16
	// IVSize is the CBC initialisation vector length in bytes.
	IVSize = aes.BlockSize
	// MinPayloadSize is an IV followed by at least one cipher block.
	MinPayloadSize = IVSize + aes.BlockSize
)

// GenerateKey returns a fresh random AES-128 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, appErrors.KeyGeneration(fmt.Errorf("rand.Read key: %w", err))
	}
	return key, nil
}

// Encrypt applies AES-128-CBC with PKCS#7 padding under a new random IV.
// The IV and ciphertext are returned separately; see Seal for the wire form.
func Encrypt(plaintext string, key []byte) (iv, ciphertext []byte, err error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, appErrors.CryptoOperation(appErrors.OpEncrypt, fmt.Errorf("rand.Read iv: %w", err))
	}

	padded := pad([]byte(plaintext))
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return iv, ciphertext, nil
}

// Decrypt reverses Encrypt. Truncated payloads, partial blocks and bad
// padding all fail with a DecryptionError.
func Decrypt(iv, ciphertext, key []byte) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}

	if len(iv) != IVSize {
		return "", appErrors.Decryption(fmt.Sprintf("iv must be %d bytes, got %d", IVSize, len(iv)))
	}
	if len(iv)+len(ciphertext) < MinPayloadSize {
		return "", appErrors.Decryption("payload shorter than iv plus one block")
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", appErrors.Decryption("ciphertext is not a whole number of blocks")
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, ok := unpad(plain)
	if !ok {
		return "", appErrors.Decryption("padding error")
	}
	return string(unpadded), nil
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, appErrors.InvalidKeyLength(len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, appErrors.CryptoOperation(appErrors.OpEncrypt, fmt.Errorf("aes.NewCipher: %w", err))
	}
	return block, nil
}

// pad adds PKCS#7 padding, always at least one byte.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, false
	}

	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, false
	}

	want := make([]byte, n)
	for i := range want {
		want[i] = byte(n)
	}
	if subtle.ConstantTimeCompare(b[len(b)-n:], want) != 1 {
		return nil, false
	}
	return b[:len(b)-n], true
}
