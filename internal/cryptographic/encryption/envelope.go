package encryption

import (
	"encoding/base64"

	appErrors "securechat/pkg/errors"
)

// Seal encrypts plaintext and returns base64(iv || ciphertext) together with
// the base64 IV.
func Seal(plaintext string, key []byte) (content, iv string, err error) {
	rawIV, ct, err := Encrypt(plaintext, key)
	if err != nil {
		return "", "", err
	}

	payload := make([]byte, 0, len(rawIV)+len(ct))
	payload = append(payload, rawIV...)
	payload = append(payload, ct...)

	return base64.StdEncoding.EncodeToString(payload), base64.StdEncoding.EncodeToString(rawIV), nil
}

// Open decodes base64(iv || ciphertext) and decrypts it. Length checks run
// before any AES transform.
func Open(content string, key []byte) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", appErrors.Decryption("content is not valid base64")
	}

	if len(payload) < MinPayloadSize {
		return "", appErrors.Decryption("payload shorter than iv plus one block")
	}

	return Decrypt(payload[:IVSize], payload[IVSize:], key)
}
