package errors

import "fmt"

// Operation tags carried by CryptoOperation errors.
const (
	OpEncrypt = "encrypt"
	OpDecrypt = "decrypt"
	OpImport  = "import"
)

var (
	ErrKeyGeneration     = Internal("key generation failed")
	ErrInvalidKeyFormat  = InvalidArg("invalid key format")
	ErrCryptoOperation   = Internal("crypto operation failed")
	ErrInvalidKeyLength  = InvalidArg("invalid key length")
	ErrDecryption        = InvalidArg("decryption failed")
	ErrSessionExpired    = Unauthorized("session expired")
	ErrSessionKeyMissing = FailedPrecondition("no session key")
	ErrNotJoined         = FailedPrecondition("join required")
)

func KeyGeneration(cause error) error {
	return Wrap(CodeInternal, "key generation failed", cause)
}

func InvalidKeyFormat(cause error) error {
	return Wrap(CodeInvalidArgument, "invalid key format", cause)
}

// CryptoOperation hides a primitive failure behind a single error carrying
// the operation tag.
func CryptoOperation(op string, cause error) error {
	return &AppError{Code: CodeInternal, Message: "crypto operation failed", Op: op, Cause: cause}
}

func InvalidKeyLength(got, want int) error {
	return Wrap(CodeInvalidArgument, "invalid key length", fmt.Errorf("got %d bytes, want %d", got, want))
}

func Decryption(reason string) error {
	return Wrap(CodeInvalidArgument, "decryption failed", fmt.Errorf("%s", reason))
}

// OpOf returns the operation tag of a CryptoOperation error, if any.
func OpOf(err error) string {
	for err != nil {
		if ae, ok := err.(*AppError); ok && ae.Op != "" {
			return ae.Op
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}
