package asymmetric

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	appErrors "securechat/pkg/errors"
)

// Format names a key encoding.
type Format string

const (
	FormatSPKI         Format = "spki"
	FormatPKCS1        Format = "pkcs1"
	FormatSSH          Format = "ssh-rsa"
	FormatPKCS8        Format = "pkcs8"
	FormatPKCS1Private Format = "pkcs1-private"
)

type (
	publicDecoder struct {
		format Format
		decode func([]byte) (*rsa.PublicKey, error)
	}

	privateDecoder struct {
		format Format
		decode func([]byte) (*rsa.PrivateKey, error)
	}
)

// Tried in order; the first decoder that parses wins. Browsers emit SPKI
// while many server libraries default to PKCS#1.
var (
	publicDecoders = []publicDecoder{
		{FormatSPKI, parseSPKI},
		{FormatPKCS1, x509.ParsePKCS1PublicKey},
		{FormatSSH, parseAuthorizedKey},
	}

	privateDecoders = []privateDecoder{
		{FormatPKCS8, parsePKCS8},
		{FormatPKCS1Private, x509.ParsePKCS1PrivateKey},
	}
)

// ImportPublicKey parses an RSA public key in any supported format, DER or
// PEM, and reports which format matched.
func ImportPublicKey(data []byte) (*rsa.PublicKey, Format, error) {
	der := unwrapPEM(data)

	var errs []error
	for _, d := range publicDecoders {
		key, err := d.decode(der)
		if err == nil {
			return key, d.format, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.format, err))
	}

	return nil, "", appErrors.InvalidKeyFormat(appErrors.CryptoOperation(appErrors.OpImport, errors.Join(errs...)))
}

// ImportPrivateKey parses an RSA private key as PKCS#8, then PKCS#1.
func ImportPrivateKey(data []byte) (*rsa.PrivateKey, Format, error) {
	der := unwrapPEM(data)

	var errs []error
	for _, d := range privateDecoders {
		key, err := d.decode(der)
		if err == nil {
			return key, d.format, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.format, err))
	}

	return nil, "", appErrors.InvalidKeyFormat(appErrors.CryptoOperation(appErrors.OpImport, errors.Join(errs...)))
}

func unwrapPEM(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		return data
	}

	block, _ := pem.Decode(trimmed)
	if block == nil {
		return data
	}
	return block.Bytes
}

func parseSPKI(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key: %T", key)
	}
	return pub, nil
}

func parsePKCS8(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}

	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key: %T", key)
	}
	return priv, nil
}

// parseAuthorizedKey accepts an OpenSSH "ssh-rsa AAAA..." line.
func parseAuthorizedKey(data []byte) (*rsa.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, err
	}

	cpk, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported ssh key type %s", key.Type())
	}

	pub, ok := cpk.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key: %s", key.Type())
	}
	return pub, nil
}
