package asymmetric

import (
	"crypto/rsa"
)

// Provider owns one key pair and performs the RSA side of the handshake.
// It is built once by the process composition root and injected where
// needed.
type Provider struct {
	pair *KeyPair
}

func NewProvider(pair *KeyPair) *Provider {
	return &Provider{pair: pair}
}

func (p *Provider) KeyPair() *KeyPair {
	return p.pair
}

func (p *Provider) ExportPublicKey(format Format) ([]byte, error) {
	return p.pair.ExportPublicKey(format)
}

func (p *Provider) ImportPublicKey(data []byte) (*rsa.PublicKey, Format, error) {
	return ImportPublicKey(data)
}

func (p *Provider) Encrypt(plaintext []byte, peer *rsa.PublicKey) ([]byte, error) {
	return Encrypt(plaintext, peer)
}

func (p *Provider) Decrypt(ciphertext []byte) ([]byte, error) {
	return p.pair.Decrypt(ciphertext)
}
