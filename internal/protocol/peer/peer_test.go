package peer

import (
	"encoding/base64"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/cryptographic/asymmetric"
	"securechat/internal/cryptographic/encryption"
	"securechat/internal/model"
	"securechat/pkg/errors"
)

var (
	pairsOnce  sync.Once
	serverPair *asymmetric.KeyPair
	clientPair *asymmetric.KeyPair
	pairsErr   error
)

func fixtures(t *testing.T) (server, client *asymmetric.KeyPair) {
	t.Helper()
	pairsOnce.Do(func() {
		serverPair, pairsErr = asymmetric.GenerateKeyPair(1024, time.Hour)
		if pairsErr != nil {
			return
		}
		clientPair, pairsErr = asymmetric.GenerateKeyPair(1024, time.Hour)
	})
	require.NoError(t, pairsErr)
	return serverPair, clientPair
}

type recorder struct {
	mu   sync.Mutex
	sent []*model.SendMessageRequest
	err  error
}

func (r *recorder) sink(m *model.SendMessageRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

// keysExchanged builds what the server would answer for client.
func keysExchanged(t *testing.T, server, client *asymmetric.KeyPair, aesKey []byte) *model.KeysExchanged {
	t.Helper()

	serverDER, err := server.ExportPublicKey(asymmetric.FormatSPKI)
	require.NoError(t, err)
	ek, err := asymmetric.Encrypt(aesKey, client.Public())
	require.NoError(t, err)

	return &model.KeysExchanged{
		ServerPublicKey: base64.StdEncoding.EncodeToString(serverDER),
		EncryptedAESKey: base64.StdEncoding.EncodeToString(ek),
	}
}

func openAll(t *testing.T, key []byte, msgs []*model.SendMessageRequest) []string {
	t.Helper()
	var out []string
	for _, m := range msgs {
		pt, err := encryption.Open(m.Content, key)
		require.NoError(t, err)
		out = append(out, pt)
	}
	return out
}

func TestNew_RejectsKeyTooSmallForExchange(t *testing.T) {
	_, err := New(512, func(*model.SendMessageRequest) error { return nil })
	assert.ErrorIs(t, err, errors.ErrKeyGeneration)
}

func TestPeer_PublicKeyIsSPKI(t *testing.T) {
	_, client := fixtures(t)
	p := NewWithKeyPair(client, (&recorder{}).sink)

	b64, err := p.PublicKey()
	require.NoError(t, err)
	der, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)

	_, format, err := asymmetric.ImportPublicKey(der)
	require.NoError(t, err)
	assert.Equal(t, asymmetric.FormatSPKI, format)
}

func TestPeer_QueuesUntilKeyThenFlushesFIFO(t *testing.T) {
	server, client := fixtures(t)
	rec := &recorder{}
	p := NewWithKeyPair(client, rec.sink)

	require.NoError(t, p.Send("bob", "one"))
	require.NoError(t, p.Send("", "two"))
	require.NoError(t, p.Send("bob", "three"))
	assert.Equal(t, 3, p.Pending())
	assert.Empty(t, rec.sent)
	assert.False(t, p.HasKey())

	aesKey, err := encryption.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, p.HandleKeysExchanged(keysExchanged(t, server, client, aesKey)))

	assert.True(t, p.HasKey())
	assert.Zero(t, p.Pending())
	assert.NotNil(t, p.ServerPublicKey())
	assert.Equal(t, []string{"one", "two", "three"}, openAll(t, aesKey, rec.sent))
	assert.Equal(t, "bob", rec.sent[0].ReceiverID)
	assert.Empty(t, rec.sent[1].ReceiverID)

	require.NoError(t, p.Send("bob", "four"))
	assert.Equal(t, []string{"one", "two", "three", "four"}, openAll(t, aesKey, rec.sent))
}

func TestPeer_FailedFlushKeepsOrder(t *testing.T) {
	server, client := fixtures(t)
	rec := &recorder{err: stderrors.New("socket closed")}
	p := NewWithKeyPair(client, rec.sink)

	require.NoError(t, p.Send("", "a"))
	require.NoError(t, p.Send("", "b"))

	aesKey, err := encryption.GenerateKey()
	require.NoError(t, err)
	assert.Error(t, p.HandleKeysExchanged(keysExchanged(t, server, client, aesKey)))
	assert.Equal(t, 2, p.Pending())

	rec.err = nil
	require.NoError(t, p.Send("", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, openAll(t, aesKey, rec.sent))
}

func TestPeer_DecryptWithoutKeyFailsFast(t *testing.T) {
	_, client := fixtures(t)
	p := NewWithKeyPair(client, (&recorder{}).sink)

	_, err := p.Decrypt(&model.Envelope{Content: "AAAA"})
	assert.ErrorIs(t, err, errors.ErrSessionKeyMissing)
}

func TestPeer_Decrypt(t *testing.T) {
	server, client := fixtures(t)
	p := NewWithKeyPair(client, (&recorder{}).sink)

	aesKey, err := encryption.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, p.HandleKeysExchanged(keysExchanged(t, server, client, aesKey)))

	content, iv, err := encryption.Seal("hi bob", aesKey)
	require.NoError(t, err)

	msg, err := p.Decrypt(&model.Envelope{Content: content, IV: iv, SenderID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "hi bob", msg)

	_, err = p.Decrypt(&model.Envelope{Content: base64.StdEncoding.EncodeToString(make([]byte, 8))})
	assert.ErrorIs(t, err, errors.ErrDecryption)

	p.Reset()
	assert.False(t, p.HasKey())
	_, err = p.Decrypt(&model.Envelope{Content: content})
	assert.ErrorIs(t, err, errors.ErrSessionKeyMissing)
}

func TestPeer_HandleKeysExchangedRejectsBadInput(t *testing.T) {
	server, client := fixtures(t)
	p := NewWithKeyPair(client, (&recorder{}).sink)

	good, err := encryption.GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		res     *model.KeysExchanged
		wantErr error
	}{
		{
			name:    "server key not base64",
			res:     &model.KeysExchanged{ServerPublicKey: "%%%", EncryptedAESKey: "AA=="},
			wantErr: errors.ErrInvalidKeyFormat,
		},
		{
			name: "server key garbage",
			res: &model.KeysExchanged{
				ServerPublicKey: base64.StdEncoding.EncodeToString([]byte("nope")),
				EncryptedAESKey: "AA==",
			},
			wantErr: errors.ErrInvalidKeyFormat,
		},
		{
			name:    "wrong key length",
			res:     keysExchanged(t, server, client, good[:8]),
			wantErr: errors.ErrInvalidKeyLength,
		},
		{
			name: "corrupted encrypted key",
			res: func() *model.KeysExchanged {
				r := keysExchanged(t, server, client, good)
				r.EncryptedAESKey = base64.StdEncoding.EncodeToString(make([]byte, 128))
				return r
			}(),
			wantErr: errors.ErrCryptoOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.HandleKeysExchanged(tt.res)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, p.HasKey())
		})
	}
}
