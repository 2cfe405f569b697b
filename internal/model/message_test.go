package model

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_NewAndDecode(t *testing.T) {
	f, err := NewFrame(FrameKeysExchanged, &KeysExchanged{ServerPublicKey: "cA==", EncryptedAESKey: "ZQ=="})
	require.NoError(t, err)
	assert.Equal(t, FrameKeysExchanged, f.Type)

	var got KeysExchanged
	require.NoError(t, f.Decode(&got))
	assert.Equal(t, "cA==", got.ServerPublicKey)

	join, err := NewFrame(FrameJoin, nil)
	require.NoError(t, err)
	assert.Empty(t, join.Payload)
	assert.Error(t, join.Decode(&got))
}

func TestSendMessageRequest_Validate(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name    string
		req     SendMessageRequest
		wantErr bool
	}{
		{"valid broadcast", SendMessageRequest{Content: valid}, false},
		{"valid direct", SendMessageRequest{Content: valid, ReceiverID: "bob", MessageType: MessageTypeText}, false},
		{"missing content", SendMessageRequest{}, true},
		{"not base64", SendMessageRequest{Content: "***"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "err=%v", err)
		})
	}
}

func TestExchangeKeysRequest_Validate(t *testing.T) {
	assert.NoError(t, (&ExchangeKeysRequest{PublicKey: "MIIB"}).Validate())
	assert.Error(t, (&ExchangeKeysRequest{}).Validate())
	assert.Error(t, (&ExchangeKeysRequest{PublicKey: "not base64!"}).Validate())
}

func TestSessionKeyRecord_LiveAndClone(t *testing.T) {
	now := time.Now()
	r := &SessionKeyRecord{AESKey: []byte{1, 2, 3}, ExpiresAt: now.Add(time.Minute), IsActive: true}

	assert.True(t, r.Live(now))
	assert.False(t, r.Live(now.Add(time.Minute)))

	c := r.Clone()
	c.AESKey[0] = 9
	assert.Equal(t, byte(1), r.AESKey[0])

	r.IsActive = false
	assert.False(t, r.Live(now))
}
