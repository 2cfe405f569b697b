package model

import (
	"encoding/base64"
	"encoding/json"
	"time"

	validation "github.com/jellydator/validation"
)

// Frame types exchanged over the websocket.
const (
	FrameJoin          = "join"
	FrameExchangeKeys  = "exchangeKeys"
	FrameSendMessage   = "sendMessage"
	FrameJoined        = "joined"
	FrameKeysExchanged = "keysExchanged"
	FrameError         = "error"
	FrameMessage       = "message"
)

const MessageTypeText = "text"

type (
	Frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	Joined struct {
		ConnectionID string `json:"connectionId"`
	}

	// ExchangeKeysRequest carries the peer public key, base64 of SPKI or
	// PKCS#1 DER.
	ExchangeKeysRequest struct {
		PublicKey string `json:"publicKey"`
	}

	KeysExchanged struct {
		ServerPublicKey string `json:"serverPublicKey"`
		EncryptedAESKey string `json:"encryptedAesKey"`
	}

	// SendMessageRequest carries base64(iv || ciphertext) under the sender's
	// session key. An empty ReceiverID broadcasts.
	SendMessageRequest struct {
		ReceiverID  string `json:"receiverId,omitempty"`
		Content     string `json:"content"`
		MessageType string `json:"messageType,omitempty"`
	}

	ErrorMessage struct {
		Message string `json:"message"`
	}

	// Envelope is one encrypted message on the wire. Content decodes to
	// iv(16) || ciphertext.
	Envelope struct {
		Content     string    `json:"content"`
		IV          string    `json:"iv"`
		Timestamp   time.Time `json:"timestamp"`
		SenderID    string    `json:"senderId"`
		ReceiverID  string    `json:"receiverId,omitempty"`
		MessageType string    `json:"messageType"`
	}
)

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType string, payload any) (*Frame, error) {
	f := &Frame{Type: frameType}
	if payload == nil {
		return f, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.Payload = data
	return f, nil
}

func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return validation.NewError("validation_payload_missing", "payload is required")
	}
	return json.Unmarshal(f.Payload, v)
}

var base64Rule = validation.By(func(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_base64_type", "must be a string")
	}
	if s == "" {
		return nil
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		return validation.NewError("validation_base64", "must be valid base64-encoded data")
	}
	return nil
})

func (r *ExchangeKeysRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PublicKey, validation.Required, base64Rule),
	)
}

func (r *SendMessageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Content, validation.Required, base64Rule),
		validation.Field(&r.ReceiverID, validation.Length(0, 128)),
		validation.Field(&r.MessageType, validation.Length(0, 32)),
	)
}

func (r *KeysExchanged) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ServerPublicKey, validation.Required, base64Rule),
		validation.Field(&r.EncryptedAESKey, validation.Required, base64Rule),
	)
}

func (e *Envelope) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Content, validation.Required, base64Rule),
		validation.Field(&e.SenderID, validation.Required),
	)
}
