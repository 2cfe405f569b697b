package model

import "time"

type (
	// SessionKeyRecord is the AES key in force for one (user, connection).
	SessionKeyRecord struct {
		ID           string    `bson:"_id" json:"id"`
		UserID       string    `bson:"user_id" json:"userId"`
		ConnectionID string    `bson:"connection_id" json:"connectionId"`
		AESKey       []byte    `bson:"aes_key" json:"-"`
		CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
		ExpiresAt    time.Time `bson:"expires_at" json:"expiresAt"`
		IsActive     bool      `bson:"is_active" json:"isActive"`
	}

	// ServerKeyInfo describes the server public key for GET /keys/server.
	ServerKeyInfo struct {
		PublicKey string    `json:"publicKey"`
		Format    string    `json:"format"`
		CreatedAt time.Time `json:"createdAt"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
)

// Live reports whether the record may be used at now.
func (r *SessionKeyRecord) Live(now time.Time) bool {
	return r.IsActive && now.Before(r.ExpiresAt)
}

// Clone returns a deep copy so callers never share key bytes with a store.
func (r *SessionKeyRecord) Clone() *SessionKeyRecord {
	c := *r
	c.AESKey = append([]byte(nil), r.AESKey...)
	return &c
}
