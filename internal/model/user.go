package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	User struct {
		ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
		Name       string             `bson:"name" json:"name"`
		CreatedAt  time.Time          `bson:"created_at" json:"createdAt"`
		LastSeenAt time.Time          `bson:"last_seen_at" json:"lastSeenAt"`
	}
)
