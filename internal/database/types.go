package database

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const SessionEventCollectionName = "session_events"

var ErrClientIDEmpty = errors.New("database: client id is empty")

// SessionEvent is one journaled connection state transition.
type SessionEvent struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	ClientID string             `bson:"client_id"`
	From     string             `bson:"from"`
	To       string             `bson:"to"`
	Topics   []string           `bson:"topics,omitempty"`
	Reason   string             `bson:"reason,omitempty"`
	At       time.Time          `bson:"at"`
}

// Journal persists session events. Recent returns the newest events first.
type Journal interface {
	Record(ctx context.Context, evt *SessionEvent) error
	Recent(ctx context.Context, clientID string, limit int64) ([]SessionEvent, error)
}
