package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

type DBStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

func (s *DBStore) Record(ctx context.Context, evt *SessionEvent) error {
	if evt.ClientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.collection.InsertOne(ctx, evt)
	if err != nil {
		return fmt.Errorf("insert session event for %s: %w", evt.ClientID, err)
	}
	logger.DebugF("Session event %v recorded for %s", result.InsertedID, evt.ClientID)
	return nil
}

func (s *DBStore) Recent(ctx context.Context, clientID string, limit int64) ([]SessionEvent, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.collection.Find(ctx, bson.M{"client_id": clientID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query session events for %s: %w", clientID, err)
	}
	defer func() { _ = cursor.Close(context.Background()) }()

	var events []SessionEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode session events for %s: %w", clientID, err)
	}
	return events, nil
}

func (s *DBStore) Close(ctx context.Context) error {
	logger.Info("Disconnecting from database")
	return s.client.Disconnect(ctx)
}

func (s *DBStore) Invoke(ctx context.Context) error {
	return s.Close(ctx)
}
