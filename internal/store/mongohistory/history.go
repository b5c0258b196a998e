// Package mongohistory keeps the bounded location history in MongoDB. A TTL
// index on captured_at enforces MaxHistoryDays.
package mongohistory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/depannage/dispatch/internal/domain"
)

const (
	Database   = "dispatch"
	Collection = "location_history"
)

type point struct {
	OwnerKind  string    `bson:"owner_kind"`
	OwnerID    string    `bson:"owner_id"`
	Lat        float64   `bson:"lat"`
	Lon        float64   `bson:"lon"`
	Accuracy   *float64  `bson:"accuracy,omitempty"`
	Speed      *float64  `bson:"speed,omitempty"`
	Heading    *float64  `bson:"heading,omitempty"`
	IsMoving   bool      `bson:"is_moving"`
	Battery    *float64  `bson:"battery,omitempty"`
	Source     string    `bson:"source,omitempty"`
	CapturedAt time.Time `bson:"captured_at"`
}

func fromSnapshot(s domain.LocationSnapshot) point {
	return point{
		OwnerKind:  string(s.OwnerKind),
		OwnerID:    s.OwnerID,
		Lat:        s.Lat,
		Lon:        s.Lon,
		Accuracy:   s.Accuracy,
		Speed:      s.Speed,
		Heading:    s.Heading,
		IsMoving:   s.IsMoving,
		Battery:    s.Battery,
		Source:     string(s.Source),
		CapturedAt: s.CapturedAt,
	}
}

func (p point) snapshot() domain.LocationSnapshot {
	return domain.LocationSnapshot{
		OwnerKind:  domain.OwnerKind(p.OwnerKind),
		OwnerID:    p.OwnerID,
		Lat:        p.Lat,
		Lon:        p.Lon,
		Accuracy:   p.Accuracy,
		Speed:      p.Speed,
		Heading:    p.Heading,
		IsMoving:   p.IsMoving,
		Battery:    p.Battery,
		Source:     domain.LocationSource(p.Source),
		CapturedAt: p.CapturedAt.UTC(),
	}
}

type Store struct {
	Collection *mongo.Collection
	Retention  time.Duration
}

func New(client *mongo.Client, retention time.Duration) *Store {
	return &Store{
		Collection: client.Database(Database).Collection(Collection),
		Retention:  retention,
	}
}

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the owner lookup index and the retention TTL index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_kind", Value: 1}, {Key: "owner_id", Value: 1}, {Key: "captured_at", Value: 1}}},
	}
	if s.Retention > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "captured_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(s.Retention / time.Second)),
		})
	}
	_, err := s.Collection.Indexes().CreateMany(ctx, models)
	return translate(err)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrInternal, err)
}

func (s *Store) AppendLocationHistory(ctx context.Context, snap domain.LocationSnapshot) error {
	_, err := s.Collection.InsertOne(ctx, fromSnapshot(snap))
	return translate(err)
}

func (s *Store) LocationHistory(ctx context.Context, kind domain.OwnerKind, ownerID string, since time.Time) ([]domain.LocationSnapshot, error) {
	ctx, span := otel.Tracer("dispatch/mongohistory").Start(ctx, "mongohistory.LocationHistory")
	defer span.End()
	span.SetAttributes(attribute.String("owner", domain.OwnerKey(kind, ownerID)))

	filter := bson.M{
		"owner_kind":  string(kind),
		"owner_id":    ownerID,
		"captured_at": bson.M{"$gte": since},
	}
	cursor, err := s.Collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "captured_at", Value: 1}}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find failed")
		return nil, translate(err)
	}
	defer cursor.Close(ctx)

	out := make([]domain.LocationSnapshot, 0)
	for cursor.Next(ctx) {
		var p point
		if err := cursor.Decode(&p); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode failed")
			return nil, translate(err)
		}
		out = append(out, p.snapshot())
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cursor error")
		return nil, translate(err)
	}
	span.SetAttributes(attribute.Int("points", len(out)))
	return out, nil
}

// PruneLocationHistory deletes points older than before. The TTL monitor
// also removes them on its own schedule.
func (s *Store) PruneLocationHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.Collection.DeleteMany(ctx, bson.M{"captured_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, translate(err)
	}
	return res.DeletedCount, nil
}
