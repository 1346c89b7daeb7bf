package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/mongodb"
)

// document is the stored layout in the playbook log collection.
type document struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	JobID          string             `bson:"job_id"`
	Username       string             `bson:"username"`
	Playbook       string             `bson:"playbook"`
	Filter         string             `bson:"filter"`
	Arguments      bson.D             `bson:"arguments"`
	Status         string             `bson:"status"`
	RuntimeSeconds float64            `bson:"runtime"`
	Success        bool               `bson:"success"`
	Error          string             `bson:"error,omitempty"`
	Output         string             `bson:"output"`
	TranscriptKey  string             `bson:"transcript_key,omitempty"`
	Date           string             `bson:"date"`
	Time           string             `bson:"time"`
	RecordedAt     time.Time          `bson:"recorded_at"`
}

func toDocument(e Entry) document {
	args := make(bson.D, 0, len(e.Arguments))
	for _, p := range e.Arguments {
		args = append(args, bson.E{Key: p.Key, Value: p.Value})
	}
	return document{
		JobID:          e.JobID,
		Username:       e.Username,
		Playbook:       e.Playbook,
		Filter:         e.Filter,
		Arguments:      args,
		Status:         e.Status,
		RuntimeSeconds: e.RuntimeSeconds,
		Success:        e.Success,
		Error:          e.Error,
		Output:         e.Output,
		TranscriptKey:  e.TranscriptKey,
		Date:           e.RecordedAt.Format("2006-01-02"),
		Time:           e.RecordedAt.Format("15:04:05"),
		RecordedAt:     e.RecordedAt,
	}
}

func (d document) entry() Entry {
	args := make(models.Parameters, 0, len(d.Arguments))
	for _, e := range d.Arguments {
		args = append(args, models.Param{Key: e.Key, Value: mongodb.Plain(e.Value)})
	}
	return Entry{
		ID:             d.ID.Hex(),
		JobID:          d.JobID,
		Username:       d.Username,
		Playbook:       d.Playbook,
		Filter:         d.Filter,
		Arguments:      args,
		Status:         d.Status,
		RuntimeSeconds: d.RuntimeSeconds,
		Success:        d.Success,
		Error:          d.Error,
		Output:         d.Output,
		TranscriptKey:  d.TranscriptKey,
		RecordedAt:     d.RecordedAt.UTC(),
	}
}

// Mongo stores entries in a MongoDB collection.
type Mongo struct {
	coll *mongo.Collection
}

func NewMongo(coll *mongo.Collection) *Mongo {
	return &Mongo{coll: coll}
}

func (m *Mongo) Record(ctx context.Context, e Entry) error {
	if _, err := m.coll.InsertOne(ctx, toDocument(e)); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (m *Mongo) Get(ctx context.Context, id string) (Entry, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var d document
	err = m.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("find audit entry: %w", err)
	}
	return d.entry(), nil
}

func (m *Mongo) List(ctx context.Context, limit int) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer cur.Close(ctx)

	var out []Entry
	for cur.Next(ctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, d.entry())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}
