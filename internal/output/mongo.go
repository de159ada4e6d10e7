package output

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// MongoSink exports jobs to a MongoDB collection, upserting on the
// canonical URL so reruns do not duplicate listings.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *obs.Logger
}

// NewMongoSink connects and pings the configured deployment.
func NewMongoSink(cfg config.OutputSettings, logger *obs.Logger) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("mongodb connect: %w", err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("mongodb ping: %w", err))
	}

	db := cfg.MongoDatabase
	if db == "" {
		db = "jobsift"
	}
	coll := cfg.MongoCollection
	if coll == "" {
		coll = "jobs"
	}

	return &MongoSink{
		client:     client,
		collection: client.Database(db).Collection(coll),
		logger:     logger,
	}, nil
}

// Store upserts the batch keyed by URL.
func (s *MongoSink) Store(ctx context.Context, jobs []*types.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, len(jobs))
	for i, j := range jobs {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"url": j.URL}).
			SetReplacement(j).
			SetUpsert(true)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("mongodb bulk write: %w", err))
	}

	s.logger.Info("jobs exported to mongodb",
		"component", "output",
		"upserted", res.UpsertedCount, "modified", res.ModifiedCount)
	return nil
}

// Close disconnects the client.
func (s *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
