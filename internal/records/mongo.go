package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lamim/copyforge/pkg/models"
)

// MongoStore serves records from a MongoDB collection, ordered by the id field
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	mapping    Mapping
	logger     *slog.Logger
}

// OpenMongo connects to uri and verifies the connection with a ping
func OpenMongo(ctx context.Context, uri, database, collection string, m Mapping, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to MongoDB: %v", ErrSourceUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: failed to ping MongoDB: %v", ErrSourceUnavailable, err)
	}

	coll := client.Database(database).Collection(collection)

	// Paging sorts on the id field
	if m.ID != "_id" {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: m.ID, Value: 1}}})
		if err != nil {
			logger.Warn("Could not create id index", "field", m.ID, "error", err)
		}
	}

	logger.Info("Connected to MongoDB", "database", database, "collection", collection)
	return &MongoStore{
		client:     client,
		collection: coll,
		mapping:    m,
		logger:     logger.With("component", "mongo_source"),
	}, nil
}

func (s *MongoStore) FetchPage(ctx context.Context, offset, limit int) (Page, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: s.mapping.ID, Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return Page{}, fmt.Errorf("%w: find: %v", ErrSourceUnavailable, err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return Page{}, fmt.Errorf("%w: decode page: %v", ErrSourceUnavailable, err)
	}

	out := make([]models.Record, 0, len(docs))
	for _, doc := range docs {
		r, err := s.mapping.Decode(plainDoc(doc))
		if err != nil {
			s.logger.Warn("Skipping undecodable document", "offset", offset, "error", err)
			continue
		}
		out = append(out, r)
	}
	return Page{Records: out, Rows: len(docs)}, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Record, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, s.idFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	r, err := s.mapping.Decode(plainDoc(doc))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *MongoStore) WriteOutput(ctx context.Context, id, text string) error {
	res, err := s.collection.UpdateOne(ctx, s.idFilter(id),
		bson.M{"$set": bson.M{s.mapping.Output: text}})
	if err != nil {
		return fmt.Errorf("write output %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// idFilter matches the id whether it is stored as a string, an ObjectID or a number
func (s *MongoStore) idFilter(id string) bson.M {
	candidates := bson.A{id}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		candidates = append(candidates, oid)
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		candidates = append(candidates, n, int32(n))
	}
	if len(candidates) == 1 {
		return bson.M{s.mapping.ID: id}
	}
	return bson.M{s.mapping.ID: bson.M{"$in": candidates}}
}

func plainDoc(doc bson.M) map[string]any {
	out, _ := plain(doc).(map[string]any)
	return out
}

// plain converts driver types into the generic shapes Mapping understands
func plain(v any) any {
	switch t := v.(type) {
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = plain(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339)
	default:
		return v
	}
}
