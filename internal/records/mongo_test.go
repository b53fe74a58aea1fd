package records

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// setupMongo spins up a MongoDB container and returns its URI
func setupMongo(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	return "mongodb://" + host + ":" + port.Port()
}

func TestMongoStore(t *testing.T) {
	uri := setupMongo(t)
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(ctx) }()

	oid := primitive.NewObjectID()
	coll := client.Database("copyforge").Collection("places")
	_, err = coll.InsertMany(ctx, []any{
		bson.M{"_id": oid, "title": "Blue Door", "address": bson.M{"city": "Portland"},
			"nearby": bson.A{bson.M{"category": "park", "name": "Laurelhurst Park", "distance": "0.4 mi"}}},
		bson.M{"_id": "plain-id", "title": "Red Lamp", "reviewSummary": "Already written."},
	})
	require.NoError(t, err)

	m := testMapping()
	m.ID = "_id"
	s, err := OpenMongo(ctx, uri, "copyforge", "places", m, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	page, err := s.FetchPage(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, 2, page.Rows)

	byID := map[string]int{}
	for i, r := range page.Records {
		byID[r.ID] = i
	}
	first := page.Records[byID[oid.Hex()]]
	assert.Equal(t, "Portland", first.Location)
	require.Len(t, first.SubFacts, 1)
	assert.Equal(t, "Laurelhurst Park", first.SubFacts[0].Name)
	assert.True(t, page.Records[byID["plain-id"]].HasOutput())

	require.NoError(t, s.WriteOutput(ctx, oid.Hex(), "Fresh text."))
	r, err := s.Get(ctx, oid.Hex())
	require.NoError(t, err)
	assert.Equal(t, "Fresh text.", r.Output)

	assert.ErrorIs(t, s.WriteOutput(ctx, "missing", "x"), ErrNotFound)
}

func TestOpenMongo_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := OpenMongo(ctx, "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=500&connectTimeoutMS=500", "db", "c", testMapping(), nil)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}
