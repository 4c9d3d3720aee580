package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoArchive stores each terminal game as one document keyed by the
// game id with the move list embedded. The unique _id gives the insert
// its idempotency: a duplicate-key error means the game is already in.
type MongoArchive struct {
	client *mongo.Client
	games  *mongo.Collection
}

func NewMongoArchive(ctx context.Context, uri string) (*MongoArchive, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	games := client.Database("linkchess").Collection("games")
	idx := mongo.IndexModel{Keys: bson.D{{Key: "createdAt", Value: -1}}}
	if _, err := games.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, fmt.Errorf("archive index: %w", err)
	}
	return &MongoArchive{client: client, games: games}, nil
}

func (m *MongoArchive) InsertGame(ctx context.Context, rec *GameRecord, seats *Seats, moves []MoveEntry) error {
	g := archivedFrom(rec, seats, moves, time.Now().UnixMilli())
	_, err := m.games.InsertOne(ctx, g)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (m *MongoArchive) FindGame(ctx context.Context, id string) (*ArchivedGame, error) {
	g := &ArchivedGame{}
	err := m.games.FindOne(ctx, bson.M{"_id": id}).Decode(g)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (m *MongoArchive) ListTerminal(ctx context.Context, limit, offset int, status GameStatus) ([]*ArchivedGame, int, error) {
	filter := bson.M{"status": bson.M{"$in": bson.A{string(StatusFinished), string(StatusAbandoned)}}}
	if status != "" {
		filter = bson.M{"status": string(status)}
	}
	total, err := m.games.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"moves": 0})
	cur, err := m.games.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	var out []*ArchivedGame
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

func (m *MongoArchive) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoArchive) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
