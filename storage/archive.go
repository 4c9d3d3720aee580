package storage

import (
	"context"

	"linkchess/configs"
)

// ArchivedGame is the durable snapshot of a finished room: the terminal
// record plus the full move list, written exactly once per game id.
type ArchivedGame struct {
	ID              string      `json:"id" bson:"_id"`
	Status          GameStatus  `json:"status" bson:"status"`
	Result          GameResult  `json:"result" bson:"result"`
	WhiteToken      string      `json:"whiteToken" bson:"whiteToken"`
	BlackToken      string      `json:"blackToken" bson:"blackToken"`
	IsPublic        bool        `json:"isPublic" bson:"isPublic"`
	TimeInitialMs   int64       `json:"timeInitialMs" bson:"timeInitialMs"`
	TimeIncrementMs int64       `json:"timeIncrementMs" bson:"timeIncrementMs"`
	CreatedAt       int64       `json:"createdAt" bson:"createdAt"`
	UpdatedAt       int64       `json:"updatedAt" bson:"updatedAt"`
	Moves           []MoveEntry `json:"moves" bson:"moves"`
}

// Archive is the durable store for terminal games. InsertGame must be
// idempotent per game id: the hot record is only deleted after the
// archive write succeeds, so retries of the same game are expected.
type Archive interface {
	InsertGame(ctx context.Context, rec *GameRecord, seats *Seats, moves []MoveEntry) error
	// FindGame returns nil, nil when the id has never been archived.
	FindGame(ctx context.Context, id string) (*ArchivedGame, error)
	// ListTerminal pages newest-first and reports the total match count.
	// An empty status matches every archived game.
	ListTerminal(ctx context.Context, limit, offset int, status GameStatus) ([]*ArchivedGame, int, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// OpenArchive picks the archive backend from configuration.
func OpenArchive(ctx context.Context) (Archive, error) {
	switch configs.ArchiveStore {
	case configs.PostgreSQL:
		return NewPostgresArchive(ctx, configs.PostgresDSN)
	case configs.MongoDB:
		return NewMongoArchive(ctx, configs.MongoDBLink)
	case configs.WALStore:
		return NewWALArchive(configs.WALDir)
	default:
		configs.Assert(false, "unsupported archive backend: "+configs.ArchiveStore)
		return nil, nil
	}
}

func archivedFrom(rec *GameRecord, seats *Seats, moves []MoveEntry, updatedAt int64) *ArchivedGame {
	return &ArchivedGame{
		ID:              rec.ID,
		Status:          rec.Status,
		Result:          rec.Result,
		WhiteToken:      seats.WhiteToken,
		BlackToken:      seats.BlackToken,
		IsPublic:        rec.IsPublic,
		TimeInitialMs:   rec.TimeInitialMs,
		TimeIncrementMs: rec.TimeIncrementMs,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       updatedAt,
		Moves:           moves,
	}
}
