package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terminalRecord(id string, createdAt int64, status GameStatus, result GameResult) (*GameRecord, *Seats, []MoveEntry) {
	rec := &GameRecord{
		ID:            id,
		Status:        status,
		Result:        result,
		CurrentFen:    "fen",
		TimeInitialMs: 60000,
		CreatedAt:     createdAt,
	}
	seats := &Seats{WhiteToken: "w-" + id, BlackToken: "b-" + id}
	moves := []MoveEntry{
		{MoveNumber: 1, San: "e4", Fen: "fen1", CreatedAtMs: createdAt + 1},
		{MoveNumber: 2, San: "e5", Fen: "fen2", CreatedAtMs: createdAt + 2},
	}
	return rec, seats, moves
}

func TestWALArchiveInsertFind(t *testing.T) {
	ctx := context.Background()
	a, err := NewWALArchive(t.TempDir())
	require.NoError(t, err)
	defer a.Close(ctx)

	rec, seats, moves := terminalRecord("g1", 1000, StatusFinished, WhiteWins)
	require.NoError(t, a.InsertGame(ctx, rec, seats, moves))

	g, err := a.FindGame(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, StatusFinished, g.Status)
	assert.Equal(t, WhiteWins, g.Result)
	assert.Equal(t, "w-g1", g.WhiteToken)
	assert.Len(t, g.Moves, 2)
	assert.Equal(t, "e5", g.Moves[1].San)

	missing, err := a.FindGame(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWALArchiveInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	a, err := NewWALArchive(t.TempDir())
	require.NoError(t, err)
	defer a.Close(ctx)

	rec, seats, moves := terminalRecord("g1", 1000, StatusFinished, DrawGame)
	require.NoError(t, a.InsertGame(ctx, rec, seats, moves))
	require.NoError(t, a.InsertGame(ctx, rec, seats, moves))
	require.NoError(t, a.InsertGame(ctx, rec, seats, nil))

	_, total, err := a.ListTerminal(ctx, 10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestWALArchiveReopenRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := NewWALArchive(dir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		rec, seats, moves := terminalRecord(fmt.Sprintf("g%d", i), int64(1000+i), StatusFinished, BlackWins)
		require.NoError(t, a.InsertGame(ctx, rec, seats, moves))
	}
	require.NoError(t, a.Close(ctx))

	b, err := NewWALArchive(dir)
	require.NoError(t, err)
	defer b.Close(ctx)

	g, err := b.FindGame(ctx, "g3")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, BlackWins, g.Result)
	assert.Len(t, g.Moves, 2)

	// appends continue after the replayed tail
	rec, seats, moves := terminalRecord("g9", 2000, StatusAbandoned, WhiteWins)
	require.NoError(t, b.InsertGame(ctx, rec, seats, moves))
	_, total, err := b.ListTerminal(ctx, 10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func TestWALArchiveListPagination(t *testing.T) {
	ctx := context.Background()
	a, err := NewWALArchive(t.TempDir())
	require.NoError(t, err)
	defer a.Close(ctx)

	for i := 0; i < 7; i++ {
		status, result := StatusFinished, WhiteWins
		if i%2 == 1 {
			status, result = StatusAbandoned, BlackWins
		}
		rec, seats, moves := terminalRecord(fmt.Sprintf("g%d", i), int64(1000*(i+1)), status, result)
		require.NoError(t, a.InsertGame(ctx, rec, seats, moves))
	}

	page, total, err := a.ListTerminal(ctx, 3, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 3)
	assert.Equal(t, "g6", page[0].ID)
	assert.Equal(t, "g5", page[1].ID)
	assert.Equal(t, "g4", page[2].ID)

	page, _, err = a.ListTerminal(ctx, 3, 3, "")
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "g3", page[0].ID)

	page, _, err = a.ListTerminal(ctx, 3, 6, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "g0", page[0].ID)

	abandoned, total, err := a.ListTerminal(ctx, 10, 0, StatusAbandoned)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, g := range abandoned {
		assert.Equal(t, StatusAbandoned, g.Status)
	}
}
