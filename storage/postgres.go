package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// PostgresArchive keeps terminal games in two relational tables. The
// whole insert runs in one transaction keyed on the game id, which
// makes a repeated archive attempt for the same game a no-op.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

const (
	createGamesTable = `CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		result TEXT NOT NULL,
		white_token TEXT NOT NULL DEFAULT '',
		black_token TEXT NOT NULL DEFAULT '',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		time_initial_ms BIGINT NOT NULL DEFAULT 0,
		time_increment_ms BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`
	createMovesTable = `CREATE TABLE IF NOT EXISTS moves (
		id BIGSERIAL PRIMARY KEY,
		game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		move_number INT NOT NULL,
		notation TEXT NOT NULL,
		fen TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`
	createMovesIndex = `CREATE INDEX IF NOT EXISTS moves_game_id_idx ON moves (game_id, move_number)`
	createGamesIndex = `CREATE INDEX IF NOT EXISTS games_created_at_idx ON games (created_at DESC)`

	insertGameSQL = `INSERT INTO games
		(id, status, result, white_token, black_token, is_public, time_initial_ms, time_increment_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`
	insertMoveSQL = `INSERT INTO moves (game_id, move_number, notation, fen, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	selectGameSQL = `SELECT id, status, result, white_token, black_token, is_public,
		time_initial_ms, time_increment_ms, created_at, updated_at FROM games WHERE id = $1`
	selectMovesSQL = `SELECT move_number, notation, fen, created_at FROM moves
		WHERE game_id = $1 ORDER BY move_number`
)

func (a *PostgresArchive) mustExec(ctx context.Context, sql string) error {
	_, err := a.pool.Exec(ctx, sql)
	return err
}

func NewPostgresArchive(ctx context.Context, dsn string) (*PostgresArchive, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	config.MaxConns = 16
	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &PostgresArchive{pool: pool}
	for _, ddl := range []string{createGamesTable, createMovesTable, createMovesIndex, createGamesIndex} {
		if err := a.mustExec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("archive schema: %w", err)
		}
	}
	return a, nil
}

func (a *PostgresArchive) InsertGame(ctx context.Context, rec *GameRecord, seats *Seats, moves []MoveEntry) error {
	g := archivedFrom(rec, seats, moves, time.Now().UnixMilli())
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, insertGameSQL,
		g.ID, string(g.Status), string(g.Result), g.WhiteToken, g.BlackToken,
		g.IsPublic, g.TimeInitialMs, g.TimeIncrementMs, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// already archived
		return nil
	}
	batch := &pgx.Batch{}
	for _, mv := range moves {
		batch.Queue(insertMoveSQL, g.ID, mv.MoveNumber, mv.San, mv.Fen, mv.CreatedAtMs)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (a *PostgresArchive) FindGame(ctx context.Context, id string) (*ArchivedGame, error) {
	g := &ArchivedGame{}
	var status, result string
	err := a.pool.QueryRow(ctx, selectGameSQL, id).Scan(
		&g.ID, &status, &result, &g.WhiteToken, &g.BlackToken, &g.IsPublic,
		&g.TimeInitialMs, &g.TimeIncrementMs, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.Status = GameStatus(status)
	g.Result = GameResult(result)
	rows, err := a.pool.Query(ctx, selectMovesSQL, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var mv MoveEntry
		if err := rows.Scan(&mv.MoveNumber, &mv.San, &mv.Fen, &mv.CreatedAtMs); err != nil {
			return nil, err
		}
		g.Moves = append(g.Moves, mv)
	}
	return g, rows.Err()
}

const listColumns = `id, status, result, white_token, black_token, is_public,
	time_initial_ms, time_increment_ms, created_at, updated_at`

func (a *PostgresArchive) ListTerminal(ctx context.Context, limit, offset int, status GameStatus) ([]*ArchivedGame, int, error) {
	var (
		total int
		rows  pgx.Rows
		err   error
	)
	if status != "" {
		err = a.pool.QueryRow(ctx, `SELECT COUNT(*) FROM games WHERE status = $1`, string(status)).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
		rows, err = a.pool.Query(ctx, `SELECT `+listColumns+` FROM games WHERE status = $1
			ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, string(status), limit, offset)
	} else {
		err = a.pool.QueryRow(ctx, `SELECT COUNT(*) FROM games WHERE status IN ('FINISHED', 'ABANDONED')`).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
		rows, err = a.pool.Query(ctx, `SELECT `+listColumns+` FROM games WHERE status IN ('FINISHED', 'ABANDONED')
			ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]*ArchivedGame, 0, limit)
	for rows.Next() {
		g := &ArchivedGame{}
		var st, res string
		if err := rows.Scan(&g.ID, &st, &res, &g.WhiteToken, &g.BlackToken, &g.IsPublic,
			&g.TimeInitialMs, &g.TimeIncrementMs, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, 0, err
		}
		g.Status = GameStatus(st)
		g.Result = GameResult(res)
		out = append(out, g)
	}
	return out, total, rows.Err()
}

func (a *PostgresArchive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

func (a *PostgresArchive) Close(ctx context.Context) error {
	a.pool.Close()
	return nil
}
