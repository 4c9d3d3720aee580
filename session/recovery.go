package session

import (
	"context"
	"strconv"

	"linkchess/configs"
	"linkchess/rules"
	"linkchess/storage"
)

// GameState is the full hot snapshot of one room, reconciled so that the
// move log, the cached fen, and the record agree before anything reaches a
// client.
type GameState struct {
	Record       *storage.GameRecord
	Seats        *storage.Seats
	Moves        []storage.MoveEntry
	DrawOffer    storage.Color
	RematchOffer storage.Color
	Timer        *storage.AbandonTimer
	Spectators   int
	// Corrupted reports that part of the move log had to be dropped.
	Corrupted bool
}

// Sans is the move log in plain SAN, oldest first.
func (gs *GameState) Sans() []string { return sansOf(gs.Moves) }

// LoadGameState loads one room and repairs it. The move log is the source
// of truth: an undecodable or illegal tail is truncated to the longest
// replayable prefix and the cached fen is recomputed from what remains.
// Returns nil, nil when the room does not exist.
func (s *Store) LoadGameState(ctx context.Context, id string) (*GameState, error) {
	rec, err := s.GetGame(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	seats, err := s.GetSeats(ctx, id)
	if err != nil {
		return nil, err
	}

	gs := &GameState{Record: rec, Seats: seats}
	moves, merr := s.GetMoves(ctx, id)
	if merr != nil {
		gs.Corrupted = true
	}
	fen, failIdx := rules.Replay(sansOf(moves))
	if failIdx >= 0 {
		moves = moves[:failIdx]
		gs.Corrupted = true
	}
	gs.Moves = moves

	if gs.Corrupted {
		configs.Warn(false, "truncating move log of "+id+" to "+strconv.Itoa(len(moves))+" plies")
		if err := s.TruncateMoves(ctx, id, len(moves)); err != nil {
			return nil, err
		}
	}
	if rec.CurrentFen != fen {
		// the log wins over the cached fen
		if err := s.SetCurrentFen(ctx, id, fen); err != nil {
			return nil, err
		}
		rec.CurrentFen = fen
	}

	if gs.DrawOffer, err = s.GetDrawOffer(ctx, id); err != nil {
		return nil, err
	}
	if gs.RematchOffer, err = s.GetRematchOffer(ctx, id); err != nil {
		return nil, err
	}
	if gs.Timer, err = s.GetAbandonmentTimer(ctx, id); err != nil {
		return nil, err
	}
	if gs.Spectators, err = s.Spectators(ctx, id); err != nil {
		return nil, err
	}
	return gs, nil
}

func sansOf(moves []storage.MoveEntry) []string {
	sans := make([]string, len(moves))
	for i, m := range moves {
		sans[i] = m.San
	}
	return sans
}
