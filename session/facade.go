package session

import (
	"context"

	"linkchess/clock"
	"linkchess/configs"
	"linkchess/network"
	"linkchess/rules"
	"linkchess/storage"
	"linkchess/utils"
)

// Engine applies player commands on top of the Store and shapes the
// outbound frames the room layer broadcasts. Every method validates
// against the freshest record; the RoleOf resolution happened at attach
// time and is passed in as the acting color.
type Engine struct {
	store *Store
}

func NewEngine(store *Store) *Engine { return &Engine{store: store} }

func (e *Engine) Store() *Store { return e.store }

// CreateGame and JoinGame complete the lifecycle surface so callers talk
// to one layer; the room record work is the store's.
func (e *Engine) CreateGame(ctx context.Context, p CreateParams) (*CreatedGame, error) {
	return e.store.CreateGame(ctx, p)
}

func (e *Engine) JoinGame(ctx context.Context, id string) (*JoinResult, error) {
	return e.store.Join(ctx, id)
}

// MakeMove validates one move against the replayed log, charges the clock,
// and appends it. The returned frame is either the accepted move or the
// mover's fallen flag.
func (e *Engine) MakeMove(ctx context.Context, id string, mover storage.Color, from, to, promotion string) (*network.Frame, error) {
	rec, err := e.liveGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if mover == storage.NoColor {
		return nil, utils.ErrNotPlayer
	}
	turn, err := rules.SideToMove(rec.CurrentFen)
	if err != nil {
		return nil, err
	}
	if turn != string(mover) {
		return nil, utils.ErrNotYourTurn
	}
	if rec.Timed() {
		remaining := clock.Remaining(rec.BalanceOf(mover), rec.LastMoveAt, clock.NowMs())
		if remaining <= 0 {
			return e.finalizeFlag(ctx, id, mover)
		}
	}

	moves, merr := e.store.GetMoves(ctx, id)
	if merr != nil && !utils.IsCorruption(merr) {
		return nil, merr
	}
	var outcome rules.MoveOutcome
	if merr == nil {
		outcome, err = rules.ApplyMoveFromLog(sansOf(moves), from, to, promotion)
	}
	if merr != nil || utils.IsCorruption(err) {
		// damaged log: repair to the replayable prefix, then retry on it
		gs, lerr := e.store.LoadGameState(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		if gs == nil {
			return nil, utils.ErrGameNotFound
		}
		outcome, err = rules.ApplyMoveFromLog(gs.Sans(), from, to, promotion)
	}
	if err != nil {
		return nil, err
	}

	res, err := e.store.DeductTimeAndMove(ctx, id, mover, outcome.San, outcome.Fen, rec.Timed())
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return e.finalizeFlag(ctx, id, mover)
	}
	if err := e.store.ClearDrawOffer(ctx, id); err != nil {
		return nil, err
	}
	if outcome.GameOver {
		if err := e.store.SetGameResult(ctx, id, storage.GameResult(outcome.Result)); err != nil {
			return nil, err
		}
		if err := e.store.Archive(ctx, id); err != nil {
			configs.Warn(false, "archive after game over of "+id+": "+err.Error())
		}
	}

	f := &network.Frame{
		Type:      network.OutMove,
		GameID:    id,
		Color:     string(mover),
		San:       outcome.San,
		From:      from,
		To:        to,
		Promotion: promotion,
		Fen:       outcome.Fen,
		Check:     outcome.Check,
		GameOver:  outcome.GameOver,
	}
	if outcome.GameOver {
		f.Status = string(storage.StatusFinished)
		f.Result = outcome.Result
	}
	if rec.Timed() {
		// re-read for the authoritative post-move balances
		after, err := e.store.GetGame(ctx, id)
		if err == nil && after != nil {
			f.WhiteTimeMs = network.Int64P(after.WhiteTimeMs)
			f.BlackTimeMs = network.Int64P(after.BlackTimeMs)
			f.LastMoveAt = network.Int64P(after.LastMoveAt)
		}
	}
	return f, nil
}

// Resign ends the game immediately in the opponent's favor.
func (e *Engine) Resign(ctx context.Context, id string, who storage.Color) (*network.Frame, error) {
	if _, err := e.livePlayer(ctx, id, who); err != nil {
		return nil, err
	}
	result := storage.WinFor(storage.OpponentOf(who))
	if err := e.store.SetGameResult(ctx, id, result); err != nil {
		return nil, err
	}
	if err := e.store.Archive(ctx, id); err != nil {
		configs.Warn(false, "archive after resign of "+id+": "+err.Error())
	}
	return &network.Frame{
		Type:     network.OutResign,
		GameID:   id,
		Color:    string(who),
		Status:   string(storage.StatusFinished),
		Result:   string(result),
		GameOver: true,
	}, nil
}

// OfferDraw registers a draw offer. Crossing offers settle immediately: if
// the opponent's offer is already pending the game finishes as a draw.
func (e *Engine) OfferDraw(ctx context.Context, id string, who storage.Color) (*network.Frame, error) {
	if _, err := e.livePlayer(ctx, id, who); err != nil {
		return nil, err
	}
	pending, err := e.store.GetDrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if pending == storage.OpponentOf(who) {
		return e.AcceptDraw(ctx, id, who)
	}
	if pending != who {
		if err := e.store.SetDrawOffer(ctx, id, who); err != nil {
			return nil, err
		}
	}
	return &network.Frame{Type: network.OutDrawOffer, GameID: id, DrawOfferBy: string(who)}, nil
}

func (e *Engine) AcceptDraw(ctx context.Context, id string, who storage.Color) (*network.Frame, error) {
	if _, err := e.livePlayer(ctx, id, who); err != nil {
		return nil, err
	}
	pending, err := e.store.GetDrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if pending != storage.OpponentOf(who) {
		return nil, utils.ErrNoDrawOffer
	}
	if err := e.store.SetGameResult(ctx, id, storage.DrawGame); err != nil {
		return nil, err
	}
	if err := e.store.Archive(ctx, id); err != nil {
		configs.Warn(false, "archive after draw of "+id+": "+err.Error())
	}
	return &network.Frame{
		Type:     network.OutDrawAccepted,
		GameID:   id,
		Status:   string(storage.StatusFinished),
		Result:   string(storage.DrawGame),
		GameOver: true,
	}, nil
}

func (e *Engine) DeclineDraw(ctx context.Context, id string, who storage.Color) (*network.Frame, error) {
	if _, err := e.livePlayer(ctx, id, who); err != nil {
		return nil, err
	}
	pending, err := e.store.GetDrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if pending != storage.OpponentOf(who) {
		return nil, utils.ErrNoDrawOffer
	}
	if err := e.store.ClearDrawOffer(ctx, id); err != nil {
		return nil, err
	}
	return &network.Frame{Type: network.OutDrawDeclined, GameID: id, Color: string(who)}, nil
}

func (e *Engine) CancelDraw(ctx context.Context, id string, who storage.Color) (*network.Frame, error) {
	if _, err := e.livePlayer(ctx, id, who); err != nil {
		return nil, err
	}
	pending, err := e.store.GetDrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if pending == storage.NoColor {
		return nil, utils.ErrNoDrawOffer
	}
	if pending != who {
		return nil, utils.ErrNotOfferOwner
	}
	if err := e.store.ClearDrawOffer(ctx, id); err != nil {
		return nil, err
	}
	return &network.Frame{Type: network.OutDrawCancelled, GameID: id, Color: string(who)}, nil
}

// RematchOutcome names the successor room. Token values carry over from
// the old room with colors swapped, so the room layer hands every old
// player a personalized frame holding their own unchanged token.
type RematchOutcome struct {
	PrevGameID string
	NewGameID  string
	WhiteToken string
	BlackToken string
}

// OfferRematch registers a rematch offer on a finished game. A pending
// offer from the opponent accepts instead; outcome is non-nil in that case
// and frame is nil.
func (e *Engine) OfferRematch(ctx context.Context, id string, who storage.Color) (*network.Frame, *RematchOutcome, error) {
	if _, err := e.finishedPlayer(ctx, id, who); err != nil {
		return nil, nil, err
	}
	pending, err := e.store.GetRematchOffer(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if pending == storage.OpponentOf(who) {
		outcome, err := e.AcceptRematch(ctx, id, who)
		return nil, outcome, err
	}
	if pending != who {
		if err := e.store.SetRematchOffer(ctx, id, who); err != nil {
			return nil, nil, err
		}
	}
	return &network.Frame{Type: network.OutRematchOffer, GameID: id, RematchOfferBy: string(who)}, nil, nil
}

func (e *Engine) AcceptRematch(ctx context.Context, id string, who storage.Color) (*RematchOutcome, error) {
	rec, err := e.finishedPlayer(ctx, id, who)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.GetRematchOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if pending != storage.OpponentOf(who) {
		return nil, utils.ErrNoRematchOffer
	}
	seats, err := e.store.GetSeats(ctx, id)
	if err != nil {
		return nil, err
	}
	if seats == nil {
		return nil, utils.ErrGameNotFound
	}
	next, err := e.store.CreateRematchGame(ctx, rec, seats)
	if err != nil {
		return nil, err
	}
	if err := e.store.ClearRematchOffer(ctx, id); err != nil {
		return nil, err
	}
	return &RematchOutcome{
		PrevGameID: id,
		NewGameID:  next.NewGameID,
		WhiteToken: next.WhiteToken,
		BlackToken: next.BlackToken,
	}, nil
}

func (e *Engine) CancelRematch(ctx context.Context, id string, who storage.Color) (*network.Frame, error) {
	if _, err := e.finishedPlayer(ctx, id, who); err != nil {
		return nil, err
	}
	pending, err := e.store.GetRematchOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if pending == storage.NoColor {
		return nil, utils.ErrNoRematchOffer
	}
	if pending != who {
		return nil, utils.ErrNotOfferOwner
	}
	if err := e.store.ClearRematchOffer(ctx, id); err != nil {
		return nil, err
	}
	return &network.Frame{Type: network.OutRematchCancelled, GameID: id, Color: string(who)}, nil
}

// FlagOpponent adjudicates a time forfeit claim against the opponent's
// clock. Only the side to move burns time, so an opponent who is not on
// the move can only be flagged on an already-zero stored balance.
func (e *Engine) FlagOpponent(ctx context.Context, id string, who storage.Color) (*network.Frame, error) {
	rec, err := e.livePlayer(ctx, id, who)
	if err != nil {
		return nil, err
	}
	if !rec.Timed() {
		return nil, utils.ErrUntimedGame
	}
	opp := storage.OpponentOf(who)
	turn, err := rules.SideToMove(rec.CurrentFen)
	if err != nil {
		return nil, err
	}
	remaining := rec.BalanceOf(opp)
	if turn == string(opp) {
		remaining = clock.Remaining(remaining, rec.LastMoveAt, clock.NowMs())
	}
	if remaining > 0 {
		return nil, utils.ErrClockNotDown
	}
	return e.finalizeFlag(ctx, id, opp)
}

// ClaimWin takes an abandoned game once the opponent's disconnect deadline
// has passed.
func (e *Engine) ClaimWin(ctx context.Context, id string, who storage.Color) (*network.Frame, error) {
	if who == storage.NoColor {
		return nil, utils.ErrNotPlayer
	}
	result, err := e.store.ClaimWin(ctx, id, who)
	if err != nil {
		return nil, err
	}
	return &network.Frame{
		Type:     network.OutGameAbandoned,
		GameID:   id,
		Color:    string(storage.OpponentOf(who)),
		Status:   string(storage.StatusAbandoned),
		Result:   string(result),
		GameOver: true,
	}, nil
}

// GameState builds the full room snapshot for one viewer. When the load
// notices the side to move has already flagged, the game is finalized on
// the spot: flag carries the forfeit for the room broadcast and state
// reflects the terminal record.
func (e *Engine) GameState(ctx context.Context, id string, viewer storage.Color) (state, flag *network.Frame, err error) {
	gs, err := e.store.LoadGameState(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if gs == nil {
		return nil, nil, utils.ErrGameNotFound
	}
	if gs.Record.Status == storage.StatusInProgress && gs.Record.Timed() {
		turn, terr := rules.SideToMove(gs.Record.CurrentFen)
		if terr == nil {
			mover := storage.Color(turn)
			if clock.Remaining(gs.Record.BalanceOf(mover), gs.Record.LastMoveAt, clock.NowMs()) <= 0 {
				flag, err = e.finalizeFlag(ctx, id, mover)
				if err != nil {
					return nil, nil, err
				}
				if gs, err = e.store.LoadGameState(ctx, id); err != nil || gs == nil {
					return nil, flag, err
				}
			}
		}
	}
	return stateFrame(gs, viewer), flag, nil
}

// ClockSync reports the live balances of a running timed game, nil for
// anything else.
func (e *Engine) ClockSync(ctx context.Context, id string) (*network.Frame, error) {
	rec, err := e.store.GetGame(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Status != storage.StatusInProgress || !rec.Timed() {
		return nil, nil
	}
	turn, err := rules.SideToMove(rec.CurrentFen)
	if err != nil {
		return nil, err
	}
	now := clock.NowMs()
	white, black := rec.WhiteTimeMs, rec.BlackTimeMs
	if turn == string(storage.White) {
		white = clock.Remaining(white, rec.LastMoveAt, now)
	} else {
		black = clock.Remaining(black, rec.LastMoveAt, now)
	}
	if white < 0 {
		white = 0
	}
	if black < 0 {
		black = 0
	}
	return &network.Frame{
		Type:        network.OutClockSync,
		GameID:      id,
		WhiteTimeMs: network.Int64P(white),
		BlackTimeMs: network.Int64P(black),
		LastMoveAt:  network.Int64P(rec.LastMoveAt),
	}, nil
}

// finalizeFlag ends the game on loser's fallen flag and shapes the
// broadcast.
func (e *Engine) finalizeFlag(ctx context.Context, id string, loser storage.Color) (*network.Frame, error) {
	result, err := e.store.FinalizeFlag(ctx, id, loser)
	if err != nil {
		return nil, err
	}
	f := &network.Frame{
		Type:     network.OutFlag,
		GameID:   id,
		Color:    string(loser),
		Status:   string(storage.StatusFinished),
		Result:   string(result),
		GameOver: true,
	}
	if after, gerr := e.store.GetGame(ctx, id); gerr == nil && after != nil {
		f.WhiteTimeMs = network.Int64P(after.WhiteTimeMs)
		f.BlackTimeMs = network.Int64P(after.BlackTimeMs)
	}
	return f, nil
}

// liveGame loads the record and insists the game is running.
func (e *Engine) liveGame(ctx context.Context, id string) (*storage.GameRecord, error) {
	rec, err := e.store.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, utils.ErrGameNotFound
	}
	if rec.Status.Terminal() {
		return nil, utils.ErrGameFinished
	}
	if rec.Status != storage.StatusInProgress {
		return nil, utils.ErrNotInProgress
	}
	return rec, nil
}

func (e *Engine) livePlayer(ctx context.Context, id string, who storage.Color) (*storage.GameRecord, error) {
	rec, err := e.liveGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if who == storage.NoColor {
		return nil, utils.ErrNotPlayer
	}
	return rec, nil
}

// finishedPlayer gates the rematch operations: FINISHED only, abandoned
// rooms do not get a rematch.
func (e *Engine) finishedPlayer(ctx context.Context, id string, who storage.Color) (*storage.GameRecord, error) {
	rec, err := e.store.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, utils.ErrGameNotFound
	}
	if rec.Status != storage.StatusFinished {
		return nil, utils.E(utils.PreconditionFailed, "Rematch is only available after a finished game")
	}
	if who == storage.NoColor {
		return nil, utils.ErrNotPlayer
	}
	return rec, nil
}

// stateFrame shapes the game_state snapshot for a viewer role.
func stateFrame(gs *GameState, viewer storage.Color) *network.Frame {
	rec := gs.Record
	role := "spectator"
	if viewer == storage.White || viewer == storage.Black {
		role = string(viewer)
	}
	f := &network.Frame{
		Type:               network.OutGameState,
		GameID:             rec.ID,
		Status:             string(rec.Status),
		Result:             string(rec.Result),
		Fen:                rec.CurrentFen,
		Role:               role,
		Moves:              movesView(gs.Moves),
		Spectators:         network.IntP(gs.Spectators),
		IsPublic:           network.BoolP(rec.IsPublic),
		DrawOfferBy:        string(gs.DrawOffer),
		RematchOfferBy:     string(gs.RematchOffer),
		GameStateCorrupted: gs.Corrupted,
	}
	if gs.Seats != nil {
		f.WhiteConnected = network.BoolP(gs.Seats.WhiteConnected)
		f.BlackConnected = network.BoolP(gs.Seats.BlackConnected)
	}
	if rec.Timed() {
		f.TimeInitialMs = network.Int64P(rec.TimeInitialMs)
		f.TimeIncrementMs = network.Int64P(rec.TimeIncrementMs)
		f.WhiteTimeMs = network.Int64P(rec.WhiteTimeMs)
		f.BlackTimeMs = network.Int64P(rec.BlackTimeMs)
		f.LastMoveAt = network.Int64P(rec.LastMoveAt)
	}
	if gs.Timer != nil {
		f.ClaimDeadline = network.Int64P(gs.Timer.DeadlineMs)
	}
	return f
}

func movesView(moves []storage.MoveEntry) []network.MoveView {
	if len(moves) == 0 {
		return nil
	}
	out := make([]network.MoveView, len(moves))
	for i, m := range moves {
		out[i] = network.MoveView{
			MoveNumber: m.MoveNumber,
			San:        m.San,
			Fen:        m.Fen,
			CreatedAt:  m.CreatedAtMs,
		}
	}
	return out
}
