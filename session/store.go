// Package session owns every game state transition. It sits between the
// connection layer and the stores: the hot KV holds live rooms under a
// fixed key layout, the archive receives terminal games, and all
// multi-step transitions go through the KV's atomic eval hooks.
package session

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"linkchess/clock"
	"linkchess/configs"
	"linkchess/rules"
	"linkchess/storage"
	"linkchess/utils"
)

type Store struct {
	kv      storage.KV
	archive storage.Archive
}

func NewStore(kv storage.KV, archive storage.Archive) *Store {
	return &Store{kv: kv, archive: archive}
}

// CreateParams carries the room settings as requested over HTTP, before
// clamping.
type CreateParams struct {
	IsPublic        bool
	CreatorColor    string // white, black, or random
	CreatorIP       string
	TimeInitialMs   int64
	TimeIncrementMs int64
}

type CreatedGame struct {
	GameID string
	Token  string
	Record *storage.GameRecord
}

// CreateGame opens a WAITING room and seats the creator at the white token
// slot; the join transition swaps seats if the creator asked for black or
// loses the random flip.
func (s *Store) CreateGame(ctx context.Context, p CreateParams) (*CreatedGame, error) {
	ip := utils.SanitizeIP(p.CreatorIP)
	if ip == "" {
		ip = "unknown"
	}
	active, err := s.kv.SCard(ctx, ipActiveKey(ip))
	if err != nil {
		return nil, err
	}
	if active >= int64(configs.MaxActiveGamesPerIP) {
		return nil, utils.E(utils.RateLimited, "Too many active games from your address")
	}

	initial, increment := clock.Clamp(p.TimeInitialMs, p.TimeIncrementMs)
	color := p.CreatorColor
	switch color {
	case string(storage.White), string(storage.Black):
	default:
		color = "random"
	}
	now := clock.NowMs()
	rec := &storage.GameRecord{
		ID:              uuid.NewString(),
		Status:          storage.StatusWaiting,
		CurrentFen:      rules.StartingFen,
		IsPublic:        p.IsPublic,
		CreatorColor:    color,
		CreatorIP:       ip,
		TimeInitialMs:   initial,
		TimeIncrementMs: increment,
		WhiteTimeMs:     initial,
		BlackTimeMs:     initial,
		CreatedAt:       now,
	}
	token := uuid.NewString()
	seats := &storage.Seats{WhiteToken: token}

	if err := s.kv.HSet(ctx, gameKey(rec.ID), rec.Fields()); err != nil {
		return nil, err
	}
	if err := s.kv.HSet(ctx, seatsKey(rec.ID), seats.Fields()); err != nil {
		return nil, err
	}
	if rec.IsPublic {
		if err := s.kv.ZAdd(ctx, lobbyKey, float64(now), rec.ID); err != nil {
			return nil, err
		}
	}
	if err := s.kv.SAdd(ctx, ipActiveKey(ip), rec.ID); err != nil {
		return nil, err
	}
	s.refreshTTL(ctx, rec.ID, storage.StatusWaiting)
	return &CreatedGame{GameID: rec.ID, Token: token, Record: rec}, nil
}

type JoinResult struct {
	Token string
	Role  storage.Color
}

// Join seats the second player and flips the game to IN_PROGRESS. The seat
// assignment runs atomically in the KV so two racing joins produce exactly
// one black token.
func (s *Store) Join(ctx context.Context, id string) (*JoinResult, error) {
	if !utils.IsCanonicalUUID(id) {
		return nil, utils.ErrGameNotFound
	}
	token := uuid.NewString()
	reply, err := s.kv.EvalJoin(ctx, storage.JoinArgs{
		GameKey:  gameKey(id),
		SeatsKey: seatsKey(id),
		NewToken: token,
		Flip:     rand.Intn(2) == 0,
		NowMs:    clock.NowMs(),
		TTL:      configs.InProgressTTL,
	})
	if err != nil {
		return nil, err
	}
	switch reply.Code {
	case storage.JoinOK:
	case storage.JoinNotFound:
		return nil, utils.ErrGameNotFound
	case storage.JoinNotWaiting:
		return nil, utils.ErrNotWaiting
	case storage.JoinAlreadyFull:
		return nil, utils.ErrAlreadyFull
	default:
		return nil, utils.E(utils.Internal, "unexpected join reply %d", reply.Code)
	}
	s.refreshTTL(ctx, id, storage.StatusInProgress)
	return &JoinResult{Token: token, Role: reply.JoinerColor}, nil
}

// GetGame returns nil, nil when the room does not exist or has expired.
func (s *Store) GetGame(ctx context.Context, id string) (*storage.GameRecord, error) {
	fields, err := s.kv.HGetAll(ctx, gameKey(id))
	if err != nil {
		return nil, err
	}
	return storage.RecordFromFields(fields)
}

func (s *Store) GetSeats(ctx context.Context, id string) (*storage.Seats, error) {
	fields, err := s.kv.HGetAll(ctx, seatsKey(id))
	if err != nil {
		return nil, err
	}
	return storage.SeatsFromFields(fields), nil
}

// GetMoves decodes the move log in order. On a corrupted entry it returns
// the intact prefix together with the decode error so callers can
// reconcile instead of losing the whole game.
func (s *Store) GetMoves(ctx context.Context, id string) ([]storage.MoveEntry, error) {
	raws, err := s.kv.LRange(ctx, movesKey(id), 0, -1)
	if err != nil {
		return nil, err
	}
	moves := make([]storage.MoveEntry, 0, len(raws))
	for _, raw := range raws {
		m, derr := storage.DecodeMove(raw)
		if derr != nil {
			return moves, derr
		}
		moves = append(moves, m)
	}
	return moves, nil
}

// AddMove appends one move entry outside the clock path and keeps
// currentFen in step with the log head. Timed games append through
// DeductTimeAndMove instead.
func (s *Store) AddMove(ctx context.Context, id string, m storage.MoveEntry) error {
	rec, err := s.GetGame(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return utils.ErrGameNotFound
	}
	if rec.Status != storage.StatusInProgress {
		return utils.ErrNotInProgress
	}
	if err := s.kv.RPush(ctx, movesKey(id), m.Encode()); err != nil {
		return err
	}
	if err := s.kv.HSet(ctx, gameKey(id), map[string]string{"currentFen": m.Fen}); err != nil {
		return err
	}
	s.refreshTTL(ctx, id, storage.StatusInProgress)
	return nil
}

type DeductResult struct {
	TimedOut     bool
	MoveNumber   int
	NewBalanceMs int64
}

// DeductTimeAndMove appends one validated move. For timed games the charge,
// the credit, the log append, and the fen update happen in a single atomic
// step; TimedOut reports that the mover's flag fell first and nothing was
// appended.
func (s *Store) DeductTimeAndMove(ctx context.Context, id string, mover storage.Color, san, fen string, timed bool) (*DeductResult, error) {
	reply, err := s.kv.EvalDeductTime(ctx, storage.DeductArgs{
		GameKey:  gameKey(id),
		MovesKey: movesKey(id),
		Mover:    mover,
		San:      san,
		Fen:      fen,
		NowMs:    clock.NowMs(),
		Timed:    timed,
		TTL:      configs.InProgressTTL,
	})
	if err != nil {
		return nil, err
	}
	switch reply.Code {
	case storage.DeductOK:
		s.refreshTTL(ctx, id, storage.StatusInProgress)
		return &DeductResult{MoveNumber: reply.MoveNumber, NewBalanceMs: reply.NewBalanceMs}, nil
	case storage.DeductTimedOut:
		return &DeductResult{TimedOut: true}, nil
	case storage.DeductNotFound:
		return nil, utils.ErrGameNotFound
	default:
		return nil, utils.ErrNotInProgress
	}
}

// SetPlayerConnected flips a seat's presence bit and re-arms the room TTL.
func (s *Store) SetPlayerConnected(ctx context.Context, id string, c storage.Color, connected bool) error {
	field := "blackConnected"
	if c == storage.White {
		field = "whiteConnected"
	}
	v := "0"
	if connected {
		v = "1"
	}
	if err := s.kv.HSet(ctx, seatsKey(id), map[string]string{field: v}); err != nil {
		return err
	}
	rec, err := s.GetGame(ctx, id)
	if err != nil || rec == nil {
		return err
	}
	s.refreshTTL(ctx, id, rec.Status)
	return nil
}

func (s *Store) SetDrawOffer(ctx context.Context, id string, by storage.Color) error {
	return s.kv.Set(ctx, drawKey(id), string(by), configs.InProgressTTL)
}

// GetDrawOffer returns NoColor when no offer is pending.
func (s *Store) GetDrawOffer(ctx context.Context, id string) (storage.Color, error) {
	v, ok, err := s.kv.Get(ctx, drawKey(id))
	if err != nil || !ok {
		return storage.NoColor, err
	}
	return storage.Color(v), nil
}

func (s *Store) ClearDrawOffer(ctx context.Context, id string) error {
	return s.kv.Del(ctx, drawKey(id))
}

func (s *Store) SetRematchOffer(ctx context.Context, id string, by storage.Color) error {
	return s.kv.Set(ctx, rematchKey(id), string(by), configs.TerminalTTL)
}

func (s *Store) GetRematchOffer(ctx context.Context, id string) (storage.Color, error) {
	v, ok, err := s.kv.Get(ctx, rematchKey(id))
	if err != nil || !ok {
		return storage.NoColor, err
	}
	return storage.Color(v), nil
}

func (s *Store) ClearRematchOffer(ctx context.Context, id string) error {
	return s.kv.Del(ctx, rematchKey(id))
}

// SetAbandonmentTimer arms the disconnect countdown. An already armed timer
// for the same color is kept, so reconnect flaps cannot push the deadline
// out; a leftover timer for the other color is replaced.
func (s *Store) SetAbandonmentTimer(ctx context.Context, id string, disconnected storage.Color, timeout time.Duration) (*storage.AbandonTimer, error) {
	cur, err := s.GetAbandonmentTimer(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.DisconnectedColor == disconnected {
		return cur, nil
	}
	t := &storage.AbandonTimer{
		DisconnectedColor: disconnected,
		DeadlineMs:        clock.NowMs() + timeout.Milliseconds(),
	}
	if err := s.kv.Set(ctx, abandonKey(id), t.Encode(), configs.InProgressTTL); err != nil {
		return nil, err
	}
	return t, nil
}

// GetAbandonmentTimer returns nil when no timer is armed. An undecodable
// timer is treated as absent; the sweeper will drop the key.
func (s *Store) GetAbandonmentTimer(ctx context.Context, id string) (*storage.AbandonTimer, error) {
	raw, ok, err := s.kv.Get(ctx, abandonKey(id))
	if err != nil || !ok {
		return nil, err
	}
	t, derr := storage.DecodeTimer(raw)
	if derr != nil {
		configs.Warn(false, "undecodable abandonment timer for "+id)
		return nil, nil
	}
	return t, nil
}

func (s *Store) ClearAbandonmentTimer(ctx context.Context, id string) error {
	return s.kv.Del(ctx, abandonKey(id))
}

type AbandonOutcome struct {
	Abandoned bool
	Result    storage.GameResult
}

// CheckAndProcessAbandonment finalizes a game whose absent player never
// came back. Timed games store the short claim-win deadline, so the
// sweeper waits out the longer abandonment timeout on top of it, leaving
// the window in between to a live opponent's ClaimWin. Untimed games
// store the abandonment deadline directly.
func (s *Store) CheckAndProcessAbandonment(ctx context.Context, id string) (*AbandonOutcome, error) {
	timer, err := s.GetAbandonmentTimer(ctx, id)
	if err != nil || timer == nil {
		return &AbandonOutcome{}, err
	}
	rec, err := s.GetGame(ctx, id)
	if err != nil {
		return &AbandonOutcome{}, err
	}
	if rec == nil || rec.Status != storage.StatusInProgress {
		return &AbandonOutcome{}, s.ClearAbandonmentTimer(ctx, id)
	}
	var grace int64
	if rec.Timed() {
		grace = (configs.AbandonmentTimeout - configs.ClaimWinTimeout).Milliseconds()
		if grace < 0 {
			grace = 0
		}
	}
	if clock.NowMs() < timer.DeadlineMs+grace {
		return &AbandonOutcome{}, nil
	}
	seats, err := s.GetSeats(ctx, id)
	if err != nil {
		return &AbandonOutcome{}, err
	}
	if seats == nil || seats.ConnectedBit(timer.DisconnectedColor) {
		// reconnected before anyone acted; the timer is stale
		return &AbandonOutcome{}, s.ClearAbandonmentTimer(ctx, id)
	}
	result := storage.WinFor(storage.OpponentOf(timer.DisconnectedColor))
	if err := s.SetGameAbandoned(ctx, id, result); err != nil {
		return nil, err
	}
	if err := s.Archive(ctx, id); err != nil {
		configs.Warn(false, "archive after abandonment of "+id+": "+err.Error())
	}
	return &AbandonOutcome{Abandoned: true, Result: result}, nil
}

// SetGameResult moves a live game to FINISHED.
func (s *Store) SetGameResult(ctx context.Context, id string, result storage.GameResult) error {
	return s.finalize(ctx, id, storage.StatusFinished, result)
}

// SetGameAbandoned moves a live game to ABANDONED.
func (s *Store) SetGameAbandoned(ctx context.Context, id string, result storage.GameResult) error {
	return s.finalize(ctx, id, storage.StatusAbandoned, result)
}

func (s *Store) finalize(ctx context.Context, id string, status storage.GameStatus, result storage.GameResult) error {
	fields, err := s.kv.HGetAll(ctx, gameKey(id))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return utils.ErrGameNotFound
	}
	err = s.kv.HSet(ctx, gameKey(id), map[string]string{
		"status": string(status),
		"result": string(result),
	})
	if err != nil {
		return err
	}
	stale := []string{drawKey(id), abandonKey(id)}
	if status == storage.StatusAbandoned {
		// no rematch out of an abandoned room
		stale = append(stale, rematchKey(id))
	}
	if err := s.kv.Del(ctx, stale...); err != nil {
		return err
	}
	s.clearIndexes(ctx, id, fields["creatorIp"])
	s.refreshTTL(ctx, id, status)
	return nil
}

// FinalizeFlag ends a timed game on time forfeit. The loser's balance is
// zeroed first so every later snapshot shows the fallen flag.
func (s *Store) FinalizeFlag(ctx context.Context, id string, loser storage.Color) (storage.GameResult, error) {
	field := "blackTimeMs"
	if loser == storage.White {
		field = "whiteTimeMs"
	}
	if err := s.kv.HSet(ctx, gameKey(id), map[string]string{field: "0"}); err != nil {
		return storage.NoResult, err
	}
	result := storage.WinFor(storage.OpponentOf(loser))
	if err := s.SetGameResult(ctx, id, result); err != nil {
		return storage.NoResult, err
	}
	if err := s.Archive(ctx, id); err != nil {
		configs.Warn(false, "archive after flag of "+id+": "+err.Error())
	}
	return result, nil
}

// ClaimWin lets the connected opponent take an abandoned game once the
// disconnect deadline has passed. The decision runs atomically against the
// timer and the seat presence bits.
func (s *Store) ClaimWin(ctx context.Context, id string, claimant storage.Color) (storage.GameResult, error) {
	code, err := s.kv.EvalClaimWin(ctx, storage.ClaimArgs{
		GameKey:  gameKey(id),
		SeatsKey: seatsKey(id),
		TimerKey: abandonKey(id),
		Claimant: claimant,
		NowMs:    clock.NowMs(),
		TTL:      configs.TerminalTTL,
	})
	if err != nil {
		return storage.NoResult, err
	}
	switch code {
	case storage.ClaimOK:
	case storage.ClaimNotFound:
		return storage.NoResult, utils.ErrGameNotFound
	case storage.ClaimNotInProgress:
		return storage.NoResult, utils.ErrNotInProgress
	case storage.ClaimNoTimer:
		return storage.NoResult, utils.ErrNoClaimTimer
	case storage.ClaimNotOpponent:
		return storage.NoResult, utils.ErrClaimNotAllowed
	case storage.ClaimTooEarly:
		return storage.NoResult, utils.ErrClaimTooEarly
	case storage.ClaimReconnected:
		return storage.NoResult, utils.ErrOpponentBack
	default:
		return storage.NoResult, utils.E(utils.Internal, "unexpected claim reply %d", code)
	}
	// the KV step already flipped the status and consumed the timer
	if err := s.kv.Del(ctx, drawKey(id), rematchKey(id)); err != nil {
		return storage.NoResult, err
	}
	rec, err := s.GetGame(ctx, id)
	if err == nil && rec != nil {
		s.clearIndexes(ctx, id, rec.CreatorIP)
	}
	s.refreshTTL(ctx, id, storage.StatusAbandoned)
	if err := s.Archive(ctx, id); err != nil {
		configs.Warn(false, "archive after claim of "+id+": "+err.Error())
	}
	return storage.WinFor(claimant), nil
}

type RematchSeats struct {
	NewGameID  string
	WhiteToken string
	BlackToken string
}

// CreateRematchGame opens the successor room with colors swapped. The old
// bearer tokens are carried over so both clients keep their identity, and
// the game starts IN_PROGRESS since both players are already present.
func (s *Store) CreateRematchGame(ctx context.Context, prev *storage.GameRecord, prevSeats *storage.Seats) (*RematchSeats, error) {
	now := clock.NowMs()
	rec := &storage.GameRecord{
		ID:              uuid.NewString(),
		Status:          storage.StatusInProgress,
		CurrentFen:      rules.StartingFen,
		IsPublic:        prev.IsPublic,
		CreatorColor:    prev.CreatorColor,
		CreatorIP:       prev.CreatorIP,
		TimeInitialMs:   prev.TimeInitialMs,
		TimeIncrementMs: prev.TimeIncrementMs,
		WhiteTimeMs:     prev.TimeInitialMs,
		BlackTimeMs:     prev.TimeInitialMs,
		CreatedAt:       now,
	}
	if rec.Timed() {
		rec.LastMoveAt = now
	}
	seats := &storage.Seats{
		WhiteToken:     prevSeats.BlackToken,
		BlackToken:     prevSeats.WhiteToken,
		WhiteConnected: true,
		BlackConnected: true,
	}
	if err := s.kv.HSet(ctx, gameKey(rec.ID), rec.Fields()); err != nil {
		return nil, err
	}
	if err := s.kv.HSet(ctx, seatsKey(rec.ID), seats.Fields()); err != nil {
		return nil, err
	}
	if rec.IsPublic {
		if err := s.kv.ZAdd(ctx, lobbyKey, float64(now), rec.ID); err != nil {
			return nil, err
		}
	}
	if rec.CreatorIP != "" {
		if err := s.kv.SAdd(ctx, ipActiveKey(rec.CreatorIP), rec.ID); err != nil {
			return nil, err
		}
	}
	s.refreshTTL(ctx, rec.ID, storage.StatusInProgress)
	return &RematchSeats{NewGameID: rec.ID, WhiteToken: seats.WhiteToken, BlackToken: seats.BlackToken}, nil
}

// Archive copies a terminal room into the durable store. Safe to call more
// than once per game; the hot keys stay up until the room drains.
func (s *Store) Archive(ctx context.Context, id string) error {
	rec, err := s.GetGame(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return utils.ErrGameNotFound
	}
	if !rec.Status.Terminal() {
		return utils.E(utils.PreconditionFailed, "game %s is not terminal", id)
	}
	seats, err := s.GetSeats(ctx, id)
	if err != nil {
		return err
	}
	if seats == nil {
		seats = &storage.Seats{}
	}
	moves, err := s.GetMoves(ctx, id)
	if err != nil && !utils.IsCorruption(err) {
		return err
	}
	// a corrupted tail archives the decodable prefix rather than nothing
	return s.archive.InsertGame(ctx, rec, seats, moves)
}

// DeleteGame removes every hot key of a room along with its lobby and quota
// index entries. Terminal games are archived first by the callers.
func (s *Store) DeleteGame(ctx context.Context, id string) error {
	fields, err := s.kv.HGetAll(ctx, gameKey(id))
	if err != nil {
		return err
	}
	s.clearIndexes(ctx, id, fields["creatorIp"])
	return s.kv.Del(ctx, roomKeys(id)...)
}

// ArchiveAndDelete drains a terminal room out of the hot store.
func (s *Store) ArchiveAndDelete(ctx context.Context, id string) error {
	if err := s.Archive(ctx, id); err != nil {
		return err
	}
	return s.DeleteGame(ctx, id)
}

func (s *Store) SpectatorJoin(ctx context.Context, id string) (int, error) {
	n, err := s.kv.IncrBy(ctx, spectatorsKey(id), 1)
	return int(n), err
}

func (s *Store) SpectatorLeave(ctx context.Context, id string) (int, error) {
	n, err := s.kv.IncrBy(ctx, spectatorsKey(id), -1)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		// counter drift after a TTL reap; floor it instead of going negative
		n = 0
		err = s.kv.Set(ctx, spectatorsKey(id), "0", configs.InProgressTTL)
	}
	return int(n), err
}

func (s *Store) Spectators(ctx context.Context, id string) (int, error) {
	v, ok, err := s.kv.Get(ctx, spectatorsKey(id))
	if err != nil || !ok {
		return 0, err
	}
	n, aerr := strconv.Atoi(v)
	if aerr != nil {
		return 0, nil
	}
	return n, nil
}

// PublicGame is one lobby row.
type PublicGame struct {
	ID              string             `json:"id"`
	Status          storage.GameStatus `json:"status"`
	Players         int                `json:"players"`
	Spectators      int                `json:"spectators"`
	TimeInitialMs   int64              `json:"timeInitial"`
	TimeIncrementMs int64              `json:"timeIncrement"`
	CreatedAt       int64              `json:"createdAt"`
}

// ListPublicGames reads the lobby newest-first, pruning index entries whose
// room has expired or finished underneath them.
func (s *Store) ListPublicGames(ctx context.Context, limit int) ([]PublicGame, error) {
	ids, err := s.kv.ZRevRange(ctx, lobbyKey, 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	out := make([]PublicGame, 0, len(ids))
	for _, id := range ids {
		rec, gerr := s.GetGame(ctx, id)
		if gerr != nil {
			continue
		}
		if rec == nil || rec.Status.Terminal() {
			_ = s.kv.ZRem(ctx, lobbyKey, id)
			continue
		}
		players := 1
		if rec.Status == storage.StatusInProgress {
			players = 2
		}
		specs, _ := s.Spectators(ctx, id)
		out = append(out, PublicGame{
			ID:              rec.ID,
			Status:          rec.Status,
			Players:         players,
			Spectators:      specs,
			TimeInitialMs:   rec.TimeInitialMs,
			TimeIncrementMs: rec.TimeIncrementMs,
			CreatedAt:       rec.CreatedAt,
		})
	}
	return out, nil
}

// RateLimit counts one hit against scope+address and reports whether it
// still fits the window.
func (s *Store) RateLimit(ctx context.Context, scope, ip string, max int, window time.Duration) (storage.RateReply, error) {
	sane := utils.SanitizeIP(ip)
	if sane == "" {
		sane = "unknown"
	}
	return s.kv.EvalRateLimit(ctx, storage.RateArgs{Key: rateKey(scope, sane), Max: max, Window: window})
}

// ScanGameIDs walks every live room id for the sweeper. The match pattern
// also catches the room sub-keys, so results are filtered down to the
// canonical UUID shape.
func (s *Store) ScanGameIDs(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.kv.Scan(ctx, cursor, "game:*", configs.ScanBatch)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			id := strings.TrimPrefix(k, "game:")
			if utils.IsCanonicalUUID(id) {
				ids = append(ids, id)
			}
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// TruncateMoves drops every move after the first keep entries.
func (s *Store) TruncateMoves(ctx context.Context, id string, keep int) error {
	if keep <= 0 {
		return s.kv.Del(ctx, movesKey(id))
	}
	return s.kv.LTrim(ctx, movesKey(id), 0, int64(keep)-1)
}

func (s *Store) SetCurrentFen(ctx context.Context, id, fen string) error {
	return s.kv.HSet(ctx, gameKey(id), map[string]string{"currentFen": fen})
}

// clearIndexes drops a room from the lobby and from its creator's quota
// set. Terminal and deleted rooms no longer count against either.
func (s *Store) clearIndexes(ctx context.Context, id, creatorIP string) {
	if creatorIP != "" {
		_ = s.kv.SRem(ctx, ipActiveKey(creatorIP), id)
	}
	_ = s.kv.ZRem(ctx, lobbyKey, id)
}

// refreshTTL re-arms the expiry on every room key after a mutation so the
// sub-keys always expire together.
func (s *Store) refreshTTL(ctx context.Context, id string, status storage.GameStatus) {
	ttl := ttlFor(status)
	for _, k := range roomKeys(id) {
		err := s.kv.Expire(ctx, k, ttl)
		configs.Warn(err == nil, "ttl refresh on "+k)
	}
}
