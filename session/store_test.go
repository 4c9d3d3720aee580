package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkchess/clock"
	"linkchess/configs"
	"linkchess/rules"
	"linkchess/storage"
	"linkchess/utils"
)

const testIP = "203.0.113.7"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	arch, err := storage.NewWALArchive(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = arch.Close(context.Background()) })
	return NewStore(storage.NewMemoryKV(), arch)
}

// frozenClock pins the engine clock to startMs and returns a handle for the
// test to advance it.
func frozenClock(t *testing.T, startMs int64) *int64 {
	t.Helper()
	now := startMs
	prev := clock.NowMs
	clock.NowMs = func() int64 { return now }
	t.Cleanup(func() { clock.NowMs = prev })
	return &now
}

func createGame(t *testing.T, s *Store, color string, initialMs, incrementMs int64, public bool) *CreatedGame {
	t.Helper()
	created, err := s.CreateGame(context.Background(), CreateParams{
		IsPublic:        public,
		CreatorColor:    color,
		CreatorIP:       testIP,
		TimeInitialMs:   initialMs,
		TimeIncrementMs: incrementMs,
	})
	require.NoError(t, err)
	return created
}

func TestCreateGameShape(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 300_000, 5_000, true)
	assert.True(t, utils.IsCanonicalUUID(created.GameID))
	assert.True(t, utils.IsCanonicalUUID(created.Token))

	rec, err := s.GetGame(ctx, created.GameID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StatusWaiting, rec.Status)
	assert.Equal(t, rules.StartingFen, rec.CurrentFen)
	assert.Equal(t, int64(300_000), rec.WhiteTimeMs)
	assert.Equal(t, int64(300_000), rec.BlackTimeMs)
	assert.Equal(t, int64(0), rec.LastMoveAt)
	assert.Equal(t, int64(1_000_000), rec.CreatedAt)

	seats, err := s.GetSeats(ctx, created.GameID)
	require.NoError(t, err)
	assert.Equal(t, storage.White, seats.RoleOf(created.Token))
	assert.Equal(t, "", seats.BlackToken)

	lobby, err := s.ListPublicGames(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lobby, 1)
	assert.Equal(t, created.GameID, lobby[0].ID)
	assert.Equal(t, 1, lobby[0].Players)
}

func TestCreateGameClampsTimeControl(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)

	created := createGame(t, s, "white", configs.MaxTimeInitialMs+999, configs.MaxTimeIncrementMs+999, false)
	assert.Equal(t, configs.MaxTimeInitialMs, created.Record.TimeInitialMs)
	assert.Equal(t, configs.MaxTimeIncrementMs, created.Record.TimeIncrementMs)

	negative := createGame(t, s, "white", -5, -5, false)
	assert.Equal(t, int64(0), negative.Record.TimeInitialMs)
	assert.False(t, negative.Record.Timed())
}

func TestCreateGameQuota(t *testing.T) {
	prev := configs.MaxActiveGamesPerIP
	configs.MaxActiveGamesPerIP = 2
	t.Cleanup(func() { configs.MaxActiveGamesPerIP = prev })

	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	first := createGame(t, s, "white", 0, 0, false)
	createGame(t, s, "white", 0, 0, false)

	_, err := s.CreateGame(ctx, CreateParams{CreatorIP: testIP})
	require.Error(t, err)
	assert.Equal(t, utils.RateLimited, utils.KindOf(err))

	// another address is not affected
	_, err = s.CreateGame(ctx, CreateParams{CreatorIP: "198.51.100.9"})
	require.NoError(t, err)

	// finishing a game frees its slot
	require.NoError(t, s.SetGameResult(ctx, first.GameID, storage.DrawGame))
	_, err = s.CreateGame(ctx, CreateParams{CreatorIP: testIP})
	require.NoError(t, err)
}

func TestJoinSeatsAndStartsClock(t *testing.T) {
	now := frozenClock(t, 50_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 180_000, 2_000, false)
	*now = 60_000
	res, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	assert.Equal(t, storage.Black, res.Role)
	assert.NotEqual(t, created.Token, res.Token)

	rec, err := s.GetGame(ctx, created.GameID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInProgress, rec.Status)
	assert.Equal(t, int64(180_000), rec.WhiteTimeMs)
	assert.Equal(t, int64(180_000), rec.BlackTimeMs)
	assert.Equal(t, int64(60_000), rec.LastMoveAt)

	seats, err := s.GetSeats(ctx, created.GameID)
	require.NoError(t, err)
	assert.Equal(t, storage.White, seats.RoleOf(created.Token))
	assert.Equal(t, storage.Black, seats.RoleOf(res.Token))
}

func TestJoinSwapsSeatsForBlackCreator(t *testing.T) {
	frozenClock(t, 50_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "black", 0, 0, false)
	res, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	assert.Equal(t, storage.White, res.Role)

	seats, err := s.GetSeats(ctx, created.GameID)
	require.NoError(t, err)
	assert.Equal(t, storage.Black, seats.RoleOf(created.Token))
	assert.Equal(t, storage.White, seats.RoleOf(res.Token))
}

func TestJoinErrors(t *testing.T) {
	frozenClock(t, 50_000)
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Join(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, utils.ErrGameNotFound)

	_, err = s.Join(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, utils.ErrGameNotFound)

	created := createGame(t, s, "white", 0, 0, false)
	_, err = s.Join(ctx, created.GameID)
	require.NoError(t, err)
	_, err = s.Join(ctx, created.GameID)
	assert.ErrorIs(t, err, utils.ErrNotWaiting)
}

func TestDeductTimeAndMoveFlow(t *testing.T) {
	now := frozenClock(t, 10_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 60_000, 1_000, false)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	*now = 14_000
	out, err := rules.ApplyMoveFromLog(nil, "e2", "e4", "")
	require.NoError(t, err)
	res, err := s.DeductTimeAndMove(ctx, id, storage.White, out.San, out.Fen, true)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 1, res.MoveNumber)
	assert.Equal(t, int64(60_000-4_000+1_000), res.NewBalanceMs)

	rec, err := s.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, out.Fen, rec.CurrentFen)
	assert.Equal(t, int64(14_000), rec.LastMoveAt)
	assert.Equal(t, res.NewBalanceMs, rec.WhiteTimeMs)

	moves, err := s.GetMoves(ctx, id)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, "e4", moves[0].San)
}

func TestDeductTimeoutRejectsMove(t *testing.T) {
	now := frozenClock(t, 10_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 60_000, 1_000, false)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	*now = 10_000 + 61_000
	out, err := rules.ApplyMoveFromLog(nil, "e2", "e4", "")
	require.NoError(t, err)
	res, err := s.DeductTimeAndMove(ctx, id, storage.White, out.San, out.Fen, true)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	moves, err := s.GetMoves(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, moves)
	rec, _ := s.GetGame(ctx, id)
	assert.Equal(t, int64(0), rec.WhiteTimeMs)
}

func TestAddMoveUntimed(t *testing.T) {
	now := frozenClock(t, 10_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, false)
	id := created.GameID

	out, err := rules.ApplyMoveFromLog(nil, "e2", "e4", "")
	require.NoError(t, err)
	entry := storage.MoveEntry{MoveNumber: 1, San: out.San, Fen: out.Fen, CreatedAtMs: clock.NowMs()}

	// the room is still WAITING, appends are rejected
	err = s.AddMove(ctx, id, entry)
	assert.ErrorIs(t, err, utils.ErrNotInProgress)

	_, err = s.Join(ctx, id)
	require.NoError(t, err)

	*now = 12_000
	require.NoError(t, s.AddMove(ctx, id, entry))

	moves, err := s.GetMoves(ctx, id)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, out.San, moves[0].San)

	rec, err := s.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, out.Fen, rec.CurrentFen)
	// untimed appends never touch the clock fields
	assert.Equal(t, int64(0), rec.LastMoveAt)

	err = s.AddMove(ctx, "00000000-0000-0000-0000-000000000000", entry)
	assert.ErrorIs(t, err, utils.ErrGameNotFound)
}

func TestAbandonmentSweepLifecycle(t *testing.T) {
	now := frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 600_000, 0, false)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	timer, err := s.SetAbandonmentTimer(ctx, id, storage.White, configs.ClaimWinTimeout)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000)+configs.ClaimWinTimeout.Milliseconds(), timer.DeadlineMs)

	// re-arming the same color keeps the original deadline
	*now = 1_030_000
	again, err := s.SetAbandonmentTimer(ctx, id, storage.White, configs.ClaimWinTimeout)
	require.NoError(t, err)
	assert.Equal(t, timer.DeadlineMs, again.DeadlineMs)

	// the claim deadline alone is not enough for the sweeper
	*now = timer.DeadlineMs + 1
	out, err := s.CheckAndProcessAbandonment(ctx, id)
	require.NoError(t, err)
	assert.False(t, out.Abandoned)

	// past the abandonment timeout the game resolves against the absentee
	*now = 1_000_000 + configs.AbandonmentTimeout.Milliseconds() + 1
	out, err = s.CheckAndProcessAbandonment(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Abandoned)
	assert.Equal(t, storage.BlackWins, out.Result)

	rec, err := s.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAbandoned, rec.Status)

	archived, err := s.archive.FindGame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, storage.StatusAbandoned, archived.Status)
}

func TestAbandonmentUntimedUsesStoredDeadline(t *testing.T) {
	now := frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, false)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	timer, err := s.SetAbandonmentTimer(ctx, id, storage.Black, configs.AbandonmentTimeout)
	require.NoError(t, err)

	*now = timer.DeadlineMs - 1
	out, err := s.CheckAndProcessAbandonment(ctx, id)
	require.NoError(t, err)
	assert.False(t, out.Abandoned)

	// untimed rooms have no claim window on top of the deadline
	*now = timer.DeadlineMs
	out, err = s.CheckAndProcessAbandonment(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Abandoned)
	assert.Equal(t, storage.WhiteWins, out.Result)
}

func TestAbandonmentClearedOnReconnect(t *testing.T) {
	now := frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, false)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	_, err = s.SetAbandonmentTimer(ctx, id, storage.White, configs.ClaimWinTimeout)
	require.NoError(t, err)
	require.NoError(t, s.SetPlayerConnected(ctx, id, storage.White, true))

	*now = 1_000_000 + configs.AbandonmentTimeout.Milliseconds() + 1
	out, err := s.CheckAndProcessAbandonment(ctx, id)
	require.NoError(t, err)
	assert.False(t, out.Abandoned)

	timer, err := s.GetAbandonmentTimer(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, timer)

	rec, _ := s.GetGame(ctx, id)
	assert.Equal(t, storage.StatusInProgress, rec.Status)
}

func TestClaimWinStore(t *testing.T) {
	now := frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, true)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	timer, err := s.SetAbandonmentTimer(ctx, id, storage.White, configs.ClaimWinTimeout)
	require.NoError(t, err)

	*now = timer.DeadlineMs - 1
	_, err = s.ClaimWin(ctx, id, storage.Black)
	assert.ErrorIs(t, err, utils.ErrClaimTooEarly)

	*now = timer.DeadlineMs
	_, err = s.ClaimWin(ctx, id, storage.White)
	assert.ErrorIs(t, err, utils.ErrClaimNotAllowed)

	result, err := s.ClaimWin(ctx, id, storage.Black)
	require.NoError(t, err)
	assert.Equal(t, storage.BlackWins, result)

	rec, _ := s.GetGame(ctx, id)
	assert.Equal(t, storage.StatusAbandoned, rec.Status)
	assert.Equal(t, storage.BlackWins, rec.Result)

	archived, err := s.archive.FindGame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, archived)

	lobby, err := s.ListPublicGames(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, lobby)
	active, err := s.kv.SCard(ctx, ipActiveKey(testIP))
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)

	// the timer was consumed with the claim
	_, err = s.ClaimWin(ctx, id, storage.Black)
	assert.ErrorIs(t, err, utils.ErrNotInProgress)
}

func TestClaimBlockedByReconnect(t *testing.T) {
	now := frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, false)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	timer, err := s.SetAbandonmentTimer(ctx, id, storage.White, configs.ClaimWinTimeout)
	require.NoError(t, err)
	require.NoError(t, s.SetPlayerConnected(ctx, id, storage.White, true))

	*now = timer.DeadlineMs + 1
	_, err = s.ClaimWin(ctx, id, storage.Black)
	assert.ErrorIs(t, err, utils.ErrOpponentBack)
}

func TestRematchSwapsSeats(t *testing.T) {
	now := frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 60_000, 0, false)
	joined, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	require.NoError(t, s.SetGameResult(ctx, created.GameID, storage.WhiteWins))

	rec, err := s.GetGame(ctx, created.GameID)
	require.NoError(t, err)
	seats, err := s.GetSeats(ctx, created.GameID)
	require.NoError(t, err)

	*now = 2_000_000
	rm, err := s.CreateRematchGame(ctx, rec, seats)
	require.NoError(t, err)
	assert.NotEqual(t, created.GameID, rm.NewGameID)
	assert.Equal(t, joined.Token, rm.WhiteToken)
	assert.Equal(t, created.Token, rm.BlackToken)

	next, err := s.GetGame(ctx, rm.NewGameID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInProgress, next.Status)
	assert.Equal(t, int64(60_000), next.WhiteTimeMs)
	assert.Equal(t, int64(2_000_000), next.LastMoveAt)

	nextSeats, err := s.GetSeats(ctx, rm.NewGameID)
	require.NoError(t, err)
	assert.True(t, nextSeats.WhiteConnected)
	assert.True(t, nextSeats.BlackConnected)
	assert.Equal(t, storage.Black, nextSeats.RoleOf(created.Token))
}

func TestLoadGameStateRepairsCorruptTail(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, false)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	m1, err := rules.ApplyMoveFromLog(nil, "e2", "e4", "")
	require.NoError(t, err)
	_, err = s.DeductTimeAndMove(ctx, id, storage.White, m1.San, m1.Fen, false)
	require.NoError(t, err)
	m2, err := rules.ApplyMoveFromLog([]string{m1.San}, "e7", "e5", "")
	require.NoError(t, err)
	_, err = s.DeductTimeAndMove(ctx, id, storage.Black, m2.San, m2.Fen, false)
	require.NoError(t, err)

	require.NoError(t, s.kv.RPush(ctx, movesKey(id), "{broken"))

	gs, err := s.LoadGameState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, gs)
	assert.True(t, gs.Corrupted)
	require.Len(t, gs.Moves, 2)
	assert.Equal(t, m2.Fen, gs.Record.CurrentFen)

	n, err := s.kv.LLen(ctx, movesKey(id))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// the repaired room loads clean afterwards
	gs, err = s.LoadGameState(ctx, id)
	require.NoError(t, err)
	assert.False(t, gs.Corrupted)
}

func TestLoadGameStateTruncatesIllegalTail(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, false)
	_, err := s.Join(ctx, created.GameID)
	require.NoError(t, err)
	id := created.GameID

	m1, err := rules.ApplyMoveFromLog(nil, "e2", "e4", "")
	require.NoError(t, err)
	_, err = s.DeductTimeAndMove(ctx, id, storage.White, m1.San, m1.Fen, false)
	require.NoError(t, err)

	// decodes fine but does not replay
	bogus := storage.MoveEntry{MoveNumber: 2, San: "Ke4", Fen: "x", CreatedAtMs: 1}
	require.NoError(t, s.kv.RPush(ctx, movesKey(id), bogus.Encode()))

	gs, err := s.LoadGameState(ctx, id)
	require.NoError(t, err)
	assert.True(t, gs.Corrupted)
	require.Len(t, gs.Moves, 1)
	assert.Equal(t, m1.Fen, gs.Record.CurrentFen)
}

func TestLoadGameStateFixesDriftedFen(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, false)
	id := created.GameID
	require.NoError(t, s.SetCurrentFen(ctx, id, "drifted"))

	gs, err := s.LoadGameState(ctx, id)
	require.NoError(t, err)
	assert.False(t, gs.Corrupted)
	assert.Equal(t, rules.StartingFen, gs.Record.CurrentFen)

	rec, _ := s.GetGame(ctx, id)
	assert.Equal(t, rules.StartingFen, rec.CurrentFen)
}

func TestListPublicGamesPrunesTerminal(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	keep := createGame(t, s, "white", 0, 0, true)
	done := createGame(t, s, "white", 0, 0, true)
	createGame(t, s, "white", 0, 0, false) // private, never listed
	_, err := s.Join(ctx, done.GameID)
	require.NoError(t, err)
	require.NoError(t, s.SetGameResult(ctx, done.GameID, storage.DrawGame))

	lobby, err := s.ListPublicGames(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lobby, 1)
	assert.Equal(t, keep.GameID, lobby[0].ID)

	n, err := s.kv.ZCard(ctx, lobbyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestScanGameIDs(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	a := createGame(t, s, "white", 0, 0, true)
	b := createGame(t, s, "white", 0, 0, false)

	ids, err := s.ScanGameIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.GameID, b.GameID}, ids)
}

func TestSpectatorCounter(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	created := createGame(t, s, "white", 0, 0, false)
	id := created.GameID

	n, err := s.SpectatorJoin(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = s.SpectatorJoin(ctx, id)
	assert.Equal(t, 2, n)

	n, err = s.SpectatorLeave(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = s.SpectatorLeave(ctx, id)
	assert.Equal(t, 0, n)

	// leave below zero floors at zero
	n, err = s.SpectatorLeave(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Spectators(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStoreRateLimit(t *testing.T) {
	frozenClock(t, 1_000_000)
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rep, err := s.RateLimit(ctx, "create", testIP, 2, configs.RateLimitGameCreateWindow)
		require.NoError(t, err)
		assert.True(t, rep.Allowed)
	}
	rep, err := s.RateLimit(ctx, "create", testIP, 2, configs.RateLimitGameCreateWindow)
	require.NoError(t, err)
	assert.False(t, rep.Allowed)
	assert.Greater(t, rep.RetryAfter.Milliseconds(), int64(0))

	// scopes count independently
	rep, err = s.RateLimit(ctx, "ws", testIP, 2, configs.RateLimitWSConnectWindow)
	require.NoError(t, err)
	assert.True(t, rep.Allowed)
}
