package rules

import (
	"strings"
	"testing"

	passert "github.com/magiconair/properties/assert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkchess/utils"
)

func playSeq(t *testing.T, fen string, uci ...string) MoveOutcome {
	var out MoveOutcome
	var err error
	cur := fen
	for _, m := range uci {
		out, err = ApplyMove(cur, m[0:2], m[2:4], m[4:])
		require.NoError(t, err, "move %s from %s", m, cur)
		cur = out.Fen
	}
	return out
}

func TestScholarsMate(t *testing.T) {
	out := playSeq(t, StartingFen,
		"e2e4", "e7e5", "d1h5", "b8c6", "f1c4", "g8f6", "h5f7")
	assert.Equal(t, "Qxf7#", out.San)
	assert.True(t, out.Mate)
	assert.True(t, out.GameOver)
	assert.True(t, out.Captured)
	assert.Equal(t, WhiteWins, out.Result)
}

func TestCastlingSan(t *testing.T) {
	out := playSeq(t, StartingFen,
		"e2e4", "e7e5", "g1f3", "b8c6", "f1c4", "f8c5", "e1g1")
	assert.Equal(t, "O-O", out.San)
	assert.False(t, out.GameOver)
	assert.Equal(t, "black", out.Turn)
}

func TestPromotionWithCheck(t *testing.T) {
	out, err := ApplyMove("7k/P7/8/8/8/8/8/K7 w - - 0 1", "a7", "a8", "q")
	require.NoError(t, err)
	assert.Equal(t, "a8=Q+", out.San)
	assert.True(t, out.Check)
	assert.False(t, out.GameOver)
}

func TestStalemate(t *testing.T) {
	out, err := ApplyMove("k7/8/8/2Q5/8/8/8/7K w - - 0 1", "c5", "b6", "")
	require.NoError(t, err)
	assert.True(t, out.Stalemate)
	assert.True(t, out.GameOver)
	assert.Equal(t, DrawGame, out.Result)
}

func TestInsufficientMaterialAfterCapture(t *testing.T) {
	out, err := ApplyMove("8/8/8/8/k7/8/q7/1K6 w - - 0 1", "b1", "a2", "")
	require.NoError(t, err)
	assert.True(t, out.Captured)
	assert.True(t, out.InsufficientMaterial)
	assert.True(t, out.GameOver)
	assert.Equal(t, DrawGame, out.Result)
}

func TestThreefoldAutoDraw(t *testing.T) {
	sans := []string{"Nf3", "Nf6", "Ng1", "Ng8", "Nf3", "Nf6", "Ng1"}
	out, err := ApplyMoveFromLog(sans, "f6", "g8", "")
	require.NoError(t, err)
	assert.True(t, out.Threefold)
	assert.True(t, out.GameOver)
	assert.Equal(t, DrawGame, out.Result)
}

func TestApplyMoveFromLogCorruption(t *testing.T) {
	_, err := ApplyMoveFromLog([]string{"e4", "zz9"}, "e7", "e5", "")
	require.Error(t, err)
	assert.True(t, utils.IsCorruption(err))
}

func TestIllegalMoveRejected(t *testing.T) {
	_, err := ApplyMove(StartingFen, "e2", "e5", "")
	require.Error(t, err)
	assert.Equal(t, utils.IllegalMove, utils.KindOf(err))
	assert.Equal(t, "Invalid move", err.Error())
}

func TestBadFenRejected(t *testing.T) {
	_, err := ApplyMove("not a position", "e2", "e4", "")
	require.Error(t, err)
	assert.Equal(t, utils.Validation, utils.KindOf(err))
	assert.Error(t, ValidateFen("still not a position"))
	assert.NoError(t, ValidateFen(StartingFen))
}

func TestReplayReportsFirstFailure(t *testing.T) {
	fen, failIdx := Replay([]string{"e4", "e5", "Qxf8"})
	passert.Equal(t, failIdx, 2)
	side, err := SideToMove(fen)
	require.NoError(t, err)
	assert.Equal(t, "white", side)

	fullFen, clean := Replay([]string{"e4", "e5", "Qh5", "Nc6", "Bc4", "Nf6", "Qxf7#"})
	passert.Equal(t, clean, -1)
	assert.Contains(t, fullFen, " b ")
}

func TestLegalMovesFromStart(t *testing.T) {
	moves, err := LegalMoves(StartingFen)
	require.NoError(t, err)
	assert.Len(t, moves, 20)
	assert.Contains(t, moves, "e2e4")
	assert.Contains(t, moves, "g1f3")
}

func TestPGNExport(t *testing.T) {
	sans := []string{"e4", "e5", "Qh5", "Nc6", "Bc4", "Nf6", "Qxf7#"}
	pgn := PGN(sans, PGNMeta{
		CreatedAtMs:   1700000000000,
		Result:        WhiteWins,
		TimeInitialMs: 300000,
	})
	assert.Contains(t, pgn, `[Result "1-0"]`)
	assert.Contains(t, pgn, `[TimeControl "300+0"]`)
	assert.Contains(t, pgn, "Qxf7#")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(pgn), "1-0"))
}

func TestPGNResignationAndDamagedTail(t *testing.T) {
	pgn := PGN([]string{"e4", "e5", "garbage", "Nf3"}, PGNMeta{Result: BlackWins})
	assert.Contains(t, pgn, `[Result "0-1"]`)
	assert.Contains(t, pgn, "e5")
	assert.NotContains(t, pgn, "Nf3")

	drawn := PGN([]string{"e4", "e5"}, PGNMeta{Result: DrawGame})
	assert.Contains(t, drawn, `[Result "1/2-1/2"]`)
}
