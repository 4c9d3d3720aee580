package rules

import (
	"strconv"

	"github.com/notnil/chess"

	"linkchess/utils"
)

// StartingFen is the standard initial position.
const StartingFen = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Game results as stored and sent on the wire.
const (
	WhiteWins = "WHITE_WINS"
	BlackWins = "BLACK_WINS"
	DrawGame  = "DRAW"
)

// MoveOutcome reports everything a single accepted move changed.
type MoveOutcome struct {
	San                  string
	Fen                  string
	Captured             bool
	Check                bool
	Mate                 bool
	Stalemate            bool
	InsufficientMaterial bool
	FiftyMove            bool
	Threefold            bool
	GameOver             bool
	Result               string // WhiteWins/BlackWins/DrawGame, empty while running
	Turn                 string // side to move after the move
}

// ValidateFen reports whether the oracle can load the position.
func ValidateFen(fen string) error {
	if _, err := chess.FEN(fen); err != nil {
		return utils.E(utils.Validation, "invalid FEN: %v", err)
	}
	return nil
}

// ApplyMove loads fen, applies the UCI-shaped move, and reports the outcome.
// from and to are board squares, promotion is one of q r b n or empty.
// Draw-by-rule (threefold, fifty-move) finalizes immediately, matching the
// automatic draw adjudication the clients expect.
func ApplyMove(fen, from, to, promotion string) (MoveOutcome, error) {
	fenOpt, err := chess.FEN(fen)
	if err != nil {
		return MoveOutcome{}, utils.E(utils.Validation, "invalid FEN: %v", err)
	}
	g := chess.NewGame(fenOpt, chess.UseNotation(chess.UCINotation{}))

	return finishMove(g, from+to+promotion)
}

// ApplyMoveFromLog replays the SAN history from the initial position and then
// applies the UCI-shaped move on top of it. Unlike ApplyMove this sees the
// whole game, so threefold repetition is detected. Replay failures surface as
// StoreCorruption; recovery truncates the log before retrying.
func ApplyMoveFromLog(sans []string, from, to, promotion string) (MoveOutcome, error) {
	g := chess.NewGame()
	for i, san := range sans {
		if err := g.MoveStr(san); err != nil {
			return MoveOutcome{}, utils.Corruption(err, "move log at index "+strconv.Itoa(i))
		}
	}
	return finishMove(g, from+to+promotion)
}

func finishMove(g *chess.Game, uci string) (MoveOutcome, error) {
	mv, err := chess.UCINotation{}.Decode(g.Position(), uci)
	if err != nil {
		return MoveOutcome{}, utils.E(utils.IllegalMove, "Invalid move")
	}
	prePos := g.Position()
	if err := g.Move(mv); err != nil {
		return MoveOutcome{}, utils.E(utils.IllegalMove, "Invalid move")
	}

	out := MoveOutcome{
		San:      chess.AlgebraicNotation{}.Encode(prePos, mv),
		Fen:      g.Position().String(),
		Captured: mv.HasTag(chess.Capture) || mv.HasTag(chess.EnPassant),
		Check:    mv.HasTag(chess.Check),
		Turn:     colorName(g.Position().Turn()),
	}

	if g.Outcome() == chess.NoOutcome {
		for _, m := range g.EligibleDraws() {
			if m == chess.ThreefoldRepetition || m == chess.FiftyMoveRule {
				if err := g.Draw(m); err == nil {
					break
				}
			}
		}
	}

	switch g.Method() {
	case chess.Checkmate:
		out.Mate = true
	case chess.Stalemate:
		out.Stalemate = true
	case chess.InsufficientMaterial:
		out.InsufficientMaterial = true
	case chess.FiftyMoveRule, chess.SeventyFiveMoveRule:
		out.FiftyMove = true
	case chess.ThreefoldRepetition, chess.FivefoldRepetition:
		out.Threefold = true
	}

	switch g.Outcome() {
	case chess.WhiteWon:
		out.GameOver = true
		out.Result = WhiteWins
	case chess.BlackWon:
		out.GameOver = true
		out.Result = BlackWins
	case chess.Draw:
		out.GameOver = true
		out.Result = DrawGame
	}
	return out, nil
}

// Replay applies a SAN sequence from the initial position. failIdx is the
// index of the first move that does not replay, or -1 when the whole
// sequence is clean. The returned fen reflects the moves before the failure.
func Replay(sans []string) (fen string, failIdx int) {
	g := chess.NewGame()
	for i, san := range sans {
		if err := g.MoveStr(san); err != nil {
			return g.Position().String(), i
		}
	}
	return g.Position().String(), -1
}

// LegalMoves lists every legal move from fen in UCI form.
func LegalMoves(fen string) ([]string, error) {
	fenOpt, err := chess.FEN(fen)
	if err != nil {
		return nil, utils.E(utils.Validation, "invalid FEN: %v", err)
	}
	g := chess.NewGame(fenOpt, chess.UseNotation(chess.UCINotation{}))
	pos := g.Position()
	valid := pos.ValidMoves()
	res := make([]string, 0, len(valid))
	for _, m := range valid {
		res = append(res, chess.UCINotation{}.Encode(pos, m))
	}
	return res, nil
}

// SideToMove reports whose turn it is in fen.
func SideToMove(fen string) (string, error) {
	fenOpt, err := chess.FEN(fen)
	if err != nil {
		return "", utils.E(utils.Validation, "invalid FEN: %v", err)
	}
	g := chess.NewGame(fenOpt)
	return colorName(g.Position().Turn()), nil
}

func colorName(c chess.Color) string {
	if c == chess.White {
		return "white"
	}
	return "black"
}

func resultTag(result string) string {
	switch result {
	case WhiteWins:
		return "1-0"
	case BlackWins:
		return "0-1"
	case DrawGame:
		return "1/2-1/2"
	default:
		return "*"
	}
}
