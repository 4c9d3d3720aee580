package rules

import (
	"fmt"
	"time"

	"github.com/notnil/chess"
)

// PGNMeta carries the tag-pair values for a PGN export.
type PGNMeta struct {
	Event           string
	Site            string
	CreatedAtMs     int64
	White           string
	Black           string
	Result          string
	TimeInitialMs   int64
	TimeIncrementMs int64
}

// PGN renders tag pairs plus the SAN movetext. Moves that no longer replay
// are dropped so a damaged log still exports its clean prefix.
func PGN(sans []string, meta PGNMeta) string {
	g := chess.NewGame()
	for _, san := range sans {
		if err := g.MoveStr(san); err != nil {
			break
		}
	}

	// The board alone cannot know about resignation, flag, or abandonment.
	if g.Outcome() == chess.NoOutcome {
		switch meta.Result {
		case WhiteWins:
			g.Resign(chess.Black)
		case BlackWins:
			g.Resign(chess.White)
		case DrawGame:
			_ = g.Draw(chess.DrawOffer)
		}
	}

	g.AddTagPair("Event", orDefault(meta.Event, "Casual game"))
	g.AddTagPair("Site", orDefault(meta.Site, "linkchess"))
	g.AddTagPair("Date", time.UnixMilli(meta.CreatedAtMs).UTC().Format("2006.01.02"))
	g.AddTagPair("White", orDefault(meta.White, "Anonymous"))
	g.AddTagPair("Black", orDefault(meta.Black, "Anonymous"))
	g.AddTagPair("Result", resultTag(meta.Result))
	g.AddTagPair("TimeControl", timeControlTag(meta.TimeInitialMs, meta.TimeIncrementMs))
	return g.String()
}

func timeControlTag(initialMs, incrementMs int64) string {
	if initialMs <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d+%d", initialMs/1000, incrementMs/1000)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
