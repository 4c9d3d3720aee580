package storage

import (
	"strconv"

	"github.com/goccy/go-json"

	"linkchess/utils"
)

type GameStatus string

const (
	StatusWaiting    GameStatus = "WAITING"
	StatusInProgress GameStatus = "IN_PROGRESS"
	StatusFinished   GameStatus = "FINISHED"
	StatusAbandoned  GameStatus = "ABANDONED"
)

// Terminal reports whether the status admits no further transitions.
func (s GameStatus) Terminal() bool {
	return s == StatusFinished || s == StatusAbandoned
}

type GameResult string

const (
	WhiteWins GameResult = "WHITE_WINS"
	BlackWins GameResult = "BLACK_WINS"
	DrawGame  GameResult = "DRAW"
	NoResult  GameResult = ""
)

type Color string

const (
	White   Color = "white"
	Black   Color = "black"
	NoColor Color = ""
)

func OpponentOf(c Color) Color {
	if c == White {
		return Black
	}
	if c == Black {
		return White
	}
	return NoColor
}

// WinFor is the result that favors the given color.
func WinFor(c Color) GameResult {
	if c == White {
		return WhiteWins
	}
	return BlackWins
}

// GameRecord is the authoritative hot-store row for one room, stored as a
// hash with one field per column.
type GameRecord struct {
	ID              string
	Status          GameStatus
	Result          GameResult
	CurrentFen      string
	IsPublic        bool
	CreatorColor    string // white, black, or random as requested at create
	CreatorIP       string
	TimeInitialMs   int64
	TimeIncrementMs int64
	WhiteTimeMs     int64
	BlackTimeMs     int64
	LastMoveAt      int64 // epoch ms, 0 until the first move
	CreatedAt       int64 // epoch ms
}

// Timed reports whether a clock runs in this game.
func (r *GameRecord) Timed() bool { return r.TimeInitialMs > 0 }

// BalanceOf is the stored clock balance for a color at LastMoveAt.
func (r *GameRecord) BalanceOf(c Color) int64 {
	if c == White {
		return r.WhiteTimeMs
	}
	return r.BlackTimeMs
}

func (r *GameRecord) Fields() map[string]string {
	return map[string]string{
		"id":              r.ID,
		"status":          string(r.Status),
		"result":          string(r.Result),
		"currentFen":      r.CurrentFen,
		"isPublic":        boolField(r.IsPublic),
		"creatorColor":    r.CreatorColor,
		"creatorIp":       r.CreatorIP,
		"timeInitialMs":   strconv.FormatInt(r.TimeInitialMs, 10),
		"timeIncrementMs": strconv.FormatInt(r.TimeIncrementMs, 10),
		"whiteTimeMs":     strconv.FormatInt(r.WhiteTimeMs, 10),
		"blackTimeMs":     strconv.FormatInt(r.BlackTimeMs, 10),
		"lastMoveAt":      strconv.FormatInt(r.LastMoveAt, 10),
		"createdAt":       strconv.FormatInt(r.CreatedAt, 10),
	}
}

// RecordFromFields rebuilds a record from its hash fields. A malformed hash
// is a StoreCorruption, never a silent zero value.
func RecordFromFields(m map[string]string) (*GameRecord, error) {
	if len(m) == 0 {
		return nil, nil
	}
	rec := &GameRecord{
		ID:           m["id"],
		Status:       GameStatus(m["status"]),
		Result:       GameResult(m["result"]),
		CurrentFen:   m["currentFen"],
		IsPublic:     m["isPublic"] == "1",
		CreatorColor: m["creatorColor"],
		CreatorIP:    m["creatorIp"],
	}
	switch rec.Status {
	case StatusWaiting, StatusInProgress, StatusFinished, StatusAbandoned:
	default:
		return nil, utils.E(utils.StoreCorruption, "corrupted game record: bad status %q", m["status"])
	}
	var err error
	if rec.TimeInitialMs, err = intField(m, "timeInitialMs"); err != nil {
		return nil, err
	}
	if rec.TimeIncrementMs, err = intField(m, "timeIncrementMs"); err != nil {
		return nil, err
	}
	if rec.WhiteTimeMs, err = intField(m, "whiteTimeMs"); err != nil {
		return nil, err
	}
	if rec.BlackTimeMs, err = intField(m, "blackTimeMs"); err != nil {
		return nil, err
	}
	if rec.LastMoveAt, err = intField(m, "lastMoveAt"); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = intField(m, "createdAt"); err != nil {
		return nil, err
	}
	return rec, nil
}

// Seats binds bearer tokens to colors. Kept as its own hash so the join
// script can swap tokens atomically.
type Seats struct {
	WhiteToken     string
	BlackToken     string
	WhiteConnected bool
	BlackConnected bool
}

// RoleOf resolves a bearer token against the seats.
func (s *Seats) RoleOf(token string) Color {
	if token == "" {
		return NoColor
	}
	if token == s.WhiteToken {
		return White
	}
	if token == s.BlackToken {
		return Black
	}
	return NoColor
}

func (s *Seats) ConnectedBit(c Color) bool {
	if c == White {
		return s.WhiteConnected
	}
	return s.BlackConnected
}

func (s *Seats) Fields() map[string]string {
	return map[string]string{
		"whiteToken":     s.WhiteToken,
		"blackToken":     s.BlackToken,
		"whiteConnected": boolField(s.WhiteConnected),
		"blackConnected": boolField(s.BlackConnected),
	}
}

func SeatsFromFields(m map[string]string) *Seats {
	if len(m) == 0 {
		return nil
	}
	return &Seats{
		WhiteToken:     m["whiteToken"],
		BlackToken:     m["blackToken"],
		WhiteConnected: m["whiteConnected"] == "1",
		BlackConnected: m["blackConnected"] == "1",
	}
}

// MoveEntry is one accepted move, appended to the room's move list as JSON.
type MoveEntry struct {
	MoveNumber  int    `json:"moveNumber" bson:"moveNumber"`
	San         string `json:"san" bson:"san"`
	Fen         string `json:"fen" bson:"fen"`
	CreatedAtMs int64  `json:"createdAtMs" bson:"createdAtMs"`
}

func (m *MoveEntry) Encode() string {
	byt, _ := json.Marshal(m)
	return string(byt)
}

func DecodeMove(raw string) (MoveEntry, error) {
	var m MoveEntry
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return MoveEntry{}, utils.Corruption(err, "move entry")
	}
	if m.San == "" {
		return MoveEntry{}, utils.E(utils.StoreCorruption, "corrupted move entry: empty san")
	}
	return m, nil
}

// AbandonTimer marks a disconnected player and the deadline after which the
// opponent may take the game.
type AbandonTimer struct {
	DisconnectedColor Color `json:"disconnectedColor"`
	DeadlineMs        int64 `json:"deadlineMs"`
}

func (t *AbandonTimer) Encode() string {
	byt, _ := json.Marshal(t)
	return string(byt)
}

func DecodeTimer(raw string) (*AbandonTimer, error) {
	var t AbandonTimer
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, utils.Corruption(err, "abandonment timer")
	}
	return &t, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func intField(m map[string]string, field string) (int64, error) {
	s, ok := m[field]
	if !ok || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, utils.E(utils.StoreCorruption, "corrupted game record: bad %s %q", field, s)
	}
	return v, nil
}
