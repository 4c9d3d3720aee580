// Package network defines the duplex wire protocol: the closed inbound and
// outbound frame sets, their validation rules, and the JSON codec.
package network

import (
	"regexp"

	"github.com/goccy/go-json"

	"linkchess/configs"
	"linkchess/utils"
)

// Inbound frame types, client to server.
const (
	InJoin          = "join"
	InMove          = "move"
	InResign        = "resign"
	InDrawOffer     = "draw_offer"
	InDrawAccept    = "draw_accept"
	InDrawDecline   = "draw_decline"
	InDrawCancel    = "draw_cancel"
	InRematchOffer  = "rematch_offer"
	InRematchAccept = "rematch_accept"
	InRematchCancel = "rematch_cancel"
	InFlag          = "flag"
	InClaimWin      = "claim_win"
)

// Outbound frame types, server to client.
const (
	OutGameState            = "game_state"
	OutMove                 = "move"
	OutError                = "error"
	OutResign               = "resign"
	OutDrawOffer            = "draw_offer"
	OutDrawDeclined         = "draw_declined"
	OutDrawAccepted         = "draw_accepted"
	OutDrawCancelled        = "draw_cancelled"
	OutOpponentConnected    = "opponent_connected"
	OutOpponentDisconnected = "opponent_disconnected"
	OutConnectionStatus     = "connection_status"
	OutSpectatorCount       = "spectator_count"
	OutGameUpdate           = "game_update"
	OutRematchOffer         = "rematch_offer"
	OutRematchAccepted      = "rematch_accepted"
	OutRematchCancelled     = "rematch_cancelled"
	OutFlag                 = "flag"
	OutClockSync            = "clock_sync"
	OutGameAbandoned        = "game_abandoned"
)

// Inbound is a validated client frame. Only the fields that the frame's
// type whitelists are ever populated.
type Inbound struct {
	Type      string `json:"type"`
	GameID    string `json:"gameId,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`
}

// MoveView is the wire shape of one move-log entry.
type MoveView struct {
	MoveNumber int    `json:"moveNumber"`
	San        string `json:"san"`
	Fen        string `json:"fen"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
}

// Frame is the single outbound envelope. The Type discriminator selects
// which optional fields are meaningful, the rest stay omitted.
type Frame struct {
	Type string `json:"type"`

	GameID  string `json:"gameId,omitempty"`
	Status  string `json:"status,omitempty"`
	Result  string `json:"result,omitempty"`
	Fen     string `json:"fen,omitempty"`
	Role    string `json:"role,omitempty"`
	Color   string `json:"color,omitempty"`
	Message string `json:"message,omitempty"`

	San       string `json:"san,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`
	Check     bool   `json:"check,omitempty"`
	GameOver  bool   `json:"gameOver,omitempty"`

	Moves []MoveView `json:"moves,omitempty"`

	WhiteTimeMs     *int64 `json:"whiteTimeMs,omitempty"`
	BlackTimeMs     *int64 `json:"blackTimeMs,omitempty"`
	LastMoveAt      *int64 `json:"lastMoveAt,omitempty"`
	TimeInitialMs   *int64 `json:"timeInitialMs,omitempty"`
	TimeIncrementMs *int64 `json:"timeIncrementMs,omitempty"`
	ClaimDeadline   *int64 `json:"claimDeadline,omitempty"`

	Spectators     *int  `json:"spectators,omitempty"`
	WhiteConnected *bool `json:"whiteConnected,omitempty"`
	BlackConnected *bool `json:"blackConnected,omitempty"`
	IsPublic       *bool `json:"isPublic,omitempty"`

	DrawOfferBy    string `json:"drawOfferBy,omitempty"`
	RematchOfferBy string `json:"rematchOfferBy,omitempty"`

	NewGameID string `json:"newGameId,omitempty"`
	Token     string `json:"token,omitempty"`

	GameStateCorrupted bool `json:"gameStateCorrupted,omitempty"`
}

func (f *Frame) Encode() []byte {
	byt, err := json.Marshal(f)
	configs.CheckError(err)
	return byt
}

func ErrorFrame(msg string) *Frame {
	return &Frame{Type: OutError, Message: msg}
}

// Int64P et al. build the optional wire fields.
func Int64P(v int64) *int64 { return &v }
func IntP(v int) *int       { return &v }
func BoolP(v bool) *bool    { return &v }

var squareRe = regexp.MustCompile(`^[a-h][1-8]$`)

// allowedFields whitelists the JSON keys each inbound type may carry.
var allowedFields = map[string]map[string]bool{
	InJoin:          {"type": true, "gameId": true},
	InMove:          {"type": true, "from": true, "to": true, "promotion": true},
	InResign:        {"type": true},
	InDrawOffer:     {"type": true},
	InDrawAccept:    {"type": true},
	InDrawDecline:   {"type": true},
	InDrawCancel:    {"type": true},
	InRematchOffer:  {"type": true},
	InRematchAccept: {"type": true},
	InRematchCancel: {"type": true},
	InFlag:          {"type": true},
	InClaimWin:      {"type": true},
}

// ParseInbound runs the full dispatcher gate: size, JSON shape, closed type
// set, field whitelist, and field domains. It fails closed; anything not
// explicitly allowed is rejected with a Validation error.
func ParseInbound(raw []byte) (*Inbound, error) {
	if len(raw) > configs.MaxFrameBytes {
		return nil, utils.E(utils.Validation, "Frame too large")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, utils.E(utils.Validation, "Malformed frame")
	}

	typ, err := stringField(obj, "type")
	if err != nil || typ == "" {
		return nil, utils.E(utils.Validation, "Missing frame type")
	}
	if len(typ) > configs.MaxFrameTypeLen {
		return nil, utils.E(utils.Validation, "Unknown frame type")
	}
	switch typ {
	case "__proto__", "constructor", "prototype":
		return nil, utils.E(utils.Validation, "Unknown frame type")
	}
	allowed, ok := allowedFields[typ]
	if !ok {
		return nil, utils.E(utils.Validation, "Unknown frame type")
	}
	for k := range obj {
		if !allowed[k] {
			return nil, utils.E(utils.Validation, "Unexpected field: "+k)
		}
	}

	in := &Inbound{Type: typ}
	switch typ {
	case InJoin:
		id, err := stringField(obj, "gameId")
		if err != nil {
			return nil, utils.E(utils.Validation, "Invalid gameId")
		}
		if id == "" {
			return nil, utils.E(utils.Validation, "Missing gameId")
		}
		if !utils.IsCanonicalUUID(id) {
			return nil, utils.E(utils.Validation, "Invalid gameId")
		}
		in.GameID = id
	case InMove:
		from, errF := stringField(obj, "from")
		to, errT := stringField(obj, "to")
		if errF != nil || errT != nil || !squareRe.MatchString(from) || !squareRe.MatchString(to) {
			return nil, utils.E(utils.Validation, "Invalid move coordinates")
		}
		in.From, in.To = from, to
		if _, present := obj["promotion"]; present {
			promo, err := stringField(obj, "promotion")
			if err != nil {
				return nil, utils.E(utils.Validation, "Invalid promotion")
			}
			switch promo {
			case "q", "r", "b", "n":
				in.Promotion = promo
			case "":
			default:
				return nil, utils.E(utils.Validation, "Invalid promotion")
			}
		}
	}
	return in, nil
}

func stringField(obj map[string]json.RawMessage, key string) (string, error) {
	raw, ok := obj[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
