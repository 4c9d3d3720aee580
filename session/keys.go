package session

import (
	"time"

	"linkchess/configs"
	"linkchess/storage"
)

// lobbyKey indexes public rooms by creation time.
const lobbyKey = "lobby:public"

func gameKey(id string) string       { return "game:" + id }
func seatsKey(id string) string      { return gameKey(id) + ":seats" }
func movesKey(id string) string      { return gameKey(id) + ":moves" }
func drawKey(id string) string       { return gameKey(id) + ":drawoffer" }
func rematchKey(id string) string    { return gameKey(id) + ":rematchoffer" }
func abandonKey(id string) string    { return gameKey(id) + ":abandon" }
func spectatorsKey(id string) string { return gameKey(id) + ":spectators" }

func ipActiveKey(sanitizedIP string) string { return "ip:" + sanitizedIP + ":active" }

func rateKey(scope, sanitizedIP string) string { return "rl:" + scope + ":" + sanitizedIP }

// roomKeys is every hot key belonging to one room. TTL refreshes and
// deletes always cover the full set so a room cannot half-expire.
func roomKeys(id string) []string {
	return []string{
		gameKey(id), seatsKey(id), movesKey(id),
		drawKey(id), rematchKey(id), abandonKey(id), spectatorsKey(id),
	}
}

func ttlFor(status storage.GameStatus) time.Duration {
	switch status {
	case storage.StatusWaiting:
		return configs.WaitingTTL
	case storage.StatusInProgress:
		return configs.InProgressTTL
	default:
		return configs.TerminalTTL
	}
}
