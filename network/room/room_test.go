package room

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkchess/configs"
	"linkchess/session"
	"linkchess/storage"
)

type testRig struct {
	srv *Server
	ts  *httptest.Server
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	arch, err := storage.NewWALArchive(t.TempDir())
	require.NoError(t, err)
	srv := NewServerWith(storage.NewMemoryKV(), arch)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &testRig{srv: srv, ts: ts}
}

// client returns an HTTP client with its own cookie jar, standing in for
// one browser.
func (rig *testRig) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func (rig *testRig) createGame(t *testing.T, c *http.Client, body string) string {
	t.Helper()
	resp, err := c.Post(rig.ts.URL+"/games", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["id"])
	require.NotEmpty(t, out["token"])
	return out["id"]
}

func (rig *testRig) join(t *testing.T, c *http.Client, id string) string {
	t.Helper()
	resp, err := c.Post(rig.ts.URL+"/games/"+id+"/join", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out["role"]
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (rig *testRig) dial(t *testing.T, c *http.Client) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(rig.ts.URL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if c != nil {
		dialer.Jar = c.Jar
	}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (w *wsClient) send(frame string) {
	w.t.Helper()
	require.NoError(w.t, w.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (w *wsClient) recv() map[string]interface{} {
	w.t.Helper()
	require.NoError(w.t, w.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := w.conn.ReadMessage()
	require.NoError(w.t, err)
	var f map[string]interface{}
	require.NoError(w.t, json.Unmarshal(data, &f))
	return f
}

// recvType drains broadcasts until a frame of the wanted type arrives.
func (w *wsClient) recvType(typ string) map[string]interface{} {
	w.t.Helper()
	for i := 0; i < 20; i++ {
		if f := w.recv(); f["type"] == typ {
			return f
		}
	}
	w.t.Fatalf("no %s frame within 20 frames", typ)
	return nil
}

func (w *wsClient) join(gameID string) map[string]interface{} {
	w.t.Helper()
	w.send(`{"type":"join","gameId":"` + gameID + `"}`)
	return w.recvType("game_state")
}

func (w *wsClient) move(from, to string) {
	w.t.Helper()
	w.send(fmt.Sprintf(`{"type":"move","from":"%s","to":"%s"}`, from, to))
}

func TestCreateJoinAndLobby(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	alice := rig.client(t)
	id := rig.createGame(t, alice, `{"isPublic":true,"creatorColor":"white"}`)

	resp, err := alice.Get(rig.ts.URL + "/games/public")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lobby struct {
		Games []session.PublicGame `json:"games"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lobby))
	require.Len(t, lobby.Games, 1)
	assert.Equal(t, id, lobby.Games[0].ID)
	assert.Equal(t, 1, lobby.Games[0].Players)

	bob := rig.client(t)
	assert.Equal(t, "black", rig.join(t, bob, id))
	// the cookie keeps bob's seat across repeat joins
	assert.Equal(t, "existing", rig.join(t, bob, id))
	// a full game offers the spectator role
	carol := rig.client(t)
	assert.Equal(t, "spectator", rig.join(t, carol, id))

	rec, err := rig.srv.store.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInProgress, rec.Status)

	// unknown ids are indistinguishable from malformed ones
	for _, bad := range []string{"not-a-uuid", uuid.NewString()} {
		resp, err := bob.Post(rig.ts.URL+"/games/"+bad+"/join", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	rig := newTestRig(t)
	resp, err := http.Get(rig.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Status string `json:"status"`
		Deps   map[string]struct {
			Up        bool  `json:"up"`
			LatencyMs int64 `json:"latencyMs"`
		} `json:"deps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out.Status)
	assert.True(t, out.Deps["hot"].Up)
	assert.True(t, out.Deps["archive"].Up)
}

func TestFoolsMateOverWebsocket(t *testing.T) {
	rig := newTestRig(t)

	alice := rig.client(t)
	id := rig.createGame(t, alice, `{"creatorColor":"white"}`)

	wsA := rig.dial(t, alice)
	state := wsA.join(id)
	assert.Equal(t, "white", state["role"])
	assert.Equal(t, "WAITING", state["status"])

	bob := rig.client(t)
	require.Equal(t, "black", rig.join(t, bob, id))
	update := wsA.recvType("game_update")
	assert.Equal(t, "IN_PROGRESS", update["status"])

	wsB := rig.dial(t, bob)
	stateB := wsB.join(id)
	assert.Equal(t, "black", stateB["role"])
	assert.Equal(t, "IN_PROGRESS", stateB["status"])
	conn := wsA.recvType("opponent_connected")
	assert.Equal(t, "black", conn["color"])

	wsA.move("f2", "f3")
	mv := wsA.recvType("move")
	assert.Equal(t, "f3", mv["san"])
	wsB.recvType("move")

	wsB.move("e7", "e5")
	wsA.recvType("move")
	wsB.recvType("move")

	wsA.move("g2", "g4")
	wsA.recvType("move")
	wsB.recvType("move")

	wsB.move("d8", "h4")
	final := wsB.recvType("move")
	assert.Equal(t, "Qh4#", final["san"])
	assert.Equal(t, true, final["gameOver"])
	assert.Equal(t, "BLACK_WINS", final["result"])
	assert.Equal(t, "FINISHED", final["status"])
	wsA.recvType("move")

	// after the end only the sender hears about a rejected move
	wsA.move("a2", "a3")
	errF := wsA.recvType("error")
	assert.Contains(t, errF["message"], "finished")

	resp, err := alice.Get(rig.ts.URL + "/games/" + id + "/pgn")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-chess-pgn", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Qh4#")
	assert.Contains(t, string(body), "0-1")
}

func TestDrawThenRematchOverWebsocket(t *testing.T) {
	rig := newTestRig(t)

	alice := rig.client(t)
	id := rig.createGame(t, alice, `{"creatorColor":"white"}`)
	wsA := rig.dial(t, alice)
	wsA.join(id)

	bob := rig.client(t)
	require.Equal(t, "black", rig.join(t, bob, id))
	wsB := rig.dial(t, bob)
	wsB.join(id)

	wsA.send(`{"type":"draw_offer"}`)
	offer := wsB.recvType("draw_offer")
	assert.Equal(t, "white", offer["drawOfferBy"])
	wsA.recvType("draw_offer")

	wsB.send(`{"type":"draw_accept"}`)
	done := wsA.recvType("draw_accepted")
	assert.Equal(t, "DRAW", done["result"])
	assert.Equal(t, true, done["gameOver"])
	wsB.recvType("draw_accepted")

	wsA.send(`{"type":"rematch_offer"}`)
	rOffer := wsB.recvType("rematch_offer")
	assert.Equal(t, "white", rOffer["rematchOfferBy"])
	wsA.recvType("rematch_offer")

	wsB.send(`{"type":"rematch_accept"}`)
	fa := wsA.recvType("rematch_accepted")
	fb := wsB.recvType("rematch_accepted")

	newID, _ := fa["newGameId"].(string)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, id, newID)
	assert.Equal(t, newID, fb["newGameId"])
	// colors swap, token values survive
	assert.Equal(t, "black", fa["color"])
	assert.Equal(t, "white", fb["color"])
	require.NotEmpty(t, fa["token"])
	require.NotEmpty(t, fb["token"])
	assert.NotEqual(t, fa["token"], fb["token"])

	// the live socket may hop straight into the new room as a player
	stateA := wsA.join(newID)
	assert.Equal(t, "black", stateA["role"])
	assert.Equal(t, "IN_PROGRESS", stateA["status"])

	// a fresh browser converts the handed-over token into a cookie
	dave := rig.client(t)
	body := fmt.Sprintf(`{"token":%q}`, fb["token"])
	resp, err := dave.Post(rig.ts.URL+"/games/"+newID+"/claim", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	assert.Equal(t, "white", claim["role"])

	wsD := rig.dial(t, dave)
	stateD := wsD.join(newID)
	assert.Equal(t, "white", stateD["role"])

	// a token that seats nobody is rejected
	resp2, err := dave.Post(rig.ts.URL+"/games/"+newID+"/claim", "application/json",
		strings.NewReader(`{"token":"`+uuid.NewString()+`"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestClaimWinOverWebsocket(t *testing.T) {
	orig := configs.ClaimWinTimeout
	configs.ClaimWinTimeout = 100 * time.Millisecond
	t.Cleanup(func() { configs.ClaimWinTimeout = orig })

	rig := newTestRig(t)
	alice := rig.client(t)
	id := rig.createGame(t, alice, `{"creatorColor":"white","timeInitialMs":60000}`)
	wsA := rig.dial(t, alice)
	wsA.join(id)

	bob := rig.client(t)
	require.Equal(t, "black", rig.join(t, bob, id))
	wsB := rig.dial(t, bob)
	wsB.join(id)
	wsA.recvType("opponent_connected")

	// black drops without a word
	_ = wsB.conn.Close()
	disc := wsA.recvType("opponent_disconnected")
	assert.Equal(t, "black", disc["color"])
	deadline, _ := disc["claimDeadline"].(float64)
	assert.Greater(t, deadline, float64(0))

	time.Sleep(150 * time.Millisecond)
	wsA.send(`{"type":"claim_win"}`)
	won := wsA.recvType("game_abandoned")
	assert.Equal(t, "ABANDONED", won["status"])
	assert.Equal(t, "WHITE_WINS", won["result"])
	assert.Equal(t, "black", won["color"])
	assert.Equal(t, true, won["gameOver"])

	arch, err := rig.srv.archive.FindGame(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, arch)
	assert.Equal(t, storage.StatusAbandoned, arch.Status)
}

func TestSpectatorCountBroadcasts(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.client(t)
	id := rig.createGame(t, alice, `{"creatorColor":"white"}`)
	wsA := rig.dial(t, alice)
	wsA.join(id)

	carol := rig.client(t)
	wsC := rig.dial(t, carol)
	state := wsC.join(id)
	assert.Equal(t, "spectator", state["role"])
	assert.Equal(t, float64(1), state["spectators"])

	cnt := wsA.recvType("spectator_count")
	assert.Equal(t, float64(1), cnt["spectators"])

	_ = wsC.conn.Close()
	gone := wsA.recvType("spectator_count")
	assert.Equal(t, float64(0), gone["spectators"])
}

func TestFrameGateOverWebsocket(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.client(t)
	id := rig.createGame(t, alice, `{"creatorColor":"white"}`)
	wsA := rig.dial(t, alice)

	// commands need a room first
	wsA.send(`{"type":"resign"}`)
	assert.Equal(t, "Join a game first", wsA.recvType("error")["message"])

	// 1024 bytes passes the size gate and dies on the type whitelist
	okSize := `{"type":"` + strings.Repeat("x", 1013) + `"}`
	require.Len(t, okSize, configs.MaxFrameBytes)
	wsA.send(okSize)
	assert.Equal(t, "Unknown frame type", wsA.recvType("error")["message"])

	// one byte more is cut at the size gate, connection survives
	tooBig := `{"type":"` + strings.Repeat("x", 1014) + `"}`
	require.Len(t, tooBig, configs.MaxFrameBytes+1)
	wsA.send(tooBig)
	assert.Equal(t, "Frame too large", wsA.recvType("error")["message"])

	wsA.send(`not json`)
	assert.Equal(t, "Malformed frame", wsA.recvType("error")["message"])

	wsA.send(`{"type":"resign","bogus":1}`)
	assert.Equal(t, "Unexpected field: bogus", wsA.recvType("error")["message"])

	// after all the abuse the socket still joins and plays
	state := wsA.join(id)
	assert.Equal(t, "white", state["role"])
}

func TestCorruptMoveLogOverWebsocket(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	alice := rig.client(t)
	id := rig.createGame(t, alice, `{"creatorColor":"white"}`)
	bob := rig.client(t)
	require.Equal(t, "black", rig.join(t, bob, id))

	// poison the move log behind the server's back
	require.NoError(t, rig.srv.kv.RPush(ctx, "game:"+id+":moves", "{broken"))

	wsA := rig.dial(t, alice)
	state := wsA.join(id)
	assert.Equal(t, true, state["gameStateCorrupted"])
	assert.Nil(t, state["moves"])

	// the truncated log keeps playing
	wsA.move("e2", "e4")
	mv := wsA.recvType("move")
	assert.Equal(t, "e4", mv["san"])
}

func TestWebsocketOriginPolicy(t *testing.T) {
	rig := newTestRig(t)
	wsURL := "ws" + strings.TrimPrefix(rig.ts.URL, "http") + "/ws"

	origProd, origCORS := configs.Production, configs.CORSAllowedOrigins
	t.Cleanup(func() {
		configs.Production = origProd
		configs.CORSAllowedOrigins = origCORS
	})

	evil := http.Header{"Origin": {"http://evil.example"}}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	// dev mode lets any origin in
	configs.Production = false
	configs.CORSAllowedOrigins = ""
	conn, resp, err := dialer.Dial(wsURL, evil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()

	// production with no allow list shuts the door
	configs.Production = true
	_, resp, err = dialer.Dial(wsURL, evil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// an allow-listed origin passes even in production
	configs.CORSAllowedOrigins = "http://site.example, http://evil.example"
	conn, resp, err = dialer.Dial(wsURL, evil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()
}

func TestWebsocketRateLimit(t *testing.T) {
	orig := configs.RateLimitWSConnectMax
	configs.RateLimitWSConnectMax = 2
	t.Cleanup(func() { configs.RateLimitWSConnectMax = orig })

	rig := newTestRig(t)
	wsURL := "ws" + strings.TrimPrefix(rig.ts.URL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	for i := 0; i < 2; i++ {
		conn, resp, err := dialer.Dial(wsURL, nil)
		require.NoError(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		t.Cleanup(func() { _ = conn.Close() })
	}
	_, resp, err := dialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	resp.Body.Close()
}

func TestCreateRateLimitHTTP(t *testing.T) {
	orig := configs.RateLimitGameCreateMax
	configs.RateLimitGameCreateMax = 2
	t.Cleanup(func() { configs.RateLimitGameCreateMax = orig })

	rig := newTestRig(t)
	alice := rig.client(t)
	rig.createGame(t, alice, `{}`)
	rig.createGame(t, alice, `{}`)

	resp, err := alice.Post(rig.ts.URL+"/games", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestArchiveEndpointAndPGNFallback(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	finish := func() string {
		created, err := rig.srv.store.CreateGame(ctx, session.CreateParams{
			CreatorColor: "white",
			CreatorIP:    "203.0.113.50",
		})
		require.NoError(t, err)
		_, err = rig.srv.store.Join(ctx, created.GameID)
		require.NoError(t, err)
		_, err = rig.srv.engine.Resign(ctx, created.GameID, storage.Black)
		require.NoError(t, err)
		return created.GameID
	}
	first := finish()
	finish()

	resp, err := http.Get(rig.ts.URL + "/games/archive?page=1&status=FINISHED")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out struct {
		Games      []archiveRow `json:"games"`
		Total      int          `json:"total"`
		Page       int          `json:"page"`
		TotalPages int          `json:"totalPages"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.Page)
	assert.Equal(t, 1, out.TotalPages)
	require.Len(t, out.Games, 2)
	// seat tokens never leave the server
	assert.NotContains(t, string(raw), `"whiteToken"`)

	// PGN survives the hot record's deletion
	require.NoError(t, rig.srv.store.ArchiveAndDelete(ctx, first))
	pgnResp, err := http.Get(rig.ts.URL + "/games/" + first + "/pgn")
	require.NoError(t, err)
	defer pgnResp.Body.Close()
	require.Equal(t, http.StatusOK, pgnResp.StatusCode)
	body, err := io.ReadAll(pgnResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "1-0")
}
