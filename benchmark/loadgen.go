// Package benchmark drives synthetic chess traffic against a running
// server: bot pairs that create rooms and play random legal moves, plus
// a zipfian crowd of spectators that piles onto the busiest rooms.
package benchmark

import (
	"bytes"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"time"

	set "github.com/deckarep/golang-set"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pingcap/go-ycsb/pkg/generator"

	"linkchess/configs"
	"linkchess/rules"
	"linkchess/storage"
	"linkchess/utils"
)

type LoadStmt struct {
	stat  *utils.Stat
	games set.Set
	stop  int32
	wg    sync.WaitGroup
}

// botClient is one synthetic browser: a cookie jar for seat tokens and
// a websocket per joined room.
type botClient struct {
	md   int
	r    *rand.Rand
	http *http.Client
}

func newBotClient(r *rand.Rand, md int) *botClient {
	jar, err := cookiejar.New(nil)
	configs.CheckError(err)
	return &botClient{
		md: md,
		r:  r,
		http: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
		},
	}
}

func (c *botClient) createGame() (string, error) {
	body := bytes.NewBufferString(`{"isPublic":true}`)
	resp, err := c.http.Post(configs.BenchTarget+"/games", "application/json", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create game: HTTP %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *botClient) joinGame(gameID string) (string, error) {
	resp, err := c.http.Post(configs.BenchTarget+"/games/"+gameID+"/join", "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("join game: HTTP %d", resp.StatusCode)
	}
	var out struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Role, nil
}

func (c *botClient) dial() (*websocket.Conn, error) {
	d := websocket.Dialer{
		Jar:              c.http.Jar,
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := d.Dial(wsTarget(), nil)
	return conn, err
}

// attach dials the duplex endpoint, joins the room, and returns the
// connection together with the opening snapshot.
func (c *botClient) attach(gameID string) (*websocket.Conn, map[string]interface{}, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, nil, err
	}
	if err := c.sendFrame(conn, map[string]string{"type": "join", "gameId": gameID}); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	state, err := c.awaitFrame(conn, "game_state")
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, state, nil
}

func (c *botClient) sendFrame(conn *websocket.Conn, v interface{}) error {
	byt, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, byt)
}

// awaitFrame reads until one of the wanted frame types shows up,
// draining presence and spectator broadcasts along the way.
func (c *botClient) awaitFrame(conn *websocket.Conn, wants ...string) (map[string]interface{}, error) {
	for i := 0; i < 32; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var f map[string]interface{}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		typ, _ := f["type"].(string)
		for _, w := range wants {
			if typ == w {
				return f, nil
			}
		}
		if typ == "error" {
			return f, fmt.Errorf("server rejected: %v", f["message"])
		}
	}
	return nil, fmt.Errorf("no %v frame in 32 reads", wants)
}

func (stmt *LoadStmt) Stopped() bool {
	return atomic.LoadInt32(&stmt.stop) != 0
}

func (stmt *LoadStmt) Stop() {
	atomic.StoreInt32(&stmt.stop, 1)
	stmt.wg.Wait()
}

func (stmt *LoadStmt) startPair(seed int, md int) {
	defer stmt.wg.Done()
	r := rand.New(rand.NewSource(int64(seed)*11 + 31))
	for !stmt.Stopped() {
		creator := newBotClient(r, md)
		joiner := newBotClient(r, md)
		stmt.playGame(creator, joiner)
	}
}

// playGame runs one room end to end: create over HTTP, seat the joiner,
// attach both sockets, then alternate random legal moves until the game
// ends or the ply cap forces a resignation.
func (stmt *LoadStmt) playGame(creator, joiner *botClient) {
	t0 := time.Now()
	gameID, err := creator.createGame()
	info := utils.NewInfo("create")
	info.Latency = time.Since(t0)
	if err != nil {
		info.OK = false
		stmt.stat.Append(info)
		configs.DPrintf("bot %v: create failed: %v", creator.md, err)
		time.Sleep(time.Second)
		return
	}
	stmt.stat.Append(info)

	t0 = time.Now()
	_, err = joiner.joinGame(gameID)
	info = utils.NewInfo("join")
	info.Latency = time.Since(t0)
	info.OK = err == nil
	stmt.stat.Append(info)
	if err != nil {
		configs.DPrintf("bot %v: join failed: %v", joiner.md, err)
		return
	}

	cc, cState, err := creator.attach(gameID)
	if err != nil {
		configs.DPrintf("bot %v: attach failed: %v", creator.md, err)
		return
	}
	defer cc.Close()
	jc, jState, err := joiner.attach(gameID)
	if err != nil {
		configs.DPrintf("bot %v: attach failed: %v", joiner.md, err)
		return
	}
	defer jc.Close()

	stmt.games.Add(gameID)
	defer stmt.games.Remove(gameID)

	conns := map[string]*websocket.Conn{}
	cRole, _ := cState["role"].(string)
	jRole, _ := jState["role"].(string)
	conns[cRole] = cc
	conns[jRole] = jc
	if conns["white"] == nil || conns["black"] == nil {
		configs.DPrintf("bot %v: pair not seated, got roles %q and %q", creator.md, cRole, jRole)
		return
	}
	fen, _ := jState["fen"].(string)

	for plies := 0; !stmt.Stopped(); plies++ {
		if plies >= configs.BenchMaxPlies {
			stmt.resign(creator, conns, gameID)
			return
		}
		turn, err := rules.SideToMove(fen)
		if err != nil {
			configs.DPrintf("room %v: bad fen: %v", gameID, err)
			return
		}
		legal, err := rules.LegalMoves(fen)
		if err != nil || len(legal) == 0 {
			return
		}
		uci := legal[creator.r.Intn(len(legal))]
		move := map[string]string{"type": "move", "from": uci[:2], "to": uci[2:4]}
		if len(uci) > 4 {
			move["promotion"] = uci[4:]
		}

		mover := conns[turn]
		other := conns[string(storage.OpponentOf(storage.Color(turn)))]
		t0 = time.Now()
		info = utils.NewInfo("move")
		if err := creator.sendFrame(mover, move); err != nil {
			info.OK = false
			stmt.stat.Append(info)
			return
		}
		f, err := creator.awaitFrame(mover, "move")
		info.Latency = time.Since(t0)
		if err != nil {
			info.OK = false
			stmt.stat.Append(info)
			configs.DPrintf("room %v: move %v rejected: %v", gameID, uci, err)
			return
		}
		fen, _ = f["fen"].(string)
		gameOver, _ := f["gameOver"].(bool)
		info.GameOver = gameOver
		stmt.stat.Append(info)
		if _, err := creator.awaitFrame(other, "move"); err != nil {
			return
		}
		if gameOver {
			configs.DPrintf("room %v: over after %v plies, result %v", gameID, plies+1, f["result"])
			return
		}
		time.Sleep(jitter(creator.r, configs.BenchThinkTime))
	}
}

// resign ends a game that hit the ply cap so the pair can recycle.
func (stmt *LoadStmt) resign(creator *botClient, conns map[string]*websocket.Conn, gameID string) {
	t0 := time.Now()
	info := utils.NewInfo("resign")
	if err := creator.sendFrame(conns["white"], map[string]string{"type": "resign"}); err != nil {
		info.OK = false
		stmt.stat.Append(info)
		return
	}
	_, errW := creator.awaitFrame(conns["white"], "resign")
	_, errB := creator.awaitFrame(conns["black"], "resign")
	info.Latency = time.Since(t0)
	info.OK = errW == nil && errB == nil
	info.GameOver = info.OK
	stmt.stat.Append(info)
	configs.DPrintf("room %v: resigned at ply cap", gameID)
}

func (stmt *LoadStmt) startSpectator(seed int, md int) {
	defer stmt.wg.Done()
	r := rand.New(rand.NewSource(int64(seed)*11 + 31))
	spec := newBotClient(r, md)
	zip := generator.NewZipfianWithRange(0, int64(utils.Max(configs.BenchPairs, 2)-1), configs.BenchSkew)
	for !stmt.Stopped() {
		ids := stmt.games.ToSlice()
		if len(ids) == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		id, _ := ids[int(zip.Next(spec.r))%len(ids)].(string)
		if id == "" {
			continue
		}
		t0 := time.Now()
		conn, state, err := spec.attach(id)
		info := utils.NewInfo("spectate")
		info.Latency = time.Since(t0)
		if err != nil {
			// the room may have drained between the snapshot and the join
			info.OK = false
			stmt.stat.Append(info)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		configs.Warn(state["role"] == "spectator", "bench spectator was seated in room "+id)
		stmt.stat.Append(info)
		stmt.watch(spec, conn)
		_ = conn.Close()
	}
}

// watch drains broadcasts for a short stretch so the room sees a live
// viewer before the spectator moves on.
func (stmt *LoadStmt) watch(spec *botClient, conn *websocket.Conn) {
	until := time.Now().Add(jitter(spec.r, 4*configs.BenchThinkTime))
	for time.Now().Before(until) && !stmt.Stopped() {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, _, err := conn.ReadMessage(); err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
	}
}

// LoadTest spawns the bot fleet, measures one window, and prints the
// counters.
func (stmt *LoadStmt) LoadTest() {
	stmt.stat = utils.NewStat()
	stmt.games = set.NewSet()
	rand.Seed(1234)
	for i := 0; i < configs.BenchPairs; i++ {
		stmt.wg.Add(1)
		go stmt.startPair(i*11+13, i)
	}
	for i := 0; i < configs.BenchSpectators; i++ {
		stmt.wg.Add(1)
		go stmt.startSpectator(i*17+29, configs.BenchPairs+i)
	}
	configs.TPrintf("all bots started")
	time.Sleep(configs.BenchWarmUp)
	stmt.stat.Clear()
	time.Sleep(configs.BenchDuration)
	stmt.stat.Log()
	stmt.stat.Clear()
}
