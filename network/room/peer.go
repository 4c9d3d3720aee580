// Package room is the realtime layer: websocket peers, per-game rooms,
// the inbound frame dispatcher, and the background sweeper. Everything
// stateful about a game lives in the session store; this package only
// tracks which connections are watching which room.
package room

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"linkchess/configs"
	"linkchess/network"
	"linkchess/storage"
)

// Peer is one websocket connection. A peer belongs to at most one room at
// a time; joining another room detaches it from the previous one first.
// All outbound traffic goes through the send channel so the connection
// has a single writer.
type Peer struct {
	hub  *Hub
	conn *websocket.Conn
	ip   string

	// tokens snapshots the token cookies presented at upgrade, keyed by
	// game id. The websocket never transports tokens after that.
	tokens map[string]string

	send chan []byte

	mu     sync.Mutex
	closed bool
	gameID string
	role   storage.Color

	pongPending int32
}

func newPeer(hub *Hub, conn *websocket.Conn, r *http.Request, ip string) *Peer {
	return &Peer{
		hub:    hub,
		conn:   conn,
		ip:     ip,
		tokens: tokensFromCookies(r),
		send:   make(chan []byte, configs.SendBufferSize),
	}
}

func tokensFromCookies(r *http.Request) map[string]string {
	tokens := make(map[string]string)
	for _, c := range r.Cookies() {
		if strings.HasPrefix(c.Name, configs.TokenCookiePrefix) && c.Value != "" {
			tokens[strings.TrimPrefix(c.Name, configs.TokenCookiePrefix)] = c.Value
		}
	}
	return tokens
}

// Token returns the bearer token this peer presented for a game, or "".
func (p *Peer) Token(gameID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[gameID]
}

// grantToken seats a token the server minted for this peer, as if the
// client had presented it at upgrade. Used on rematch so the same socket
// can join the new room as a player.
func (p *Peer) grantToken(gameID, token string) {
	p.mu.Lock()
	p.tokens[gameID] = token
	p.mu.Unlock()
}

// Room returns the current attachment and the role resolved for it.
func (p *Peer) Room() (string, storage.Color) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gameID, p.role
}

func (p *Peer) setRoom(gameID string, role storage.Color) {
	p.mu.Lock()
	p.gameID, p.role = gameID, role
	p.mu.Unlock()
}

// Send queues an encoded frame. A peer whose buffer is full gets cut off
// rather than stalling the room that is broadcasting to it.
func (p *Peer) Send(data []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	select {
	case p.send <- data:
		p.mu.Unlock()
	default:
		p.closed = true
		p.mu.Unlock()
		configs.DPrintf("peer %s cannot keep up, dropping", p.ip)
		close(p.send)
	}
}

func (p *Peer) SendFrame(f *network.Frame) { p.Send(f.Encode()) }

// close shuts the write pump down exactly once. The write pump then
// delivers the close frame and closes the connection, which in turn
// unblocks the read pump.
func (p *Peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.send)
}

// readPump owns the read side and feeds the dispatcher. It returns when
// the client goes away or the read deadline lapses without a pong.
func (p *Peer) readPump(d *Dispatcher) {
	defer func() {
		p.hub.Detach(p)
		_ = p.conn.Close()
	}()
	// Oversized frames up to four times the protocol limit still get a
	// polite error frame from the parser; only beyond that the socket
	// is torn down.
	p.conn.SetReadLimit(int64(4 * configs.MaxFrameBytes))
	_ = p.conn.SetReadDeadline(time.Now().Add(configs.PongWait))
	p.conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&p.pongPending, 0)
		return p.conn.SetReadDeadline(time.Now().Add(configs.PongWait))
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				configs.DPrintf("peer %s read: %v", p.ip, err)
			}
			return
		}
		d.Handle(p, raw)
	}
}

// writePump is the single writer on the connection. After the send
// channel drains it announces the shutdown to the client.
func (p *Peer) writePump() {
	defer func() { _ = p.conn.Close() }()
	for data := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(configs.WriteWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(configs.WriteWait))
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// ping is driven by the hub-wide heartbeat. It reports false when the
// previous ping was never answered or the control write fails.
func (p *Peer) ping() bool {
	if atomic.SwapInt32(&p.pongPending, 1) == 1 {
		return false
	}
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(configs.WriteWait)) == nil
}
