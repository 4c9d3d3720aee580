package room

import (
	"context"
	"time"

	set "github.com/deckarep/golang-set"
	lock "github.com/viney-shih/go-lock"

	"linkchess/configs"
	"linkchess/network"
	"linkchess/session"
	"linkchess/storage"
)

// Hub maps live game rooms to their attached peers and applies the
// presence side of the protocol: connected bits, disconnect timers,
// spectator counts, and the cleanup of rooms everyone has left.
type Hub struct {
	engine *session.Engine
	store  *session.Store

	latch lock.RWMutex
	rooms map[string]*roomPeers
}

type roomPeers struct {
	latch lock.Mutex
	peers set.Set
}

func NewHub(engine *session.Engine) *Hub {
	return &Hub{
		engine: engine,
		store:  engine.Store(),
		latch:  lock.NewCASMutex(),
		rooms:  make(map[string]*roomPeers),
	}
}

func (h *Hub) room(gameID string, create bool) *roomPeers {
	h.latch.RLock()
	r := h.rooms[gameID]
	h.latch.RUnlock()
	if r != nil || !create {
		return r
	}
	h.latch.Lock()
	defer h.latch.Unlock()
	if r = h.rooms[gameID]; r == nil {
		r = &roomPeers{latch: lock.NewCASMutex(), peers: set.NewSet()}
		h.rooms[gameID] = r
	}
	return r
}

func (h *Hub) dropRoom(gameID string) {
	h.latch.Lock()
	if r := h.rooms[gameID]; r != nil && r.peers.Cardinality() == 0 {
		delete(h.rooms, gameID)
	}
	h.latch.Unlock()
}

// HasPeers reports whether anyone is attached to the room right now.
func (h *Hub) HasPeers(gameID string) bool {
	r := h.room(gameID, false)
	return r != nil && r.peers.Cardinality() > 0
}

// Attach resolves the peer's role from its cookie token, adds it to the
// room, and replays the full game state to it. Players flip their
// connected bit and cancel a disconnect countdown aimed at their color;
// spectators bump the public counter.
func (h *Hub) Attach(ctx context.Context, p *Peer, gameID string) {
	seats, err := h.store.GetSeats(ctx, gameID)
	if err != nil {
		p.SendFrame(network.ErrorFrame("Internal error"))
		return
	}
	if seats == nil {
		p.SendFrame(network.ErrorFrame("Game not found"))
		return
	}
	role := seats.RoleOf(p.Token(gameID))

	if old, _ := p.Room(); old != "" && old != gameID {
		h.leave(p)
	}

	r := h.room(gameID, true)
	r.latch.Lock()
	r.peers.Add(p)
	p.setRoom(gameID, role)
	r.latch.Unlock()

	if role == storage.NoColor {
		if _, err := h.store.SpectatorJoin(ctx, gameID); err != nil {
			configs.Warn(false, "spectator count for "+gameID+": "+err.Error())
		}
	} else {
		if err := h.store.SetPlayerConnected(ctx, gameID, role, true); err != nil {
			configs.Warn(false, "presence for "+gameID+": "+err.Error())
		}
		if timer, _ := h.store.GetAbandonmentTimer(ctx, gameID); timer != nil && timer.DisconnectedColor == role {
			_ = h.store.ClearAbandonmentTimer(ctx, gameID)
		}
	}

	state, flag, err := h.engine.GameState(ctx, gameID, role)
	if err != nil {
		h.leave(p)
		p.SendFrame(network.ErrorFrame(clientMessage(err)))
		return
	}
	p.SendFrame(state)

	if role == storage.NoColor {
		if n := state.Spectators; n != nil {
			h.broadcast(gameID, &network.Frame{Type: network.OutSpectatorCount, GameID: gameID, Spectators: n}, p)
		}
	} else {
		h.broadcast(gameID, &network.Frame{Type: network.OutOpponentConnected, GameID: gameID, Color: string(role)}, p)
		if pf := h.presenceFrame(ctx, gameID); pf != nil {
			h.broadcast(gameID, pf, p)
		}
	}
	if flag != nil {
		h.broadcast(gameID, flag, nil)
	}
	if role != storage.NoColor {
		if cs, _ := h.engine.ClockSync(ctx, gameID); cs != nil {
			h.broadcast(gameID, cs, nil)
		}
	}
	configs.RoomPrint(gameID, "attach %s as %s", p.ip, roleLabel(role))
}

// Detach removes the peer from its room, applies the disconnect policy,
// and closes the connection.
func (h *Hub) Detach(p *Peer) {
	h.leave(p)
	p.close()
}

// leave is Detach without closing the socket; Attach uses it when a peer
// hops to another room.
func (h *Hub) leave(p *Peer) {
	gameID, role := p.Room()
	if gameID == "" {
		return
	}
	p.setRoom("", storage.NoColor)

	r := h.room(gameID, false)
	if r == nil {
		return
	}
	r.latch.Lock()
	had := r.peers.Contains(p)
	r.peers.Remove(p)
	empty := r.peers.Cardinality() == 0
	r.latch.Unlock()
	if !had {
		return
	}
	if empty {
		h.dropRoom(gameID)
	}
	configs.RoomPrint(gameID, "detach %s (%s)", p.ip, roleLabel(role))

	ctx := context.Background()
	if role == storage.NoColor {
		n, err := h.store.SpectatorLeave(ctx, gameID)
		if err == nil && !empty {
			h.broadcast(gameID, &network.Frame{Type: network.OutSpectatorCount, GameID: gameID, Spectators: network.IntP(n)}, nil)
		}
		return
	}

	if err := h.store.SetPlayerConnected(ctx, gameID, role, false); err != nil {
		configs.Warn(false, "presence for "+gameID+": "+err.Error())
	}
	rec, err := h.store.GetGame(ctx, gameID)
	if err != nil || rec == nil {
		return
	}
	switch rec.Status {
	case storage.StatusWaiting:
		// nobody can ever find this room again without its creator
		if empty {
			if err := h.store.DeleteGame(ctx, gameID); err != nil {
				configs.Warn(false, "delete waiting room "+gameID+": "+err.Error())
			}
		}
	case storage.StatusInProgress:
		timeout := configs.AbandonmentTimeout
		if rec.Timed() {
			timeout = configs.ClaimWinTimeout
		}
		timer, err := h.store.SetAbandonmentTimer(ctx, gameID, role, timeout)
		if err != nil {
			configs.Warn(false, "disconnect timer for "+gameID+": "+err.Error())
			return
		}
		if !empty {
			h.broadcast(gameID, &network.Frame{
				Type:          network.OutOpponentDisconnected,
				GameID:        gameID,
				Color:         string(role),
				ClaimDeadline: network.Int64P(timer.DeadlineMs),
			}, nil)
			if pf := h.presenceFrame(ctx, gameID); pf != nil {
				h.broadcast(gameID, pf, nil)
			}
		}
	default:
		// terminal rooms drain to the archive once the last viewer leaves
		if empty {
			if err := h.store.ArchiveAndDelete(ctx, gameID); err != nil {
				configs.Warn(false, "drain terminal room "+gameID+": "+err.Error())
			}
		}
	}
}

// OnGameJoined refreshes a room after a seat was taken over HTTP. The
// join script may have swapped the seat tokens, so every attached peer's
// role is resolved again and the connected bits are rebuilt from who is
// actually here. Everyone then learns the new status and clocks.
func (h *Hub) OnGameJoined(ctx context.Context, gameID string) {
	seats, err := h.store.GetSeats(ctx, gameID)
	if err != nil || seats == nil {
		return
	}
	var whiteUp, blackUp bool
	if r := h.room(gameID, false); r != nil {
		for _, v := range r.peers.ToSlice() {
			p := v.(*Peer)
			if id, _ := p.Room(); id != gameID {
				continue
			}
			role := seats.RoleOf(p.Token(gameID))
			p.setRoom(gameID, role)
			switch role {
			case storage.White:
				whiteUp = true
			case storage.Black:
				blackUp = true
			}
		}
	}
	_ = h.store.SetPlayerConnected(ctx, gameID, storage.White, whiteUp)
	_ = h.store.SetPlayerConnected(ctx, gameID, storage.Black, blackUp)

	rec, err := h.store.GetGame(ctx, gameID)
	if err != nil || rec == nil {
		return
	}
	f := &network.Frame{
		Type:           network.OutGameUpdate,
		GameID:         gameID,
		Status:         string(rec.Status),
		Fen:            rec.CurrentFen,
		WhiteConnected: network.BoolP(whiteUp),
		BlackConnected: network.BoolP(blackUp),
	}
	if rec.Timed() {
		f.WhiteTimeMs = network.Int64P(rec.WhiteTimeMs)
		f.BlackTimeMs = network.Int64P(rec.BlackTimeMs)
		f.LastMoveAt = network.Int64P(rec.LastMoveAt)
	}
	h.broadcast(gameID, f, nil)
	if cs, _ := h.engine.ClockSync(ctx, gameID); cs != nil {
		h.broadcast(gameID, cs, nil)
	}
}

// BroadcastFrame sends one frame to every peer in the room.
func (h *Hub) BroadcastFrame(gameID string, f *network.Frame) {
	h.broadcast(gameID, f, nil)
}

// broadcast marshals once and fans out, optionally skipping the
// originator.
func (h *Hub) broadcast(gameID string, f *network.Frame, except *Peer) {
	r := h.room(gameID, false)
	if r == nil {
		return
	}
	data := f.Encode()
	for _, v := range r.peers.ToSlice() {
		if p := v.(*Peer); p != except {
			p.Send(data)
		}
	}
}

// BroadcastRematch hands every member of the finished room its own
// landing frame for the new game. Players keep their token value, which
// the new room seats on the opposite color, and the token is granted to
// the live socket so a follow-up join lands them as a player without a
// fresh handshake.
func (h *Hub) BroadcastRematch(out *session.RematchOutcome) {
	r := h.room(out.PrevGameID, false)
	if r == nil {
		return
	}
	for _, v := range r.peers.ToSlice() {
		p := v.(*Peer)
		f := &network.Frame{
			Type:      network.OutRematchAccepted,
			GameID:    out.PrevGameID,
			NewGameID: out.NewGameID,
		}
		switch p.Token(out.PrevGameID) {
		case out.WhiteToken:
			f.Token = out.WhiteToken
			f.Color = string(storage.White)
		case out.BlackToken:
			f.Token = out.BlackToken
			f.Color = string(storage.Black)
		}
		if f.Token != "" {
			p.grantToken(out.NewGameID, f.Token)
		}
		p.SendFrame(f)
	}
}

func (h *Hub) presenceFrame(ctx context.Context, gameID string) *network.Frame {
	seats, err := h.store.GetSeats(ctx, gameID)
	if err != nil || seats == nil {
		return nil
	}
	return &network.Frame{
		Type:           network.OutConnectionStatus,
		GameID:         gameID,
		WhiteConnected: network.BoolP(seats.WhiteConnected),
		BlackConnected: network.BoolP(seats.BlackConnected),
	}
}

// Run drives the process-wide heartbeat until the context ends. Each
// tick pings every peer once; a peer that never answered the previous
// ping is dropped.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(configs.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return ctx.Err()
		case <-ticker.C:
			for _, p := range h.allPeers() {
				if !p.ping() {
					h.Detach(p)
				}
			}
		}
	}
}

func (h *Hub) allPeers() []*Peer {
	h.latch.RLock()
	defer h.latch.RUnlock()
	var out []*Peer
	for _, r := range h.rooms {
		for _, v := range r.peers.ToSlice() {
			out = append(out, v.(*Peer))
		}
	}
	return out
}

// CloseAll detaches every peer, telling each the server is going away.
func (h *Hub) CloseAll() {
	for _, p := range h.allPeers() {
		h.Detach(p)
	}
}

func roleLabel(c storage.Color) string {
	if c == storage.NoColor {
		return "spectator"
	}
	return string(c)
}
