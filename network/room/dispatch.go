package room

import (
	"context"
	"errors"

	"linkchess/network"
	"linkchess/session"
	"linkchess/utils"
)

// Dispatcher routes validated inbound frames to the engine. The gate
// fails closed: a frame must parse against the protocol whitelist, the
// peer must have joined a room, and every handler revalidates against
// the freshest record. One command produces at most one broadcast;
// errors go to the sender alone.
type Dispatcher struct {
	hub *Hub
}

func NewDispatcher(hub *Hub) *Dispatcher { return &Dispatcher{hub: hub} }

func (d *Dispatcher) Handle(p *Peer, raw []byte) {
	in, err := network.ParseInbound(raw)
	if err != nil {
		p.SendFrame(network.ErrorFrame(clientMessage(err)))
		return
	}
	ctx := context.Background()

	if in.Type == network.InJoin {
		d.hub.Attach(ctx, p, in.GameID)
		return
	}
	gameID, role := p.Room()
	if gameID == "" {
		p.SendFrame(network.ErrorFrame("Join a game first"))
		return
	}

	var frame *network.Frame
	switch in.Type {
	case network.InMove:
		frame, err = d.hub.engine.MakeMove(ctx, gameID, role, in.From, in.To, in.Promotion)
	case network.InResign:
		frame, err = d.hub.engine.Resign(ctx, gameID, role)
	case network.InDrawOffer:
		frame, err = d.hub.engine.OfferDraw(ctx, gameID, role)
	case network.InDrawAccept:
		frame, err = d.hub.engine.AcceptDraw(ctx, gameID, role)
	case network.InDrawDecline:
		frame, err = d.hub.engine.DeclineDraw(ctx, gameID, role)
	case network.InDrawCancel:
		frame, err = d.hub.engine.CancelDraw(ctx, gameID, role)
	case network.InRematchOffer:
		var out *session.RematchOutcome
		frame, out, err = d.hub.engine.OfferRematch(ctx, gameID, role)
		if err == nil && out != nil {
			// crossing offers settle like an accept
			d.hub.BroadcastRematch(out)
			return
		}
	case network.InRematchAccept:
		var out *session.RematchOutcome
		out, err = d.hub.engine.AcceptRematch(ctx, gameID, role)
		if err == nil {
			d.hub.BroadcastRematch(out)
			return
		}
	case network.InRematchCancel:
		frame, err = d.hub.engine.CancelRematch(ctx, gameID, role)
	case network.InFlag:
		frame, err = d.hub.engine.FlagOpponent(ctx, gameID, role)
	case network.InClaimWin:
		frame, err = d.hub.engine.ClaimWin(ctx, gameID, role)
	}
	if err != nil {
		p.SendFrame(network.ErrorFrame(clientMessage(err)))
		return
	}
	if frame != nil {
		d.hub.broadcast(gameID, frame, nil)
	}
}

// clientMessage keeps internal failure detail off the wire; classified
// protocol errors carry text written for the client.
func clientMessage(err error) string {
	var e *utils.Error
	if errors.As(err, &e) && e.Kind != utils.Internal && e.Kind != utils.StoreCorruption {
		return e.Msg
	}
	return "Internal error"
}
