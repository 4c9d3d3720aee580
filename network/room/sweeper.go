package room

import (
	"context"
	"fmt"
	"time"

	"linkchess/clock"
	"linkchess/configs"
	"linkchess/network"
	"linkchess/session"
	"linkchess/storage"
)

// Sweeper is the background collector for rooms nobody will come back
// to: stale lobbies, doubly-deserted boards, and finished games whose
// last viewer is gone. Key TTLs are the backstop; the sweeper is what
// settles results and feeds the archive when no client is left to do it.
type Sweeper struct {
	store *session.Store
	hub   *Hub
}

func NewSweeper(store *session.Store, hub *Hub) *Sweeper {
	return &Sweeper{store: store, hub: hub}
}

// Run sweeps once immediately, then on every tick until the context ends.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.Sweep(ctx)
	ticker := time.NewTicker(configs.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep walks every live room once. Rooms are handled in isolation; a
// panic or error on one never stops the pass.
func (sw *Sweeper) Sweep(ctx context.Context) (removed, abandoned int) {
	ids, err := sw.store.ScanGameIDs(ctx)
	if err != nil {
		configs.Warn(false, "sweep scan: "+err.Error())
		return 0, 0
	}
	var failed int
	for _, id := range ids {
		r, a, err := sw.sweepOne(ctx, id)
		if err != nil {
			failed++
			configs.Warn(false, "sweep "+id+": "+err.Error())
		}
		removed += r
		abandoned += a
	}
	configs.DPrintf("sweep: %d rooms scanned, %d removed, %d abandoned, %d failed",
		len(ids), removed, abandoned, failed)
	return removed, abandoned
}

func (sw *Sweeper) sweepOne(ctx context.Context, id string) (removed, abandoned int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered: %v", r)
		}
	}()
	rec, err := sw.store.GetGame(ctx, id)
	if err != nil || rec == nil {
		return 0, 0, err
	}
	switch rec.Status {
	case storage.StatusWaiting:
		if clock.NowMs()-rec.CreatedAt > configs.WaitingGameMaxAge.Milliseconds() {
			if err := sw.store.DeleteGame(ctx, id); err != nil {
				return 0, 0, err
			}
			configs.RoomPrint(id, "swept stale waiting room")
			return 1, 0, nil
		}
	case storage.StatusInProgress:
		seats, err := sw.store.GetSeats(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		if seats == nil || seats.WhiteConnected || seats.BlackConnected {
			return 0, 0, nil
		}
		timer, err := sw.store.GetAbandonmentTimer(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		if timer == nil {
			// both sides gone with no countdown running; white is the
			// fixed tie-break for whose absence the timer records
			timeout := configs.AbandonmentTimeout
			if rec.Timed() {
				timeout = configs.ClaimWinTimeout
			}
			_, err = sw.store.SetAbandonmentTimer(ctx, id, storage.White, timeout)
			return 0, 0, err
		}
		out, err := sw.store.CheckAndProcessAbandonment(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		if out.Abandoned {
			if sw.hub != nil {
				sw.hub.BroadcastFrame(id, &network.Frame{
					Type:     network.OutGameAbandoned,
					GameID:   id,
					Status:   string(storage.StatusAbandoned),
					Result:   string(out.Result),
					GameOver: true,
				})
			}
			configs.RoomPrint(id, "abandoned, %s", out.Result)
			return 0, 1, nil
		}
	default:
		// terminal rooms linger only while someone is still watching
		if sw.hub != nil && sw.hub.HasPeers(id) {
			return 0, 0, nil
		}
		if err := sw.store.ArchiveAndDelete(ctx, id); err != nil {
			return 0, 0, err
		}
		configs.RoomPrint(id, "drained terminal room to archive")
		return 1, 0, nil
	}
	return 0, 0, nil
}
