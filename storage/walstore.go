package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/wal"
	lock "github.com/viney-shih/go-lock"

	"linkchess/configs"
)

// WALArchive appends terminal games to a local write-ahead log and
// serves reads from an in-memory index rebuilt by replaying the log on
// open. It is the zero-dependency archive for single-node deployments.
type WALArchive struct {
	latch lock.RWMutex
	logs  *wal.Log
	byID  map[string]*ArchivedGame
	tree  *BTree
	lsn   uint64 // next log index to write
}

func NewWALArchive(dir string) (*WALArchive, error) {
	logs, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open archive log at %s: %w", dir, err)
	}
	a := &WALArchive{
		latch: lock.NewCASMutex(),
		logs:  logs,
		byID:  make(map[string]*ArchivedGame),
		tree:  NewBTree("archive"),
	}
	last, err := logs.LastIndex()
	if err != nil {
		return nil, err
	}
	for i := uint64(1); i <= last; i++ {
		data, err := logs.Read(i)
		if err != nil {
			return nil, fmt.Errorf("replay archive log entry %d: %w", i, err)
		}
		g := &ArchivedGame{}
		if err := json.Unmarshal(data, g); err != nil {
			configs.Warn(false, fmt.Sprintf("archive log entry %d does not decode, skipped: %v", i, err))
			continue
		}
		a.indexLocked(g, i)
	}
	a.lsn = last + 1
	return a, nil
}

func (a *WALArchive) indexLocked(g *ArchivedGame, seq uint64) {
	if _, ok := a.byID[g.ID]; ok {
		return
	}
	a.byID[g.ID] = g
	err := a.tree.IndexInsert(ArchiveKey(g.CreatedAt, seq), g)
	configs.Warn(err == nil, fmt.Sprintf("archive index insert for %s: %v", g.ID, err))
}

func (a *WALArchive) InsertGame(ctx context.Context, rec *GameRecord, seats *Seats, moves []MoveEntry) error {
	a.latch.Lock()
	defer a.latch.Unlock()
	if _, ok := a.byID[rec.ID]; ok {
		return nil
	}
	g := archivedFrom(rec, seats, moves, time.Now().UnixMilli())
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if err := a.logs.Write(a.lsn, data); err != nil {
		return err
	}
	a.indexLocked(g, a.lsn)
	a.lsn++
	return nil
}

func (a *WALArchive) FindGame(ctx context.Context, id string) (*ArchivedGame, error) {
	a.latch.RLock()
	defer a.latch.RUnlock()
	g, ok := a.byID[id]
	if !ok {
		return nil, nil
	}
	return g, nil
}

func (a *WALArchive) ListTerminal(ctx context.Context, limit, offset int, status GameStatus) ([]*ArchivedGame, int, error) {
	a.latch.RLock()
	defer a.latch.RUnlock()
	matched := make([]*ArchivedGame, 0, a.tree.Size())
	a.tree.Ascend(func(_ Key, g *ArchivedGame) bool {
		if status == "" || g.Status == status {
			matched = append(matched, g)
		}
		return true
	})
	total := len(matched)
	out := make([]*ArchivedGame, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, matched[i])
	}
	return out, total, nil
}

func (a *WALArchive) Ping(ctx context.Context) error {
	return nil
}

func (a *WALArchive) Close(ctx context.Context) error {
	a.latch.Lock()
	defer a.latch.Unlock()
	return a.logs.Close()
}
