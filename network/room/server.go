package room

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"linkchess/configs"
	"linkchess/session"
	"linkchess/storage"
)

const shutdownGrace = 5 * time.Second

// Server owns the stores, the hub, the sweeper, and the HTTP listener.
type Server struct {
	kv      storage.KV
	archive storage.Archive
	store   *session.Store
	engine  *session.Engine
	hub     *Hub
	sweeper *Sweeper
	api     *API
	httpSrv *http.Server
}

// NewServer opens the configured backends and assembles the full stack.
func NewServer(ctx context.Context) (*Server, error) {
	kv, err := storage.OpenKV(ctx)
	if err != nil {
		return nil, err
	}
	archive, err := storage.OpenArchive(ctx)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return NewServerWith(kv, archive), nil
}

// NewServerWith assembles a server on explicit backends; tests inject the
// in-memory pair here.
func NewServerWith(kv storage.KV, archive storage.Archive) *Server {
	store := session.NewStore(kv, archive)
	engine := session.NewEngine(store)
	hub := NewHub(engine)
	s := &Server{
		kv:      kv,
		archive: archive,
		store:   store,
		engine:  engine,
		hub:     hub,
		sweeper: NewSweeper(store, hub),
		api:     NewAPI(engine, hub, kv, archive),
	}
	s.httpSrv = &http.Server{
		Addr:              configs.ListenAddress,
		Handler:           s.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the HTTP surface for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Hub exposes the room layer for tests and the sweeper CLI.
func (s *Server) Hub() *Hub { return s.hub }

// Store exposes the session store for tests.
func (s *Server) Store() *session.Store { return s.store }

// Run serves until the context is canceled or a component fails, then
// shuts everything down in reverse of the init order: listener first,
// peers next, stores last.
func (s *Server) Run(ctx context.Context) error {
	configs.DPrintf("listening on %s", configs.ListenAddress)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error { return s.hub.Run(ctx) })
	g.Go(func() error { return s.sweeper.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	})
	err := g.Wait()
	s.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close detaches every peer and releases the backends.
func (s *Server) Close() {
	s.hub.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.archive.Close(ctx); err != nil {
		configs.Warn(false, "archive close: "+err.Error())
	}
	if err := s.kv.Close(); err != nil {
		configs.Warn(false, "kv close: "+err.Error())
	}
}
