package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"popup-policy-engine/internal/adsignal"
	"popup-policy-engine/internal/api"
	"popup-policy-engine/internal/config"
	"popup-policy-engine/internal/engine"
	"popup-policy-engine/internal/listener"
	"popup-policy-engine/internal/policyfile"
	"popup-policy-engine/internal/popup"
	"popup-policy-engine/internal/storage"
)

// Server bundles the engine, ad gate and HTTP handler for one policy backend.
type Server struct {
	eng     *engine.PopupEngine
	gate    *adsignal.Gate
	loader  engine.Loader
	handler http.Handler
}

func New(cfg config.Config, loader engine.Loader, dismissals popup.DismissalStore, opts ...engine.Option) *Server {
	gate := adsignal.NewGate(cfg.InterstitialInterval())
	eng := engine.NewEngine(dismissals, gate, opts...)
	return &Server{
		eng:     eng,
		gate:    gate,
		loader:  loader,
		handler: api.Router(api.NewPopupHandler(eng, gate)),
	}
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Engine() *engine.PopupEngine { return s.eng }

// Refresh rebuilds the policy snapshot from the loader.
func (s *Server) Refresh(ctx context.Context) error {
	return s.eng.BuildSnapshot(ctx, s.loader)
}

func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv *Server
	if cfg.UsePostgres() {
		store, err := storage.New(rootCtx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("init storage")
		}
		defer store.Close()

		if cfg.Postgres.Migrate {
			if err := store.Migrate(rootCtx, cfg.Listener.Channel); err != nil {
				log.Fatal().Err(err).Msg("migrate")
			}
		}
		srv = New(cfg, store, store)
		go listener.ListenAndRefresh(rootCtx, store, srv.eng, cfg.Listener.Channel, cfg.Backoff())
	} else {
		file := policyfile.New(cfg.Policy.File)
		log.Info().Strs("files", file.Paths()).Msg("no database configured; serving policies from file")
		srv = New(cfg, file, storage.NewMemoryDismissals())
		if cfg.Policy.Watch {
			if err := policyfile.Watch(rootCtx, file, srv.Refresh); err != nil {
				log.Error().Err(err).Msg("policy file watcher")
			}
		}
	}

	// Without a snapshot every decision degrades to no popup until a refresh succeeds.
	if err := srv.Refresh(rootCtx); err != nil {
		log.Error().Err(err).Msg("initial snapshot build")
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	cancel() // stop background goroutines
	_ = httpSrv.Shutdown(shCtx)
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
