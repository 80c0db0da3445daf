package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/catalog"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/logging"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/metrics"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		logger, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		log.Logger = logger

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var cl closers
		defer cl.run()
		if err := setupTracing(cfg.Tracing, &cl); err != nil {
			return err
		}
		bus, err := buildBus(cfg.Bus, &cl)
		if err != nil {
			return err
		}
		rawLocks, rawCatalog, err := buildStores(cfg.Store, &cl)
		if err != nil {
			return err
		}
		if seeded, err := applySeed(ctx, cfg.Seed, rawCatalog); err != nil {
			return err
		} else if seeded {
			logger.Info().Msg("catalog seeded")
		}

		locks := lock.NewPublishingStore(rawLocks, bus)
		var store catalog.Store = rawCatalog
		if cfg.Cache.Enabled {
			cached, err := catalog.NewCachedStore(ctx, rawCatalog, bus, catalog.WithCacheTTL(cfg.Cache.TTL))
			if err != nil {
				return err
			}
			cl.add(cached.Close)
			store = cached
		}
		// Publish after the cache has dropped its lists.
		store = catalog.NewPublishingStore(store, bus)

		provider, err := buildProvider(cfg.Users)
		if err != nil {
			return err
		}
		if len(cfg.Users) == 0 {
			logger.Warn().Msg("no users configured, nobody can sign in")
		}

		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		srv := server.New(provider, locks, store,
			server.WithBus(bus),
			server.WithLogger(logger.With().Str("component", "server").Logger()),
			server.WithLockOptions(lockOptions(cfg.Lock, logger.With().Str("component", "lock").Logger())...),
			server.WithGatherer(reg),
		)
		defer srv.Close()

		httpSrv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			logger.Info().Msg("shutting down server")
			return httpSrv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
}
