package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/riskrun/internal/application"
	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/domain/kelly"
	"github.com/sawpanic/riskrun/internal/domain/zone"
	"github.com/sawpanic/riskrun/internal/gatekeeper"
	"github.com/sawpanic/riskrun/internal/infrastructure/redisstore"
	httpapi "github.com/sawpanic/riskrun/internal/interfaces/http"
	"github.com/sawpanic/riskrun/internal/journal"
	"github.com/sawpanic/riskrun/internal/metrics"
)

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := application.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	classifier, err := zone.NewClassifier(cfg.Zones)
	if err != nil {
		return err
	}
	sizer, err := kelly.NewSizer(cfg.Kelly)
	if err != nil {
		return err
	}

	var store breaker.Store
	if cfg.Redis.Enabled {
		rs, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			return err
		}
		store = rs
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Breaker store: redis")
	} else {
		store = breaker.NewMemoryStore()
		log.Warn().Msg("Breaker store: in-memory, state will not survive a restart")
	}

	// A corrupt persisted state aborts startup here; trading must not
	// resume on guessed breaker positions.
	registry, err := breaker.NewRegistry(cfg.Breakers, store)
	if err != nil {
		return err
	}

	gk, err := gatekeeper.New(cfg.Gatekeeper, classifier, sizer, registry)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	obs := metrics.NewRegistry(promReg)
	gk.SetObserver(obs)

	if cfg.Journal.Driver != "" {
		j, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		defer j.Close()
		gk.SetAuditor(j)
		log.Info().Str("driver", cfg.Journal.Driver).Msg("Audit journal enabled")
	}

	hub := httpapi.NewHub()
	registry.SetTransitionCallback(func(st breaker.State) {
		obs.ObserveTransition(st)
		hub.Broadcast(st)
	})

	srv := httpapi.NewServer(httpapi.Config{
		ListenAddr: cfg.Server.ListenAddr,
		AdminRPS:   cfg.Server.AdminRPS,
		AdminBurst: cfg.Server.AdminBurst,
	}, gk, hub, promReg)

	log.Info().Str("version", version).Str("addr", cfg.Server.ListenAddr).Msg("riskrun engine starting")
	return srv.Run(ctx)
}
