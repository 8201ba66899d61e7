package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/voltguard/voltguard/internal/alerts"
	"github.com/voltguard/voltguard/internal/api"
	"github.com/voltguard/voltguard/internal/auth"
	"github.com/voltguard/voltguard/internal/config"
	"github.com/voltguard/voltguard/internal/ingest"
	"github.com/voltguard/voltguard/internal/logging"
	"github.com/voltguard/voltguard/internal/ratelimit"
	"github.com/voltguard/voltguard/internal/rul"
	"github.com/voltguard/voltguard/internal/store"
	"github.com/voltguard/voltguard/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "voltguard",
	Short:   "VoltGuard - real-time VRLA battery fleet telemetry",
	Long:    `VoltGuard ingests battery telemetry, evaluates health alerts, and serves fleet state to dashboards and live subscribers`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("VoltGuard %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "voltguard",
	})
	api.Version = Version

	st, err := store.Open(store.Config{
		Path:           cfg.DatabasePath,
		MaxConnections: cfg.MaxConnections,
		RetentionDays:  cfg.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedAdmin(ctx, st, cfg.AdminPassword); err != nil {
		return err
	}
	if cfg.SeedDemo {
		if err := seedDemoData(ctx, st); err != nil {
			return err
		}
	}

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	authSvc := auth.NewService(st, issuer)

	hub := websocket.NewHub(websocket.Config{
		QueueDepth:  cfg.SubscriberQueueDepth,
		IdleTimeout: cfg.IdleTimeout,
	}, authSvc, st)

	evaluator := alerts.NewEvaluator(alerts.Thresholds{
		VoltageHighV:         cfg.VoltageHighV,
		VoltageLowV:          cfg.VoltageLowV,
		VoltageHysteresisV:   cfg.VoltageHysteresisV,
		TempHighC:            cfg.TempHighC,
		TempClearC:           cfg.TempClearC,
		TempCriticalC:        cfg.TempCriticalC,
		ResistanceTripRatio:  cfg.ResistanceTripRatio,
		ResistanceClearRatio: cfg.ResistanceClearRatio,
		SoHDegradedPct:       cfg.SoHDegradedPct,
		SoHClearPct:          cfg.SoHClearPct,
		SoHCriticalPct:       cfg.SoHCriticalPct,
		RULWarningDays:       cfg.RULWarningDays,
		RULCriticalDays:      cfg.RULCriticalDays,
	}, st, hub, 0)
	if err := evaluator.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore evaluator state: %w", err)
	}
	evaluator.Start(ctx)
	defer evaluator.Stop()

	pipeline := ingest.NewPipeline(st, evaluator, hub)

	rulClient := rul.NewClient(rul.Config{
		BaseURL:     cfg.RULServiceURL,
		Timeout:     cfg.RULTimeout,
		MaxFailures: cfg.BreakerMaxFailures,
		Cooldown:    cfg.BreakerCooldown,
	})

	server := api.NewServer(api.Deps{
		Store:           st,
		Auth:            authSvc,
		Pipeline:        pipeline,
		Evaluator:       evaluator,
		Hub:             hub,
		RUL:             rulClient,
		LoginLimiter:    ratelimit.NewRegistry(ratelimit.PerMinute(cfg.LoginRatePerMin)),
		APILimiter:      ratelimit.NewRegistry(ratelimit.PerMinute(cfg.APIRatePerMin)),
		ProducerLimiter: ratelimit.NewRegistry(ratelimit.PerSecond(cfg.ProducerRatePerSec, cfg.ProducerBurst)),
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Str("version", Version).Msg("VoltGuard listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		st.RunRetention(gctx, time.Hour)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		hub.Shutdown()

		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
