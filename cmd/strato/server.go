package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/stratomesh/strato/pkg/api"
	"github.com/stratomesh/strato/pkg/attestation"
	"github.com/stratomesh/strato/pkg/billing"
	"github.com/stratomesh/strato/pkg/cleanup"
	"github.com/stratomesh/strato/pkg/command"
	"github.com/stratomesh/strato/pkg/config"
	"github.com/stratomesh/strato/pkg/events"
	"github.com/stratomesh/strato/pkg/health"
	"github.com/stratomesh/strato/pkg/lifecycle"
	"github.com/stratomesh/strato/pkg/log"
	"github.com/stratomesh/strato/pkg/metrics"
	"github.com/stratomesh/strato/pkg/reputation"
	"github.com/stratomesh/strato/pkg/scheduler"
	"github.com/stratomesh/strato/pkg/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator control plane",
	Long: `Run the Strato control plane: the HTTP API plus every background
loop (health sweeps, attestation challenges, billing accrual, reputation
recomputes, cleanup and periodic state snapshots).

State is kept in memory and snapshotted to disk; on restart the last
snapshot is restored and pending VMs are rescheduled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return runServer(configFile)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "YAML config file (optional, env vars apply either way)")
	rootCmd.AddCommand(serverCmd)
}

func runServer(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	clk := clock.RealClock{}
	st := store.New(cfg.EventRingCapacity, clk)

	snaps, err := store.OpenSnapshotStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer snaps.Close()

	if snap, err := snaps.Load(); err == nil {
		st.Restore(snap)
		logger.Info().
			Time("taken_at", snap.TakenAt).
			Int("nodes", len(snap.Nodes)).
			Int("vms", len(snap.VMs)).
			Msg("state restored from snapshot")
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	logSink := broker.Subscribe()
	defer broker.Unsubscribe(logSink)
	go func() {
		sink := log.WithComponent("events")
		for ev := range logSink {
			sink.Debug().Str("type", string(ev.Type)).Msg(ev.Message)
		}
	}()

	lm := lifecycle.NewManager(st, clk, broker)
	bus := command.NewBus(st, lm, command.NewHTTPTransport(), clk, cfg.CommandTimeout)
	sched := scheduler.New(st, lm, bus, clk, cfg.MinUptimeForScheduling)

	att := attestation.NewScheduler(st, lm, bus, clk, broker, attestation.Config{
		Tick:           cfg.AttestationTick,
		Window:         cfg.AttestationWindow,
		PauseThreshold: cfg.AttestationPauseAfter,
		FatalThreshold: cfg.AttestationFatalAfter,
	})
	lm.Subscribe(att.ObserveTransition)

	monitor := health.NewMonitor(st, lm, clk, broker, cfg.HeartbeatStale, cfg.HealthTick)
	rep := reputation.NewEngine(st, clk, cfg.ReputationTick, cfg.ReputationStartDelay)
	janitor := cleanup.NewLoop(st, bus, clk, cfg.CleanupTick, cfg.DeletedRetention)
	accruer := billing.NewAccruer(st, clk, cfg.BillingTick)
	collector := metrics.NewCollector(st, 15*time.Second)

	auth, err := api.NewStaticAuthenticator(cfg.AuthTokens)
	if err != nil {
		return err
	}
	if len(cfg.AuthTokens) == 0 {
		logger.Warn().Msg("no auth tokens configured, every API call will be rejected")
	}

	srv := api.NewServer(api.Deps{
		Store:       st,
		Lifecycle:   lm,
		Scheduler:   sched,
		Bus:         bus,
		Attestation: att,
		Health:      monitor,
		Broker:      broker,
		Auth:        auth,
		Clock:       clk,
	})

	bus.Start()
	att.Start()
	monitor.Start()
	rep.Start()
	janitor.Start()
	accruer.Start()
	collector.Start()

	// VMs that were Pending when the last process died never got scheduled
	sched.RecoverPending()

	snapStop := make(chan struct{})
	go snapshotLoop(st, snaps, cfg.SnapshotInterval, snapStop)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}

	close(snapStop)
	collector.Stop()
	accruer.Stop()
	janitor.Stop()
	rep.Stop()
	monitor.Stop()
	att.Stop()
	bus.Stop()

	if err := snaps.Save(st.Snapshot()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func snapshotLoop(st *store.Store, snaps *store.SnapshotStore, interval time.Duration, stop <-chan struct{}) {
	logger := log.WithComponent("snapshot")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := st.Snapshot()
			if err := snaps.Save(snap); err != nil {
				logger.Error().Err(err).Msg("snapshot save failed")
				continue
			}
			logger.Debug().
				Int("nodes", len(snap.Nodes)).
				Int("vms", len(snap.VMs)).
				Msg("snapshot saved")
		case <-stop:
			return
		}
	}
}
