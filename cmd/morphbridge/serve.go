package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/morphbridge/db"
	"github.com/quailyquaily/morphbridge/engine"
	matrixruntime "github.com/quailyquaily/morphbridge/internal/channelruntime/matrix"
	"github.com/quailyquaily/morphbridge/internal/commands"
	"github.com/quailyquaily/morphbridge/internal/fsstore"
	"github.com/quailyquaily/morphbridge/internal/lifecycle"
	"github.com/quailyquaily/morphbridge/internal/logutil"
	"github.com/quailyquaily/morphbridge/internal/normalize"
	"github.com/quailyquaily/morphbridge/internal/resume"
	"github.com/quailyquaily/morphbridge/internal/router"
	"github.com/quailyquaily/morphbridge/internal/statepaths"
	"github.com/quailyquaily/morphbridge/internal/trust"
	"github.com/quailyquaily/morphbridge/matrixclient"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			cfg, err := bridgeConfigFromViper()
			if err != nil {
				return err
			}

			stateDir := statepaths.StateDir()
			for _, dir := range []string{stateDir, statepaths.TrustDir(), statepaths.LocksDir()} {
				if err := fsstore.EnsureDir(dir); err != nil {
					return err
				}
			}

			// One serve process per state dir; verify-device respects
			// the same lock.
			serveLockPath, err := fsstore.BuildLockPath(statepaths.LocksDir(), "serve")
			if err != nil {
				return err
			}
			releaseLock, err := fsstore.Hold(serveLockPath)
			if err != nil {
				return fmt.Errorf("another morphbridge process holds the state dir: %w", err)
			}
			defer releaseLock()

			dbCfg := db.DefaultConfig()
			dbCfg.DSN, err = db.ResolveSQLiteDSN(viper.GetString("db.dsn"), stateDir)
			if err != nil {
				return err
			}
			gdb, err := db.Open(dbCfg)
			if err != nil {
				return err
			}

			store, err := resume.NewStore(gdb, logger)
			if err != nil {
				return err
			}
			trustStore, err := trust.NewStore(statepaths.TrustDir(), statepaths.LocksDir())
			if err != nil {
				return err
			}

			client, err := matrixclient.New(matrixclient.Config{
				Homeserver:   cfg.Homeserver,
				UserID:       cfg.UserID,
				AccessToken:  cfg.AccessToken,
				DeviceID:     cfg.DeviceID,
				Rooms:        cfg.Rooms,
				CryptoDBPath: filepath.Join(stateDir, "crypto.sqlite"),
				PickleKey:    cfg.PickleKey,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			trustMgr, err := trust.NewManager(trustStore, client, logger, cfg.Trust)
			if err != nil {
				return err
			}

			engines := engine.NewRegistry()
			for _, engineID := range cfg.Engines {
				if err := engines.Register(engine.NewEcho(engineID)); err != nil {
					return err
				}
			}

			bindings, err := router.NewBindings(gdb)
			if err != nil {
				return err
			}
			for _, binding := range cfg.RoomBindings {
				if err := bindings.Put(cmd.Context(), binding); err != nil {
					return err
				}
			}

			rt, err := router.New(store, bindings, engines, cfg.DefaultEngine, logger)
			if err != nil {
				return err
			}

			norm := normalize.New(normalize.Options{
				Logger:        logger,
				EditRetention: cfg.EditRetention,
			})

			// Registered before builtins so an alias conflict fails
			// startup, never a running bridge.
			cmdRegistry := commands.NewRegistry(logger)

			runtime, err := matrixruntime.NewRuntime(matrixruntime.Options{
				Client:             client,
				Normalizer:         norm,
				Router:             rt,
				Engines:            engines,
				Commands:           cmdRegistry,
				Bindings:           bindings,
				Store:              store,
				Trust:              trustMgr,
				Logger:             logger,
				Rooms:              cfg.Rooms,
				QueueSize:          cfg.QueueSize,
				WorkerIdleAfter:    cfg.WorkerIdle,
				SweepInterval:      cfg.SweepInterval,
				DecryptHoldTimeout: cfg.Trust.DecryptHoldTimeout,
				SendStartupMessage: cfg.SendStartup,
			})
			if err != nil {
				return err
			}

			orch, err := lifecycle.NewOrchestrator(runtime, store, cfg.Rooms, client.SyncToken, logger, cfg.Lifecycle)
			if err != nil {
				return err
			}

			if err := commands.RegisterBuiltins(cmdRegistry, commands.Deps{
				Bindings:      bindings,
				Router:        rt,
				Sessions:      store,
				Trust:         trustMgr,
				Engines:       engines,
				Bridge:        orch,
				DefaultEngine: cfg.DefaultEngine,
			}); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := orch.Start(ctx); err != nil {
				return err
			}
			runtime.SendStartupNotices(ctx)

			logger.Info("serve_started",
				"homeserver", cfg.Homeserver,
				"user_id", string(cfg.UserID),
				"rooms", len(cfg.Rooms),
				"engines", engines.IDs(),
			)

			runErr := runtime.Run(ctx)

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.DrainTimeout+30*time.Second)
			defer cancel()
			if err := orch.Stop(stopCtx); err != nil {
				logger.Error("serve_unclean_stop", "error", err.Error())
			}
			return runErr
		},
	}
	return cmd
}
