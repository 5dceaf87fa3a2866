// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rolecraft/rolecraft/internal/config"
	"github.com/rolecraft/rolecraft/internal/hierarchy"
	"github.com/rolecraft/rolecraft/internal/registry"
	"github.com/rolecraft/rolecraft/pkg/errutil"
)

// sweepConfig holds flags specific to the sweep command.
type sweepConfig struct {
	permissionsFile string
	once            bool
}

// NewSweepCmd creates the sweep subcommand.
func NewSweepCmd() *cobra.Command {
	sc := &sweepConfig{}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Strip stale permissions from stored roles",
		Long: `Removes role permission entries whose permission is not in the
registered permission set. With --once the sweep runs a single pass and
exits; otherwise it runs on a schedule and serves metrics until
interrupted.

The permission set is read from a YAML file of definitions:

    - name: chat.use
      description: Send chat messages
      default: "true"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), cmd, sc, nil)
		},
	}

	cmd.Flags().StringVar(&sc.permissionsFile, "permissions", "", "permission definitions file (required)")
	cmd.Flags().BoolVar(&sc.once, "once", false, "run one sweep pass and exit")
	cmd.Flags().String("sweep.schedule", config.Defaults().Sweep.Schedule, "cron schedule for recurring sweeps")
	addConfigFlags(cmd)
	_ = cmd.MarkFlagRequired("permissions") //nolint:errcheck // flag is registered above

	return cmd
}

func runSweep(ctx context.Context, cmd *cobra.Command, sc *sweepConfig, deps *Deps) error {
	if deps == nil {
		deps = &Deps{}
	}
	deps.fill()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	reg, err := loadPermissions(sc.permissionsFile)
	if err != nil {
		return err
	}
	slog.Info("permission registry loaded",
		"file", sc.permissionsFile, "permissions", len(reg.Names()))

	st, cleanup, err := deps.StoreOpener(ctx, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	manager := hierarchy.NewManager(hierarchy.ManagerConfig{
		Roles:    st,
		Members:  st,
		Registry: reg,
	})
	if err := manager.LoadRoles(ctx); err != nil {
		return err
	}

	sweeper := hierarchy.NewSweeper(manager, slog.Default())

	if sc.once {
		stripped, err := sweeper.RunOnce(ctx)
		if err != nil {
			errutil.LogError(slog.Default(), "sweep failed", err)
			return err
		}
		cmd.Printf("Swept %d stale permission entries\n", stripped)
		return nil
	}

	return runSweepDaemon(ctx, cmd, cfg, sweeper, deps)
}

// runSweepDaemon runs recurring sweeps until a signal or server error.
func runSweepDaemon(ctx context.Context, cmd *cobra.Command, cfg config.Config, sweeper *hierarchy.Sweeper, deps *Deps) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sweeper.Start(cfg.Sweep.Schedule); err != nil {
		return err
	}
	slog.Info("sweep scheduled", "schedule", cfg.Sweep.Schedule)

	var obsServer ObservabilityServer
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, func() bool { return true })
		obsErrChan, err := obsServer.Start()
		if err != nil {
			stopSweeper(sweeper)
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Sweep daemon started")

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}
	stopSweeper(sweeper)

	slog.Info("shutdown complete")
	return nil
}

func stopSweeper(sweeper *hierarchy.Sweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sweeper.Stop(ctx); err != nil {
		slog.Warn("error stopping sweeper", "error", err)
	}
}

// permissionDef is the on-disk shape of one permission definition.
type permissionDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     string `yaml:"default"`
}

// loadPermissions reads permission definitions from a YAML file into a
// fresh registry.
func loadPermissions(path string) (*registry.Static, error) {
	errb := oops.In("cli").With("path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errb.Code("PERMISSIONS_FILE_INVALID").Wrap(err)
	}

	var defs []permissionDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, errb.Code("PERMISSIONS_FILE_INVALID").Wrap(err)
	}
	if len(defs) == 0 {
		return nil, errb.Code("PERMISSIONS_FILE_INVALID").
			Errorf("permissions file defines no permissions; a sweep against an empty registry would strip every role grant")
	}

	reg := registry.NewStatic()
	for _, def := range defs {
		err := reg.Register(registry.Definition{
			Name:        def.Name,
			Description: def.Description,
			Default:     registry.DefaultGrant(def.Default),
		})
		if err != nil {
			return nil, errb.Wrap(err)
		}
	}
	return reg, nil
}

// monitorServerErrors monitors a server's error channel and cancels the
// context on error so a failed server takes the daemon down gracefully.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
