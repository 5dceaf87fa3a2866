// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/internal/hierarchy/store"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// The seeded default role. Every member implicitly holds the default
// role, so a fresh database needs one before the engine will load.
const (
	seedRoleID       = 1
	seedRolePosition = 0
)

// seedConfig holds configuration for the seed command.
type seedConfig struct {
	roleName        string
	permissionsFile string
	timeout         time.Duration
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	sc := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the database with the default role",
		Long: `Creates the default role at the lowest position.
This command is idempotent - it will not create duplicates if run multiple times.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, args, sc)
		},
	}

	cmd.Flags().StringVar(&sc.roleName, "role-name", "member", "name for the default role")
	cmd.Flags().StringVar(&sc.permissionsFile, "permissions", "", "permission definitions file; default-granted permissions are added to the seeded role")
	cmd.Flags().DurationVar(&sc.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")
	addConfigFlags(cmd)

	return cmd
}

func runSeed(cmd *cobra.Command, _ []string, sc *seedConfig) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	databaseURL, err := requirePostgres(cfg)
	if err != nil {
		return err
	}

	// Add timeout to prevent indefinite hangs
	// Use cmd.Context() to respect SIGINT/SIGTERM signals
	ctx, cancel := context.WithTimeout(cmd.Context(), sc.timeout)
	defer cancel()

	cmd.Println("Connecting to database...")
	_, pool, err := connectPostgres(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	cmd.Println("Running migrations...")
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "init migrator").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("error closing migrator", "error", closeErr)
		}
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
	}

	// Insert the default role with a fixed id so duplicate seeds fail
	// with a constraint violation instead of creating a second default.
	_, err = pool.Exec(ctx,
		`INSERT INTO roles (id, name, position, is_default) VALUES ($1, $2, $3, TRUE)`,
		seedRoleID, sc.roleName, seedRolePosition)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			cmd.Println("Default role already exists, skipping seed")

			// Verify the existing default role matches expectations
			var existingName string
			var isDefault bool
			getErr := pool.QueryRow(ctx,
				`SELECT name, is_default FROM roles WHERE id = $1`, seedRoleID).
				Scan(&existingName, &isDefault)
			if getErr != nil {
				slog.Warn("could not verify existing default role",
					"role_id", seedRoleID,
					"error", getErr)
			} else {
				if existingName != sc.roleName {
					slog.Warn("default role name mismatch",
						"role_id", seedRoleID,
						"expected", sc.roleName,
						"actual", existingName)
				}
				if !isDefault {
					slog.Warn("seeded role id is not marked default",
						"role_id", seedRoleID)
				}
			}

			slog.Info("database already seeded", "role_id", seedRoleID)
			return nil
		}
		return oops.Code("SEED_FAILED").With("operation", "create default role").Wrap(err)
	}

	cmd.Printf("Created default role: %s\n", sc.roleName)
	slog.Info("created default role", "role_id", seedRoleID, "name", sc.roleName)

	if sc.permissionsFile != "" {
		granted, err := grantSeedDefaults(ctx, pool, sc.permissionsFile)
		if err != nil {
			return err
		}
		cmd.Printf("Granted %d default permissions\n", granted)
	}

	cmd.Println("Seeding complete!")
	return nil
}

// rowExecer is the slice of pgxpool.Pool grantSeedDefaults needs.
type rowExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// grantSeedDefaults grants the registry's default permission set to the
// seeded role. Runs only at first bootstrap; steady-state resolution
// never consults the definition defaults.
func grantSeedDefaults(ctx context.Context, db rowExecer, permissionsFile string) (int, error) {
	reg, err := loadPermissions(permissionsFile)
	if err != nil {
		return 0, err
	}
	defaults := reg.Defaults(false)
	for _, name := range defaults {
		_, err := db.Exec(ctx,
			`INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			seedRoleID, name)
		if err != nil {
			return 0, oops.Code("SEED_FAILED").
				With("operation", "grant default permissions").
				With("permission", name).
				Wrap(err)
		}
		slog.Info("granted default permission", "role_id", seedRoleID, "permission", name)
	}
	return len(defaults), nil
}
