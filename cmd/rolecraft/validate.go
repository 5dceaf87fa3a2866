// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/internal/hierarchy"
	"github.com/rolecraft/rolecraft/internal/registry"
	"github.com/rolecraft/rolecraft/pkg/errutil"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the stored role set",
		Long: `Loads the stored role set and checks the structural invariants the
engine enforces at startup: unique ids, unique positions, and exactly
one default role at the lowest position. Exits non-zero when the role
set would be rejected.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, nil)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func runValidate(cmd *cobra.Command, deps *Deps) error {
	if deps == nil {
		deps = &Deps{}
	}
	deps.fill()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx := cmd.Context()

	st, cleanup, err := deps.StoreOpener(ctx, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	// An empty registry is fine here: load never fails on unregistered
	// role grants, so validation only exercises the structural
	// invariants.
	manager := hierarchy.NewManager(hierarchy.ManagerConfig{
		Roles:    st,
		Members:  st,
		Registry: registry.NewStatic(),
	})
	if err := manager.LoadRoles(ctx); err != nil {
		errutil.LogError(slog.Default(), "role set validation failed", err)
		return err
	}

	roles := manager.Roles()
	cmd.Printf("Role set valid: %d roles\n", len(roles))
	for _, role := range roles {
		marker := ""
		if role.IsDefault() {
			marker = " (default)"
		}
		cmd.Printf("  %3d  %s%s\n", role.Position(), role.Name(), marker)
	}
	return nil
}
