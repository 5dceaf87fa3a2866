// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/oops"
)

// DefaultSweepSchedule runs the stale-permission sweep every ten
// minutes, often enough that a disabled plugin's permissions do not
// linger across a play session.
const DefaultSweepSchedule = "@every 10m"

const sweepTimeout = time.Minute

// Sweeper strips role permission entries whose permission is no longer
// registered. Plugins register permissions at startup, so an entry
// that stays unresolved belongs to a removed plugin and would
// otherwise sit in storage forever.
type Sweeper struct {
	manager *Manager
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewSweeper creates a sweeper over the manager's role set.
func NewSweeper(manager *Manager, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager: manager,
		logger:  logger,
		cron:    cron.New(),
	}
}

// RunOnce sweeps every role and returns how many entries it stripped.
// A failure on one role aborts the sweep; entries already stripped
// stay stripped, and the next run picks up where this one failed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	stripped := 0
	for _, role := range s.manager.Roles() {
		removed, err := role.stripUnregistered(ctx)
		if err != nil {
			return stripped, oops.In("hierarchy").With("role", role.Name()).Wrapf(err, "sweeping role")
		}
		if len(removed) > 0 {
			s.logger.Info("stripped stale permissions",
				"role", role.Name(), "permissions", removed)
			stripped += len(removed)
		}
	}
	if stripped > 0 {
		sweptPermissions.Add(float64(stripped))
	}
	return stripped, nil
}

// Start schedules recurring sweeps. An empty schedule uses
// DefaultSweepSchedule.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return oops.In("hierarchy").With("schedule", schedule).Wrapf(err, "scheduling sweep")
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish, up
// to the context deadline.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
