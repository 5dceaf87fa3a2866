// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/rolecraft/rolecraft/internal/hierarchy/store"
	"github.com/rolecraft/rolecraft/internal/registry"
)

// offlineSweepConcurrency bounds how many offline members a role
// deletion materializes at once.
const offlineSweepConcurrency = 8

// ManagerConfig carries the dependencies for a Manager.
type ManagerConfig struct {
	Roles    store.RoleStore
	Members  store.MemberStore
	Registry registry.Registry
	Events   *Broadcaster
	Logger   *slog.Logger
}

// Manager owns the role set: loading and validating it, indexing roles
// by id and name, and the create/delete lifecycle. There is exactly
// one default role, always at the lowest position.
type Manager struct {
	roles    store.RoleStore
	members  store.MemberStore
	registry registry.Registry
	events   *Broadcaster
	logger   *slog.Logger

	mu      sync.RWMutex
	byID    map[int]*Role
	sorted  []*Role
	names   map[string]int
	defRole *Role
	factory *Factory
	lastID  int
}

// NewManager creates a manager. LoadRoles must succeed before any
// other method is used.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = NewBroadcaster(64, logger)
	}
	return &Manager{
		roles:    cfg.Roles,
		members:  cfg.Members,
		registry: cfg.Registry,
		events:   events,
		logger:   logger,
		byID:     make(map[int]*Role),
		names:    make(map[string]int),
	}
}

// Events returns the broadcaster membership changes are published on.
func (m *Manager) Events() *Broadcaster { return m.events }

// BindFactory attaches the member factory. Role deletion and offline
// holder queries need it to materialize offline members.
func (m *Manager) BindFactory(f *Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factory = f
}

func (m *Manager) memberFactory() *Factory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.factory
}

// LoadRoles reads the whole role set from storage, validates it, and
// replaces the in-memory state. Duplicate ids, duplicate positions, a
// negative id, or anything but exactly one default role at the lowest
// position are fatal: a role set whose ordering is ambiguous cannot be
// enforced safely, so the engine refuses to start on one.
func (m *Manager) LoadRoles(ctx context.Context) error {
	errb := oops.In("hierarchy")

	recs, err := m.roles.LoadAll(ctx)
	if err != nil {
		return errb.Wrapf(err, "loading roles")
	}
	if len(recs) == 0 {
		return errb.Code(CodeDefaultRoleInvalid).Errorf("role storage is empty")
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Position < recs[j].Position })

	byID := make(map[int]*Role, len(recs))
	byPos := make(map[int]int, len(recs))
	var defRole *Role
	lastID := 0
	for _, rec := range recs {
		if rec.ID < 0 {
			return errb.Code(CodeRoleIDNegative).
				With("role", rec.Name).With("id", rec.ID).
				Errorf("role id must not be negative")
		}
		if prev, ok := byID[rec.ID]; ok {
			return errb.Code(CodeRoleIDCollision).
				With("id", rec.ID).With("roles", []string{prev.name, rec.Name}).
				Errorf("duplicate role id")
		}
		if prevID, ok := byPos[rec.Position]; ok {
			return errb.Code(CodeRolePositionCollision).
				With("position", rec.Position).
				With("roles", []string{byID[prevID].name, rec.Name}).
				Errorf("duplicate role position")
		}
		if rec.IsDefault {
			if defRole != nil {
				return errb.Code(CodeDefaultRoleInvalid).
					With("roles", []string{defRole.name, rec.Name}).
					Errorf("more than one default role")
			}
		}

		role := newRole(m, rec.ID, rec.Name, rec.Position, rec.IsDefault)
		byID[rec.ID] = role
		byPos[rec.Position] = rec.ID
		if rec.IsDefault {
			defRole = role
		}
		if rec.ID > lastID {
			lastID = rec.ID
		}
	}
	if defRole == nil {
		return errb.Code(CodeDefaultRoleInvalid).Errorf("no default role")
	}
	if defRole.position != recs[0].Position {
		return errb.Code(CodeDefaultRoleInvalid).
			With("role", defRole.name).With("position", defRole.position).
			Errorf("default role is not at the lowest position")
	}

	// Wire inheritance. Records are in ascending position order, so a
	// valid parent is always already indexed; edges that point at an
	// unknown name or a non-lower role are dropped with a warning.
	nameIdx := make(map[string]*Role, len(recs))
	for _, rec := range recs {
		role := byID[rec.ID]
		for _, parentName := range rec.Inherits {
			parent, ok := nameIdx[strings.ToLower(parentName)]
			if !ok {
				m.logger.Warn("dropping inheritance from unknown role",
					"role", role.name, "parent", parentName)
				continue
			}
			if parent.position >= role.position {
				m.logger.Warn("dropping inheritance from non-lower role",
					"role", role.name, "parent", parent.name,
					"role_position", role.position, "parent_position", parent.position)
				continue
			}
			role.linkParent(parent)
		}
		nameIdx[strings.ToLower(rec.Name)] = role
	}

	// Resolve permissions parent-first so each refresh sees final
	// parent state.
	for _, rec := range recs {
		byID[rec.ID].loadPermissions(rec.Permissions)
	}
	for _, rec := range recs {
		byID[rec.ID].refreshInherited()
	}

	m.mu.Lock()
	m.byID = byID
	m.defRole = defRole
	m.lastID = lastID
	m.resortLocked()
	m.rebuildNamesLocked()
	m.mu.Unlock()

	m.logger.Info("loaded role set", "roles", len(recs), "default", defRole.name)
	return nil
}

// Role returns the role with the given id, or nil.
func (m *Manager) Role(id int) *Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// RoleByName resolves a role by name, case insensitively. When several
// roles share a name, the bare name resolves to nothing and each role
// is reachable as "name.id" instead.
func (m *Manager) RoleByName(name string) *Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil
	}
	return m.byID[id]
}

// Roles returns every role in ascending position order.
func (m *Manager) Roles() []*Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Role, len(m.sorted))
	copy(out, m.sorted)
	return out
}

// DefaultRole returns the role every member implicitly holds.
func (m *Manager) DefaultRole() *Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defRole
}

// CreateRole adds a new role directly above the default role, shifting
// every role at or above that slot up by one. Relative order among
// existing roles is preserved, so no member outcome changes.
func (m *Manager) CreateRole(ctx context.Context, name string) (*Role, error) {
	errb := oops.In("hierarchy").With("role", name)

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errb.Errorf("empty role name")
	}

	m.mu.RLock()
	def := m.defRole
	id := m.lastID + 1
	m.mu.RUnlock()
	if def == nil {
		return nil, errb.Errorf("roles not loaded")
	}
	pos := def.Position() + 1

	if err := m.roles.ShiftPositions(ctx, pos, 1); err != nil {
		return nil, errb.Wrapf(err, "shifting positions")
	}
	if err := m.roles.Create(ctx, name, id, pos); err != nil {
		if undoErr := m.roles.ShiftPositions(ctx, pos+1, -1); undoErr != nil {
			m.logger.Error("failed to undo position shift after create failure",
				"role", name, "error", undoErr)
		}
		return nil, errb.Wrapf(err, "creating role")
	}

	m.mu.Lock()
	var bumped []*Role
	for _, r := range m.sorted {
		if r.Position() >= pos {
			r.bumpPosition()
			bumped = append(bumped, r)
		}
	}
	role := newRole(m, id, name, pos, false)
	m.byID[id] = role
	m.lastID = id
	m.resortLocked()
	m.rebuildNamesLocked()
	m.mu.Unlock()

	// Positions feed the merge priority, so online members of shifted
	// roles are recalculated even though relative order is unchanged.
	members := make(map[string]*Member)
	for _, r := range bumped {
		for _, mem := range r.Members() {
			members[mem.Name()] = mem
		}
	}
	for _, mem := range members {
		mem.Recalculate()
	}

	roleMutations.WithLabelValues("create").Inc()
	m.logger.Info("created role", "role", name, "id", id, "position", pos)
	return role, nil
}

// DeleteRole removes a role everywhere: from every offline member,
// from every online member, from the indexes, and from storage, in
// that order. A failure during the offline sweep aborts the deletion
// with the role still intact, so storage never references a role the
// engine has forgotten.
func (m *Manager) DeleteRole(ctx context.Context, role *Role) error {
	if role.IsDefault() {
		return ErrDefaultRoleImmutable
	}
	errb := oops.In("hierarchy").With("role", role.name)

	if err := m.sweepOfflineHolders(ctx, role); err != nil {
		return errb.Wrapf(err, "sweeping offline holders")
	}
	for _, mem := range role.Members() {
		if err := mem.RemoveRole(ctx, role, GrantOptions{}); err != nil {
			return errb.With("member", mem.Name()).Wrapf(err, "removing role from online member")
		}
	}

	m.mu.Lock()
	delete(m.byID, role.id)
	m.resortLocked()
	m.rebuildNamesLocked()
	m.mu.Unlock()

	for _, child := range role.unlink() {
		child.refreshInherited()
		m.propagate(child)
	}

	if err := m.roles.Delete(ctx, role.id); err != nil {
		return errb.Wrapf(err, "deleting role from storage")
	}

	roleMutations.WithLabelValues("delete").Inc()
	m.logger.Info("deleted role", "role", role.name, "id", role.id)
	return nil
}

// sweepOfflineHolders strips the role from every member that holds it
// but is not online, materializing them through the factory so cached
// copies stay consistent. Without a factory the rows are removed
// directly.
func (m *Manager) sweepOfflineHolders(ctx context.Context, role *Role) error {
	names, err := m.members.NamesHoldingRole(ctx, role.id)
	if err != nil {
		return err
	}

	online := make(map[string]struct{})
	for _, mem := range role.Members() {
		online[mem.Name()] = struct{}{}
	}

	f := m.memberFactory()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(offlineSweepConcurrency)
	for _, name := range names {
		if _, ok := online[strings.ToLower(name)]; ok {
			continue
		}
		g.Go(func() error {
			if f == nil {
				return m.members.RemoveRole(gctx, name, role.id)
			}
			mem, err := f.Member(gctx, name)
			if err != nil {
				return err
			}
			return mem.RemoveRole(gctx, role, GrantOptions{SkipRecalculate: true})
		})
	}
	return g.Wait()
}

// propagate refreshes every role inheriting from r, directly or
// transitively, then recalculates each online member holding any of
// them. Changes to the default role reach every online member, held
// or not.
func (m *Manager) propagate(r *Role) {
	affected := m.descendants(r)
	for _, role := range affected {
		if role != r {
			role.refreshInherited()
		}
	}

	if r.IsDefault() {
		if f := m.memberFactory(); f != nil {
			for _, mem := range f.OnlineMembers() {
				mem.Recalculate()
			}
			return
		}
	}

	members := make(map[string]*Member)
	for _, role := range affected {
		for _, mem := range role.Members() {
			members[mem.Name()] = mem
		}
	}
	for _, mem := range members {
		mem.Recalculate()
	}
}

// descendants returns r plus every role that transitively inherits
// from it, in ascending position order. Parents always sit below their
// children, so this order refreshes parents first.
func (m *Manager) descendants(r *Role) []*Role {
	seen := map[int]struct{}{r.id: {}}
	out := []*Role{r}
	queue := []*Role{r}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range cur.Children() {
			if _, ok := seen[child.id]; ok {
				continue
			}
			seen[child.id] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sortRoles(out)
	return out
}

// resortLocked rebuilds the position-ordered slice. Callers hold m.mu.
func (m *Manager) resortLocked() {
	sorted := make([]*Role, 0, len(m.byID))
	for _, r := range m.byID {
		sorted = append(sorted, r)
	}
	sortRoles(sorted)
	m.sorted = sorted
}

// rebuildNamesLocked rebuilds the name index. A name held by a single
// role resolves bare; colliding names resolve only as "name.id".
// Callers hold m.mu.
func (m *Manager) rebuildNamesLocked() {
	counts := make(map[string]int, len(m.byID))
	for _, r := range m.byID {
		counts[strings.ToLower(r.name)]++
	}
	names := make(map[string]int, len(m.byID))
	for id, r := range m.byID {
		key := strings.ToLower(r.name)
		if counts[key] > 1 {
			key = key + "." + strconv.Itoa(id)
		}
		names[key] = id
	}
	m.names = names
}
