// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/rolecraft/rolecraft/internal/hierarchy/store"
)

// GrantOptions tune a member mutation. The zero value persists the
// change and recalculates immediately, which is what single mutations
// want; batch callers skip recalculation and run it once at the end.
type GrantOptions struct {
	// Meta is an opaque blob stored alongside the grant and returned
	// verbatim by the meta accessors. External systems use it for
	// expiry dates or grant reasons; the engine never inspects it.
	Meta json.RawMessage

	// SkipRecalculate suppresses the effective-permission rebuild.
	SkipRecalculate bool

	// SkipSave suppresses the storage write. Used when replaying
	// already-persisted state.
	SkipSave bool
}

// Member is one account's view of the hierarchy: the roles assigned to
// it, its member-level overrides, and the cached effective permission
// map resolved from both. A member with a session id is online and has
// every recalculation pushed into its AuthorizationSink.
//
// Members are keyed by lowercased name. The factory guarantees at most
// one live value per name, so identity comparisons on *Member are safe.
type Member struct {
	manager *Manager
	members store.MemberStore
	sink    AuthorizationSink
	logger  *slog.Logger

	name    string
	session string

	mu        sync.RWMutex
	roles     map[int]*Role
	overrides map[string]bool
	effective map[string]bool
	roleMeta  map[int]json.RawMessage
	permMeta  map[string]json.RawMessage
}

func newMember(m *Manager, members store.MemberStore, name, session string, sink AuthorizationSink, logger *slog.Logger) *Member {
	if sink == nil {
		sink = NullSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Member{
		manager:   m,
		members:   members,
		sink:      sink,
		logger:    logger,
		name:      strings.ToLower(name),
		session:   session,
		roles:     make(map[int]*Role),
		overrides: make(map[string]bool),
		effective: make(map[string]bool),
		roleMeta:  make(map[int]json.RawMessage),
		permMeta:  make(map[string]json.RawMessage),
	}
}

// Name returns the member's lowercased name.
func (m *Member) Name() string { return m.name }

// Online reports whether the member has a live session.
func (m *Member) Online() bool { return m.session != "" }

// SessionID returns the live session id, or "" for offline members.
func (m *Member) SessionID() string { return m.session }

// Roles returns the member's explicitly assigned roles in ascending
// position order. The default role is implicit and not included unless
// explicitly assigned.
func (m *Member) Roles() []*Role {
	m.mu.RLock()
	out := make([]*Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sortRoles(out)
	return out
}

// HasRole reports whether the role is explicitly assigned.
func (m *Member) HasRole(role *Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roles[role.id]
	return ok
}

// Permissions returns a copy of the cached effective permission map.
func (m *Member) Permissions() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePerms(m.effective)
}

// Allowed looks up one permission in the effective map. The second
// return reports whether the map mentions it at all.
func (m *Member) Allowed(name string) (allowed, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allowed, ok = m.effective[strings.ToLower(name)]
	return allowed, ok
}

// Overrides returns a copy of the member-level override map.
func (m *Member) Overrides() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePerms(m.overrides)
}

// RoleMeta returns the opaque blob stored with a role assignment.
func (m *Member) RoleMeta(role *Role) json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roleMeta[role.id]
}

// PermissionMeta returns the opaque blob stored with an override.
func (m *Member) PermissionMeta(name string) json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.permMeta[strings.ToLower(name)]
}

// loadRecord replays persisted grants into the member. Role ids that
// no longer resolve and overrides for unregistered permissions are
// dropped with a warning; the stored rows stay untouched so a
// re-registered permission or restored role comes back on next load.
func (m *Member) loadRecord(rec store.MemberRecord) {
	m.mu.Lock()
	m.roles = make(map[int]*Role, len(rec.RoleIDs))
	m.overrides = make(map[string]bool, len(rec.Permissions))
	m.roleMeta = make(map[int]json.RawMessage, len(rec.RoleIDs))
	m.permMeta = make(map[string]json.RawMessage, len(rec.Permissions))
	m.mu.Unlock()

	for _, id := range rec.RoleIDs {
		role := m.manager.Role(id)
		if role == nil {
			m.logger.Warn("dropping assignment of unknown role",
				"member", m.name, "role_id", id)
			continue
		}
		m.mu.Lock()
		m.roles[id] = role
		if meta := rec.RoleMeta(id); meta != nil {
			m.roleMeta[id] = meta
		}
		m.mu.Unlock()
		if m.Online() {
			role.bind(m)
		}
	}

	for _, token := range rec.Permissions {
		g := ParseToken(token)
		if g.Name == "" {
			continue
		}
		if !m.manager.registry.Exists(g.Name) {
			m.logger.Warn("dropping override for unregistered permission",
				"member", m.name, "permission", g.Name)
			continue
		}
		m.mu.Lock()
		m.overrides[g.Name] = g.Allowed
		if meta := rec.PermissionMeta(g.Name); meta != nil {
			m.permMeta[g.Name] = meta
		}
		m.mu.Unlock()
	}

	m.Recalculate()
}

// AddRole assigns a role. Assigning an already-held role is a no-op.
func (m *Member) AddRole(ctx context.Context, role *Role, opts GrantOptions) error {
	if m.HasRole(role) {
		return nil
	}
	if !opts.SkipSave {
		if err := m.members.AddRole(ctx, m.name, role.id, opts.Meta); err != nil {
			return oops.In("hierarchy").With("member", m.name).With("role", role.name).Wrap(err)
		}
	}

	m.mu.Lock()
	m.roles[role.id] = role
	if opts.Meta != nil {
		m.roleMeta[role.id] = opts.Meta
	}
	m.mu.Unlock()

	if m.Online() {
		role.bind(m)
	}
	m.manager.events.Broadcast(newEvent(EventRoleAdd, m.name, role))
	if !opts.SkipRecalculate {
		m.Recalculate()
	}
	return nil
}

// RemoveRole revokes a role. Revoking an unheld role is a no-op.
func (m *Member) RemoveRole(ctx context.Context, role *Role, opts GrantOptions) error {
	if !m.HasRole(role) {
		return nil
	}
	if !opts.SkipSave {
		if err := m.members.RemoveRole(ctx, m.name, role.id); err != nil {
			return oops.In("hierarchy").With("member", m.name).With("role", role.name).Wrap(err)
		}
	}

	m.mu.Lock()
	delete(m.roles, role.id)
	delete(m.roleMeta, role.id)
	m.mu.Unlock()

	if m.Online() {
		role.unbind(m)
	}
	m.manager.events.Broadcast(newEvent(EventRoleRemove, m.name, role))
	if !opts.SkipRecalculate {
		m.Recalculate()
	}
	return nil
}

// ClearRoles revokes every explicitly assigned role, then recalculates
// once.
func (m *Member) ClearRoles(ctx context.Context) error {
	for _, role := range m.Roles() {
		if err := m.RemoveRole(ctx, role, GrantOptions{SkipRecalculate: true}); err != nil {
			return err
		}
	}
	m.Recalculate()
	return nil
}

// AddPermission grants a member-level override. Overrides beat every
// role entry during resolution.
func (m *Member) AddPermission(ctx context.Context, name string, opts GrantOptions) error {
	return m.setOverride(ctx, Grant{Name: name, Allowed: true}, opts)
}

// DenyPermission records a member-level denial override.
func (m *Member) DenyPermission(ctx context.Context, name string, opts GrantOptions) error {
	return m.setOverride(ctx, Grant{Name: name, Allowed: false}, opts)
}

func (m *Member) setOverride(ctx context.Context, g Grant, opts GrantOptions) error {
	errb := oops.In("hierarchy").With("member", m.name).With("permission", g.Name)

	g.Name = ParseToken(g.Name).Name
	if g.Name == "" {
		return errb.Errorf("empty permission name")
	}
	if !m.manager.registry.Exists(g.Name) {
		return errb.Code(CodeUnknownPermission).Errorf("permission not registered")
	}
	if !opts.SkipSave {
		if err := m.members.AddMemberPermission(ctx, m.name, g.Token(), opts.Meta); err != nil {
			return errb.Wrap(err)
		}
	}

	m.mu.Lock()
	m.overrides[g.Name] = g.Allowed
	if opts.Meta != nil {
		m.permMeta[g.Name] = opts.Meta
	}
	m.mu.Unlock()

	if !opts.SkipRecalculate {
		m.Recalculate()
	}
	return nil
}

// RemovePermission deletes an override, grant or denial.
func (m *Member) RemovePermission(ctx context.Context, name string, opts GrantOptions) error {
	name = ParseToken(name).Name
	if name == "" {
		return nil
	}
	if !opts.SkipSave {
		if err := m.members.RemoveMemberPermission(ctx, m.name, name); err != nil {
			return oops.In("hierarchy").With("member", m.name).With("permission", name).Wrap(err)
		}
	}

	m.mu.Lock()
	delete(m.overrides, name)
	delete(m.permMeta, name)
	m.mu.Unlock()

	if !opts.SkipRecalculate {
		m.Recalculate()
	}
	return nil
}

// Recalculate rebuilds the effective permission map: the default role
// floor, then every held role in ascending position order, then the
// member's overrides. The new map replaces the old one atomically and,
// for online members, is pushed synchronously into the sink.
//
// Recalculation is idempotent: with unchanged inputs it always yields
// the same map.
func (m *Member) Recalculate() {
	start := time.Now()

	m.mu.RLock()
	roles := make([]*Role, 0, len(m.roles))
	for _, r := range m.roles {
		roles = append(roles, r)
	}
	overrides := clonePerms(m.overrides)
	session := m.session
	m.mu.RUnlock()

	sortRoles(roles)
	effective := make(map[string]bool)
	if def := m.manager.DefaultRole(); def != nil && !m.HasRole(def) {
		for name, allowed := range def.CombinedPermissions() {
			effective[name] = allowed
		}
	}
	for _, r := range roles {
		for name, allowed := range r.CombinedPermissions() {
			effective[name] = allowed
		}
	}
	for name, allowed := range overrides {
		effective[name] = allowed
	}

	m.mu.Lock()
	m.effective = effective
	m.mu.Unlock()

	if session != "" {
		m.sink.Apply(session, clonePerms(effective))
	}
	observeRecalculate(start, session != "")
}

// TopRole returns the member's highest-positioned role, falling back
// to the default role when no assigned role exceeds it.
func (m *Member) TopRole() *Role {
	top := m.manager.DefaultRole()
	for _, r := range m.Roles() {
		if top == nil || r.Position() > top.Position() {
			top = r
		}
	}
	return top
}

// TopRoleWithPermission returns the member's highest-positioned role
// whose combined map mentions the permission, grant or explicit deny,
// or nil when none does. Only explicitly held roles count; the implicit
// default role never qualifies.
func (m *Member) TopRoleWithPermission(name string) *Role {
	name = strings.ToLower(name)
	var top *Role
	for _, r := range m.Roles() {
		if _, ok := r.Allowed(name); !ok {
			continue
		}
		if top == nil || r.Position() > top.Position() {
			top = r
		}
	}
	return top
}

// Outranks reports whether this member sits strictly above target. See
// CheckHierarchy.
func (m *Member) Outranks(target Target, permission string) bool {
	return CheckHierarchy(m, target, permission)
}
