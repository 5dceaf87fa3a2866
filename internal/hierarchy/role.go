// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/oops"
)

// Wildcard is the permission token that expands to every registered
// permission. Roles holding it also keep a flag so permissions
// registered after load are still covered.
const Wildcard = "*"

// Role is one rank in the hierarchy. It owns a set of granted and
// denied permissions, inherits more from lower-positioned parents, and
// keeps back-references to the online members currently holding it.
//
// A role's id and default flag are fixed for its lifetime. Its
// position only moves when new roles are created below it.
type Role struct {
	manager *Manager

	id        int
	name      string
	isDefault bool

	mu        sync.RWMutex
	position  int
	hasAll    bool
	own       map[string]bool
	inherited map[string]bool
	combined  map[string]bool
	parents   map[int]*Role
	children  map[int]*Role
	members   map[string]*Member
}

func newRole(m *Manager, id int, name string, position int, isDefault bool) *Role {
	return &Role{
		manager:   m,
		id:        id,
		name:      name,
		isDefault: isDefault,
		position:  position,
		own:       make(map[string]bool),
		inherited: make(map[string]bool),
		combined:  make(map[string]bool),
		parents:   make(map[int]*Role),
		children:  make(map[int]*Role),
		members:   make(map[string]*Member),
	}
}

func (r *Role) ID() int         { return r.id }
func (r *Role) Name() string    { return r.name }
func (r *Role) IsDefault() bool { return r.isDefault }

// Position reports the role's rank. Higher wins.
func (r *Role) Position() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.position
}

// HasAllPermissions reports whether the role carries the wildcard.
func (r *Role) HasAllPermissions() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasAll
}

// OwnPermissions returns a copy of the role's directly assigned
// entries, excluding the wildcard expansion.
func (r *Role) OwnPermissions() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePerms(r.own)
}

// InheritedPermissions returns a copy of the overlay contributed by
// the role's parents.
func (r *Role) InheritedPermissions() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePerms(r.inherited)
}

// CombinedPermissions returns a copy of the role's full resolved map:
// inherited entries, then the wildcard expansion, then own entries.
func (r *Role) CombinedPermissions() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePerms(r.combined)
}

// Allowed looks up a single permission in the combined map. The second
// return reports whether the role mentions the permission at all.
func (r *Role) Allowed(name string) (allowed, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	allowed, ok = r.combined[name]
	return allowed, ok
}

// Parents returns the roles this role inherits from, in ascending
// position order.
func (r *Role) Parents() []*Role {
	r.mu.RLock()
	out := make([]*Role, 0, len(r.parents))
	for _, p := range r.parents {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sortRoles(out)
	return out
}

// Children returns the roles that inherit from this role, in ascending
// position order.
func (r *Role) Children() []*Role {
	r.mu.RLock()
	out := make([]*Role, 0, len(r.children))
	for _, c := range r.children {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sortRoles(out)
	return out
}

// Members returns the online members currently holding this role.
func (r *Role) Members() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// loadPermissions replaces the role's own entries with the parsed
// tokens. Entries for unregistered names stay in the own set so the
// sweep can find and strip their stored rows, but the combined map
// excludes them, so they never resolve until the permission is
// registered again.
func (r *Role) loadPermissions(tokens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.own = make(map[string]bool, len(tokens))
	r.hasAll = false
	for _, token := range tokens {
		g := ParseToken(token)
		if g.Name == "" {
			continue
		}
		if g.Name == Wildcard {
			r.hasAll = g.Allowed
			continue
		}
		if !r.manager.registry.Exists(g.Name) {
			r.manager.logger.Warn("loaded entry for unregistered permission",
				"role", r.name, "permission", g.Name)
		}
		r.own[g.Name] = g.Allowed
	}
	r.recomputeLocked()
}

// AddPermission grants a registered permission directly on the role.
// When update is true the change propagates to inheriting roles and
// every affected member is recalculated; batch callers pass false and
// propagate once at the end.
func (r *Role) AddPermission(ctx context.Context, name string, update bool) error {
	return r.setPermission(ctx, Grant{Name: name, Allowed: true}, update)
}

// DenyPermission records an explicit denial directly on the role.
func (r *Role) DenyPermission(ctx context.Context, name string, update bool) error {
	return r.setPermission(ctx, Grant{Name: name, Allowed: false}, update)
}

func (r *Role) setPermission(ctx context.Context, g Grant, update bool) error {
	errb := oops.In("hierarchy").With("role", r.name).With("permission", g.Name)

	g.Name = ParseToken(g.Name).Name
	if g.Name == "" {
		return errb.Errorf("empty permission name")
	}
	if g.Name != Wildcard && !r.manager.registry.Exists(g.Name) {
		r.manager.logger.Warn("storing entry for unregistered permission",
			"role", r.name, "permission", g.Name)
	}
	if err := r.manager.roles.AddPermission(ctx, r.id, g.Name, !g.Allowed); err != nil {
		return errb.Wrap(err)
	}

	r.mu.Lock()
	if g.Name == Wildcard {
		r.hasAll = g.Allowed
	} else {
		r.own[g.Name] = g.Allowed
	}
	r.recomputeLocked()
	r.mu.Unlock()

	roleMutations.WithLabelValues("permission_set").Inc()
	if update {
		r.manager.propagate(r)
	}
	return nil
}

// RemovePermission deletes a direct entry, grant or denial, from the
// role. Removing an entry the role does not hold is a no-op.
func (r *Role) RemovePermission(ctx context.Context, name string, update bool) error {
	name = ParseToken(name).Name
	if name == "" {
		return nil
	}
	if err := r.manager.roles.RemovePermission(ctx, r.id, name); err != nil {
		return oops.In("hierarchy").With("role", r.name).With("permission", name).Wrap(err)
	}

	r.mu.Lock()
	if name == Wildcard {
		r.hasAll = false
	} else {
		delete(r.own, name)
	}
	r.recomputeLocked()
	r.mu.Unlock()

	roleMutations.WithLabelValues("permission_remove").Inc()
	if update {
		r.manager.propagate(r)
	}
	return nil
}

// Inherit links parent into this role's inheritance set. Parents must
// sit strictly below the role, which keeps the graph acyclic without a
// traversal.
func (r *Role) Inherit(ctx context.Context, parent *Role) error {
	errb := oops.In("hierarchy").With("role", r.name).With("parent", parent.name)

	if parent.id == r.id {
		return errb.Code(CodeInheritPosition).Errorf("role cannot inherit from itself")
	}
	if parent.Position() >= r.Position() {
		return errb.Code(CodeInheritPosition).
			With("role_position", r.Position()).
			With("parent_position", parent.Position()).
			Errorf("roles may only inherit from lower-positioned roles")
	}
	if err := r.manager.roles.AddInheritance(ctx, r.id, parent.name); err != nil {
		return errb.Wrap(err)
	}

	r.mu.Lock()
	r.parents[parent.id] = parent
	r.mu.Unlock()
	parent.mu.Lock()
	parent.children[r.id] = r
	parent.mu.Unlock()

	r.refreshInherited()
	roleMutations.WithLabelValues("inherit").Inc()
	r.manager.propagate(r)
	return nil
}

// UnInherit removes parent from the role's inheritance set.
func (r *Role) UnInherit(ctx context.Context, parent *Role) error {
	if err := r.manager.roles.RemoveInheritance(ctx, r.id, parent.name); err != nil {
		return oops.In("hierarchy").With("role", r.name).With("parent", parent.name).Wrap(err)
	}

	r.mu.Lock()
	delete(r.parents, parent.id)
	r.mu.Unlock()
	parent.mu.Lock()
	delete(parent.children, r.id)
	parent.mu.Unlock()

	r.refreshInherited()
	roleMutations.WithLabelValues("uninherit").Inc()
	r.manager.propagate(r)
	return nil
}

// OfflineMembers materializes every offline member holding this role.
// The default role is refused: its holders are the whole member table.
func (r *Role) OfflineMembers(ctx context.Context) ([]*Member, error) {
	if r.isDefault {
		return nil, ErrDefaultRoleUnbounded
	}
	f := r.manager.memberFactory()
	if f == nil {
		return nil, ErrNoFactory
	}
	return f.offlineHolders(ctx, r)
}

// bind registers an online member back-reference.
func (r *Role) bind(m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.Name()] = m
}

// unbind drops an online member back-reference.
func (r *Role) unbind(m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, m.Name())
}

// bumpPosition shifts the role's rank up by one. Only the manager
// calls this, while making room for a freshly created role.
func (r *Role) bumpPosition() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.position++
}

// linkParent attaches an already-validated inheritance edge without
// touching storage. Used during bulk load.
func (r *Role) linkParent(parent *Role) {
	r.mu.Lock()
	r.parents[parent.id] = parent
	r.mu.Unlock()
	parent.mu.Lock()
	parent.children[r.id] = r
	parent.mu.Unlock()
}

// unlink detaches the role from every parent and child. Children are
// refreshed afterwards by the caller.
func (r *Role) unlink() []*Role {
	r.mu.Lock()
	parents := make([]*Role, 0, len(r.parents))
	for _, p := range r.parents {
		parents = append(parents, p)
	}
	children := make([]*Role, 0, len(r.children))
	for _, c := range r.children {
		children = append(children, c)
	}
	r.parents = make(map[int]*Role)
	r.children = make(map[int]*Role)
	r.mu.Unlock()

	for _, p := range parents {
		p.mu.Lock()
		delete(p.children, r.id)
		p.mu.Unlock()
	}
	for _, c := range children {
		c.mu.Lock()
		delete(c.parents, r.id)
		c.mu.Unlock()
	}
	return children
}

// stripUnregistered removes own entries whose permission is no longer
// registered and returns the removed names. Storage rows are removed
// first so a crash mid-sweep never resurrects a stripped entry.
func (r *Role) stripUnregistered(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	var stale []string
	for name := range r.own {
		if !r.manager.registry.Exists(name) {
			stale = append(stale, name)
		}
	}
	r.mu.RUnlock()
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Strings(stale)

	for _, name := range stale {
		if err := r.manager.roles.RemovePermission(ctx, r.id, name); err != nil {
			return nil, oops.In("hierarchy").With("role", r.name).With("permission", name).Wrap(err)
		}
	}

	r.mu.Lock()
	for _, name := range stale {
		delete(r.own, name)
	}
	r.recomputeLocked()
	r.mu.Unlock()

	r.manager.propagate(r)
	return stale, nil
}

// refreshInherited rebuilds the parent overlay and the combined map.
// Parents apply in ascending position order so the highest-ranked
// parent wins conflicting entries.
func (r *Role) refreshInherited() {
	parents := r.Parents()
	inherited := make(map[string]bool)
	for _, p := range parents {
		for name, allowed := range p.CombinedPermissions() {
			inherited[name] = allowed
		}
	}

	r.mu.Lock()
	r.inherited = inherited
	r.recomputeLocked()
	r.mu.Unlock()
}

// recomputeLocked rebuilds combined from inherited, the wildcard
// expansion, and own. Own entries whose permission is not registered
// are skipped: they sit in the own set awaiting the sweep but must not
// resolve. Callers hold r.mu.
func (r *Role) recomputeLocked() {
	combined := make(map[string]bool, len(r.inherited)+len(r.own))
	for name, allowed := range r.inherited {
		combined[name] = allowed
	}
	if r.hasAll {
		for _, name := range r.manager.registry.Names() {
			combined[name] = true
		}
	}
	for name, allowed := range r.own {
		if !r.manager.registry.Exists(name) {
			continue
		}
		combined[name] = allowed
	}
	r.combined = combined
}

func clonePerms(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for name, allowed := range in {
		out[name] = allowed
	}
	return out
}

func sortRoles(roles []*Role) {
	sort.Slice(roles, func(i, j int) bool {
		return roles[i].Position() < roles[j].Position()
	})
}
