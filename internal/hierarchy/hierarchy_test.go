// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rolecraft/rolecraft/internal/hierarchy"
	"github.com/rolecraft/rolecraft/internal/hierarchy/store"
	"github.com/rolecraft/rolecraft/internal/registry"
)

// testDefs registers the permission surface shared by every test: a
// small slice of a typical game server's permission set.
func testDefs() []registry.Definition {
	return []registry.Definition{
		{Name: "chat.use", Default: registry.DefaultTrue},
		{Name: "chat.color", Default: registry.DefaultFalse},
		{Name: "kit.claim", Default: registry.DefaultFalse},
		{Name: "vip.fly", Default: registry.DefaultFalse},
		{Name: "teleport.self", Default: registry.DefaultPrivileged},
		{Name: "ban.kick", Default: registry.DefaultPrivileged},
		{Name: "admin.manage", Default: registry.DefaultPrivileged},
	}
}

// seedRoles builds the standard ladder: Member (default) < VIP < Mod <
// Admin, with Mod inheriting VIP and Admin holding the wildcard minus
// an explicit deny.
func seedRoles() []store.RoleRecord {
	return []store.RoleRecord{
		{ID: 1, Name: "Member", Position: 0, IsDefault: true,
			Permissions: []string{"chat.use", "kit.claim"}},
		{ID: 2, Name: "VIP", Position: 1,
			Permissions: []string{"chat.color", "vip.fly", "-kit.claim"}},
		{ID: 3, Name: "Mod", Position: 2,
			Permissions: []string{"ban.kick", "teleport.self"},
			Inherits:    []string{"VIP"}},
		{ID: 4, Name: "Admin", Position: 3,
			Permissions: []string{"*", "-vip.fly"}},
	}
}

type engine struct {
	manager *hierarchy.Manager
	factory *hierarchy.Factory
	store   *store.MemoryStore
	reg     *registry.Static
	sink    *recordSink
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	reg := registry.NewStatic()
	require.NoError(t, reg.RegisterAll(testDefs()))

	st := store.NewMemoryStore()
	st.Seed(seedRoles())

	mgr := hierarchy.NewManager(hierarchy.ManagerConfig{
		Roles:    st,
		Members:  st,
		Registry: reg,
	})
	require.NoError(t, mgr.LoadRoles(context.Background()))

	sink := &recordSink{}
	f := hierarchy.NewFactory(hierarchy.FactoryConfig{
		Manager: mgr,
		Members: st,
		Sink:    sink,
	})

	return &engine{manager: mgr, factory: f, store: st, reg: reg, sink: sink}
}

func (e *engine) role(t *testing.T, name string) *hierarchy.Role {
	t.Helper()
	r := e.manager.RoleByName(name)
	require.NotNil(t, r, "role %q not found", name)
	return r
}

func (e *engine) join(t *testing.T, session, name string) *hierarchy.Member {
	t.Helper()
	mem, err := e.factory.CreateSession(context.Background(), session, name)
	require.NoError(t, err)
	return mem
}

// recordSink captures permission pushes keyed by session id.
type recordSink struct {
	mu      sync.Mutex
	applied map[string][]map[string]bool
}

func (s *recordSink) Apply(sessionID string, permissions map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied == nil {
		s.applied = make(map[string][]map[string]bool)
	}
	s.applied[sessionID] = append(s.applied[sessionID], permissions)
}

// last returns the most recent push for a session, or nil.
func (s *recordSink) last(sessionID string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pushes := s.applied[sessionID]
	if len(pushes) == 0 {
		return nil
	}
	return pushes[len(pushes)-1]
}

func (s *recordSink) pushCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied[sessionID])
}
