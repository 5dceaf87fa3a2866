// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolecraft/rolecraft/internal/hierarchy"
	"github.com/rolecraft/rolecraft/internal/hierarchy/store"
	"github.com/rolecraft/rolecraft/internal/registry"
)

func TestManager_LoadRoles_BuildsIndexes(t *testing.T) {
	e := newEngine(t)

	roles := e.manager.Roles()
	require.Len(t, roles, 4)
	assert.Equal(t, "Member", roles[0].Name())
	assert.Equal(t, "Admin", roles[3].Name())

	def := e.manager.DefaultRole()
	require.NotNil(t, def)
	assert.Equal(t, "Member", def.Name())
	assert.Equal(t, 0, def.Position())
	assert.True(t, def.IsDefault())

	assert.Same(t, e.manager.Role(3), e.manager.RoleByName("mod"))
	assert.Same(t, e.manager.Role(3), e.manager.RoleByName("MOD"))
	assert.Nil(t, e.manager.RoleByName("nobody"))
}

func TestManager_LoadRoles_RejectsCorruptRoleSets(t *testing.T) {
	tests := []struct {
		name    string
		records []store.RoleRecord
		wantMsg string
	}{
		{
			name:    "empty storage",
			records: nil,
			wantMsg: "empty",
		},
		{
			name: "duplicate id",
			records: []store.RoleRecord{
				{ID: 1, Name: "Member", Position: 0, IsDefault: true},
				{ID: 1, Name: "Other", Position: 1},
			},
			wantMsg: "duplicate role id",
		},
		{
			name: "duplicate position",
			records: []store.RoleRecord{
				{ID: 1, Name: "Member", Position: 0, IsDefault: true},
				{ID: 2, Name: "A", Position: 1},
				{ID: 3, Name: "B", Position: 1},
			},
			wantMsg: "duplicate role position",
		},
		{
			name: "negative id",
			records: []store.RoleRecord{
				{ID: -5, Name: "Member", Position: 0, IsDefault: true},
			},
			wantMsg: "negative",
		},
		{
			name: "no default role",
			records: []store.RoleRecord{
				{ID: 1, Name: "Member", Position: 0},
				{ID: 2, Name: "VIP", Position: 1},
			},
			wantMsg: "no default role",
		},
		{
			name: "two default roles",
			records: []store.RoleRecord{
				{ID: 1, Name: "Member", Position: 0, IsDefault: true},
				{ID: 2, Name: "AlsoDefault", Position: 1, IsDefault: true},
			},
			wantMsg: "more than one default",
		},
		{
			name: "default not at lowest position",
			records: []store.RoleRecord{
				{ID: 1, Name: "Guest", Position: 0},
				{ID: 2, Name: "Member", Position: 1, IsDefault: true},
			},
			wantMsg: "lowest position",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.NewStatic()
			require.NoError(t, reg.RegisterAll(testDefs()))
			st := store.NewMemoryStore()
			st.Seed(tt.records)

			mgr := hierarchy.NewManager(hierarchy.ManagerConfig{
				Roles: st, Members: st, Registry: reg,
			})
			err := mgr.LoadRoles(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestManager_RoleByName_DisambiguatesCollisions(t *testing.T) {
	reg := registry.NewStatic()
	require.NoError(t, reg.RegisterAll(testDefs()))
	st := store.NewMemoryStore()
	st.Seed([]store.RoleRecord{
		{ID: 1, Name: "Member", Position: 0, IsDefault: true},
		{ID: 7, Name: "Knight", Position: 1},
		{ID: 8, Name: "Knight", Position: 2},
	})

	mgr := hierarchy.NewManager(hierarchy.ManagerConfig{Roles: st, Members: st, Registry: reg})
	require.NoError(t, mgr.LoadRoles(context.Background()))

	assert.Nil(t, mgr.RoleByName("knight"), "ambiguous bare name must not resolve")
	require.NotNil(t, mgr.RoleByName("knight.7"))
	require.NotNil(t, mgr.RoleByName("Knight.8"))
	assert.Equal(t, 7, mgr.RoleByName("knight.7").ID())
	assert.Equal(t, 8, mgr.RoleByName("knight.8").ID())
}

func TestManager_CreateRole_InsertsAboveDefault(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	vipBefore := e.role(t, "VIP").Position()
	modBefore := e.role(t, "Mod").Position()

	created, err := e.manager.CreateRole(ctx, "Helper")
	require.NoError(t, err)
	assert.Equal(t, 1, created.Position())
	assert.Equal(t, 0, e.manager.DefaultRole().Position())

	// Existing non-default roles shift up by one, preserving order.
	assert.Equal(t, vipBefore+1, e.role(t, "VIP").Position())
	assert.Equal(t, modBefore+1, e.role(t, "Mod").Position())

	// The new role is persisted with the shifted layout.
	recs, err := e.store.LoadAll(ctx)
	require.NoError(t, err)
	positions := map[string]int{}
	for _, rec := range recs {
		positions[rec.Name] = rec.Position
	}
	assert.Equal(t, 1, positions["Helper"])
	assert.Equal(t, 2, positions["VIP"])
	assert.Equal(t, 4, positions["Admin"])

	// Ids keep growing past the highest seen.
	assert.Equal(t, 5, created.ID())
}

func TestManager_CreateRole_RecalculatesShiftedMembers(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	alice := e.join(t, "sess-alice", "Alice")
	require.NoError(t, alice.AddRole(ctx, e.role(t, "VIP"), hierarchy.GrantOptions{}))
	pushesBefore := e.sink.pushCount("sess-alice")
	permsBefore := alice.Permissions()

	_, err := e.manager.CreateRole(ctx, "Helper")
	require.NoError(t, err)

	// VIP shifted up, so its online holder got a fresh push with the
	// same outcome.
	assert.Greater(t, e.sink.pushCount("sess-alice"), pushesBefore)
	assert.Equal(t, permsBefore, alice.Permissions())
}

func TestManager_CreateRole_RejectsEmptyName(t *testing.T) {
	e := newEngine(t)
	_, err := e.manager.CreateRole(context.Background(), "   ")
	require.Error(t, err)
}

func TestManager_DeleteRole_RemovesEverywhere(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	vip := e.role(t, "VIP")

	// One online holder, one offline holder.
	alice := e.join(t, "sess-alice", "Alice")
	require.NoError(t, alice.AddRole(ctx, vip, hierarchy.GrantOptions{}))
	require.NoError(t, e.store.AddRole(ctx, "bob", vip.ID(), nil))

	require.NoError(t, e.manager.DeleteRole(ctx, vip))

	assert.Nil(t, e.manager.RoleByName("VIP"))
	assert.False(t, alice.HasRole(vip))

	// Offline rows are swept before the role record goes away.
	names, err := e.store.NamesHoldingRole(ctx, vip.ID())
	require.NoError(t, err)
	assert.Empty(t, names)

	recs, err := e.store.LoadAll(ctx)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.NotEqual(t, "VIP", rec.Name)
	}

	// Mod inherited from VIP; its overlay is gone.
	allowed, ok := e.role(t, "Mod").Allowed("chat.color")
	assert.False(t, ok && allowed)
}

func TestManager_DeleteRole_RefusesDefault(t *testing.T) {
	e := newEngine(t)
	err := e.manager.DeleteRole(context.Background(), e.manager.DefaultRole())
	require.ErrorIs(t, err, hierarchy.ErrDefaultRoleImmutable)
	assert.NotNil(t, e.manager.RoleByName("Member"))
}

func TestManager_LoadRoles_DropsBadInheritanceEdges(t *testing.T) {
	reg := registry.NewStatic()
	require.NoError(t, reg.RegisterAll(testDefs()))
	st := store.NewMemoryStore()
	st.Seed([]store.RoleRecord{
		{ID: 1, Name: "Member", Position: 0, IsDefault: true},
		{ID: 2, Name: "VIP", Position: 1, Inherits: []string{"Ghost", "Mod"}},
		{ID: 3, Name: "Mod", Position: 2, Inherits: []string{"VIP"}},
	})

	mgr := hierarchy.NewManager(hierarchy.ManagerConfig{Roles: st, Members: st, Registry: reg})
	require.NoError(t, mgr.LoadRoles(context.Background()))

	// "Ghost" does not exist and "Mod" is not lower than VIP; both
	// edges are dropped, the valid Mod->VIP edge survives.
	assert.Empty(t, mgr.RoleByName("VIP").Parents())
	require.Len(t, mgr.RoleByName("Mod").Parents(), 1)
	assert.Equal(t, "VIP", mgr.RoleByName("Mod").Parents()[0].Name())
}
