// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

//go:build integration

package integration

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/rolecraft/rolecraft/internal/hierarchy"
	"github.com/rolecraft/rolecraft/internal/hierarchy/store"
	"github.com/rolecraft/rolecraft/internal/registry"
)

// recordingSink captures permission pushes keyed by session id.
type recordingSink struct {
	mu     sync.Mutex
	pushes map[string][]map[string]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{pushes: make(map[string][]map[string]bool)}
}

func (s *recordingSink) Apply(sessionID string, permissions map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes[sessionID] = append(s.pushes[sessionID], permissions)
}

func (s *recordingSink) last(sessionID string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pushes := s.pushes[sessionID]
	if len(pushes) == 0 {
		return nil
	}
	return pushes[len(pushes)-1]
}

func newRegistry() *registry.Static {
	reg := registry.NewStatic()
	defs := []registry.Definition{
		{Name: "chat.use", Default: registry.DefaultTrue},
		{Name: "chat.color"},
		{Name: "kit.claim"},
		{Name: "teleport.self"},
		{Name: "ban.kick", Default: registry.DefaultPrivileged},
		{Name: "admin.manage", Default: registry.DefaultPrivileged},
	}
	Expect(reg.RegisterAll(defs)).To(Succeed())
	return reg
}

func seedRecords() []store.RoleRecord {
	return []store.RoleRecord{
		{ID: 1, Name: "Member", Position: 0, IsDefault: true, Permissions: []string{"chat.use"}},
		{ID: 2, Name: "VIP", Position: 1, Permissions: []string{"chat.color", "kit.claim"}},
		{ID: 3, Name: "Mod", Position: 2, Permissions: []string{"ban.kick", "teleport.self"}, Inherits: []string{"VIP"}},
		{ID: 4, Name: "Admin", Position: 3, Permissions: []string{"*"}},
	}
}

// engine bundles the wired pieces each spec needs.
type engine struct {
	store   *store.MemoryStore
	manager *hierarchy.Manager
	factory *hierarchy.Factory
	sink    *recordingSink
}

func newEngine(ctx context.Context) *engine {
	st := store.NewMemoryStore()
	st.Seed(seedRecords())

	sink := newRecordingSink()
	manager := hierarchy.NewManager(hierarchy.ManagerConfig{
		Roles:    st,
		Members:  st,
		Registry: newRegistry(),
	})
	Expect(manager.LoadRoles(ctx)).To(Succeed())

	factory := hierarchy.NewFactory(hierarchy.FactoryConfig{
		Manager: manager,
		Members: st,
		Sink:    sink,
	})

	return &engine{store: st, manager: manager, factory: factory, sink: sink}
}

var _ = Describe("Hierarchy engine", func() {
	var (
		ctx context.Context
		e   *engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		e = newEngine(ctx)
	})

	Describe("session lifecycle", func() {
		It("pushes the default floor to a fresh member", func() {
			mem, err := e.factory.CreateSession(ctx, "sess-alice", "Alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.Online()).To(BeTrue())

			perms := e.sink.last("sess-alice")
			Expect(perms).To(HaveKeyWithValue("chat.use", true))
			Expect(perms).NotTo(HaveKey("chat.color"))
		})

		It("re-pushes after a role grant and persists it across reconnects", func() {
			mem, err := e.factory.CreateSession(ctx, "sess-alice", "Alice")
			Expect(err).NotTo(HaveOccurred())

			vip := e.manager.RoleByName("vip")
			Expect(vip).NotTo(BeNil())
			Expect(mem.AddRole(ctx, vip, hierarchy.GrantOptions{})).To(Succeed())

			perms := e.sink.last("sess-alice")
			Expect(perms).To(HaveKeyWithValue("chat.color", true))

			e.factory.DestroySession("Alice")

			again, err := e.factory.CreateSession(ctx, "sess-alice-2", "Alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(again.HasRole(vip)).To(BeTrue())
			Expect(e.sink.last("sess-alice-2")).To(HaveKeyWithValue("chat.color", true))
		})

		It("lets member denies beat role grants", func() {
			mem, err := e.factory.CreateSession(ctx, "sess-bob", "Bob")
			Expect(err).NotTo(HaveOccurred())

			vip := e.manager.RoleByName("vip")
			Expect(mem.AddRole(ctx, vip, hierarchy.GrantOptions{})).To(Succeed())
			Expect(mem.DenyPermission(ctx, "kit.claim", hierarchy.GrantOptions{})).To(Succeed())

			allowed, ok := mem.Allowed("kit.claim")
			Expect(ok).To(BeTrue())
			Expect(allowed).To(BeFalse())
		})
	})

	Describe("inheritance", func() {
		It("overlays parent grants under the child's own entries", func() {
			mem, err := e.factory.CreateSession(ctx, "sess-carol", "Carol")
			Expect(err).NotTo(HaveOccurred())

			mod := e.manager.RoleByName("mod")
			Expect(mem.AddRole(ctx, mod, hierarchy.GrantOptions{})).To(Succeed())

			perms := mem.Permissions()
			Expect(perms).To(HaveKeyWithValue("ban.kick", true))
			// Inherited from VIP through the Mod parent edge.
			Expect(perms).To(HaveKeyWithValue("chat.color", true))
		})

		It("refuses inheritance from an equal or higher position", func() {
			vip := e.manager.RoleByName("vip")
			admin := e.manager.RoleByName("admin")

			err := vip.Inherit(ctx, admin)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("lower-positioned"))
		})
	})

	Describe("hierarchy checks", func() {
		It("lets a mod act on a vip but not on a peer", func() {
			mod, err := e.factory.CreateSession(ctx, "sess-mod", "Mona")
			Expect(err).NotTo(HaveOccurred())
			Expect(mod.AddRole(ctx, e.manager.RoleByName("mod"), hierarchy.GrantOptions{})).To(Succeed())

			vip, err := e.factory.CreateSession(ctx, "sess-vip", "Vince")
			Expect(err).NotTo(HaveOccurred())
			Expect(vip.AddRole(ctx, e.manager.RoleByName("vip"), hierarchy.GrantOptions{})).To(Succeed())

			peer, err := e.factory.CreateSession(ctx, "sess-peer", "Pat")
			Expect(err).NotTo(HaveOccurred())
			Expect(peer.AddRole(ctx, e.manager.RoleByName("mod"), hierarchy.GrantOptions{})).To(Succeed())

			Expect(hierarchy.CheckHierarchy(mod, hierarchy.MemberTarget{Member: vip}, "")).To(BeTrue())
			Expect(hierarchy.CheckHierarchy(mod, hierarchy.MemberTarget{Member: peer}, "")).To(BeFalse())
			Expect(hierarchy.CheckHierarchy(vip, hierarchy.MemberTarget{Member: mod}, "")).To(BeFalse())
		})
	})

	Describe("role lifecycle", func() {
		It("creates a role just above the default and shifts the rest", func() {
			role, err := e.manager.CreateRole(ctx, "Knight")
			Expect(err).NotTo(HaveOccurred())
			Expect(role.Position()).To(Equal(1))
			Expect(e.manager.RoleByName("vip").Position()).To(Equal(2))

			records, err := e.store.LoadAll(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(5))
		})

		It("deletes a role everywhere, including offline holders", func() {
			vip := e.manager.RoleByName("vip")

			// Offline holder: grant and disconnect.
			mem, err := e.factory.CreateSession(ctx, "sess-dave", "Dave")
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.AddRole(ctx, vip, hierarchy.GrantOptions{})).To(Succeed())
			e.factory.DestroySession("Dave")
			e.factory.Invalidate("Dave")

			// Online holder.
			online, err := e.factory.CreateSession(ctx, "sess-erin", "Erin")
			Expect(err).NotTo(HaveOccurred())
			Expect(online.AddRole(ctx, vip, hierarchy.GrantOptions{})).To(Succeed())

			Expect(e.manager.DeleteRole(ctx, vip)).To(Succeed())

			Expect(e.manager.RoleByName("vip")).To(BeNil())
			Expect(online.HasRole(vip)).To(BeFalse())

			names, err := e.store.NamesHoldingRole(ctx, vip.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(BeEmpty())

			// Mod loses the inherited VIP overlay.
			mod := e.manager.RoleByName("mod")
			Expect(mod.CombinedPermissions()).NotTo(HaveKey("chat.color"))
		})

		It("refuses to delete the default role", func() {
			def := e.manager.DefaultRole()
			Expect(e.manager.DeleteRole(ctx, def)).To(MatchError(hierarchy.ErrDefaultRoleImmutable))
		})
	})

	Describe("privilege transfer", func() {
		It("moves roles and overrides from one member to another", func() {
			from, err := e.factory.CreateSession(ctx, "sess-from", "Frank")
			Expect(err).NotTo(HaveOccurred())
			vip := e.manager.RoleByName("vip")
			Expect(from.AddRole(ctx, vip, hierarchy.GrantOptions{})).To(Succeed())
			Expect(from.AddPermission(ctx, "teleport.self", hierarchy.GrantOptions{})).To(Succeed())

			to, err := e.factory.CreateSession(ctx, "sess-to", "Tina")
			Expect(err).NotTo(HaveOccurred())

			Expect(e.factory.TransferPrivileges(ctx, from, to)).To(Succeed())

			Expect(to.HasRole(vip)).To(BeTrue())
			allowed, ok := to.Allowed("teleport.self")
			Expect(ok).To(BeTrue())
			Expect(allowed).To(BeTrue())

			Expect(from.HasRole(vip)).To(BeFalse())
			Expect(from.Overrides()).To(BeEmpty())
		})
	})

	Describe("stale permission sweep", func() {
		It("strips entries whose permission was unregistered", func() {
			sweeper := hierarchy.NewSweeper(e.manager, nil)

			stripped, err := sweeper.RunOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stripped).To(BeZero())

			// Simulate a plugin being removed: reload the role set
			// against a registry that no longer knows kit.claim.
			st := store.NewMemoryStore()
			st.Seed(seedRecords())
			pruned := newRegistry()
			pruned.Unregister("kit.claim")
			manager := hierarchy.NewManager(hierarchy.ManagerConfig{
				Roles:    st,
				Members:  st,
				Registry: pruned,
			})
			Expect(manager.LoadRoles(ctx)).To(Succeed())

			stripped, err = hierarchy.NewSweeper(manager, nil).RunOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stripped).To(Equal(1))

			records, err := st.LoadAll(ctx)
			Expect(err).NotTo(HaveOccurred())
			for _, rec := range records {
				Expect(rec.Permissions).NotTo(ContainElement("kit.claim"))
			}
		})
	})
})

var _ = Describe("File-backed store", func() {
	It("round-trips the role set through the indexed YAML format", func() {
		ctx := context.Background()
		dir := GinkgoT().TempDir()

		fs, err := store.NewFileStore(dir)
		Expect(err).NotTo(HaveOccurred())

		Expect(fs.Create(ctx, "Member", 1, 0)).To(Succeed())
		Expect(fs.Create(ctx, "VIP", 2, 1)).To(Succeed())
		Expect(fs.AddPermission(ctx, 2, "chat.color", false)).To(Succeed())
		Expect(fs.AddInheritance(ctx, 2, "Member")).To(Succeed())

		records, err := fs.LoadAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(2))
		Expect(records[0].Position).To(Equal(0))
		Expect(records[1].Permissions).To(ContainElement("chat.color"))
		Expect(records[1].Inherits).To(ContainElement("Member"))

		// Reopen from disk and verify persistence.
		reopened, err := store.NewFileStore(dir)
		Expect(err).NotTo(HaveOccurred())
		again, err := reopened.LoadAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(records))
	})
})
