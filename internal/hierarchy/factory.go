// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rolecraft/rolecraft/internal/hierarchy/store"
)

const (
	defaultOfflineCacheSize = 256
	defaultOfflineCacheTTL  = 5 * time.Minute
)

// FactoryConfig carries the dependencies for a Factory.
type FactoryConfig struct {
	Manager *Manager
	Members store.MemberStore

	// Sink receives permission pushes for online members. Defaults to
	// NullSink.
	Sink   AuthorizationSink
	Logger *slog.Logger

	// OfflineCacheSize and OfflineCacheTTL bound the offline member
	// cache. Zero values pick sensible defaults.
	OfflineCacheSize int
	OfflineCacheTTL  time.Duration
}

// Factory owns member identity: it guarantees at most one live Member
// per name, tracks which members are online, and keeps a bounded TTL
// cache of recently touched offline members so repeated moderation
// commands against the same name do not each hit storage.
type Factory struct {
	manager *Manager
	members store.MemberStore
	sink    AuthorizationSink
	logger  *slog.Logger

	mu      sync.RWMutex
	online  map[string]*Member
	offline *expirable.LRU[string, *Member]
	group   singleflight.Group
}

// NewFactory creates a factory and binds it to the manager.
func NewFactory(cfg FactoryConfig) *Factory {
	sink := cfg.Sink
	if sink == nil {
		sink = NullSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.OfflineCacheSize
	if size <= 0 {
		size = defaultOfflineCacheSize
	}
	ttl := cfg.OfflineCacheTTL
	if ttl <= 0 {
		ttl = defaultOfflineCacheTTL
	}

	f := &Factory{
		manager: cfg.Manager,
		members: cfg.Members,
		sink:    sink,
		logger:  logger,
		online:  make(map[string]*Member),
		offline: expirable.NewLRU[string, *Member](size, nil, ttl),
	}
	cfg.Manager.BindFactory(f)
	return f
}

// CreateSession brings a member online: it loads the member's stored
// grants, binds it to its roles, resolves permissions, and pushes the
// result into the sink. A member already online under the same name is
// replaced, which covers reconnects that beat the disconnect handler.
func (f *Factory) CreateSession(ctx context.Context, sessionID, name string) (*Member, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	errb := oops.In("hierarchy").With("member", name).With("session", sessionID)
	if name == "" {
		return nil, errb.Errorf("empty member name")
	}
	if sessionID == "" {
		return nil, errb.Errorf("empty session id")
	}

	f.mu.Lock()
	if prev, ok := f.online[name]; ok {
		f.logger.Warn("replacing existing session",
			"member", name, "previous_session", prev.SessionID())
		f.detachLocked(prev)
	}
	f.offline.Remove(name)
	f.mu.Unlock()

	mem := newMember(f.manager, f.members, name, sessionID, f.sink, f.logger)
	rec, err := f.members.Load(ctx, name)
	if err != nil {
		return nil, errb.Wrapf(err, "loading member")
	}
	mem.loadRecord(rec)

	f.mu.Lock()
	f.online[name] = mem
	f.mu.Unlock()

	f.logger.Debug("session created", "member", name, "session", sessionID)
	return mem, nil
}

// DestroySession takes a member offline, dropping its role
// back-references. Unknown names are a no-op.
func (f *Factory) DestroySession(name string) {
	name = strings.ToLower(strings.TrimSpace(name))

	f.mu.Lock()
	defer f.mu.Unlock()
	mem, ok := f.online[name]
	if !ok {
		return
	}
	f.detachLocked(mem)
	f.logger.Debug("session destroyed", "member", name, "session", mem.SessionID())
}

// detachLocked unbinds a member from its roles and the online index.
// Callers hold f.mu.
func (f *Factory) detachLocked(mem *Member) {
	for _, role := range mem.Roles() {
		role.unbind(mem)
	}
	delete(f.online, mem.Name())
}

// Member returns the live member for a name: the online instance when
// there is one, otherwise an offline instance loaded from storage and
// cached. Concurrent lookups for the same name share one load.
func (f *Factory) Member(ctx context.Context, name string) (*Member, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, oops.In("hierarchy").Errorf("empty member name")
	}

	if mem := f.lookup(name); mem != nil {
		return mem, nil
	}

	v, err, _ := f.group.Do(name, func() (any, error) {
		if mem := f.lookup(name); mem != nil {
			return mem, nil
		}
		offlineCacheHits.WithLabelValues("miss").Inc()

		mem := newMember(f.manager, f.members, name, "", NullSink{}, f.logger)
		rec, err := f.members.Load(ctx, name)
		if err != nil {
			return nil, oops.In("hierarchy").With("member", name).Wrapf(err, "loading member")
		}
		mem.loadRecord(rec)
		f.offline.Add(name, mem)
		return mem, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Member), nil
}

// lookup checks the online index, then the offline cache.
func (f *Factory) lookup(name string) *Member {
	f.mu.RLock()
	mem, ok := f.online[name]
	f.mu.RUnlock()
	if ok {
		offlineCacheHits.WithLabelValues("online").Inc()
		return mem
	}
	if mem, ok := f.offline.Get(name); ok {
		offlineCacheHits.WithLabelValues("hit").Inc()
		return mem
	}
	return nil
}

// OnlineMembers returns every member with a live session.
func (f *Factory) OnlineMembers() []*Member {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Member, 0, len(f.online))
	for _, mem := range f.online {
		out = append(out, mem)
	}
	return out
}

// Invalidate drops a cached offline member so the next lookup reloads
// from storage. Online members are unaffected.
func (f *Factory) Invalidate(name string) {
	f.offline.Remove(strings.ToLower(strings.TrimSpace(name)))
}

// offlineHolders materializes every offline member holding the role.
func (f *Factory) offlineHolders(ctx context.Context, role *Role) ([]*Member, error) {
	names, err := f.members.NamesHoldingRole(ctx, role.ID())
	if err != nil {
		return nil, oops.In("hierarchy").With("role", role.Name()).Wrapf(err, "listing role holders")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(offlineSweepConcurrency)
	loaded := make([]*Member, len(names))
	for i, name := range names {
		f.mu.RLock()
		_, online := f.online[strings.ToLower(name)]
		f.mu.RUnlock()
		if online {
			continue
		}
		g.Go(func() error {
			mem, err := f.Member(gctx, name)
			if err != nil {
				return err
			}
			loaded[i] = mem
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Member, 0, len(loaded))
	for _, mem := range loaded {
		if mem != nil {
			out = append(out, mem)
		}
	}
	return out, nil
}

// TransferPrivileges moves every explicit role, override, and attached
// meta blob from one member to another, then recalculates both. Grants
// the destination already holds are kept as they are.
func (f *Factory) TransferPrivileges(ctx context.Context, from, to *Member) error {
	errb := oops.In("hierarchy").With("from", from.Name()).With("to", to.Name())
	if from.Name() == to.Name() {
		return errb.Errorf("cannot transfer privileges to self")
	}

	for _, role := range from.Roles() {
		opts := GrantOptions{Meta: from.RoleMeta(role), SkipRecalculate: true}
		if err := to.AddRole(ctx, role, opts); err != nil {
			return errb.Wrap(err)
		}
	}
	for name, allowed := range from.Overrides() {
		opts := GrantOptions{Meta: from.PermissionMeta(name), SkipRecalculate: true}
		var err error
		if allowed {
			err = to.AddPermission(ctx, name, opts)
		} else {
			err = to.DenyPermission(ctx, name, opts)
		}
		if err != nil {
			return errb.Wrap(err)
		}
	}

	for _, role := range from.Roles() {
		if err := from.RemoveRole(ctx, role, GrantOptions{SkipRecalculate: true}); err != nil {
			return errb.Wrap(err)
		}
	}
	for name := range from.Overrides() {
		if err := from.RemovePermission(ctx, name, GrantOptions{SkipRecalculate: true}); err != nil {
			return errb.Wrap(err)
		}
	}

	from.Recalculate()
	to.Recalculate()
	f.logger.Info("transferred privileges", "from", from.Name(), "to", to.Name())
	return nil
}
