// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies a membership change published by the engine.
type EventType string

const (
	EventRoleAdd    EventType = "member_role_add"
	EventRoleRemove EventType = "member_role_remove"
)

// Event records one role grant or revocation on a member. Presentation
// layers subscribe to mirror changes into chat output or audit logs.
type Event struct {
	ID       ulid.ULID
	Type     EventType
	Member   string
	RoleID   int
	RoleName string
	At       time.Time
}

// Broadcaster fans membership events out to subscribers. Delivery is
// best effort: a subscriber that stops draining its channel loses
// events rather than stalling the engine.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]chan Event
	bufSize int
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold
// bufSize pending events.
func NewBroadcaster(bufSize int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:    make(map[string]chan Event),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := ulid.Make().String()
	ch := make(chan Event, b.bufSize)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Broadcast delivers an event to every subscriber without blocking.
func (b *Broadcaster) Broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"subscriber", id,
				"event_type", string(ev.Type),
				"member", ev.Member)
		}
	}
}

func newEvent(typ EventType, member string, role *Role) Event {
	return Event{
		ID:       ulid.Make(),
		Type:     typ,
		Member:   member,
		RoleID:   role.ID(),
		RoleName: role.Name(),
		At:       time.Now().UTC(),
	}
}
