// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

// Package store defines the persistence contracts consumed by the
// hierarchy engine, plus the PostgreSQL, YAML-file, and in-memory
// implementations.
//
// The engine treats in-memory state as the source of truth for reads;
// stores provide durability. Mutation methods on the engine call the
// store first and only advance memory once the store call succeeds.
package store

import (
	"context"
	"encoding/json"
)

// RoleRecord is the persisted form of a role definition.
//
// Permissions holds raw grant tokens: a bare name grants, a leading '-'
// denies, and "*" expands to every registered permission at load time.
// Inherits names parent roles; the engine skips names it cannot resolve
// to an already-loaded role.
type RoleRecord struct {
	ID          int
	Name        string
	Position    int
	IsDefault   bool
	Permissions []string
	Inherits    []string
}

// MemberRecord is the persisted form of a member's grants.
//
// Meta carries opaque per-grant blobs attached by external callers
// (expiry dates, grant reasons); the engine round-trips them untouched.
type MemberRecord struct {
	Name        string
	RoleIDs     []int
	Permissions []string
	Meta        map[string]json.RawMessage
}

// RoleMeta returns the meta blob attached to a role assignment, or nil.
func (r MemberRecord) RoleMeta(roleID int) json.RawMessage {
	return r.Meta[roleMetaKey(roleID)]
}

// PermissionMeta returns the meta blob attached to a permission
// override, or nil.
func (r MemberRecord) PermissionMeta(permission string) json.RawMessage {
	return r.Meta[permMetaKey(permission)]
}

// RoleStore persists role definitions and mutations.
type RoleStore interface {
	// LoadAll returns every role record. For indexed (order-is-position)
	// backends the returned Position fields are the record ordinals.
	LoadAll(ctx context.Context) ([]RoleRecord, error)

	// Create persists a new role shell with no permissions.
	Create(ctx context.Context, name string, id, position int) error

	// Delete removes a role and its permission rows.
	Delete(ctx context.Context, id int) error

	// AddPermission records a grant (inverted=false) or deny
	// (inverted=true) on a role.
	AddPermission(ctx context.Context, roleID int, permission string, inverted bool) error

	// RemovePermission removes a role's grant or deny for a permission.
	// Removing an absent permission is a no-op.
	RemovePermission(ctx context.Context, roleID int, permission string) error

	// ShiftPositions increments by amount the position of every role at
	// or above fromPosition.
	ShiftPositions(ctx context.Context, fromPosition, amount int) error

	// AddInheritance records a parent edge on a role.
	AddInheritance(ctx context.Context, roleID int, parentName string) error

	// RemoveInheritance removes a parent edge from a role.
	RemoveInheritance(ctx context.Context, roleID int, parentName string) error
}

// MemberStore persists member grants.
type MemberStore interface {
	// Load returns the stored grants for a member, keyed by
	// case-insensitive name. A member with no stored grants yields an
	// empty record, not an error.
	Load(ctx context.Context, name string) (MemberRecord, error)

	// AddRole records a role assignment. meta may be nil.
	AddRole(ctx context.Context, name string, roleID int, meta json.RawMessage) error

	// RemoveRole removes a role assignment.
	RemoveRole(ctx context.Context, name string, roleID int) error

	// AddMemberPermission records a member-level override token. meta may
	// be nil.
	AddMemberPermission(ctx context.Context, name, token string, meta json.RawMessage) error

	// RemoveMemberPermission removes a member-level override for a
	// permission name, whether stored as grant or deny.
	RemoveMemberPermission(ctx context.Context, name, permission string) error

	// NamesHoldingRole returns the names of every member with the role
	// assigned, online or not.
	NamesHoldingRole(ctx context.Context, roleID int) ([]string, error)
}

// Store bundles both contracts for backends that implement them together.
type Store interface {
	RoleStore
	MemberStore
}
