// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import "errors"

// Error codes attached to oops errors raised while loading or mutating
// the role set. Load-time codes are fatal: the engine refuses to start
// on a corrupt role set rather than guessing at an ordering.
const (
	CodeRoleIDNegative        = "ROLE_ID_NEGATIVE"
	CodeRoleIDCollision       = "ROLE_ID_COLLISION"
	CodeRolePositionCollision = "ROLE_POSITION_COLLISION"
	CodeDefaultRoleInvalid    = "DEFAULT_ROLE_INVALID"
	CodeRoleExists            = "ROLE_EXISTS"
	CodeInheritPosition       = "INHERIT_POSITION"
	CodeUnknownPermission     = "UNKNOWN_PERMISSION"
)

var (
	// ErrDefaultRoleImmutable is returned when a caller tries to delete
	// the default role. Every member implicitly holds it, so removing
	// it would leave the merge order without a floor.
	ErrDefaultRoleImmutable = errors.New("hierarchy: default role cannot be deleted")

	// ErrDefaultRoleUnbounded is returned by offline-holder queries
	// against the default role: the answer is the entire member table.
	ErrDefaultRoleUnbounded = errors.New("hierarchy: every member holds the default role")

	// ErrNoFactory is returned by operations that need to materialize
	// offline members before a member factory has been bound.
	ErrNoFactory = errors.New("hierarchy: no member factory bound")

	// ErrMemberOffline is returned by session-scoped operations invoked
	// on a member without a live session.
	ErrMemberOffline = errors.New("hierarchy: member has no active session")
)
