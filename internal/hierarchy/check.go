// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

import "strings"

// Target is the right-hand side of a hierarchy comparison: either a
// role or a member. The interface is sealed so a check can never be
// asked about anything else.
type Target interface {
	position(permission string) int
}

// RoleTarget compares against a role's own position.
type RoleTarget struct {
	Role *Role
}

func (t RoleTarget) position(permission string) int {
	if permission == "" {
		return t.Role.Position()
	}
	if _, ok := t.Role.Allowed(permission); ok {
		return t.Role.Position()
	}
	return 0
}

// MemberTarget compares against a member's top role position.
type MemberTarget struct {
	Member *Member
}

func (t MemberTarget) position(permission string) int {
	if permission == "" {
		if top := t.Member.TopRole(); top != nil {
			return top.Position()
		}
		return 0
	}
	if top := t.Member.TopRoleWithPermission(permission); top != nil {
		return top.Position()
	}
	return 0
}

// CheckHierarchy reports whether source sits strictly above target.
// Equal positions always fail, so peers can never act on each other.
//
// With a permission name the comparison is scoped: each side counts
// only its highest explicitly held role whose combined map mentions
// that permission, grant or deny, and a side with no such role counts
// as position zero. An empty permission compares raw top positions.
func CheckHierarchy(source *Member, target Target, permission string) bool {
	permission = strings.ToLower(strings.TrimSpace(permission))
	src := MemberTarget{Member: source}.position(permission)
	tgt := target.position(permission)
	allowed := src > tgt
	observeHierarchyCheck(permission != "", allowed)
	return allowed
}
