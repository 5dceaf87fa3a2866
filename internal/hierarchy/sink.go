// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package hierarchy

// AuthorizationSink receives a member's recalculated effective
// permissions. The host server implements this to push the resolved
// map into whatever enforcement object it attaches to a live session.
// Apply is called synchronously from Recalculate with a private copy
// of the map, so implementations may retain it.
type AuthorizationSink interface {
	Apply(sessionID string, permissions map[string]bool)
}

// NullSink discards every update. It backs members without a live
// session, where resolution still runs but there is nothing to notify.
type NullSink struct{}

func (NullSink) Apply(string, map[string]bool) {}
