// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

// Package hierarchy implements the role-based permission engine for a
// game server: ranked roles with acyclic inheritance, members with
// per-member overrides, deterministic permission resolution, and the
// position-based checks that gate privileged actions.
//
// The engine keeps authoritative state in memory and persists mutations
// through the contracts in the store sub-package. Mutation methods that
// depend on a storage result (bulk loads, the offline sweep inside role
// deletion) do not advance in-memory state until the storage call
// succeeds, so memory and storage cannot diverge on failure.
//
// Mutations are expected to be driven by a single logical owner (the
// host server's tick loop). Internal locks only protect readers, such
// as concurrent permission lookups, from in-flight map swaps; they are
// not a license for concurrent mutators.
package hierarchy
