// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

// Package registry holds the canonical permission definitions the engine
// resolves role and member grants against. The host game server registers
// its permission nodes here at startup; the hierarchy engine only ever
// consumes the lookup side.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// DefaultGrant declares who holds a permission when no role grants or
// denies it explicitly.
type DefaultGrant string

// DefaultGrant constants mirror the conventional game-server defaults.
const (
	DefaultTrue          DefaultGrant = "true"  // everyone
	DefaultFalse         DefaultGrant = "false" // nobody
	DefaultPrivileged    DefaultGrant = "op"    // privileged players only
	DefaultNotPrivileged DefaultGrant = "notop" // everyone except privileged players
)

// Definition describes a single registered permission node.
type Definition struct {
	Name        string
	Description string
	Default     DefaultGrant
}

// Registry is the engine-facing read contract.
type Registry interface {
	// Exists reports whether the permission node is registered.
	Exists(name string) bool

	// Names returns all registered permission names, sorted.
	Names() []string

	// Defaults returns the permission names granted by default.
	// When privileged is true, op-default permissions are included.
	Defaults(privileged bool) []string
}

// Static is an in-memory Registry populated by the host at startup.
// Safe for concurrent use; registration and lookup may interleave.
type Static struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewStatic creates an empty Static registry.
func NewStatic() *Static {
	return &Static{defs: make(map[string]Definition)}
}

// Register adds or replaces a permission definition.
// The name must be non-empty and free of whitespace.
func (s *Static) Register(def Definition) error {
	if def.Name == "" {
		return oops.In("registry").Code("INVALID_PERMISSION").New("permission name cannot be empty")
	}
	if strings.ContainsAny(def.Name, " \t\n") {
		return oops.In("registry").Code("INVALID_PERMISSION").
			With("name", def.Name).New("permission name cannot contain whitespace")
	}
	if def.Default == "" {
		def.Default = DefaultFalse
	}
	s.mu.Lock()
	s.defs[def.Name] = def
	s.mu.Unlock()
	return nil
}

// RegisterAll registers every definition, stopping at the first invalid one.
func (s *Static) RegisterAll(defs []Definition) error {
	for _, def := range defs {
		if err := s.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a permission definition. Removing an unknown name
// is a no-op.
func (s *Static) Unregister(name string) {
	s.mu.Lock()
	delete(s.defs, name)
	s.mu.Unlock()
}

// Exists implements Registry.
func (s *Static) Exists(name string) bool {
	s.mu.RLock()
	_, ok := s.defs[name]
	s.mu.RUnlock()
	return ok
}

// Get returns the definition for a permission name.
func (s *Static) Get(name string) (Definition, bool) {
	s.mu.RLock()
	def, ok := s.defs[name]
	s.mu.RUnlock()
	return def, ok
}

// Names implements Registry.
func (s *Static) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Defaults implements Registry.
func (s *Static) Defaults(privileged bool) []string {
	s.mu.RLock()
	var names []string
	for name, def := range s.defs {
		switch def.Default {
		case DefaultTrue:
			names = append(names, name)
		case DefaultPrivileged:
			if privileged {
				names = append(names, name)
			}
		case DefaultNotPrivileged:
			if !privileged {
				names = append(names, name)
			}
		}
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Match returns the registered permission names matched by a glob
// pattern, using '.' as the segment separator ("chat.*" matches
// "chat.send" but not "chat.channel.join"). Returns an error for
// invalid glob syntax.
func (s *Static) Match(pattern string) ([]string, error) {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, oops.In("registry").
			Code("INVALID_PERMISSION_PATTERN").
			With("pattern", pattern).
			Wrap(err)
	}
	var matched []string
	for _, name := range s.Names() {
		if g.Match(name) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}
