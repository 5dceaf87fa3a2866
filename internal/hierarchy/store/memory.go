// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/oops"
)

// MemoryStore is an in-memory Store used in tests and for embedded
// hosts that do their own persistence. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	roles   map[int]*RoleRecord
	members map[string]*MemberRecord // keyed by lowercase name
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:   make(map[int]*RoleRecord),
		members: make(map[string]*MemberRecord),
	}
}

// Seed replaces the stored roles wholesale. Intended for test setup.
func (s *MemoryStore) Seed(records []RoleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = make(map[int]*RoleRecord, len(records))
	for i := range records {
		rec := records[i]
		s.roles[rec.ID] = &rec
	}
}

// LoadAll implements RoleStore.
func (s *MemoryStore) LoadAll(_ context.Context) ([]RoleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]RoleRecord, 0, len(s.roles))
	for _, rec := range s.roles {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Position < records[j].Position })
	return records, nil
}

// Create implements RoleStore.
func (s *MemoryStore) Create(_ context.Context, name string, id, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roles[id]; exists {
		return oops.In("store").Code("ROLE_EXISTS").With("role_id", id).New("role already stored")
	}
	s.roles[id] = &RoleRecord{ID: id, Name: name, Position: position}
	return nil
}

// Delete implements RoleStore. Inheritance edges on other roles that
// reference the deleted role by name are scrubbed with it.
func (s *MemoryStore) Delete(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed, ok := s.roles[id]
	if !ok {
		return nil
	}
	delete(s.roles, id)
	for _, rec := range s.roles {
		kept := rec.Inherits[:0]
		for _, parent := range rec.Inherits {
			if !strings.EqualFold(parent, doomed.Name) {
				kept = append(kept, parent)
			}
		}
		rec.Inherits = kept
	}
	return nil
}

// AddPermission implements RoleStore.
func (s *MemoryStore) AddPermission(_ context.Context, roleID int, permission string, inverted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[roleID]
	if !ok {
		return oops.In("store").Code("ROLE_UNKNOWN").With("role_id", roleID).New("role not stored")
	}
	token := permission
	if inverted {
		token = "-" + permission
	}
	rec.Permissions = removeToken(rec.Permissions, permission)
	rec.Permissions = append(rec.Permissions, token)
	return nil
}

// RemovePermission implements RoleStore.
func (s *MemoryStore) RemovePermission(_ context.Context, roleID int, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[roleID]
	if !ok {
		return oops.In("store").Code("ROLE_UNKNOWN").With("role_id", roleID).New("role not stored")
	}
	rec.Permissions = removeToken(rec.Permissions, permission)
	return nil
}

// ShiftPositions implements RoleStore.
func (s *MemoryStore) ShiftPositions(_ context.Context, fromPosition, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.roles {
		if rec.Position >= fromPosition {
			rec.Position += amount
		}
	}
	return nil
}

// AddInheritance implements RoleStore.
func (s *MemoryStore) AddInheritance(_ context.Context, roleID int, parentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[roleID]
	if !ok {
		return oops.In("store").Code("ROLE_UNKNOWN").With("role_id", roleID).New("role not stored")
	}
	for _, existing := range rec.Inherits {
		if existing == parentName {
			return nil
		}
	}
	rec.Inherits = append(rec.Inherits, parentName)
	return nil
}

// RemoveInheritance implements RoleStore.
func (s *MemoryStore) RemoveInheritance(_ context.Context, roleID int, parentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[roleID]
	if !ok {
		return oops.In("store").Code("ROLE_UNKNOWN").With("role_id", roleID).New("role not stored")
	}
	kept := rec.Inherits[:0]
	for _, existing := range rec.Inherits {
		if existing != parentName {
			kept = append(kept, existing)
		}
	}
	rec.Inherits = kept
	return nil
}

// Load implements MemberStore.
func (s *MemoryStore) Load(_ context.Context, name string) (MemberRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.members[strings.ToLower(name)]
	if !ok {
		return MemberRecord{Name: name}, nil
	}
	out := *rec
	out.RoleIDs = append([]int(nil), rec.RoleIDs...)
	out.Permissions = append([]string(nil), rec.Permissions...)
	if rec.Meta != nil {
		out.Meta = make(map[string]json.RawMessage, len(rec.Meta))
		for k, v := range rec.Meta {
			out.Meta[k] = v
		}
	}
	return out, nil
}

// AddRole implements MemberStore.
func (s *MemoryStore) AddRole(_ context.Context, name string, roleID int, meta json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.memberLocked(name)
	for _, id := range rec.RoleIDs {
		if id == roleID {
			return nil
		}
	}
	rec.RoleIDs = append(rec.RoleIDs, roleID)
	s.setMetaLocked(rec, roleMetaKey(roleID), meta)
	return nil
}

// RemoveRole implements MemberStore.
func (s *MemoryStore) RemoveRole(_ context.Context, name string, roleID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.members[strings.ToLower(name)]
	if !ok {
		return nil
	}
	kept := rec.RoleIDs[:0]
	for _, id := range rec.RoleIDs {
		if id != roleID {
			kept = append(kept, id)
		}
	}
	rec.RoleIDs = kept
	delete(rec.Meta, roleMetaKey(roleID))
	return nil
}

// AddMemberPermission implements MemberStore.
func (s *MemoryStore) AddMemberPermission(_ context.Context, name, token string, meta json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.memberLocked(name)
	rec.Permissions = removeToken(rec.Permissions, strings.TrimPrefix(token, "-"))
	rec.Permissions = append(rec.Permissions, token)
	s.setMetaLocked(rec, permMetaKey(strings.TrimPrefix(token, "-")), meta)
	return nil
}

// RemoveMemberPermission implements MemberStore.
func (s *MemoryStore) RemoveMemberPermission(_ context.Context, name, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.members[strings.ToLower(name)]
	if !ok {
		return nil
	}
	rec.Permissions = removeToken(rec.Permissions, permission)
	delete(rec.Meta, permMetaKey(permission))
	return nil
}

// NamesHoldingRole implements MemberStore.
func (s *MemoryStore) NamesHoldingRole(_ context.Context, roleID int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for _, rec := range s.members {
		for _, id := range rec.RoleIDs {
			if id == roleID {
				names = append(names, rec.Name)
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) memberLocked(name string) *MemberRecord {
	key := strings.ToLower(name)
	rec, ok := s.members[key]
	if !ok {
		rec = &MemberRecord{Name: key}
		s.members[key] = rec
	}
	return rec
}

func (s *MemoryStore) setMetaLocked(rec *MemberRecord, key string, meta json.RawMessage) {
	if meta == nil {
		return
	}
	if rec.Meta == nil {
		rec.Meta = make(map[string]json.RawMessage)
	}
	rec.Meta[key] = meta
}

// removeToken strips both the grant and deny forms of a permission from
// a token list.
func removeToken(tokens []string, permission string) []string {
	kept := tokens[:0]
	for _, tok := range tokens {
		if tok == permission || tok == "-"+permission {
			continue
		}
		kept = append(kept, tok)
	}
	return kept
}

func roleMetaKey(roleID int) string {
	return "role:" + strconv.Itoa(roleID)
}

func permMetaKey(permission string) string {
	return "perm:" + permission
}
