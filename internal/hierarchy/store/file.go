// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// FileStore is a flat-file Store backed by two YAML documents in a
// directory: roles.yml and members.yml.
//
// roles.yml uses the indexed format: document order is position order,
// lowest first, and no position field is stored. Mutations rewrite the
// whole file; this backend targets small deployments where the role set
// fits comfortably in one document.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

const (
	rolesFile   = "roles.yml"
	membersFile = "members.yml"
)

// fileRole is the on-disk shape of a role in the indexed format.
type fileRole struct {
	ID          int      `yaml:"id"`
	Name        string   `yaml:"name"`
	IsDefault   bool     `yaml:"default,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
	Inherits    []string `yaml:"inherits,omitempty"`
}

// fileMember is the on-disk shape of a member's grants.
type fileMember struct {
	Roles       []int             `yaml:"roles,omitempty"`
	Permissions []string          `yaml:"permissions,omitempty"`
	Meta        map[string]string `yaml:"meta,omitempty"`
}

// NewFileStore creates a FileStore rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, oops.In("store").Code("FILE_STORE_INIT_FAILED").With("dir", dir).Wrap(err)
	}
	return &FileStore{dir: dir}, nil
}

// LoadAll implements RoleStore. Positions are assigned from document
// order, starting at zero.
func (s *FileStore) LoadAll(_ context.Context) ([]RoleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles, err := s.readRoles()
	if err != nil {
		return nil, err
	}
	records := make([]RoleRecord, 0, len(roles))
	for i, r := range roles {
		records = append(records, RoleRecord{
			ID:          r.ID,
			Name:        r.Name,
			Position:    i,
			IsDefault:   r.IsDefault,
			Permissions: r.Permissions,
			Inherits:    r.Inherits,
		})
	}
	return records, nil
}

// Create implements RoleStore. The role is inserted at the document
// index matching position; trailing roles shift up implicitly.
func (s *FileStore) Create(_ context.Context, name string, id, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles, err := s.readRoles()
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r.ID == id {
			return oops.In("store").Code("ROLE_EXISTS").With("role_id", id).New("role already stored")
		}
	}
	entry := fileRole{ID: id, Name: name}
	if position < 0 {
		position = 0
	}
	if position > len(roles) {
		position = len(roles)
	}
	roles = append(roles[:position], append([]fileRole{entry}, roles[position:]...)...)
	return s.writeRoles(roles)
}

// Delete implements RoleStore. Inheritance edges on other roles that
// reference the deleted role by name are scrubbed with it.
func (s *FileStore) Delete(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles, err := s.readRoles()
	if err != nil {
		return err
	}
	doomed := ""
	for _, r := range roles {
		if r.ID == id {
			doomed = r.Name
		}
	}
	kept := roles[:0]
	for _, r := range roles {
		if r.ID == id {
			continue
		}
		edges := r.Inherits[:0]
		for _, parent := range r.Inherits {
			if !strings.EqualFold(parent, doomed) {
				edges = append(edges, parent)
			}
		}
		r.Inherits = edges
		kept = append(kept, r)
	}
	return s.writeRoles(kept)
}

// AddPermission implements RoleStore.
func (s *FileStore) AddPermission(_ context.Context, roleID int, permission string, inverted bool) error {
	return s.mutateRole(roleID, func(r *fileRole) {
		token := permission
		if inverted {
			token = "-" + permission
		}
		r.Permissions = removeToken(r.Permissions, permission)
		r.Permissions = append(r.Permissions, token)
	})
}

// RemovePermission implements RoleStore.
func (s *FileStore) RemovePermission(_ context.Context, roleID int, permission string) error {
	return s.mutateRole(roleID, func(r *fileRole) {
		r.Permissions = removeToken(r.Permissions, permission)
	})
}

// ShiftPositions implements RoleStore. Positions are implicit in
// document order, so a shift that merely opens a gap is a no-op here;
// the subsequent Create inserts at the right index.
func (s *FileStore) ShiftPositions(_ context.Context, _, _ int) error {
	return nil
}

// AddInheritance implements RoleStore.
func (s *FileStore) AddInheritance(_ context.Context, roleID int, parentName string) error {
	return s.mutateRole(roleID, func(r *fileRole) {
		for _, existing := range r.Inherits {
			if existing == parentName {
				return
			}
		}
		r.Inherits = append(r.Inherits, parentName)
	})
}

// RemoveInheritance implements RoleStore.
func (s *FileStore) RemoveInheritance(_ context.Context, roleID int, parentName string) error {
	return s.mutateRole(roleID, func(r *fileRole) {
		kept := r.Inherits[:0]
		for _, existing := range r.Inherits {
			if existing != parentName {
				kept = append(kept, existing)
			}
		}
		r.Inherits = kept
	})
}

// Load implements MemberStore.
func (s *FileStore) Load(_ context.Context, name string) (MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.readMembers()
	if err != nil {
		return MemberRecord{}, err
	}
	m, ok := members[strings.ToLower(name)]
	if !ok {
		return MemberRecord{Name: name}, nil
	}
	rec := MemberRecord{
		Name:        name,
		RoleIDs:     m.Roles,
		Permissions: m.Permissions,
	}
	if len(m.Meta) > 0 {
		rec.Meta = make(map[string]json.RawMessage, len(m.Meta))
		for k, v := range m.Meta {
			rec.Meta[k] = json.RawMessage(v)
		}
	}
	return rec, nil
}

// AddRole implements MemberStore.
func (s *FileStore) AddRole(_ context.Context, name string, roleID int, meta json.RawMessage) error {
	return s.mutateMember(name, func(m *fileMember) {
		for _, id := range m.Roles {
			if id == roleID {
				return
			}
		}
		m.Roles = append(m.Roles, roleID)
		if meta != nil {
			if m.Meta == nil {
				m.Meta = make(map[string]string)
			}
			m.Meta[roleMetaKey(roleID)] = string(meta)
		}
	})
}

// RemoveRole implements MemberStore.
func (s *FileStore) RemoveRole(_ context.Context, name string, roleID int) error {
	return s.mutateMember(name, func(m *fileMember) {
		kept := m.Roles[:0]
		for _, id := range m.Roles {
			if id != roleID {
				kept = append(kept, id)
			}
		}
		m.Roles = kept
		delete(m.Meta, roleMetaKey(roleID))
	})
}

// AddMemberPermission implements MemberStore.
func (s *FileStore) AddMemberPermission(_ context.Context, name, token string, meta json.RawMessage) error {
	return s.mutateMember(name, func(m *fileMember) {
		permission := strings.TrimPrefix(token, "-")
		m.Permissions = removeToken(m.Permissions, permission)
		m.Permissions = append(m.Permissions, token)
		if meta != nil {
			if m.Meta == nil {
				m.Meta = make(map[string]string)
			}
			m.Meta[permMetaKey(permission)] = string(meta)
		}
	})
}

// RemoveMemberPermission implements MemberStore.
func (s *FileStore) RemoveMemberPermission(_ context.Context, name, permission string) error {
	return s.mutateMember(name, func(m *fileMember) {
		m.Permissions = removeToken(m.Permissions, permission)
		delete(m.Meta, permMetaKey(permission))
	})
}

// NamesHoldingRole implements MemberStore.
func (s *FileStore) NamesHoldingRole(_ context.Context, roleID int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.readMembers()
	if err != nil {
		return nil, err
	}
	var names []string
	for name, m := range members {
		for _, id := range m.Roles {
			if id == roleID {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) mutateRole(roleID int, mutate func(*fileRole)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles, err := s.readRoles()
	if err != nil {
		return err
	}
	for i := range roles {
		if roles[i].ID == roleID {
			mutate(&roles[i])
			return s.writeRoles(roles)
		}
	}
	return oops.In("store").Code("ROLE_UNKNOWN").With("role_id", roleID).New("role not stored")
}

func (s *FileStore) mutateMember(name string, mutate func(*fileMember)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.readMembers()
	if err != nil {
		return err
	}
	key := strings.ToLower(name)
	m := members[key]
	mutate(&m)
	if len(m.Roles) == 0 && len(m.Permissions) == 0 && len(m.Meta) == 0 {
		delete(members, key)
	} else {
		members[key] = m
	}
	return s.writeMembers(members)
}

func (s *FileStore) readRoles() ([]fileRole, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, rolesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("store").Code("FILE_READ_FAILED").With("file", rolesFile).Wrap(err)
	}
	var roles []fileRole
	if err := yaml.Unmarshal(data, &roles); err != nil {
		return nil, oops.In("store").Code("FILE_PARSE_FAILED").With("file", rolesFile).Wrap(err)
	}
	return roles, nil
}

func (s *FileStore) writeRoles(roles []fileRole) error {
	return s.writeYAML(rolesFile, roles)
}

func (s *FileStore) readMembers() (map[string]fileMember, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, membersFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]fileMember{}, nil
	}
	if err != nil {
		return nil, oops.In("store").Code("FILE_READ_FAILED").With("file", membersFile).Wrap(err)
	}
	members := make(map[string]fileMember)
	if err := yaml.Unmarshal(data, &members); err != nil {
		return nil, oops.In("store").Code("FILE_PARSE_FAILED").With("file", membersFile).Wrap(err)
	}
	return members, nil
}

func (s *FileStore) writeMembers(members map[string]fileMember) error {
	return s.writeYAML(membersFile, members)
}

// writeYAML writes via a temp file and rename so readers never observe
// a half-written document.
func (s *FileStore) writeYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return oops.In("store").Code("FILE_ENCODE_FAILED").With("file", name).Wrap(err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return oops.In("store").Code("FILE_WRITE_FAILED").With("file", name).Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return oops.In("store").Code("FILE_WRITE_FAILED").With("file", name).Wrap(err)
	}
	return nil
}
