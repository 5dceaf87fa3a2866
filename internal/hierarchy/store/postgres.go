// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// poolIface abstracts the pgx pool so store tests can run against
// pgxmock without a database.
type poolIface interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool poolIface
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool poolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pgx pool for dsn and wraps it in a PostgresStore.
func Connect(ctx context.Context, dsn string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, oops.In("store").Code("DB_CONNECT_FAILED").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, oops.In("store").Code("DB_CONNECT_FAILED").Wrap(err)
	}
	return NewPostgresStore(pool), pool, nil
}

// LoadAll implements RoleStore.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]RoleRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, position, is_default FROM roles ORDER BY position`)
	if err != nil {
		return nil, oops.In("store").With("operation", "load roles").Wrap(err)
	}
	defer rows.Close()

	var records []RoleRecord
	index := make(map[int]int)
	for rows.Next() {
		var rec RoleRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Position, &rec.IsDefault); err != nil {
			return nil, oops.In("store").With("operation", "scan role row").Wrap(err)
		}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").With("operation", "iterate roles").Wrap(err)
	}

	if err := s.loadRolePermissions(ctx, records, index); err != nil {
		return nil, err
	}
	if err := s.loadRoleInheritance(ctx, records, index); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *PostgresStore) loadRolePermissions(ctx context.Context, records []RoleRecord, index map[int]int) error {
	rows, err := s.pool.Query(ctx,
		`SELECT role_id, permission, inverted FROM role_permissions`)
	if err != nil {
		return oops.In("store").With("operation", "load role permissions").Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID int
		var permission string
		var inverted bool
		if err := rows.Scan(&roleID, &permission, &inverted); err != nil {
			return oops.In("store").With("operation", "scan role permission row").Wrap(err)
		}
		i, ok := index[roleID]
		if !ok {
			continue // orphaned permission row; the consistency sweep reports these
		}
		token := permission
		if inverted {
			token = "-" + permission
		}
		records[i].Permissions = append(records[i].Permissions, token)
	}
	if err := rows.Err(); err != nil {
		return oops.In("store").With("operation", "iterate role permissions").Wrap(err)
	}
	return nil
}

func (s *PostgresStore) loadRoleInheritance(ctx context.Context, records []RoleRecord, index map[int]int) error {
	rows, err := s.pool.Query(ctx,
		`SELECT role_id, parent_name FROM role_inheritance`)
	if err != nil {
		return oops.In("store").With("operation", "load role inheritance").Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID int
		var parent string
		if err := rows.Scan(&roleID, &parent); err != nil {
			return oops.In("store").With("operation", "scan role inheritance row").Wrap(err)
		}
		i, ok := index[roleID]
		if !ok {
			continue
		}
		records[i].Inherits = append(records[i].Inherits, parent)
	}
	if err := rows.Err(); err != nil {
		return oops.In("store").With("operation", "iterate role inheritance").Wrap(err)
	}
	return nil
}

// Create implements RoleStore.
func (s *PostgresStore) Create(ctx context.Context, name string, id, position int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO roles (id, name, position, is_default) VALUES ($1, $2, $3, FALSE)`,
		id, name, position)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.In("store").Code("ROLE_EXISTS").With("role_id", id).Wrap(err)
		}
		return oops.In("store").With("operation", "create role").With("role_id", id).Wrap(err)
	}
	return nil
}

// Delete implements RoleStore. Permission and inheritance rows are
// removed in the same transaction.
func (s *PostgresStore) Delete(ctx context.Context, id int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oops.In("store").With("operation", "delete role").With("role_id", id).Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, stmt := range []string{
		`DELETE FROM role_permissions WHERE role_id = $1`,
		`DELETE FROM role_inheritance WHERE role_id = $1`,
		// Edges on other roles reference the deleted role by name; a
		// later role reusing the name must not silently re-acquire them.
		`DELETE FROM role_inheritance WHERE parent_name IN (SELECT name FROM roles WHERE id = $1)`,
		`DELETE FROM roles WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return oops.In("store").With("operation", "delete role").With("role_id", id).Wrap(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.In("store").With("operation", "delete role").With("role_id", id).With("step", "commit").Wrap(err)
	}
	return nil
}

// AddPermission implements RoleStore.
func (s *PostgresStore) AddPermission(ctx context.Context, roleID int, permission string, inverted bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission, inverted)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (role_id, permission) DO UPDATE SET inverted = $3`,
		roleID, permission, inverted)
	if err != nil {
		return oops.In("store").With("operation", "add role permission").
			With("role_id", roleID).With("permission", permission).Wrap(err)
	}
	return nil
}

// RemovePermission implements RoleStore.
func (s *PostgresStore) RemovePermission(ctx context.Context, roleID int, permission string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission = $2`,
		roleID, permission)
	if err != nil {
		return oops.In("store").With("operation", "remove role permission").
			With("role_id", roleID).With("permission", permission).Wrap(err)
	}
	return nil
}

// ShiftPositions implements RoleStore.
func (s *PostgresStore) ShiftPositions(ctx context.Context, fromPosition, amount int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE roles SET position = position + $2 WHERE position >= $1`,
		fromPosition, amount)
	if err != nil {
		return oops.In("store").With("operation", "shift positions").
			With("from", fromPosition).With("amount", amount).Wrap(err)
	}
	return nil
}

// AddInheritance implements RoleStore.
func (s *PostgresStore) AddInheritance(ctx context.Context, roleID int, parentName string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO role_inheritance (role_id, parent_name)
		 VALUES ($1, $2)
		 ON CONFLICT (role_id, parent_name) DO NOTHING`,
		roleID, parentName)
	if err != nil {
		return oops.In("store").With("operation", "add inheritance").
			With("role_id", roleID).With("parent", parentName).Wrap(err)
	}
	return nil
}

// RemoveInheritance implements RoleStore.
func (s *PostgresStore) RemoveInheritance(ctx context.Context, roleID int, parentName string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM role_inheritance WHERE role_id = $1 AND parent_name = $2`,
		roleID, parentName)
	if err != nil {
		return oops.In("store").With("operation", "remove inheritance").
			With("role_id", roleID).With("parent", parentName).Wrap(err)
	}
	return nil
}

// Load implements MemberStore.
func (s *PostgresStore) Load(ctx context.Context, name string) (MemberRecord, error) {
	key := strings.ToLower(name)
	rec := MemberRecord{Name: name}

	rows, err := s.pool.Query(ctx,
		`SELECT role_id, meta FROM member_roles WHERE member_name = $1`, key)
	if err != nil {
		return MemberRecord{}, oops.In("store").With("operation", "load member roles").With("member", key).Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID int
		var meta []byte
		if err := rows.Scan(&roleID, &meta); err != nil {
			return MemberRecord{}, oops.In("store").With("operation", "scan member role row").With("member", key).Wrap(err)
		}
		rec.RoleIDs = append(rec.RoleIDs, roleID)
		if len(meta) > 0 {
			if rec.Meta == nil {
				rec.Meta = make(map[string]json.RawMessage)
			}
			rec.Meta[roleMetaKey(roleID)] = json.RawMessage(meta)
		}
	}
	if err := rows.Err(); err != nil {
		return MemberRecord{}, oops.In("store").With("operation", "iterate member roles").With("member", key).Wrap(err)
	}

	permRows, err := s.pool.Query(ctx,
		`SELECT permission, inverted, meta FROM member_permissions WHERE member_name = $1`, key)
	if err != nil {
		return MemberRecord{}, oops.In("store").With("operation", "load member permissions").With("member", key).Wrap(err)
	}
	defer permRows.Close()
	for permRows.Next() {
		var permission string
		var inverted bool
		var meta []byte
		if err := permRows.Scan(&permission, &inverted, &meta); err != nil {
			return MemberRecord{}, oops.In("store").With("operation", "scan member permission row").With("member", key).Wrap(err)
		}
		token := permission
		if inverted {
			token = "-" + permission
		}
		rec.Permissions = append(rec.Permissions, token)
		if len(meta) > 0 {
			if rec.Meta == nil {
				rec.Meta = make(map[string]json.RawMessage)
			}
			rec.Meta[permMetaKey(permission)] = json.RawMessage(meta)
		}
	}
	if err := permRows.Err(); err != nil {
		return MemberRecord{}, oops.In("store").With("operation", "iterate member permissions").With("member", key).Wrap(err)
	}

	return rec, nil
}

// AddRole implements MemberStore.
func (s *PostgresStore) AddRole(ctx context.Context, name string, roleID int, meta json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO member_roles (member_name, role_id, meta)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (member_name, role_id) DO UPDATE SET meta = COALESCE($3, member_roles.meta)`,
		strings.ToLower(name), roleID, metaArg(meta))
	if err != nil {
		return oops.In("store").With("operation", "add member role").
			With("member", strings.ToLower(name)).With("role_id", roleID).Wrap(err)
	}
	return nil
}

// RemoveRole implements MemberStore.
func (s *PostgresStore) RemoveRole(ctx context.Context, name string, roleID int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM member_roles WHERE member_name = $1 AND role_id = $2`,
		strings.ToLower(name), roleID)
	if err != nil {
		return oops.In("store").With("operation", "remove member role").
			With("member", strings.ToLower(name)).With("role_id", roleID).Wrap(err)
	}
	return nil
}

// AddMemberPermission implements MemberStore.
func (s *PostgresStore) AddMemberPermission(ctx context.Context, name, token string, meta json.RawMessage) error {
	permission := strings.TrimPrefix(token, "-")
	inverted := strings.HasPrefix(token, "-")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO member_permissions (member_name, permission, inverted, meta)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (member_name, permission) DO UPDATE SET inverted = $3, meta = COALESCE($4, member_permissions.meta)`,
		strings.ToLower(name), permission, inverted, metaArg(meta))
	if err != nil {
		return oops.In("store").With("operation", "add member permission").
			With("member", strings.ToLower(name)).With("permission", permission).Wrap(err)
	}
	return nil
}

// RemoveMemberPermission implements MemberStore.
func (s *PostgresStore) RemoveMemberPermission(ctx context.Context, name, permission string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM member_permissions WHERE member_name = $1 AND permission = $2`,
		strings.ToLower(name), permission)
	if err != nil {
		return oops.In("store").With("operation", "remove member permission").
			With("member", strings.ToLower(name)).With("permission", permission).Wrap(err)
	}
	return nil
}

// NamesHoldingRole implements MemberStore.
func (s *PostgresStore) NamesHoldingRole(ctx context.Context, roleID int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member_name FROM member_roles WHERE role_id = $1 ORDER BY member_name`, roleID)
	if err != nil {
		return nil, oops.In("store").With("operation", "query role holders").With("role_id", roleID).Wrap(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, oops.In("store").With("operation", "scan role holder row").With("role_id", roleID).Wrap(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").With("operation", "iterate role holders").With("role_id", roleID).Wrap(err)
	}
	return names, nil
}

// metaArg maps an absent meta blob to SQL NULL.
func metaArg(meta json.RawMessage) any {
	if len(meta) == 0 {
		return nil
	}
	return []byte(meta)
}
