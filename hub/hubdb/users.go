// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalhub/signalhub/hub/console"
	"github.com/signalhub/signalhub/hub/permissions"
)

// usersDB implements console.UsersDB on auth_users. Roles are stored as a
// comma-separated list.
type usersDB struct {
	db *DB
}

type userRow struct {
	ID           uuid.UUID `db:"id"`
	Username     string    `db:"username"`
	PasswordHash []byte    `db:"password_hash"`
	Roles        string    `db:"roles"`
	CreatedAt    time.Time `db:"created_at"`
}

func userFromRow(row *userRow) *console.User {
	var roles []permissions.Role
	for _, r := range strings.Split(row.Roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, permissions.Role(r))
		}
	}
	return &console.User{
		ID:           row.ID,
		Username:     row.Username,
		PasswordHash: row.PasswordHash,
		Roles:        roles,
		CreatedAt:    row.CreatedAt,
	}
}

func joinRoles(roles []permissions.Role) string {
	parts := make([]string, 0, len(roles))
	for _, r := range roles {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

func (udb *usersDB) Insert(ctx context.Context, user *console.User) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	id := user.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	var row userRow
	err = udb.db.db.GetContext(ctx, &row, `
		INSERT INTO auth_users (id, username, password_hash, roles)
		VALUES ($1, $2, $3, $4)
		RETURNING id, username, password_hash, roles, created_at`,
		id, user.Username, user.PasswordHash, joinRoles(user.Roles))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, console.Error.New("username %s is taken", user.Username)
		}
		return nil, Error.Wrap(err)
	}
	return userFromRow(&row), nil
}

func (udb *usersDB) GetByUsername(ctx context.Context, username string) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	var row userRow
	err = udb.db.db.GetContext(ctx, &row, `
		SELECT id, username, password_hash, roles, created_at
		FROM auth_users WHERE username = $1`, username)
	if isNoRows(err) {
		return nil, console.Error.New("user %s not found", username)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return userFromRow(&row), nil
}

func (udb *usersDB) List(ctx context.Context) (_ []console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []userRow
	err = udb.db.db.SelectContext(ctx, &rows, `
		SELECT id, username, password_hash, roles, created_at
		FROM auth_users ORDER BY username`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]console.User, 0, len(rows))
	for i := range rows {
		out = append(out, *userFromRow(&rows[i]))
	}
	return out, nil
}
