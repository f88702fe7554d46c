// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"context"

	"github.com/signalhub/signalhub/hub/permissions"
)

// permissionsDB implements permissions.DB on auth_role_permissions and
// resource_state_permissions.
type permissionsDB struct {
	db *DB
}

func (pdb *permissionsDB) RoleGrants(ctx context.Context) (_ []permissions.RoleGrant, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []struct {
		Role   string `db:"role"`
		Action string `db:"action"`
	}
	err = pdb.db.db.SelectContext(ctx, &rows, `
		SELECT role, action FROM auth_role_permissions ORDER BY role, action`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]permissions.RoleGrant, 0, len(rows))
	for _, row := range rows {
		out = append(out, permissions.RoleGrant{
			Role:   permissions.Role(row.Role),
			Action: permissions.Action(row.Action),
		})
	}
	return out, nil
}

func (pdb *permissionsDB) StateGrants(ctx context.Context) (_ []permissions.StateGrant, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []struct {
		State  string `db:"state"`
		Action string `db:"action"`
	}
	err = pdb.db.db.SelectContext(ctx, &rows, `
		SELECT state, action FROM resource_state_permissions ORDER BY state, action`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]permissions.StateGrant, 0, len(rows))
	for _, row := range rows {
		out = append(out, permissions.StateGrant{
			State:  permissions.State(row.State),
			Action: permissions.Action(row.Action),
		})
	}
	return out, nil
}
