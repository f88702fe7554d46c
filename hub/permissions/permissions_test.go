// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package permissions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/permissions"
)

func TestDeriveStateLadder(t *testing.T) {
	now := time.Now()

	pending := &loader.Loader{ApprovalStatus: loader.ApprovalPending, Enabled: false}
	require.Equal(t, permissions.StatePendingApproval, permissions.DeriveState(pending, false, false))

	rejected := &loader.Loader{ApprovalStatus: loader.ApprovalRejected}
	require.Equal(t, permissions.StateRejected, permissions.DeriveState(rejected, false, false))

	active := &loader.Loader{ApprovalStatus: loader.ApprovalApproved, Enabled: true, LastLoadTimestamp: &now}
	require.Equal(t, permissions.StateRunning, permissions.DeriveState(active, true, false))
	require.Equal(t, permissions.StateError, permissions.DeriveState(active, false, true))
	require.Equal(t, permissions.StateEnabled, permissions.DeriveState(active, false, false))

	// approval wins over run state
	require.Equal(t, permissions.StatePendingApproval, permissions.DeriveState(pending, true, true))

	disabled := &loader.Loader{ApprovalStatus: loader.ApprovalApproved, Enabled: false}
	require.Equal(t, permissions.StateDisabled, permissions.DeriveState(disabled, false, false))

	neverRan := &loader.Loader{ApprovalStatus: loader.ApprovalApproved, Enabled: true}
	require.Equal(t, permissions.StateIdle, permissions.DeriveState(neverRan, false, false))
}

func TestAllowedRequiresBothMatrices(t *testing.T) {
	s := permissions.NewService(zaptest.NewLogger(t), nil)

	// Role permits but state does not: force start on a RUNNING loader is
	// denied even for admins.
	require.False(t, s.Allowed(permissions.RoleAdmin, permissions.StateRunning, permissions.ForceStart))
	require.False(t, s.Allowed(permissions.RoleOperator, permissions.StateRunning, permissions.ToggleEnabled))

	// State permits but role does not.
	require.False(t, s.Allowed(permissions.RoleViewer, permissions.StateIdle, permissions.ForceStart))
	require.False(t, s.Allowed(permissions.RoleOperator, permissions.StatePendingApproval, permissions.ApproveLoader))

	// Both permit.
	require.True(t, s.Allowed(permissions.RoleAdmin, permissions.StateIdle, permissions.ForceStart))
	require.True(t, s.Allowed(permissions.RoleAdmin, permissions.StatePendingApproval, permissions.ApproveLoader))
	require.True(t, s.Allowed(permissions.RoleOperator, permissions.StateEnabled, permissions.ToggleEnabled))
	require.True(t, s.Allowed(permissions.RoleViewer, permissions.StateRunning, permissions.ViewDetails))
}

func TestLinksRenderOnlyAllowedActions(t *testing.T) {
	s := permissions.NewService(zaptest.NewLogger(t), nil)

	links := s.Links([]permissions.Role{permissions.RoleViewer}, permissions.StateEnabled, "L1")
	require.Len(t, links, 4)
	require.Contains(t, links, "VIEW_DETAILS")
	require.Equal(t, permissions.Link{Href: "/api/v1/res/loaders/L1", Method: "GET"}, links["VIEW_DETAILS"])
	require.Equal(t, permissions.Link{Href: "/api/v1/res/signals/signal/L1", Method: "GET"}, links["VIEW_SIGNALS"])
	require.NotContains(t, links, "FORCE_START")

	admin := s.Links([]permissions.Role{permissions.RoleAdmin}, permissions.StateIdle, "L1")
	require.Contains(t, admin, "FORCE_START")
	require.Equal(t, permissions.Link{Href: "/api/v1/res/loaders/L1/execute", Method: "POST"}, admin["FORCE_START"])
	require.NotContains(t, admin, "APPROVE_LOADER", "no pending draft to approve")

	running := s.Links([]permissions.Role{permissions.RoleAdmin}, permissions.StateRunning, "L1")
	require.NotContains(t, running, "FORCE_START")
	require.NotContains(t, running, "TOGGLE_ENABLED")
	require.Contains(t, running, "VIEW_EXECUTION_LOG")
}

type fakePermissionsDB struct {
	roles  []permissions.RoleGrant
	states []permissions.StateGrant
}

func (f *fakePermissionsDB) RoleGrants(ctx context.Context) ([]permissions.RoleGrant, error) {
	return f.roles, nil
}

func (f *fakePermissionsDB) StateGrants(ctx context.Context) ([]permissions.StateGrant, error) {
	return f.states, nil
}

func TestReloadReplacesMatrices(t *testing.T) {
	ctx := context.Background()
	db := &fakePermissionsDB{
		roles: []permissions.RoleGrant{
			{Role: permissions.RoleViewer, Action: permissions.ForceStart},
		},
		states: []permissions.StateGrant{
			{State: permissions.StateIdle, Action: permissions.ForceStart},
		},
	}
	s := permissions.NewService(zaptest.NewLogger(t), db)

	require.False(t, s.Allowed(permissions.RoleViewer, permissions.StateIdle, permissions.ForceStart))
	require.NoError(t, s.Reload(ctx))
	require.True(t, s.Allowed(permissions.RoleViewer, permissions.StateIdle, permissions.ForceStart))
	// everything not granted by the reloaded tables is gone
	require.False(t, s.Allowed(permissions.RoleAdmin, permissions.StateIdle, permissions.ViewDetails))
}

func TestReloadEmptyTablesFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	s := permissions.NewService(zaptest.NewLogger(t), &fakePermissionsDB{})
	require.NoError(t, s.Reload(ctx))
	require.True(t, s.Allowed(permissions.RoleAdmin, permissions.StateIdle, permissions.ForceStart))
}
