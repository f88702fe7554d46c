// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package permissions derives loader UI states and the role/state action
// matrices gating every mutating operation.
package permissions

import (
	"github.com/zeebo/errs"

	"github.com/signalhub/signalhub/hub/loader"
)

// Error is the default permissions errs class.
var Error = errs.Class("permissions")

// Action is an operation code a client may be offered on a loader.
type Action string

// Action codes.
const (
	ToggleEnabled    Action = "TOGGLE_ENABLED"
	ForceStart       Action = "FORCE_START"
	EditLoader       Action = "EDIT_LOADER"
	DeleteLoader     Action = "DELETE_LOADER"
	ApproveLoader    Action = "APPROVE_LOADER"
	RejectLoader     Action = "REJECT_LOADER"
	ViewDetails      Action = "VIEW_DETAILS"
	ViewSignals      Action = "VIEW_SIGNALS"
	ViewExecutionLog Action = "VIEW_EXECUTION_LOG"
	ViewAlerts       Action = "VIEW_ALERTS"
)

// Actions lists every known action code.
var Actions = []Action{
	ToggleEnabled, ForceStart, EditLoader, DeleteLoader,
	ApproveLoader, RejectLoader,
	ViewDetails, ViewSignals, ViewExecutionLog, ViewAlerts,
}

// Role is an authenticated principal's role.
type Role string

// Roles.
const (
	RoleAdmin    Role = "ADMIN"
	RoleOperator Role = "OPERATOR"
	RoleViewer   Role = "VIEWER"
)

// State is the derived UI state of a loader.
type State string

// Derived states.
const (
	StatePendingApproval State = "PENDING_APPROVAL"
	StateRejected        State = "REJECTED"
	StateRunning         State = "RUNNING"
	StateError           State = "ERROR"
	StateDisabled        State = "DISABLED"
	StateIdle            State = "IDLE"
	StateEnabled         State = "ENABLED"
)

// DeriveState classifies the loader for permission checks and link
// rendering. The ladder is ordered; the first matching clause wins.
func DeriveState(ld *loader.Loader, runningNow, recentFailure bool) State {
	switch {
	case ld.ApprovalStatus == loader.ApprovalPending:
		return StatePendingApproval
	case ld.ApprovalStatus == loader.ApprovalRejected:
		return StateRejected
	case runningNow:
		return StateRunning
	case recentFailure:
		return StateError
	case !ld.Enabled:
		return StateDisabled
	case ld.LastLoadTimestamp == nil:
		return StateIdle
	default:
		return StateEnabled
	}
}

// Link is one HATEOAS action link.
type Link struct {
	Href   string `json:"href"`
	Method string `json:"method"`
}

// RoleGrant is one row of the role matrix.
type RoleGrant struct {
	Role   Role
	Action Action
}

// StateGrant is one row of the state matrix.
type StateGrant struct {
	State  State
	Action Action
}

var viewActions = []Action{ViewDetails, ViewSignals, ViewExecutionLog, ViewAlerts}

// defaultRoleGrants is the built-in role matrix, replaced wholesale when
// the auth tables are reloaded.
func defaultRoleGrants() []RoleGrant {
	var grants []RoleGrant
	for _, action := range Actions {
		grants = append(grants, RoleGrant{Role: RoleAdmin, Action: action})
	}
	for _, action := range []Action{ToggleEnabled, ForceStart, EditLoader} {
		grants = append(grants, RoleGrant{Role: RoleOperator, Action: action})
	}
	for _, action := range viewActions {
		grants = append(grants, RoleGrant{Role: RoleOperator, Action: action})
		grants = append(grants, RoleGrant{Role: RoleViewer, Action: action})
	}
	return grants
}

// defaultStateGrants is the built-in state matrix. RUNNING permits views
// only, so force starts and toggles on a running loader are always denied.
func defaultStateGrants() []StateGrant {
	byState := map[State][]Action{
		StatePendingApproval: {ApproveLoader, RejectLoader},
		StateRejected:        {EditLoader, DeleteLoader},
		StateRunning:         {},
		StateError:           {ToggleEnabled, ForceStart, EditLoader},
		StateDisabled:        {ToggleEnabled, EditLoader, DeleteLoader},
		StateIdle:            {ToggleEnabled, ForceStart, EditLoader},
		StateEnabled:         {ToggleEnabled, ForceStart, EditLoader},
	}
	var grants []StateGrant
	for state, actions := range byState {
		for _, action := range actions {
			grants = append(grants, StateGrant{State: state, Action: action})
		}
		for _, action := range viewActions {
			grants = append(grants, StateGrant{State: state, Action: action})
		}
	}
	return grants
}
