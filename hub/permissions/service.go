// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package permissions

import (
	"context"
	"fmt"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// DB loads the permission matrices from the auth tables.
//
// architecture: Database
type DB interface {
	RoleGrants(ctx context.Context) ([]RoleGrant, error)
	StateGrants(ctx context.Context) ([]StateGrant, error)
}

type roleKey struct {
	role   Role
	action Action
}

type stateKey struct {
	state  State
	action Action
}

// Service answers permission checks and renders action links. The matrices
// start from the built-in defaults and are replaced wholesale on Reload.
//
// architecture: Service
type Service struct {
	log *zap.Logger
	db  DB

	mu          sync.RWMutex
	rolePermits map[roleKey]bool
	statePermit map[stateKey]bool
}

// NewService creates a permission service seeded with the default matrices.
func NewService(log *zap.Logger, db DB) *Service {
	s := &Service{log: log, db: db}
	s.install(defaultRoleGrants(), defaultStateGrants())
	return s
}

func (s *Service) install(roles []RoleGrant, states []StateGrant) {
	rolePermits := make(map[roleKey]bool, len(roles))
	for _, grant := range roles {
		rolePermits[roleKey{role: grant.Role, action: grant.Action}] = true
	}
	statePermit := make(map[stateKey]bool, len(states))
	for _, grant := range states {
		statePermit[stateKey{state: grant.State, action: grant.Action}] = true
	}
	s.mu.Lock()
	s.rolePermits = rolePermits
	s.statePermit = statePermit
	s.mu.Unlock()
}

// Reload replaces the matrices from the auth tables. Empty tables fall
// back to the defaults so a fresh deployment is never locked out.
func (s *Service) Reload(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if s.db == nil {
		return Error.New("no permission storage configured")
	}
	roles, err := s.db.RoleGrants(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	states, err := s.db.StateGrants(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if len(roles) == 0 || len(states) == 0 {
		s.install(defaultRoleGrants(), defaultStateGrants())
		s.log.Warn("permission tables empty, defaults installed")
		return nil
	}
	s.install(roles, states)
	s.log.Info("permission matrices reloaded",
		zap.Int("role grants", len(roles)),
		zap.Int("state grants", len(states)))
	return nil
}

// Allowed reports whether the role may perform the action on a loader in
// the state. Both matrices must permit it.
func (s *Service) Allowed(role Role, state State, action Action) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rolePermits[roleKey{role: role, action: action}] &&
		s.statePermit[stateKey{state: state, action: action}]
}

// RoleAllowed reports whether the role matrix alone permits the action;
// used for operations with no existing loader to derive a state from.
func (s *Service) RoleAllowed(role Role, action Action) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rolePermits[roleKey{role: role, action: action}]
}

// RoleAllowedAny reports whether any of the roles permits the action.
func (s *Service) RoleAllowedAny(roles []Role, action Action) bool {
	for _, role := range roles {
		if s.RoleAllowed(role, action) {
			return true
		}
	}
	return false
}

// AllowedAny reports whether any of the roles may perform the action.
func (s *Service) AllowedAny(roles []Role, state State, action Action) bool {
	for _, role := range roles {
		if s.Allowed(role, state, action) {
			return true
		}
	}
	return false
}

type route struct {
	method string
	path   string
}

// actionRoutes maps each action to its HTTP surface; %s is the loader code.
var actionRoutes = map[Action]route{
	ToggleEnabled:    {method: "PUT", path: "/api/v1/res/loaders/%s/toggle"},
	ForceStart:       {method: "POST", path: "/api/v1/res/loaders/%s/execute"},
	EditLoader:       {method: "PUT", path: "/api/v1/res/loaders/%s"},
	DeleteLoader:     {method: "DELETE", path: "/api/v1/res/loaders/%s"},
	ApproveLoader:    {method: "POST", path: "/api/v1/res/loaders/%s/approve"},
	RejectLoader:     {method: "POST", path: "/api/v1/res/loaders/%s/reject"},
	ViewDetails:      {method: "GET", path: "/api/v1/res/loaders/%s"},
	ViewSignals:      {method: "GET", path: "/api/v1/res/signals/signal/%s"},
	ViewExecutionLog: {method: "GET", path: "/api/v1/res/loaders/%s/history"},
	ViewAlerts:       {method: "GET", path: "/api/v1/res/loaders/%s/alerts"},
}

// Links renders the advisory action links for the loader. Servers re-check
// Allowed on every mutating request regardless of what was rendered.
func (s *Service) Links(roles []Role, state State, loaderCode string) map[string]Link {
	links := map[string]Link{}
	for _, action := range Actions {
		if !s.AllowedAny(roles, state, action) {
			continue
		}
		r, ok := actionRoutes[action]
		if !ok {
			continue
		}
		links[string(action)] = Link{
			Href:   fmt.Sprintf(r.path, loaderCode),
			Method: r.method,
		}
	}
	return links
}
