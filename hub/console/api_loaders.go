// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package console

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/signalhub/signalhub/hub/console/consoleauth"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/permissions"
)

// loaderPayload is the wire shape of a loader configuration.
type loaderPayload struct {
	LoaderCode                string                      `json:"loaderCode"`
	LoaderSQL                 string                      `json:"loaderSql,omitempty"`
	SourceDatabase            string                      `json:"sourceDatabase"`
	MinIntervalSeconds        int64                       `json:"minIntervalSeconds"`
	MaxIntervalSeconds        int64                       `json:"maxIntervalSeconds"`
	MaxQueryPeriodSeconds     int64                       `json:"maxQueryPeriodSeconds"`
	MaxParallelExecutions     int64                       `json:"maxParallelExecutions"`
	SourceTimezoneOffsetHours int                         `json:"sourceTimezoneOffsetHours"`
	AggregationPeriodSeconds  int64                       `json:"aggregationPeriodSeconds,omitempty"`
	PurgeStrategy             loader.PurgeStrategy        `json:"purgeStrategy"`
	Enabled                   bool                        `json:"enabled"`
	LoadStatus                loader.LoadStatus           `json:"loadStatus,omitempty"`
	LastLoadTimestamp         *time.Time                  `json:"lastLoadTimestamp,omitempty"`
	FailedSince               *time.Time                  `json:"failedSince,omitempty"`
	ConsecutiveZeroRecordRuns int64                       `json:"consecutiveZeroRecordRuns"`
	VersionStatus             loader.VersionStatus        `json:"versionStatus,omitempty"`
	VersionNumber             int64                       `json:"versionNumber,omitempty"`
	ApprovalStatus            loader.ApprovalStatus       `json:"approvalStatus,omitempty"`
	State                     permissions.State           `json:"state,omitempty"`
	Links                     map[string]permissions.Link `json:"_links,omitempty"`
}

func (p *loaderPayload) toLoader() loader.Loader {
	return loader.Loader{
		Code:             p.LoaderCode,
		SQL:              p.LoaderSQL,
		SourceCode:       p.SourceDatabase,
		MinIntervalSec:   p.MinIntervalSeconds,
		MaxIntervalSec:   p.MaxIntervalSeconds,
		MaxQueryPeriod:   p.MaxQueryPeriodSeconds,
		MaxParallelExecs: p.MaxParallelExecutions,
		TimezoneOffset:   p.SourceTimezoneOffsetHours,
		AggregationSec:   p.AggregationPeriodSeconds,
		PurgeStrategy:    p.PurgeStrategy,
		Enabled:          p.Enabled,
	}
}

// deriveState classifies the loader row for permission checks.
func deriveState(ld *loader.Loader) permissions.State {
	runningNow := ld.LoadStatus == loader.StatusRunning
	recentFailure := ld.LoadStatus == loader.StatusFailed || ld.FailedSince != nil
	return permissions.DeriveState(ld, runningNow, recentFailure)
}

func (s *Server) renderLoader(ctx context.Context, ld *loader.Loader) loaderPayload {
	state := deriveState(ld)
	payload := loaderPayload{
		LoaderCode:                ld.Code,
		LoaderSQL:                 ld.SQL,
		SourceDatabase:            ld.SourceCode,
		MinIntervalSeconds:        ld.MinIntervalSec,
		MaxIntervalSeconds:        ld.MaxIntervalSec,
		MaxQueryPeriodSeconds:     ld.MaxQueryPeriod,
		MaxParallelExecutions:     ld.MaxParallelExecs,
		SourceTimezoneOffsetHours: ld.TimezoneOffset,
		AggregationPeriodSeconds:  ld.AggregationSec,
		PurgeStrategy:             ld.PurgeStrategy,
		Enabled:                   ld.Enabled,
		LoadStatus:                ld.LoadStatus,
		LastLoadTimestamp:         ld.LastLoadTimestamp,
		FailedSince:               ld.FailedSince,
		ConsecutiveZeroRecordRuns: ld.ConsecutiveZeroRuns,
		VersionStatus:             ld.VersionStatus,
		VersionNumber:             ld.VersionNumber,
		ApprovalStatus:            ld.ApprovalStatus,
		State:                     state,
	}
	if claims, ok := claimsFrom(ctx); ok {
		payload.Links = s.perms.Links(Roles(claims), state, ld.Code)
	}
	return payload
}

// require re-checks the action server-side against the loader's state. The
// rendered links are advisory only.
func (s *Server) require(ctx context.Context, ld *loader.Loader, action permissions.Action) (*consoleauth.Claims, error) {
	claims, ok := claimsFrom(ctx)
	if !ok {
		return nil, ErrUnauthorized.New("missing claims")
	}
	if !s.perms.AllowedAny(Roles(claims), deriveState(ld), action) {
		return nil, ErrForbidden.New("%s not permitted", action)
	}
	return claims, nil
}

func (s *Server) requireRole(ctx context.Context, action permissions.Action) (*consoleauth.Claims, error) {
	claims, ok := claimsFrom(ctx)
	if !ok {
		return nil, ErrUnauthorized.New("missing claims")
	}
	if !s.perms.RoleAllowedAny(Roles(claims), action) {
		return nil, ErrForbidden.New("%s not permitted", action)
	}
	return claims, nil
}

func (s *Server) handleLoaderList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loaders, err := s.loaders.List(ctx)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	payloads := make([]loaderPayload, 0, len(loaders))
	for i := range loaders {
		payloads = append(payloads, s.renderLoader(ctx, &loaders[i]))
	}
	s.serveJSON(w, r, http.StatusOK, payloads)
}

func (s *Server) handleLoaderGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ld, err := s.loaders.Get(ctx, mux.Vars(r)["code"])
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.ViewDetails); err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, s.renderLoader(ctx, ld))
}

func (s *Server) handleLoaderCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := s.requireRole(ctx, permissions.EditLoader)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	var payload loaderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.serveError(w, r, loader.ErrValidation.Wrap(err))
		return
	}
	created, err := s.loaders.Create(ctx, payload.toLoader(), claims.Username)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusCreated, s.renderLoader(ctx, created))
}

func (s *Server) handleLoaderUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	claims, err := s.require(ctx, ld, permissions.EditLoader)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	var payload loaderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.serveError(w, r, loader.ErrValidation.Wrap(err))
		return
	}
	updated, err := s.loaders.Update(ctx, code, payload.toLoader(), claims.Username)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, s.renderLoader(ctx, updated))
}

func (s *Server) handleLoaderDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.DeleteLoader); err != nil {
		s.serveError(w, r, err)
		return
	}
	if err := s.loaders.Delete(ctx, code); err != nil {
		s.serveError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoaderToggle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.ToggleEnabled); err != nil {
		s.serveError(w, r, err)
		return
	}
	var request struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.serveError(w, r, loader.ErrValidation.Wrap(err))
		return
	}
	if err := s.loaders.Toggle(ctx, code, request.Enabled); err != nil {
		s.serveError(w, r, err)
		return
	}
	updated, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, s.renderLoader(ctx, updated))
}

func (s *Server) handleLoaderExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.ForceStart); err != nil {
		s.serveError(w, r, err)
		return
	}
	if err := s.starter.ForceStart(ctx, code); err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusAccepted, map[string]string{"loaderCode": code, "status": "SUBMITTED"})
}

func (s *Server) handleLoaderApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	draft, err := s.loaderDB.GetDraft(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	claims, err := s.require(ctx, draft, permissions.ApproveLoader)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	approved, err := s.loaders.Approve(ctx, code, claims.Username)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, s.renderLoader(ctx, approved))
}

func (s *Server) handleLoaderReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	draft, err := s.loaderDB.GetDraft(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	claims, err := s.require(ctx, draft, permissions.RejectLoader)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	var request struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.serveError(w, r, loader.ErrValidation.Wrap(err))
		return
	}
	if err := s.loaders.Reject(ctx, code, claims.Username, request.Reason); err != nil {
		s.serveError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoaderRollback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	claims, err := s.require(ctx, ld, permissions.EditLoader)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	var request struct {
		TargetVersion int64 `json:"targetVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.serveError(w, r, loader.ErrValidation.Wrap(err))
		return
	}
	draft, err := s.loaders.Rollback(ctx, code, request.TargetVersion, claims.Username)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, s.renderLoader(ctx, draft))
}

func (s *Server) handleLoaderHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.ViewExecutionLog); err != nil {
		s.serveError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := history.Status(r.URL.Query().Get("status"))
	records, err := s.histories.List(ctx, code, status, limit, offset)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, records)
}

func (s *Server) handleLoaderVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.ViewDetails); err != nil {
		s.serveError(w, r, err)
		return
	}
	versions, err := s.loaders.ListVersions(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	payloads := make([]loaderPayload, 0, len(versions))
	for i := range versions {
		payloads = append(payloads, s.renderLoader(ctx, &versions[i]))
	}
	s.serveJSON(w, r, http.StatusOK, payloads)
}

func (s *Server) handleLoaderAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	ld, err := s.loaders.Get(ctx, code)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	if _, err := s.require(ctx, ld, permissions.ViewAlerts); err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, map[string]interface{}{
		"loaderCode":                ld.Code,
		"loadStatus":                ld.LoadStatus,
		"failedSince":               ld.FailedSince,
		"consecutiveZeroRecordRuns": ld.ConsecutiveZeroRuns,
	})
}
