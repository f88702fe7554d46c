// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package console

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/permissions"
)

type backfillRequest struct {
	LoaderCode    string               `json:"loaderCode"`
	FromTimeEpoch int64                `json:"fromTimeEpoch"`
	ToTimeEpoch   int64                `json:"toTimeEpoch"`
	PurgeStrategy loader.PurgeStrategy `json:"purgeStrategy"`
}

func (s *Server) handleBackfillCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := s.requireRole(ctx, permissions.ForceStart)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	var request backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.serveError(w, r, backfill.Error.Wrap(err))
		return
	}
	job, err := s.backfills.Create(ctx, &backfill.Job{
		LoaderCode:    request.LoaderCode,
		FromEpoch:     request.FromTimeEpoch,
		ToEpoch:       request.ToTimeEpoch,
		PurgeStrategy: request.PurgeStrategy,
		RequestedBy:   claims.Username,
	})
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusCreated, job)
}

func (s *Server) handleBackfillList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.requireRole(ctx, permissions.ViewDetails); err != nil {
		s.serveError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	jobs, err := s.backfills.List(ctx, r.URL.Query().Get("loaderCode"), limit, offset)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, jobs)
}

func (s *Server) handleBackfillExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.requireRole(ctx, permissions.ForceStart); err != nil {
		s.serveError(w, r, err)
		return
	}
	s.trigger.Trigger()
	s.serveJSON(w, r, http.StatusAccepted, map[string]string{"status": "TRIGGERED"})
}

func (s *Server) handleBackfillCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.requireRole(ctx, permissions.ForceStart); err != nil {
		s.serveError(w, r, err)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.serveError(w, r, backfill.Error.New("invalid job id"))
		return
	}
	if err := s.backfills.Cancel(ctx, id); err != nil {
		s.serveError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
