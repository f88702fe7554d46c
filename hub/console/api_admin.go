// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package console

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"

	"github.com/signalhub/signalhub/hub/permissions"
	"github.com/signalhub/signalhub/hub/source"
)

// sourcePayload is the wire shape of a source descriptor. Passwords are
// write-only.
type sourcePayload struct {
	DBCode   string      `json:"dbCode"`
	Kind     source.Kind `json:"kind"`
	Host     string      `json:"host"`
	Port     int         `json:"port"`
	Name     string      `json:"name"`
	Username string      `json:"username"`
	Password string      `json:"password,omitempty"`
}

func renderSource(d *source.Database) sourcePayload {
	return sourcePayload{
		DBCode:   d.Code,
		Kind:     d.Kind,
		Host:     d.Host,
		Port:     d.Port,
		Name:     d.Name,
		Username: d.Username,
	}
}

func (s *Server) handleSourceList(w http.ResponseWriter, r *http.Request) {
	descriptors, err := s.sources.List(r.Context())
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	payloads := make([]sourcePayload, 0, len(descriptors))
	for i := range descriptors {
		payloads = append(payloads, renderSource(&descriptors[i]))
	}
	s.serveJSON(w, r, http.StatusOK, payloads)
}

func (s *Server) handleSourceCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var payload sourcePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.serveError(w, r, source.Error.Wrap(err))
		return
	}
	descriptor := &source.Database{
		Code:     payload.DBCode,
		Kind:     payload.Kind,
		Host:     payload.Host,
		Port:     payload.Port,
		Name:     payload.Name,
		Username: payload.Username,
		Password: payload.Password,
	}
	if err := descriptor.Validate(); err != nil {
		s.serveError(w, r, err)
		return
	}
	created, err := s.sources.Insert(ctx, descriptor)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusCreated, renderSource(created))
}

func (s *Server) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := mux.Vars(r)["code"]
	if err := s.sources.Delete(ctx, code); err != nil {
		s.serveError(w, r, err)
		return
	}
	if err := s.registry.Close(code); err != nil {
		s.serveError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSecurityReload rebuilds the source pools and reloads the
// permission matrices from storage.
func (s *Server) handleSecurityReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := errs.Combine(
		s.registry.ReloadAll(ctx),
		s.perms.Reload(ctx),
	)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, map[string]string{"status": "RELOADED"})
}

// handleReadOnlyCheck re-runs the privilege inspection for every source.
func (s *Server) handleReadOnlyCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.requireRole(ctx, permissions.EditLoader); err != nil {
		s.serveError(w, r, err)
		return
	}

	descriptors, err := s.sources.List(ctx)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	type verdict struct {
		DBCode   string `json:"dbCode"`
		ReadOnly bool   `json:"readOnly"`
		Error    string `json:"error,omitempty"`
	}
	verdicts := make([]verdict, 0, len(descriptors))
	for _, descriptor := range descriptors {
		v := verdict{DBCode: descriptor.Code, ReadOnly: true}
		if err := s.verifier.VerifyReadOnly(ctx, descriptor.Code); err != nil {
			v.ReadOnly = false
			v.Error = err.Error()
		}
		verdicts = append(verdicts, v)
	}
	s.serveJSON(w, r, http.StatusOK, verdicts)
}
