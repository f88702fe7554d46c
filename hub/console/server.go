// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package console

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalhub/signalhub/hub/backfill"
	"github.com/signalhub/signalhub/hub/console/consoleauth"
	"github.com/signalhub/signalhub/hub/history"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/permissions"
	"github.com/signalhub/signalhub/hub/signals"
	"github.com/signalhub/signalhub/hub/source"
)

// Config holds console server settings.
type Config struct {
	Address  string `help:"address the console API listens on" default:":10100"`
	OpsToken string `help:"static bearer token guarding the /ops/v1 surface" default:""`

	Auth AuthConfig
}

// ForceStarter submits a loader run outside its schedule.
type ForceStarter interface {
	ForceStart(ctx context.Context, code string) error
}

// BackfillTrigger wakes the backfill chore.
type BackfillTrigger interface {
	Trigger()
}

// ReadOnlyVerifier re-checks that a source's credentials cannot write.
type ReadOnlyVerifier interface {
	VerifyReadOnly(ctx context.Context, code string) error
}

// Server is the operator HTTP surface.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	config Config

	auth      *Service
	loaders   *loader.Service
	loaderDB  loader.DB
	perms     *permissions.Service
	histories *history.Store
	signal    *signals.Ingest
	segments  signals.SegmentsDB
	backfills *backfill.Service
	trigger   BackfillTrigger
	starter   ForceStarter
	sources   source.DB
	registry  *source.Registry
	verifier  ReadOnlyVerifier

	listener net.Listener
	server   http.Server
}

// NewServer wires the routes and creates the console server.
func NewServer(log *zap.Logger, config Config, auth *Service, loaders *loader.Service, loaderDB loader.DB, perms *permissions.Service, histories *history.Store, signal *signals.Ingest, segments signals.SegmentsDB, backfills *backfill.Service, trigger BackfillTrigger, starter ForceStarter, sources source.DB, registry *source.Registry, verifier ReadOnlyVerifier, listener net.Listener) *Server {
	server := &Server{
		log:       log,
		config:    config,
		auth:      auth,
		loaders:   loaders,
		loaderDB:  loaderDB,
		perms:     perms,
		histories: histories,
		signal:    signal,
		segments:  segments,
		backfills: backfills,
		trigger:   trigger,
		starter:   starter,
		sources:   sources,
		registry:  registry,
		verifier:  verifier,
		listener:  listener,
	}

	router := mux.NewRouter()
	router.Use(server.withRequestID)

	router.HandleFunc("/actuator/health", server.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/login", server.handleLogin).Methods(http.MethodPost)

	res := api.PathPrefix("/res").Subrouter()
	res.Use(server.withAuth)
	res.HandleFunc("/loaders", server.handleLoaderList).Methods(http.MethodGet)
	res.HandleFunc("/loaders", server.handleLoaderCreate).Methods(http.MethodPost)
	res.HandleFunc("/loaders/{code}", server.handleLoaderGet).Methods(http.MethodGet)
	res.HandleFunc("/loaders/{code}", server.handleLoaderUpdate).Methods(http.MethodPut)
	res.HandleFunc("/loaders/{code}", server.handleLoaderDelete).Methods(http.MethodDelete)
	res.HandleFunc("/loaders/{code}/toggle", server.handleLoaderToggle).Methods(http.MethodPut)
	res.HandleFunc("/loaders/{code}/execute", server.handleLoaderExecute).Methods(http.MethodPost)
	res.HandleFunc("/loaders/{code}/approve", server.handleLoaderApprove).Methods(http.MethodPost)
	res.HandleFunc("/loaders/{code}/reject", server.handleLoaderReject).Methods(http.MethodPost)
	res.HandleFunc("/loaders/{code}/rollback", server.handleLoaderRollback).Methods(http.MethodPost)
	res.HandleFunc("/loaders/{code}/history", server.handleLoaderHistory).Methods(http.MethodGet)
	res.HandleFunc("/loaders/{code}/versions", server.handleLoaderVersions).Methods(http.MethodGet)
	res.HandleFunc("/loaders/{code}/alerts", server.handleLoaderAlerts).Methods(http.MethodGet)
	res.HandleFunc("/signals/signal/{loaderCode}", server.handleSignalsQuery).Methods(http.MethodGet)
	res.HandleFunc("/signals/segments/{loaderCode}", server.handleSegmentsList).Methods(http.MethodGet)
	res.HandleFunc("/backfill", server.handleBackfillCreate).Methods(http.MethodPost)
	res.HandleFunc("/backfill", server.handleBackfillList).Methods(http.MethodGet)
	res.HandleFunc("/backfill/execute", server.handleBackfillExecute).Methods(http.MethodPost)
	res.HandleFunc("/backfill/{id}/cancel", server.handleBackfillCancel).Methods(http.MethodPost)

	apiAdmin := api.PathPrefix("/admin").Subrouter()
	apiAdmin.Use(server.withAuth)
	apiAdmin.HandleFunc("/security/read-only-check", server.handleReadOnlyCheck).Methods(http.MethodGet)

	ops := router.PathPrefix("/ops/v1").Subrouter()
	ops.Use(server.withOpsToken)
	ops.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	ops.HandleFunc("/admin/res/db-sources", server.handleSourceList).Methods(http.MethodGet)
	ops.HandleFunc("/admin/res/db-sources", server.handleSourceCreate).Methods(http.MethodPost)
	ops.HandleFunc("/admin/res/db-sources/{code}", server.handleSourceDelete).Methods(http.MethodDelete)
	ops.HandleFunc("/admin/security/reload", server.handleSecurityReload).Methods(http.MethodPost)

	server.server = http.Server{
		Handler: router,
	}
	return server
}

// Run starts serving until the context is canceled.
func (s *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(s.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := s.server.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts the server down.
func (s *Server) Close() error {
	return Error.Wrap(s.server.Close())
}

type contextKey int

const (
	requestIDKey contextKey = iota
	claimsKey
)

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.serveError(w, r, ErrUnauthorized.New("missing bearer token"))
			return
		}
		claims, err := s.auth.Authorize(r.Context(), token)
		if err != nil {
			s.serveError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withOpsToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.OpsToken == "" || bearerToken(r) != s.config.OpsToken {
			s.serveError(w, r, ErrUnauthorized.New("invalid ops token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func claimsFrom(ctx context.Context) (*consoleauth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*consoleauth.Claims)
	return claims, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.serveJSON(w, r, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.serveError(w, r, Error.Wrap(err))
		return
	}
	token, user, err := s.auth.Login(r.Context(), request.Username, request.Password)
	if err != nil {
		s.serveError(w, r, err)
		return
	}
	s.serveJSON(w, r, http.StatusOK, map[string]interface{}{
		"token":    token,
		"username": user.Username,
		"roles":    user.Roles,
	})
}

func (s *Server) serveJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encoding response failed",
			zap.String("request", requestID(r.Context())),
			zap.Error(err))
	}
}

type apiError struct {
	Level        string `json:"level"`
	ErrorCode    int    `json:"errorCode"`
	CodeName     string `json:"codeName"`
	ErrorMessage string `json:"errorMessage"`
	Field        string `json:"field,omitempty"`
}

type errorEnvelope struct {
	RequestID string     `json:"requestId"`
	Timestamp time.Time  `json:"timestamp"`
	Status    string     `json:"status"`
	Errors    []apiError `json:"errors"`
}

// classify maps an error class to its HTTP status and wire code.
func classify(err error) (status, code int, name string) {
	switch {
	case ErrUnauthorized.Has(err) || ErrLoginCredentials.Has(err):
		return http.StatusUnauthorized, 4010, "UNAUTHORIZED"
	case ErrForbidden.Has(err):
		return http.StatusForbidden, 4030, "PERMISSION_DENIED"
	case loader.ErrNotFound.Has(err):
		return http.StatusNotFound, 4041, "LOADER_NOT_FOUND"
	case source.ErrNotFound.Has(err):
		return http.StatusNotFound, 4042, "DB_SOURCE_NOT_FOUND"
	case history.ErrNotFound.Has(err) || backfill.ErrNotFound.Has(err):
		return http.StatusNotFound, 4040, "NOT_FOUND"
	case loader.ErrAlreadyExists.Has(err):
		return http.StatusConflict, 4091, "LOADER_ALREADY_EXISTS"
	case backfill.ErrOverlap.Has(err):
		return http.StatusConflict, 4092, "BACKFILL_WINDOW_OVERLAP"
	case loader.ErrValidation.Has(err):
		return http.StatusBadRequest, 4001, "VALIDATION_ERROR"
	case loader.ErrWrongState.Has(err) || backfill.ErrWrongState.Has(err):
		return http.StatusBadRequest, 4002, "WRONG_STATE"
	case source.ErrConnection.Has(err):
		return http.StatusServiceUnavailable, 5031, "DB_CONNECTION_ERROR"
	case Error.Has(err) || backfill.Error.Has(err) || loader.Error.Has(err) || signals.Error.Has(err):
		return http.StatusBadRequest, 4000, "BUSINESS_ERROR"
	default:
		return http.StatusInternalServerError, 5000, "INTERNAL_ERROR"
	}
}

func (s *Server) serveError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, name := classify(err)
	id := requestID(r.Context())

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request", id),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		s.log.Debug("request rejected",
			zap.String("request", id),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		// stack detail stays in the logs
		message = "internal server error"
	}
	s.serveJSON(w, r, status, errorEnvelope{
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Status:    "ERROR",
		Errors: []apiError{{
			Level:        "ERROR",
			ErrorCode:    code,
			CodeName:     name,
			ErrorMessage: message,
		}},
	})
}
