// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package console_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/signalhub/signalhub/hub/console"
	"github.com/signalhub/signalhub/hub/loader"
	"github.com/signalhub/signalhub/hub/permissions"
)

// fakeLoaderStore serves the read paths the server tests touch; writes are
// rejected.
type fakeLoaderStore struct {
	loader.DB
	active map[string]*loader.Loader
}

func (f *fakeLoaderStore) GetActive(ctx context.Context, code string) (*loader.Loader, error) {
	ld, ok := f.active[code]
	if !ok {
		return nil, loader.ErrNotFound.New("%s", code)
	}
	out := *ld
	return &out, nil
}

func (f *fakeLoaderStore) GetDraft(ctx context.Context, code string) (*loader.Loader, error) {
	return nil, loader.ErrNotFound.New("%s", code)
}

func (f *fakeLoaderStore) List(ctx context.Context) ([]loader.Loader, error) {
	var out []loader.Loader
	for _, ld := range f.active {
		out = append(out, *ld)
	}
	return out, nil
}

func (f *fakeLoaderStore) SetEnabled(ctx context.Context, code string, enabled bool) error {
	ld, ok := f.active[code]
	if !ok {
		return loader.ErrNotFound.New("%s", code)
	}
	ld.Enabled = enabled
	return nil
}

type fakeStarter struct {
	started []string
}

func (f *fakeStarter) ForceStart(ctx context.Context, code string) error {
	f.started = append(f.started, code)
	return nil
}

type fakeTrigger struct{ triggered int }

func (f *fakeTrigger) Trigger() { f.triggered++ }

type serverHarness struct {
	base    string
	starter *fakeStarter
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func (h *serverHarness) close(t *testing.T) {
	h.cancel()
	require.NoError(t, h.group.Wait())
}

func startServer(t *testing.T, store *fakeLoaderStore) *serverHarness {
	log := zaptest.NewLogger(t)

	users := newFakeUsersDB()
	addUser(t, users, "admin", "admin-pass", permissions.RoleAdmin)
	addUser(t, users, "viewer", "viewer-pass", permissions.RoleViewer)

	auth, err := console.NewService(log, users, console.AuthConfig{
		TokenSecret:     "test-secret",
		TokenExpiration: time.Hour,
	})
	require.NoError(t, err)

	loaders, err := loader.NewService(log, store, stubApprovals{})
	require.NoError(t, err)

	perms := permissions.NewService(log, nil)
	starter := &fakeStarter{}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := console.NewServer(log, console.Config{
		Address:  listener.Addr().String(),
		OpsToken: "ops-token",
	}, auth, loaders, store, perms, nil, nil, nil, nil, &fakeTrigger{}, starter, nil, nil, nil, listener)

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(ctx) })

	return &serverHarness{
		base:    "http://" + listener.Addr().String(),
		starter: starter,
		cancel:  cancel,
		group:   group,
	}
}

// stubApprovals satisfies loader.ApprovalDB for endpoints that never open
// approval requests.
type stubApprovals struct{}

func (stubApprovals) Create(ctx context.Context, req *loader.ApprovalRequest) (*loader.ApprovalRequest, error) {
	out := *req
	out.ID = 1
	return &out, nil
}

func (stubApprovals) GetPending(ctx context.Context, entityType, entityID string) (*loader.ApprovalRequest, error) {
	return nil, loader.ErrNotFound.New("no pending request")
}

func (stubApprovals) Decide(ctx context.Context, id int64, status loader.ApprovalStatus, decidedBy, reason string) error {
	return nil
}

func (stubApprovals) List(ctx context.Context, entityType string) ([]loader.ApprovalRequest, error) {
	return nil, nil
}

func doJSON(t *testing.T, method, url, token string, body interface{}) (*http.Response, []byte) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, payload
}

func login(t *testing.T, base, username, password string) string {
	resp, body := doJSON(t, http.MethodPost, base+"/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	require.NotEmpty(t, result.Token)
	return result.Token
}

func activeTestLoader(code string, status loader.LoadStatus) *loader.Loader {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	return &loader.Loader{
		Code:              code,
		SQL:               "SELECT bucket, value FROM metrics WHERE bucket >= :fromTime AND bucket < :toTime",
		SourceCode:        "SRC1",
		MinIntervalSec:    60,
		MaxIntervalSec:    60,
		MaxQueryPeriod:    3600,
		MaxParallelExecs:  1,
		PurgeStrategy:     loader.SkipDuplicates,
		Enabled:           true,
		LoadStatus:        status,
		LastLoadTimestamp: &now,
		VersionStatus:     loader.VersionActive,
		VersionNumber:     1,
		ApprovalStatus:    loader.ApprovalApproved,
	}
}

func TestServerHealthIsPublic(t *testing.T) {
	h := startServer(t, &fakeLoaderStore{active: map[string]*loader.Loader{}})
	defer h.close(t)

	resp, body := doJSON(t, http.MethodGet, h.base+"/actuator/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "UP")
}

func TestServerRequiresAuth(t *testing.T) {
	h := startServer(t, &fakeLoaderStore{active: map[string]*loader.Loader{}})
	defer h.close(t)

	resp, body := doJSON(t, http.MethodGet, h.base+"/api/v1/res/loaders", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var envelope struct {
		RequestID string `json:"requestId"`
		Status    string `json:"status"`
		Errors    []struct {
			CodeName string `json:"codeName"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Equal(t, "ERROR", envelope.Status)
	require.NotEmpty(t, envelope.RequestID)
	require.Len(t, envelope.Errors, 1)
	require.Equal(t, "UNAUTHORIZED", envelope.Errors[0].CodeName)
}

func TestServerLoaderListRendersLinksPerRole(t *testing.T) {
	store := &fakeLoaderStore{active: map[string]*loader.Loader{
		"L1": activeTestLoader("L1", loader.StatusIdle),
	}}
	h := startServer(t, store)
	defer h.close(t)

	token := login(t, h.base, "viewer", "viewer-pass")
	resp, body := doJSON(t, http.MethodGet, h.base+"/api/v1/res/loaders", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var payloads []struct {
		LoaderCode string                      `json:"loaderCode"`
		State      string                      `json:"state"`
		Links      map[string]permissions.Link `json:"_links"`
	}
	require.NoError(t, json.Unmarshal(body, &payloads))
	require.Len(t, payloads, 1)
	require.Equal(t, "L1", payloads[0].LoaderCode)
	require.Equal(t, "ENABLED", payloads[0].State)
	require.Contains(t, payloads[0].Links, "VIEW_DETAILS")
	require.NotContains(t, payloads[0].Links, "FORCE_START")

	admin := login(t, h.base, "admin", "admin-pass")
	resp, body = doJSON(t, http.MethodGet, h.base+"/api/v1/res/loaders/L1", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var payload struct {
		Links map[string]permissions.Link `json:"_links"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Contains(t, payload.Links, "FORCE_START")
}

func TestServerForceStartDeniedWhileRunning(t *testing.T) {
	store := &fakeLoaderStore{active: map[string]*loader.Loader{
		"L1": activeTestLoader("L1", loader.StatusRunning),
	}}
	h := startServer(t, store)
	defer h.close(t)

	admin := login(t, h.base, "admin", "admin-pass")
	resp, body := doJSON(t, http.MethodPost, h.base+"/api/v1/res/loaders/L1/execute", admin, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode, string(body))
	require.Contains(t, string(body), "PERMISSION_DENIED")
	require.Empty(t, h.starter.started)
}

func TestServerForceStartSubmits(t *testing.T) {
	store := &fakeLoaderStore{active: map[string]*loader.Loader{
		"L1": activeTestLoader("L1", loader.StatusIdle),
	}}
	h := startServer(t, store)
	defer h.close(t)

	admin := login(t, h.base, "admin", "admin-pass")
	resp, body := doJSON(t, http.MethodPost, h.base+"/api/v1/res/loaders/L1/execute", admin, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	require.Equal(t, []string{"L1"}, h.starter.started)
}

func TestServerToggleDeniedForViewer(t *testing.T) {
	store := &fakeLoaderStore{active: map[string]*loader.Loader{
		"L1": activeTestLoader("L1", loader.StatusIdle),
	}}
	h := startServer(t, store)
	defer h.close(t)

	viewer := login(t, h.base, "viewer", "viewer-pass")
	resp, _ := doJSON(t, http.MethodPut, h.base+"/api/v1/res/loaders/L1/toggle", viewer,
		map[string]bool{"enabled": false})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.True(t, store.active["L1"].Enabled, "toggle must not apply")
}

func TestServerUnknownLoaderIs404(t *testing.T) {
	h := startServer(t, &fakeLoaderStore{active: map[string]*loader.Loader{}})
	defer h.close(t)

	admin := login(t, h.base, "admin", "admin-pass")
	resp, body := doJSON(t, http.MethodGet, h.base+"/api/v1/res/loaders/NOPE", admin, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, string(body), "LOADER_NOT_FOUND")
}

func TestServerOpsSurfaceRequiresOpsToken(t *testing.T) {
	h := startServer(t, &fakeLoaderStore{active: map[string]*loader.Loader{}})
	defer h.close(t)

	resp, _ := doJSON(t, http.MethodGet, h.base+"/ops/v1/metrics", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, h.base+"/ops/v1/metrics", "ops-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "signalhub")
}
