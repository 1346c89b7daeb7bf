package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxIV-KitsControls/netspot/internal/audit"
	"github.com/MaxIV-KitsControls/netspot/internal/config"
	"github.com/MaxIV-KitsControls/netspot/internal/inventory"
	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/producer"
	"github.com/MaxIV-KitsControls/netspot/internal/ratelimit"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
)

type testServer struct {
	handler http.Handler
	store   *store.Memory
	audit   *audit.Memory
}

func newTestServer(t *testing.T, limiter Limiter) testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	st := store.NewMemory()
	auditLog := audit.NewMemory()
	inv := inventory.ProviderFunc(func(_ context.Context, sel string) (models.InventorySnapshot, error) {
		return models.InventorySnapshot{
			Groups:   map[string]models.Group{"all": {Hosts: []string{sel}}},
			HostVars: map[string]map[string]any{sel: {"asset": sel}},
		}, nil
	})
	cfg := config.Config{AuditRedactKeys: []string{"password"}}
	srv := New(cfg, st, producer.New(st, inv, auditLog, log), auditLog, limiter, log)
	return testServer{handler: srv.Router(), store: st, audit: auditLog}
}

func (ts testServer) do(method, path, body string, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-Remote-User", user)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSubmitAndShowJob(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/jobs", `{
		"playbook": "ping_sweep.yml",
		"filter": "sw-1",
		"arguments": {"vlan": 10},
		"credentials": {"username": "netops", "password": "s3cret"},
		"secret": "hunter2"
	}`, "alice")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var created submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	job, err := ts.store.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", job.Username)

	w = ts.do(http.MethodGet, "/jobs/"+created.ID, "", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.NotContains(t, body, "hunter2")
	assert.NotContains(t, body, "s3cret")

	var shown map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &shown))
	assert.Equal(t, "QUEUED", shown["status"])
	assert.Equal(t, "ping_sweep.yml", shown["playbook"])
	assert.Equal(t, map[string]any{"vlan": float64(10), "username": "netops"}, shown["arguments"])
	assert.Contains(t, shown, "inventory")
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/jobs", `{`, "alice").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/jobs", `{"filter":"sw-1"}`, "alice").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/jobs", `{"playbook":"a.yml","verbosity":7}`, "alice").Code)
}

func TestSubmitBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{"playbook":"a.yml","arguments":{"blob":"` + strings.Repeat("x", maxSubmitBytes) + `"}}`
	w := ts.do(http.MethodPost, "/jobs", body, "alice")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	queued, err := ts.store.GetJobsByStatus(context.Background(), models.StatusQueued, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := ts.store.AddJob(ctx, models.NewJob{ActionReference: "a.yml"})
		require.NoError(t, err)
	}
	done, err := ts.store.AddJob(ctx, models.NewJob{ActionReference: "b.yml"})
	require.NoError(t, err)
	require.NoError(t, ts.store.UpdateStatus(ctx, done, models.StatusProcessed))

	w := ts.do(http.MethodGet, "/jobs?limit=2", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp jobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Active)
	assert.Len(t, resp.Queued, 2)
	require.Len(t, resp.Processed, 1)
	assert.Equal(t, done, resp.Processed[0].ID)
	assert.Nil(t, resp.Processed[0].Inventory)
}

func TestDeleteJob(t *testing.T) {
	ts := newTestServer(t, nil)
	id, err := ts.store.AddJob(context.Background(), models.NewJob{ActionReference: "a.yml"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodDelete, "/jobs/"+id, "", "admin").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/jobs/"+id, "", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodDelete, "/jobs/"+id, "", "admin").Code)
}

func TestAuditAndRetry(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	job := models.Job{
		ID:              "job-1",
		Username:        "alice",
		ActionReference: "upgrade.yml",
		TargetSelector:  "sw-1",
		Parameters:      models.Parameters{{Key: "password", Value: "s3cret"}, {Key: "release", Value: "21.4"}},
	}
	require.NoError(t, ts.audit.Record(ctx, audit.NewEntry(job, models.StatusExecutorError, models.Outcome{}, errors.New("runner missing"), []string{"password"})))

	w := ts.do(http.MethodGet, "/audit", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")
	var listed struct {
		Entries []audit.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Entries, 1)
	entryID := listed.Entries[0].ID

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/audit/"+entryID, "", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/audit/nope", "", "").Code)

	w = ts.do(http.MethodPost, "/audit/"+entryID+"/retry", "", "bob")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	retried, err := ts.store.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", retried.Username)
	assert.Equal(t, "upgrade.yml", retried.ActionReference)
	assert.Equal(t, models.StatusQueued, retried.Status)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/audit/nope/retry", "", "bob").Code)
}

func TestSubmitRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	limiter := ratelimit.NewWindow(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1, time.Minute)
	ts := newTestServer(t, limiter)

	w := ts.do(http.MethodPost, "/jobs", `{"playbook":"a.yml"}`, "alice")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = ts.do(http.MethodPost, "/jobs", `{"playbook":"a.yml"}`, "alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = ts.do(http.MethodPost, "/jobs", `{"playbook":"a.yml"}`, "bob")
	assert.Equal(t, http.StatusAccepted, w.Code)

	queued, err := ts.store.GetJobsByStatus(context.Background(), models.StatusQueued, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestStoreUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodPost, "/jobs", `{"playbook":"a.yml"}`, "alice").Code)
}
