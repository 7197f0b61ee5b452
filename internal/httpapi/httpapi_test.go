package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"promobot/internal/delivery"
	"promobot/internal/metrics"
	"promobot/internal/storage"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

type fakeOps struct {
	actor delivery.Actor
	err   error
}

func (f *fakeOps) StartOne(_ context.Context, a delivery.Actor, id string) (queue.Task, error) {
	f.actor = a
	if f.err != nil {
		return queue.Task{}, f.err
	}
	return queue.Task{ID: "t1", CampaignID: id, Status: queue.StatusPending}, nil
}

func (f *fakeOps) StartAll(_ context.Context, a delivery.Actor) (delivery.StartAllReport, error) {
	f.actor = a
	return delivery.StartAllReport{Scheduled: []delivery.Scheduled{{CampaignID: "a", TaskID: "t2"}}, Skipped: []string{"b"}}, nil
}

func (f *fakeOps) Sweep(context.Context, delivery.Actor) (int, error) { return 3, nil }

type fakeTasks struct {
	status queue.Status
	limit  int
}

func (f *fakeTasks) List(_ context.Context, status queue.Status, limit int) ([]queue.Task, error) {
	f.status, f.limit = status, limit
	return []queue.Task{{ID: "t1", CampaignID: "spring", RunAt: time.Unix(0, 0).UTC()}}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestServer(cfg Config, ops *fakeOps, tasks *fakeTasks, db Pinger) (*Server, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New(cfg, Deps{Ops: ops, Tasks: tasks, Store: db, Metrics: metrics.New(reg, false), Log: logx.Nop()}), reg
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDeliverOne(t *testing.T) {
	ops := &fakeOps{}
	s, _ := newTestServer(Config{}, ops, &fakeTasks{}, nil)
	rec := do(t, s.Router(), http.MethodPost, "/v1/campaigns/spring/deliver", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var got queue.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "spring", got.CampaignID)
	require.Equal(t, "http", ops.actor.Source)
	require.NotEmpty(t, ops.actor.ID)
}

func TestDeliverOneMapsErrors(t *testing.T) {
	cases := map[error]int{
		delivery.ErrCampaignNotFound: http.StatusNotFound,
		delivery.ErrNotRunning:       http.StatusConflict,
		errors.New("db down"):        http.StatusInternalServerError,
	}
	for err, code := range cases {
		s, _ := newTestServer(Config{}, &fakeOps{err: err}, &fakeTasks{}, nil)
		rec := do(t, s.Router(), http.MethodPost, "/v1/campaigns/x/deliver", "")
		require.Equal(t, code, rec.Code, err.Error())
	}
}

func TestDeliverAllAndSweep(t *testing.T) {
	s, _ := newTestServer(Config{}, &fakeOps{}, &fakeTasks{}, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/v1/campaigns/deliver-all", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"skipped":["b"]`)

	rec = do(t, h, http.MethodPost, "/v1/campaigns/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"expired":3}`, rec.Body.String())
}

func TestListTasks(t *testing.T) {
	tasks := &fakeTasks{}
	s, _ := newTestServer(Config{}, &fakeOps{}, tasks, nil)
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/v1/tasks?status=pending&limit=9999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, queue.StatusPending, tasks.status)
	require.Equal(t, maxTaskList, tasks.limit)
	require.Contains(t, rec.Body.String(), `"campaign_id":"spring"`)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/tasks?status=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/tasks?limit=-1", "").Code)
}

func TestBearerToken(t *testing.T) {
	s, _ := newTestServer(Config{Token: "s3cret"}, &fakeOps{}, &fakeTasks{}, nil)
	h := s.Router()

	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/campaigns/sweep", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/campaigns/sweep", "wrong").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/campaigns/sweep", "s3cret").Code)
	// probes stay open
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestReadiness(t *testing.T) {
	s, _ := newTestServer(Config{}, &fakeOps{}, &fakeTasks{}, pinger{})
	require.Equal(t, http.StatusOK, do(t, s.Router(), http.MethodGet, "/readyz", "").Code)

	s, _ = newTestServer(Config{}, &fakeOps{}, &fakeTasks{}, pinger{err: errors.New("closed")})
	require.Equal(t, http.StatusServiceUnavailable, do(t, s.Router(), http.MethodGet, "/readyz", "").Code)
}

func TestMetricsUseRoutePattern(t *testing.T) {
	s, _ := newTestServer(Config{}, &fakeOps{}, &fakeTasks{}, nil)
	h := s.Router()
	do(t, h, http.MethodPost, "/v1/campaigns/spring/deliver", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `handler="/v1/campaigns/{id}/deliver"`), body)
	require.NotContains(t, body, "/v1/campaigns/spring/deliver")
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s, _ := newTestServer(Config{}, &fakeOps{}, &fakeTasks{}, nil)
	require.Equal(t, http.StatusNotFound, do(t, s.Router(), http.MethodGet, "/debug/pprof/", "").Code)

	s, _ = newTestServer(Config{Pprof: true}, &fakeOps{}, &fakeTasks{}, nil)
	require.Equal(t, http.StatusOK, do(t, s.Router(), http.MethodGet, "/debug/pprof/", "").Code)
}

func TestRunStopsWithContext(t *testing.T) {
	s, _ := newTestServer(Config{Addr: "127.0.0.1:0"}, &fakeOps{}, &fakeTasks{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestConnectivityProbe(t *testing.T) {
	var dialed string
	reg := prometheus.NewRegistry()
	s := New(Config{ProbeHost: "api.example.org", ProbePort: 443}, Deps{
		Ops: &fakeOps{}, Tasks: &fakeTasks{}, Metrics: metrics.New(reg, false), Log: logx.Nop(),
		Probe: func(_ context.Context, host string, port int, _ time.Duration) bool {
			dialed = host
			return port == 443
		},
	})
	rec := do(t, s.Router(), http.MethodGet, "/v1/connectivity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "api.example.org", dialed)
	require.Contains(t, rec.Body.String(), `"reachable":true`)

	s, _ = newTestServer(Config{}, &fakeOps{}, &fakeTasks{}, nil)
	require.Equal(t, http.StatusNotFound, do(t, s.Router(), http.MethodGet, "/v1/connectivity", "").Code)
}

type fakeAudit struct{ limit int }

func (f *fakeAudit) ListAudit(_ context.Context, limit int) ([]storage.AuditEntry, error) {
	f.limit = limit
	return []storage.AuditEntry{{Actor: "42", Source: "telegram", Action: "deliver", Target: "spring", OK: 1}}, nil
}

func TestListAudit(t *testing.T) {
	aud := &fakeAudit{}
	srv := New(Config{}, Deps{Ops: &fakeOps{}, Tasks: &fakeTasks{}, Audit: aud, Log: logx.Nop()})
	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/audit?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, aud.limit)

	var body struct {
		Entries []map[string]any `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, "deliver", body.Entries[0]["action"])
	require.Equal(t, "spring", body.Entries[0]["target"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/audit", nil))
	require.Equal(t, defaultAuditList, aud.limit)

	rec = httptest.NewRecorder()
	newServer, _ := newTestServer(Config{}, &fakeOps{}, &fakeTasks{}, nil)
	newServer.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/audit", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
