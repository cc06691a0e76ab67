package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/narvanalabs/buildfarm/internal/api/handlers"
	"github.com/narvanalabs/buildfarm/internal/logs"
	"github.com/narvanalabs/buildfarm/internal/metrics"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/store/memory"
	"github.com/narvanalabs/buildfarm/internal/trigger"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

type fakeTrigger struct {
	got trigger.Request
}

func (f *fakeTrigger) Trigger(ctx context.Context, req trigger.Request) (*trigger.Result, error) {
	if req.User != "alice" {
		return nil, fmt.Errorf("%w: %s/%s", trigger.ErrUnknownProject, req.User, req.Project)
	}
	f.got = req
	return &trigger.Result{Commit: "abc123", Batch: &scheduler.ProjectResult{Order: map[string][]string{"debian/bookworm/amd64": {"libfoo"}}}}, nil
}

type testServer struct {
	srv     *Server
	st      *memory.Store
	broker  *logs.Broker
	trigger *fakeTrigger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	broker := logs.NewBroker(logger)
	pool := scheduler.NewPool([]*models.Machine{{ID: "m1", Host: "build1", Type: models.BackendPodman}}, st.Machines(), logger)
	sched := scheduler.New(config.SchedulerConfig{TickInterval: time.Hour}, scheduler.Options{
		Store:  st,
		Pool:   pool,
		Broker: broker,
		Logger: logger,
	})
	trig := &fakeTrigger{}
	cfg := config.LoadWithDefaults()
	srv := NewServer(cfg, Deps{
		Store:     st,
		Scheduler: sched,
		Trigger:   trig,
		Broker:    broker,
		Metrics:   metrics.New(),
	}, logger)
	return &testServer{srv: srv, st: st, broker: broker, trigger: trig}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	rr := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rr, httptest.NewRequest(method, path, rdr))

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rr.Body.String()), "{") {
		json.Unmarshal(rr.Body.Bytes(), &out)
	}
	return rr, out
}

func fp(pkg string) models.Fingerprint {
	return models.Fingerprint{User: "alice", Project: "tools", Package: pkg, Branch: "main", Distro: "debian", Release: "bookworm", Arch: "amd64"}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", rr.Code, body)
	}

	ts.do(t, http.MethodPost, "/v1/jobs", handlers.EnqueueRequest{Fingerprint: fp("libfoo")})
	rr, _ = ts.do(t, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "buildfarm_jobs_enqueued_total 1") {
		t.Errorf("metrics = %d\n%s", rr.Code, rr.Body.String())
	}
}

func TestJobEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr, created := ts.do(t, http.MethodPost, "/v1/jobs", handlers.EnqueueRequest{Fingerprint: fp("libfoo")})
	if rr.Code != http.StatusCreated || created["status"] != "WAITING" {
		t.Fatalf("enqueue = %d %v", rr.Code, created)
	}
	id := created["id"].(string)

	rr, dup := ts.do(t, http.MethodPost, "/v1/jobs", handlers.EnqueueRequest{Fingerprint: fp("libfoo")})
	if rr.Code != http.StatusOK || dup["id"] != id {
		t.Errorf("duplicate enqueue = %d %v, want 200 with %s", rr.Code, dup, id)
	}

	rr, body := ts.do(t, http.MethodPost, "/v1/jobs", handlers.EnqueueRequest{Fingerprint: models.Fingerprint{User: "alice"}})
	if rr.Code != http.StatusBadRequest || body["code"] != "VALIDATION_ERROR" {
		t.Errorf("invalid enqueue = %d %v", rr.Code, body)
	}

	ts.do(t, http.MethodPost, "/v1/jobs", handlers.EnqueueRequest{Fingerprint: fp("app")})

	rr, _ = ts.do(t, http.MethodGet, "/v1/jobs?status=waiting&limit=1", nil)
	var jobs []models.BuildJob
	if err := json.Unmarshal(rr.Body.Bytes(), &jobs); err != nil || len(jobs) != 1 || jobs[0].Fingerprint.Package != "app" {
		t.Errorf("list = %d %s", rr.Code, rr.Body.String())
	}
	if rr, _ := ts.do(t, http.MethodGet, "/v1/jobs?status=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus status = %d", rr.Code)
	}

	rr, got := ts.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
	if rr.Code != http.StatusOK || got["id"] != id {
		t.Errorf("get = %d %v", rr.Code, got)
	}
	if rr, body := ts.do(t, http.MethodGet, "/v1/jobs/missing", nil); rr.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Errorf("get missing = %d %v", rr.Code, body)
	}

	rr, cancelled := ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	if rr.Code != http.StatusOK || cancelled["status"] != "CANCELLED" {
		t.Errorf("cancel = %d %v", rr.Code, cancelled)
	}
	if rr, _ := ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil); rr.Code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", rr.Code)
	}
}

func TestLogEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, created := ts.do(t, http.MethodPost, "/v1/jobs", handlers.EnqueueRequest{Fingerprint: fp("libfoo")})
	id := created["id"].(string)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var entries []*models.LogEntry
	for i := 0; i < 3; i++ {
		entries = append(entries, &models.LogEntry{ID: fmt.Sprintf("l%d", i), JobID: id, Line: fmt.Sprintf("line %d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	if err := ts.st.Logs().Append(ctx, entries); err != nil {
		t.Fatal(err)
	}

	rr, _ := ts.do(t, http.MethodGet, "/v1/jobs/"+id+"/logs?tail=1", nil)
	var got []models.LogEntry
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil || len(got) != 1 || got[0].Line != "line 2" {
		t.Errorf("tail = %d %s", rr.Code, rr.Body.String())
	}
	rr, _ = ts.do(t, http.MethodGet, "/v1/jobs/"+id+"/logs?limit=2", nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil || len(got) != 2 || got[0].Line != "line 0" {
		t.Errorf("limit = %d %s", rr.Code, rr.Body.String())
	}
	if rr, _ := ts.do(t, http.MethodGet, "/v1/jobs/missing/logs", nil); rr.Code != http.StatusNotFound {
		t.Errorf("logs of missing job = %d", rr.Code)
	}
}

func TestLogStream(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, created := ts.do(t, http.MethodPost, "/v1/jobs", handlers.EnqueueRequest{Fingerprint: fp("libfoo")})
	id := created["id"].(string)
	ts.st.Logs().Append(ctx, []*models.LogEntry{{ID: "old", JobID: id, Line: "stored", Timestamp: time.Now()}})

	httpSrv := httptest.NewServer(ts.srv.Router())
	defer httpSrv.Close()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/jobs/" + id + "/logs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	read := func() handlers.StreamEvent {
		t.Helper()
		var ev handlers.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return ev
	}

	if ev := read(); ev.Type != "log" || ev.Entry.Line != "stored" {
		t.Fatalf("first event = %+v", ev)
	}

	ts.broker.Publish(&models.LogEntry{ID: "live", JobID: id, Line: "live line", Timestamp: time.Now()})
	if ev := read(); ev.Type != "log" || ev.Entry.Line != "live line" {
		t.Fatalf("live event = %+v", ev)
	}

	job, err := ts.st.Jobs().Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	job.Status = models.JobStatusFinished
	job.Succeeded = true
	if err := ts.st.Jobs().Update(ctx, job); err != nil {
		t.Fatal(err)
	}
	if ev := read(); ev.Type != "done" || ev.Job.Status != models.JobStatusFinished {
		t.Fatalf("final event = %+v", ev)
	}
}

func TestMachineEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr, _ := ts.do(t, http.MethodGet, "/v1/machines", nil)
	var machines []models.Machine
	if err := json.Unmarshal(rr.Body.Bytes(), &machines); err != nil || len(machines) != 1 || machines[0].Status != models.MachineStatusAvailable {
		t.Errorf("machines = %d %s", rr.Code, rr.Body.String())
	}
	if rr, _ := ts.do(t, http.MethodGet, "/v1/machines/m1", nil); rr.Code != http.StatusOK {
		t.Errorf("get machine = %d", rr.Code)
	}
	if rr, _ := ts.do(t, http.MethodPost, "/v1/machines/m1/reclaim", nil); rr.Code != http.StatusConflict {
		t.Errorf("reclaim idle = %d, want 409", rr.Code)
	}
	if rr, _ := ts.do(t, http.MethodPost, "/v1/machines/nope/reclaim", nil); rr.Code != http.StatusNotFound {
		t.Errorf("reclaim unknown = %d, want 404", rr.Code)
	}
}

func TestTriggerEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodPost, "/v1/projects/alice/tools/trigger", map[string]any{"branch": "next", "force": true})
	if rr.Code != http.StatusAccepted || body["commit"] != "abc123" {
		t.Errorf("trigger = %d %v", rr.Code, body)
	}
	if ts.trigger.got.Project != "tools" || ts.trigger.got.Branch != "next" || !ts.trigger.got.Force {
		t.Errorf("trigger request = %+v", ts.trigger.got)
	}

	if rr, _ := ts.do(t, http.MethodPost, "/v1/projects/alice/tools/trigger", nil); rr.Code != http.StatusAccepted {
		t.Errorf("trigger without body = %d", rr.Code)
	}
	if rr, _ := ts.do(t, http.MethodPost, "/v1/projects/bob/tools/trigger", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown project = %d, want 404", rr.Code)
	}
}
