package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/montylab/simorch/internal/catalog"
	"github.com/montylab/simorch/internal/domain"
	"github.com/montylab/simorch/internal/events"
	"github.com/montylab/simorch/internal/jobspec"
	"github.com/montylab/simorch/internal/lifecycle"
	"github.com/montylab/simorch/internal/platform/auth"
	"github.com/montylab/simorch/internal/platform/k8s"
	"github.com/montylab/simorch/internal/platform/logging"
	"github.com/montylab/simorch/internal/registry"
)

type fakeScheduler struct {
	mu        sync.Mutex
	submitted []k8s.Job
	deleted   []string
	submitErr error
}

func (s *fakeScheduler) Submit(ctx context.Context, job k8s.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submitted = append(s.submitted, job)
	return job.Metadata.Namespace + "/" + job.Metadata.Name, nil
}

func (s *fakeScheduler) Delete(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, handle)
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *fakeStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[bucket+"/"+key] = raw
	return nil
}

type testEnv struct {
	runs        *registry.Store
	ctrl        *lifecycle.Controller
	scheduler   *fakeScheduler
	store       *fakeStore
	broadcaster *events.Broadcaster
	builder     *jobspec.Builder
	handler     http.Handler
}

func newTestEnv(t *testing.T, roles ...string) *testEnv {
	t.Helper()
	if len(roles) == 0 {
		roles = []string{auth.RoleEditor}
	}
	builder, err := jobspec.NewBuilder(jobspec.DefaultConfig())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	env := &testEnv{
		runs:        registry.New(),
		scheduler:   &fakeScheduler{},
		store:       &fakeStore{},
		broadcaster: events.NewBroadcaster(logging.Discard(), nil),
		builder:     builder,
	}
	env.ctrl, err = lifecycle.New(lifecycle.Config{
		Registry:   env.runs,
		Builder:    builder,
		Scheduler:  env.scheduler,
		Store:      env.store,
		Publishers: []lifecycle.Publisher{env.broadcaster},
		Policy:     jobspec.DefaultPolicy(""),
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}

	mux := http.NewServeMux()
	newOrchestratorAPI(logging.Discard(), env.runs, env.ctrl, catalog.Default(), env.broadcaster, streamConfig{}).register(mux)
	env.handler = auth.Middleware{
		Authenticator: auth.NewDevAuthenticator(auth.Config{DevSubject: "alice", DevEmail: "alice@example.com", DevRoles: roles}),
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPaths:     []string{"/"},
	}.Wrap(mux)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func validCreate() createRunRequest {
	return createRunRequest{
		Name:             "walk",
		MontyImageID:     "m1",
		SimulatorImageID: "s1",
		BrainProfileID:   "bp1",
		BridgeCode:       "print('bridge')",
	}
}

func TestCreateRun_SubmitsAndReturnsRunning(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/runs", validCreate())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	run := decodeBody[domain.Run](t, rec)
	if run.Status != domain.StatusRunning || run.Owner != "alice@example.com" {
		t.Fatalf("run=%+v", run)
	}
	if len(env.scheduler.submitted) != 1 || env.scheduler.submitted[0].Metadata.Labels["user"] != "alice_example.com" {
		t.Fatalf("submitted=%+v", env.scheduler.submitted)
	}
	key := env.builder.Config().ArtifactsBucket + "/" + jobspec.BridgeKey(run.ID, jobspec.BridgeScript)
	if string(env.store.objects[key]) != "print('bridge')" {
		t.Fatalf("bridge code not uploaded under %s", key)
	}

	got := decodeBody[domain.Run](t, env.do(t, http.MethodGet, "/runs/"+run.ID, nil))
	if got.ID != run.ID {
		t.Fatalf("GET returned %+v", got)
	}
	list := decodeBody[[]domain.Run](t, env.do(t, http.MethodGet, "/runs?status=running", nil))
	if len(list) != 1 {
		t.Fatalf("list=%+v", list)
	}
}

func TestCreateRun_RejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		mutate func(*createRunRequest)
		code   string
	}{
		{"unknown monty image", func(r *createRunRequest) { r.MontyImageID = "nope" }, "unknown_monty_image"},
		{"unknown profile", func(r *createRunRequest) { r.BrainProfileID = "bp9" }, "unknown_brain_profile"},
		{"wrong role", func(r *createRunRequest) { r.MontyImageID = "s2" }, "invalid_request"},
		{"missing name", func(r *createRunRequest) { r.Name = " " }, "invalid_request"},
		{"deadline too short", func(r *createRunRequest) { r.ActiveDeadlineSeconds = 60 }, "invalid_policy"},
		{"bad checkpoint", func(r *createRunRequest) { r.CheckpointIn = "/tmp/x" }, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreate()
			tc.mutate(&req)
			rec := env.do(t, http.MethodPost, "/runs", req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			body := decodeBody[map[string]any](t, rec)
			if body["error"] != tc.code {
				t.Fatalf("error=%v, want %s", body["error"], tc.code)
			}
		})
	}
	if env.runs.Len() != 0 {
		t.Fatalf("rejected requests created %d runs", env.runs.Len())
	}

	rec := env.do(t, http.MethodPost, "/runs", map[string]any{"name": "x", "extra": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", rec.Code)
	}
}

func TestCreateRun_SubmissionFailureReturnsFailedRun(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.submitErr = errors.New("quota exceeded")

	rec := env.do(t, http.MethodPost, "/runs", validCreate())
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody[struct {
		Error string     `json:"error"`
		Run   domain.Run `json:"run"`
	}](t, rec)
	if body.Error != "job_submission_failed" || body.Run.Status != domain.StatusFailed {
		t.Fatalf("body=%+v", body)
	}
	logs := decodeBody[[]domain.LogEntry](t, env.do(t, http.MethodGet, "/runs/"+body.Run.ID+"/logs", nil))
	last := logs[len(logs)-1]
	if last.Level != domain.LogLevelError || !strings.Contains(last.Message, "quota exceeded") {
		t.Fatalf("last log=%+v", last)
	}
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t)
	run := decodeBody[domain.Run](t, env.do(t, http.MethodPost, "/runs", validCreate()))

	rec := env.do(t, http.MethodDelete, "/runs/"+run.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[domain.Run](t, rec); got.Status != domain.StatusCancelled {
		t.Fatalf("status=%s", got.Status)
	}
	if len(env.scheduler.deleted) != 1 {
		t.Fatalf("deleted=%v", env.scheduler.deleted)
	}

	if rec := env.do(t, http.MethodDelete, "/runs/"+run.ID, nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status=%d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/runs/run-missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown cancel status=%d", rec.Code)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	env := newTestEnv(t, auth.RoleViewer)
	if rec := env.do(t, http.MethodPost, "/runs", validCreate()); rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/brain-profiles", nil); rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
}

func TestLogsAfterID(t *testing.T) {
	env := newTestEnv(t)
	run := decodeBody[domain.Run](t, env.do(t, http.MethodPost, "/runs", validCreate()))

	all := decodeBody[[]domain.LogEntry](t, env.do(t, http.MethodGet, "/runs/"+run.ID+"/logs", nil))
	if len(all) != 2 {
		t.Fatalf("logs=%+v", all)
	}
	tail := decodeBody[[]domain.LogEntry](t, env.do(t, http.MethodGet, "/runs/"+run.ID+"/logs?after_id=1", nil))
	if len(tail) != 1 || tail[0].Message != "job created and started" {
		t.Fatalf("tail=%+v", tail)
	}
	if rec := env.do(t, http.MethodGet, "/runs/"+run.ID+"/logs?after_id=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestMetricsIngestAndList(t *testing.T) {
	env := newTestEnv(t)
	run := decodeBody[domain.Run](t, env.do(t, http.MethodPost, "/runs", validCreate()))

	points := []domain.MetricPoint{{Time: 0.5, Reward: 1}, {Time: 1.0, Reward: 2, Energy: 0.3}}
	if rec := env.do(t, http.MethodPost, "/runs/"+run.ID+"/metrics", points); rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	got := decodeBody[[]domain.MetricPoint](t, env.do(t, http.MethodGet, "/runs/"+run.ID+"/metrics", nil))
	if len(got) != 2 || got[1].Energy != 0.3 {
		t.Fatalf("metrics=%+v", got)
	}
	if rec := env.do(t, http.MethodPost, "/runs/run-missing/metrics", points); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run status=%d", rec.Code)
	}
}

func TestCatalogRoutes(t *testing.T) {
	env := newTestEnv(t)
	monty := decodeBody[[]domain.DockerImage](t, env.do(t, http.MethodGet, "/images/monty", nil))
	if len(monty) != 2 || monty[0].Role != domain.ImageRoleMonty {
		t.Fatalf("monty images=%+v", monty)
	}
	sims := decodeBody[[]domain.DockerImage](t, env.do(t, http.MethodGet, "/images/simulator", nil))
	if len(sims) != 2 || sims[0].ID != "s1" {
		t.Fatalf("simulator images=%+v", sims)
	}
	profiles := decodeBody[[]domain.BrainProfile](t, env.do(t, http.MethodGet, "/brain-profiles", nil))
	if len(profiles) != 3 {
		t.Fatalf("profiles=%+v", profiles)
	}
}

func TestSocketFeedDeliversRunLogs(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.broadcaster.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.broadcaster.Len() != 1 {
		t.Fatalf("observer not attached")
	}

	run := decodeBody[domain.Run](t, env.do(t, http.MethodPost, "/runs", validCreate()))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var messages []events.Envelope
	for len(messages) < 2 {
		var msg events.Envelope
		if err := client.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		messages = append(messages, msg)
	}
	if messages[0].Data.RunID != run.ID || messages[0].Data.ID != 1 || messages[1].Data.ID != 2 {
		t.Fatalf("messages=%+v", messages)
	}
}

func TestSocketFeedUnknownRun(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/ws/run-missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/runs/run-missing/stream", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}
