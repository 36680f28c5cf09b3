package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/montylab/simorch/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListRunsSendsFiltersAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs" || r.URL.Query().Get("status") != "Running" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization=%q", got)
		}
		writeJSON(w, http.StatusOK, []domain.Run{{ID: "run-1", Status: domain.StatusRunning}})
	}))
	defer srv.Close()

	c := NewClient(context.Background(), srv.URL, AuthConfig{Token: "tok-1"})
	runs, err := c.ListRuns(context.Background(), ListRunsOpts{Status: "Running", Limit: 5})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("runs=%+v", runs)
	}
}

func TestCreateRunDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MontyImageID != "m1" {
			t.Errorf("bad body: %v %+v", err, req)
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      "job_submission_failed",
			"request_id": "rid-9",
			"run":        domain.Run{ID: "run-2", Status: domain.StatusFailed},
		})
	}))
	defer srv.Close()

	c := NewClient(context.Background(), srv.URL, AuthConfig{})
	_, err := c.CreateRun(context.Background(), CreateRunRequest{Name: "walk", MontyImageID: "m1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != "job_submission_failed" || apiErr.Run == nil || apiErr.Run.Status != domain.StatusFailed {
		t.Fatalf("apiErr=%+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "rid-9") {
		t.Fatalf("error text %q lacks request id", apiErr.Error())
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	}))
	defer srv.Close()

	_, err := NewClient(context.Background(), srv.URL, AuthConfig{}).GetRun(context.Background(), "run-x")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientCredentialsToken(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("unexpected token request: %v %v", err, r.Form)
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "cc-token", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("GET /brain-profiles", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer cc-token" {
			t.Errorf("Authorization=%q", got)
		}
		writeJSON(w, http.StatusOK, []domain.BrainProfile{{ID: "bp1"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(context.Background(), srv.URL, AuthConfig{
		Token:        "ignored",
		TokenURL:     srv.URL + "/token",
		ClientID:     "simctl",
		ClientSecret: "secret",
	})
	for i := 0; i < 2; i++ {
		if _, err := c.BrainProfiles(context.Background()); err != nil {
			t.Fatalf("BrainProfiles: %v", err)
		}
	}
	if tokenCalls.Load() != 1 {
		t.Fatalf("token endpoint called %d times, want 1", tokenCalls.Load())
	}
}

func TestWatchDeliversEntries(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/run-1" {
			t.Errorf("path=%s", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := int64(1); i <= 2; i++ {
			_ = conn.WriteJSON(feedMessage{Type: "log", Data: domain.LogEntry{ID: i, RunID: "run-1", Message: "m"}})
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	var got []int64
	err := NewClient(context.Background(), srv.URL, AuthConfig{}).Watch(context.Background(), "run-1", func(e domain.LogEntry) {
		got = append(got, e.ID)
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got=%v", got)
	}
}

func TestLoadRunRequest(t *testing.T) {
	dir := t.TempDir()
	bridge := filepath.Join(dir, "run.py")
	if err := os.WriteFile(bridge, []byte("print('hi')\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reqPath := filepath.Join(dir, "req.yaml")
	body := "name: walk\nmontyImageId: m1\nsimulatorImageId: s1\nbrainProfileId: bp2\nactiveDeadlineSeconds: 900\nbridgeCodeFile: " + bridge + "\n"
	if err := os.WriteFile(reqPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	req, err := LoadRunRequest(reqPath)
	if err != nil {
		t.Fatalf("LoadRunRequest: %v", err)
	}
	if req.Name != "walk" || req.BrainProfileID != "bp2" || req.ActiveDeadlineSeconds != 900 || req.BridgeCode != "print('hi')\n" {
		t.Fatalf("req=%+v", req)
	}
}
