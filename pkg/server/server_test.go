package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nasbot/nasbot/pkg/capture"
	"github.com/nasbot/nasbot/pkg/config"
	"github.com/nasbot/nasbot/pkg/onebot"
	"github.com/nasbot/nasbot/pkg/router"
	"github.com/nasbot/nasbot/pkg/store"
)

type testHarness struct {
	server   *Server
	pipeline *Pipeline
	gateway  *httptest.Server
	calls    *int32
	lastPath *string
}

func newTestHarness(t *testing.T, mutate func(cfg *config.Config), gatewayHandler http.HandlerFunc) *testHarness {
	t.Helper()

	var calls int32
	var lastPath string
	if gatewayHandler == nil {
		gatewayHandler = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"ok","retcode":0}`))
		}
	}
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		lastPath = r.URL.Path
		gatewayHandler(w, r)
	}))
	t.Cleanup(gateway.Close)

	u, _ := url.Parse(gateway.URL)
	port, _ := strconv.Atoi(u.Port())

	cfg := config.DefaultConfig()
	cfg.NapCat.Host = u.Hostname()
	cfg.NapCat.Port = port
	cfg.NapCat.TimeoutSeconds = 1
	cfg.Data.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.New(cfg.Data.Dir)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}

	rt := router.New(cfg, st, nil)
	client := onebot.NewClient(cfg.NapCat)

	var captures *capture.Log
	if cfg.Capture.Enabled {
		captures, err = capture.Open(cfg.Capture.Path, cfg.Capture.MaxRecords)
		if err != nil {
			t.Fatalf("capture.Open() error = %v", err)
		}
		t.Cleanup(func() { captures.Close() })
	}

	pipeline := NewPipeline(cfg, st, rt, client, captures)
	srv := New(cfg, pipeline, rt, captures)

	return &testHarness{
		server:   srv,
		pipeline: pipeline,
		gateway:  gateway,
		calls:    &calls,
		lastPath: &lastPath,
	}
}

func (h *testHarness) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func (h *testHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func TestWebhook_ControlCharactersAreRepaired(t *testing.T) {
	h := newTestHarness(t, nil, nil)

	w := h.post(t, "{\"post_type\": \"message\", \"message_type\": \"private\", \"user_id\": 1, \"raw_message\": \"/ping\x00\"}")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// The NUL byte was stripped, so the command still routed and a reply
	// went out.
	if n := atomic.LoadInt32(h.calls); n != 1 {
		t.Fatalf("gateway called %d times, want 1", n)
	}
	if *h.lastPath != "/send_private_msg" {
		t.Fatalf("gateway path = %q", *h.lastPath)
	}
}

func TestWebhook_MalformedJSONReturnsDiagnostic(t *testing.T) {
	h := newTestHarness(t, nil, nil)

	w := h.post(t, `{"message": "test`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var diag map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatalf("diagnostic is not JSON: %v", err)
	}
	if diag["error_char"] != "EOF" {
		t.Fatalf("error_char = %v, want EOF", diag["error_char"])
	}
	suggestions, _ := diag["suggestions"].([]interface{})
	found := false
	for _, s := range suggestions {
		if strings.Contains(s.(string), "未闭合的引号") {
			found = true
		}
	}
	if !found {
		t.Fatalf("suggestions = %v, want unterminated-string hint", suggestions)
	}

	if n := atomic.LoadInt32(h.calls); n != 0 {
		t.Fatalf("gateway called %d times for malformed input", n)
	}
}

func TestWebhook_GatewayTimeoutStillAnswers200(t *testing.T) {
	h := newTestHarness(t, nil, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})

	w := h.post(t, `{"post_type": "message", "message_type": "private", "user_id": 1, "raw_message": "/ping"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite dispatch timeout", w.Code)
	}
	if n := atomic.LoadInt32(h.calls); n != 1 {
		t.Fatalf("gateway called %d times, want exactly 1 (no retry)", n)
	}
	if c := h.pipeline.Snapshot(); c.DispatchErrors != 1 {
		t.Fatalf("dispatch errors = %d, want 1", c.DispatchErrors)
	}
}

func TestWebhook_UnknownPostTypeIsDropped(t *testing.T) {
	h := newTestHarness(t, nil, nil)

	w := h.post(t, `{"post_type": "cosmic_ray"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for dropped event", w.Code)
	}
	if n := atomic.LoadInt32(h.calls); n != 0 {
		t.Fatalf("gateway called %d times", n)
	}
}

func TestWebhook_AccessTokenEnforced(t *testing.T) {
	h := newTestHarness(t, func(cfg *config.Config) {
		cfg.Server.AccessToken = "hook-secret"
	}, nil)

	w := h.post(t, `{"post_type": "meta_event", "meta_event_type": "heartbeat"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"post_type": "meta_event", "meta_event_type": "heartbeat"}`))
	req.Header.Set("Authorization", "Bearer hook-secret")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", rec.Code)
	}
}

func TestStatus_ReportsCounters(t *testing.T) {
	h := newTestHarness(t, nil, nil)

	h.post(t, `{"post_type": "message", "message_type": "private", "user_id": 1, "raw_message": "hello ignored"}`)
	h.post(t, `not json`)

	w := h.get(t, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body not JSON: %v", err)
	}
	if body["status"] != "running" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["timestamp"] == nil {
		t.Fatal("timestamp missing")
	}
	if body["events_total"].(float64) != 2 {
		t.Fatalf("events_total = %v, want 2", body["events_total"])
	}
	if body["decode_errors"].(float64) != 1 {
		t.Fatalf("decode_errors = %v, want 1", body["decode_errors"])
	}
	if body["users_total"].(float64) != 1 {
		t.Fatalf("users_total = %v, want 1", body["users_total"])
	}
}

func TestHealth(t *testing.T) {
	h := newTestHarness(t, nil, nil)

	w := h.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestCaptures_RecordsBodies(t *testing.T) {
	dir := t.TempDir()
	h := newTestHarness(t, func(cfg *config.Config) {
		cfg.Capture.Enabled = true
		cfg.Capture.Path = dir + "/capture.db"
		cfg.Capture.MaxRecords = 10
	}, nil)

	h.post(t, `{"post_type": "meta_event", "meta_event_type": "heartbeat"}`)
	h.post(t, `{"broken`)

	// The capture writer is asynchronous.
	deadline := time.Now().Add(5 * time.Second)
	var body map[string]interface{}
	for {
		w := h.get(t, "/captures")
		if w.Code != http.StatusOK {
			t.Fatalf("captures status = %d", w.Code)
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("captures body not JSON: %v", err)
		}
		if body["count"].(float64) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("captures count = %v, want 2", body["count"])
		}
		time.Sleep(10 * time.Millisecond)
	}

	recs := body["captures"].([]interface{})
	newest := recs[0].(map[string]interface{})
	if newest["valid"] != false {
		t.Fatalf("newest capture = %+v, want invalid", newest)
	}
}

func TestCaptures_DisabledReturns404(t *testing.T) {
	h := newTestHarness(t, nil, nil)

	w := h.get(t, "/captures")
	if w.Code != http.StatusNotFound {
		t.Fatalf("captures status = %d, want 404 when disabled", w.Code)
	}
}
