package onebot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nasbot/nasbot/pkg/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())

	return NewClient(config.NapCatConfig{
		Host:           u.Hostname(),
		Port:           port,
		Token:          "secret-token",
		TimeoutSeconds: 2,
	}), srv
}

func TestClient_SendPrivateMsg(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"status":"ok","retcode":0,"data":{"message_id":1}}`))
	}))

	if err := client.SendPrivateMsg(context.Background(), 123456, "你好"); err != nil {
		t.Fatalf("SendPrivateMsg() error = %v", err)
	}
	if gotPath != "/send_private_msg" {
		t.Fatalf("path = %q, want /send_private_msg", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}

	var params map[string]interface{}
	if err := json.Unmarshal(gotBody, &params); err != nil {
		t.Fatalf("request body not JSON: %v", err)
	}
	if params["user_id"].(float64) != 123456 {
		t.Fatalf("user_id = %v, want 123456", params["user_id"])
	}
	if params["message"] != "你好" {
		t.Fatalf("message = %v", params["message"])
	}
}

func TestClient_SendGroupMsg_GatewayFailure(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","retcode":1400,"wording":"群不存在"}`))
	}))

	err := client.SendGroupMsg(context.Background(), 654321, "hi")
	if err == nil {
		t.Fatal("expected error for failed status")
	}
}

func TestClient_GetLoginInfo(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_login_info" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"status":"ok","retcode":0,"data":{"user_id":99,"nickname":"bot"}}`))
	}))

	info, err := client.GetLoginInfo(context.Background())
	if err != nil {
		t.Fatalf("GetLoginInfo() error = %v", err)
	}
	if info.UserID != 99 || info.Nickname != "bot" {
		t.Fatalf("login info = %+v", info)
	}
}

func TestDispatch_TimeoutIsReportedNotRetried(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(3 * time.Second)
	}))

	evt := &Event{MessageType: MessageTypePrivate, UserID: 42}
	start := time.Now()
	err := Dispatch(context.Background(), client, evt, "slow reply")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("dispatch took %v, timeout not applied", elapsed)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("gateway called %d times, want exactly 1", n)
	}
}

func TestDispatch_RoutesGroupRepliesToGroup(t *testing.T) {
	var gotPath string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"status":"ok","retcode":0}`))
	}))

	evt := &Event{MessageType: MessageTypeGroup, UserID: 1, GroupID: 2}
	if err := Dispatch(context.Background(), client, evt, "reply"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if gotPath != "/send_group_msg" {
		t.Fatalf("path = %q, want /send_group_msg", gotPath)
	}
}

func TestDispatch_EmptyReplyIsNoop(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway should not be called for empty reply")
	}))

	evt := &Event{MessageType: MessageTypePrivate, UserID: 1}
	if err := Dispatch(context.Background(), client, evt, ""); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
}
