package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nasbot/nasbot/pkg/config"
)

type wsHarness struct {
	transport *WSTransport
	frames    chan []byte
	authz     chan string
	gateway   *websocket.Conn
}

func newWSHarness(t *testing.T, token string) *wsHarness {
	t.Helper()

	h := &wsHarness{
		frames: make(chan []byte, 16),
		authz:  make(chan string, 1),
	}
	conns := make(chan *websocket.Conn, 1)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.authz <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig().NapCat
	cfg.WSUrl = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.Token = token
	cfg.ReconnectInterval = 0

	h.transport = NewWSTransport(cfg, func(frame []byte) {
		h.frames <- frame
	})
	if err := h.transport.Start(context.Background()); err != nil {
		t.Fatalf("transport start: %v", err)
	}
	t.Cleanup(h.transport.Stop)

	select {
	case h.gateway = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never saw the connection")
	}
	t.Cleanup(func() { h.gateway.Close() })

	return h
}

func (h *wsHarness) push(t *testing.T, frame string) {
	t.Helper()
	if err := h.gateway.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("gateway write: %v", err)
	}
}

func (h *wsHarness) waitFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event frame")
		return nil
	}
}

func (h *wsHarness) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.frames:
		t.Fatalf("unexpected frame delivered to handler: %s", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWSTransport_EventFramesReachHandler(t *testing.T) {
	h := newWSHarness(t, "secret")

	if got := <-h.authz; got != "Bearer secret" {
		t.Fatalf("authorization header = %q, want %q", got, "Bearer secret")
	}

	h.push(t, `{"post_type":"message","message_type":"private","message_id":1001,"user_id":1,"raw_message":"hi"}`)

	var evt map[string]interface{}
	if err := json.Unmarshal(h.waitFrame(t), &evt); err != nil {
		t.Fatalf("handler frame not JSON: %v", err)
	}
	if evt["post_type"] != "message" || evt["raw_message"] != "hi" {
		t.Fatalf("frame content mismatch: %v", evt)
	}
}

func TestWSTransport_APIResponseFramesAreSkipped(t *testing.T) {
	h := newWSHarness(t, "")

	h.push(t, `{"echo":"send_1","status":"ok","retcode":0}`)
	h.expectNoFrame(t)

	h.push(t, `{"post_type":"message","message_id":1,"user_id":1,"raw_message":"after"}`)
	var evt map[string]interface{}
	if err := json.Unmarshal(h.waitFrame(t), &evt); err != nil {
		t.Fatal(err)
	}
	if evt["raw_message"] != "after" {
		t.Fatalf("wrong frame reached handler: %v", evt)
	}
}

func TestWSTransport_DuplicateEventsAreSkipped(t *testing.T) {
	h := newWSHarness(t, "")

	dup := `{"post_type":"message","message_id":500,"user_id":1,"raw_message":"once"}`
	h.push(t, dup)
	h.waitFrame(t)

	h.push(t, dup)
	h.expectNoFrame(t)

	h.push(t, `{"post_type":"message","message_id":501,"user_id":1,"raw_message":"twice"}`)
	var evt map[string]interface{}
	if err := json.Unmarshal(h.waitFrame(t), &evt); err != nil {
		t.Fatal(err)
	}
	if evt["raw_message"] != "twice" {
		t.Fatalf("wrong frame reached handler: %v", evt)
	}
}

func TestWSTransport_SendBuildsAPIFrames(t *testing.T) {
	h := newWSHarness(t, "")
	ctx := context.Background()

	if err := h.transport.SendPrivateMsg(ctx, 42, "hello"); err != nil {
		t.Fatalf("send private: %v", err)
	}
	_, data, err := h.gateway.ReadMessage()
	if err != nil {
		t.Fatalf("gateway read: %v", err)
	}
	var req struct {
		Action string                 `json:"action"`
		Params map[string]interface{} `json:"params"`
		Echo   string                 `json:"echo"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatal(err)
	}
	if req.Action != "send_private_msg" {
		t.Fatalf("action = %q", req.Action)
	}
	if req.Params["user_id"] != float64(42) || req.Params["message"] != "hello" {
		t.Fatalf("params = %v", req.Params)
	}
	if req.Echo != "send_1" {
		t.Fatalf("echo = %q, want send_1", req.Echo)
	}

	if err := h.transport.SendGroupMsg(ctx, 99, "hi all"); err != nil {
		t.Fatalf("send group: %v", err)
	}
	if _, data, err = h.gateway.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatal(err)
	}
	if req.Action != "send_group_msg" || req.Params["group_id"] != float64(99) {
		t.Fatalf("group frame = %+v", req)
	}
	if req.Echo != "send_2" {
		t.Fatalf("echo = %q, want send_2", req.Echo)
	}
}

func TestWSTransport_SendWithoutConnectionFails(t *testing.T) {
	tr := NewWSTransport(config.DefaultConfig().NapCat, nil)
	if err := tr.SendPrivateMsg(context.Background(), 1, "hi"); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestWSTransport_DedupRingEvictsOldest(t *testing.T) {
	tr := NewWSTransport(config.DefaultConfig().NapCat, nil)

	if tr.seen("first") {
		t.Fatal("fresh id reported as seen")
	}
	if !tr.seen("first") {
		t.Fatal("repeated id not reported as seen")
	}

	for i := 0; i < wsDedupSize; i++ {
		tr.seen(fmt.Sprintf("id-%d", i))
	}
	if tr.seen("first") {
		t.Fatal("evicted id should have been forgotten")
	}
}
