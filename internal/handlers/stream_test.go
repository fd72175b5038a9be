package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestStream_RelaysOutputAndInput(t *testing.T) {
	api, srv := setupTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/R1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if typ != websocket.MessageText || json.Unmarshal(data, &info) != nil || info["type"] != "session_info" {
		t.Fatalf("first message = %s", data)
	}
	s, ok := api.Sessions.Lookup("R1")
	if !ok || info["session_id"] != s.ID {
		t.Fatalf("session_info = %v", info)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("show clock\n")); err != nil {
		t.Fatal(err)
	}
	var got strings.Builder
	for !strings.Contains(got.String(), "R1#") {
		_, chunk, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read stream: %v (so far %q)", err, got.String())
		}
		got.Write(chunk)
	}
	if !strings.Contains(got.String(), "12:00:00 UTC") {
		t.Errorf("stream output = %q", got.String())
	}

	// Watching the stream is not a read.
	if api.Sessions.HasBeenRead("R1") {
		t.Error("stream marked the session read")
	}
	if s.Buffer.Cursor() != 0 {
		t.Errorf("stream moved the diff cursor to %d", s.Buffer.Cursor())
	}
}

func TestStream_ClosesWithSession(t *testing.T) {
	api, srv := setupTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/R1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatal(err)
	}

	if err := api.Sessions.Disconnect("R1"); err != nil {
		t.Fatal(err)
	}
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after disconnect = %v, want going away", err)
	}
}

func TestStream_UnknownTarget(t *testing.T) {
	_, srv := setupTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/R9/stream"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded for unknown target")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("response = %v", resp)
	}
}

func TestTokenBucket(t *testing.T) {
	tb := newTokenBucket(3, 1)
	for i := 0; i < 3; i++ {
		if !tb.allow() {
			t.Fatalf("message %d rejected within burst", i)
		}
	}
	if tb.allow() {
		t.Error("message beyond burst allowed")
	}
}
