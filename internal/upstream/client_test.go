package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gluk-w/claworc/console-gateway/internal/batch"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
)

type mockPlatform struct {
	mu      sync.Mutex
	links   []link
	deleted []string
}

func setupMockPlatform(t *testing.T) (*httptest.Server, *mockPlatform) {
	t.Helper()
	p := &mockPlatform{links: []link{{
		ID:    "L1",
		Nodes: []linkEnd{{NodeID: "n1", Adapter: 0, Port: 0}, {NodeID: "n2", Adapter: 0, Port: 0}},
	}}}

	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		if r.PathValue("project") != "lab" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"project not found"}`))
			return false
		}
		return true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/projects/{project}/nodes", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		json.NewEncoder(w).Encode([]Node{
			{ID: "n1", Name: "R1", Console: 5000, ConsoleHost: "0.0.0.0", ConsoleType: "telnet", Status: "started"},
			{ID: "n2", Name: "R2", Console: 5001, ConsoleHost: "10.1.1.1", ConsoleType: "telnet", Status: "started"},
			{ID: "n3", Name: "PC1", Console: 5900, ConsoleHost: "10.1.1.1", ConsoleType: "vnc", Status: "started"},
		})
	})
	mux.HandleFunc("GET /v3/projects/{project}/links", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		json.NewEncoder(w).Encode(p.links)
	})
	mux.HandleFunc("POST /v3/projects/{project}/links", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		var body link
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Nodes) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		body.ID = "L2"
		p.links = append(p.links, body)
		p.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("DELETE /v3/projects/{project}/links/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		p.mu.Lock()
		p.deleted = append(p.deleted, r.PathValue("id"))
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, p
}

func TestResolve(t *testing.T) {
	srv, _ := setupMockPlatform(t)
	c := New(srv.URL, "lab", "test-token")
	ctx := context.Background()

	coords, err := c.Resolve(ctx, "R1")
	if err != nil {
		t.Fatalf("Resolve(R1) error: %v", err)
	}
	if coords.Host != "127.0.0.1" || coords.Port != 5000 || coords.Protocol != targets.ProtocolTelnet {
		t.Errorf("Resolve(R1) = %+v, want platform host", coords)
	}
	if coords, _ := c.Resolve(ctx, "R2"); coords.Host != "10.1.1.1" {
		t.Errorf("Resolve(R2) host = %q", coords.Host)
	}
	if _, err := c.Resolve(ctx, "PC1"); !errcodes.Is(err, errcodes.InvalidParameter) {
		t.Errorf("Resolve(vnc node) = %v", err)
	}
	_, err = c.Resolve(ctx, "R9")
	if !errcodes.Is(err, errcodes.TargetNotFound) || !errors.Is(err, targets.ErrNotFound) {
		t.Errorf("Resolve(R9) = %v, want not found", err)
	}
}

func TestResolve_InChain(t *testing.T) {
	srv, _ := setupMockPlatform(t)
	inventory := targets.NewStatic(targets.Coordinates{Name: "SW1", Host: "10.0.0.3", Port: 22, Protocol: targets.ProtocolSSH, Username: "admin"})
	chain := targets.Chain{inventory, New(srv.URL, "lab", "test-token")}

	if c, err := chain.Resolve(context.Background(), "SW1"); err != nil || c.Port != 22 {
		t.Errorf("chain SW1 = %+v, %v", c, err)
	}
	if c, err := chain.Resolve(context.Background(), "R2"); err != nil || c.Port != 5001 {
		t.Errorf("chain R2 = %+v, %v", c, err)
	}
}

func TestErrors(t *testing.T) {
	srv, _ := setupMockPlatform(t)
	ctx := context.Background()

	if _, err := New(srv.URL, "lab", "wrong").Nodes(ctx); !errcodes.Is(err, errcodes.UpstreamError) {
		t.Errorf("bad token = %v", err)
	}
	if _, err := New(srv.URL, "other", "test-token").Resolve(ctx, "R1"); !errcodes.Is(err, errcodes.UpstreamError) {
		t.Errorf("unknown project = %v", err)
	}
	dead := New("http://127.0.0.1:1", "lab", "test-token")
	if _, err := dead.Snapshot(ctx); !errcodes.Is(err, errcodes.UpstreamError) {
		t.Errorf("unreachable platform = %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	srv, _ := setupMockPlatform(t)
	snap, err := New(srv.URL, "lab", "test-token").Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Nodes) != 3 {
		t.Errorf("nodes = %v", snap.Nodes)
	}
	want := batch.Link{ID: "L1", A: batch.Endpoint{Node: "R1"}, B: batch.Endpoint{Node: "R2"}}
	if len(snap.Links) != 1 || snap.Links[0] != want {
		t.Errorf("links = %+v", snap.Links)
	}
}

func TestConnectAndDisconnectLink(t *testing.T) {
	srv, p := setupMockPlatform(t)
	c := New(srv.URL, "lab", "test-token")
	ctx := context.Background()

	id, err := c.ConnectLink(ctx, batch.Endpoint{Node: "R1", Port: 1}, batch.Endpoint{Node: "R2", Adapter: 1, Port: 0})
	if err != nil {
		t.Fatalf("ConnectLink() error: %v", err)
	}
	if id != "L2" {
		t.Errorf("link id = %q", id)
	}
	p.mu.Lock()
	got := p.links[1].Nodes
	p.mu.Unlock()
	if got[0] != (linkEnd{NodeID: "n1", Adapter: 0, Port: 1}) || got[1] != (linkEnd{NodeID: "n2", Adapter: 1, Port: 0}) {
		t.Errorf("posted endpoints = %+v", got)
	}

	if _, err := c.ConnectLink(ctx, batch.Endpoint{Node: "R1"}, batch.Endpoint{Node: "R9"}); !errcodes.Is(err, errcodes.TargetNotFound) {
		t.Errorf("ConnectLink(unknown node) = %v", err)
	}

	if err := c.DisconnectLink(ctx, "L1"); err != nil {
		t.Fatalf("DisconnectLink() error: %v", err)
	}
	if len(p.deleted) != 1 || p.deleted[0] != "L1" {
		t.Errorf("deleted = %v", p.deleted)
	}
}

// The client drives a topology batch end to end.
func TestTopologyBatch(t *testing.T) {
	srv, p := setupMockPlatform(t)
	c := New(srv.URL, "lab", "test-token")
	exec := batch.NewExecutor(nil, nil, c, c)

	ops, err := batch.Decode([]map[string]any{
		{"type": "disconnect_link", "endpoint": map[string]any{"node": "R2", "port": 0}},
		{"type": "connect_link", "a": map[string]any{"node": "R1", "port": 1}, "b": map[string]any{"node": "R2", "port": 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := exec.Execute(context.Background(), ops)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(res.Completed) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(p.deleted) != 1 || p.deleted[0] != "L1" {
		t.Errorf("deleted = %v", p.deleted)
	}
}
