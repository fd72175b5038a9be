// Package upstream talks to the simulation platform that owns the project
// topology. It resolves node names to console coordinates and applies link
// changes for topology batches.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/batch"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/logutil"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
)

// Client is a project-scoped API client.
type Client struct {
	baseURL string
	project string
	token   string
	http    *http.Client
}

// New creates a client for one project.
func New(baseURL, project, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		project: project,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Node is a project node as reported by the platform.
type Node struct {
	ID          string `json:"node_id"`
	Name        string `json:"name"`
	NodeType    string `json:"node_type"`
	Status      string `json:"status"`
	Console     int    `json:"console"`
	ConsoleHost string `json:"console_host"`
	ConsoleType string `json:"console_type"`
}

type linkEnd struct {
	NodeID  string `json:"node_id"`
	Adapter int    `json:"adapter_number"`
	Port    int    `json:"port_number"`
}

type link struct {
	ID    string    `json:"link_id,omitempty"`
	Nodes []linkEnd `json:"nodes"`
}

func (c *Client) projectPath(format string, args ...any) string {
	return "/v3/projects/" + url.PathEscape(c.project) + fmt.Sprintf(format, args...)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errcodes.Wrap(errcodes.UpstreamError, err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errcodes.New(errcodes.UpstreamError, "%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errcodes.Wrap(errcodes.UpstreamError, err, "decode %s %s response", method, path)
	}
	return nil
}

// Nodes lists the project's nodes.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.doRequest(ctx, http.MethodGet, c.projectPath("/nodes"), nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Client) links(ctx context.Context) ([]link, error) {
	var links []link
	if err := c.doRequest(ctx, http.MethodGet, c.projectPath("/links"), nil, &links); err != nil {
		return nil, err
	}
	return links, nil
}

// Resolve maps a node name to its console coordinates. Nodes bound to the
// wildcard address are reached through the platform host.
func (c *Client) Resolve(ctx context.Context, name string) (targets.Coordinates, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return targets.Coordinates{}, err
	}
	for _, n := range nodes {
		if n.Name != name {
			continue
		}
		if n.ConsoleType != "telnet" {
			return targets.Coordinates{}, errcodes.New(errcodes.InvalidParameter,
				"node %q has console type %q; only telnet consoles are supported", name, n.ConsoleType)
		}
		if n.Console == 0 {
			return targets.Coordinates{}, errcodes.New(errcodes.InvalidParameter, "node %q has no console port", name)
		}
		host := n.ConsoleHost
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = c.platformHost()
		}
		coords := targets.Coordinates{
			Name:     name,
			Host:     host,
			Port:     n.Console,
			Protocol: targets.ProtocolTelnet,
			Kind:     targets.KindStream,
		}
		if err := coords.Validate(); err != nil {
			return targets.Coordinates{}, err
		}
		return coords, nil
	}
	return targets.Coordinates{}, errcodes.Wrap(errcodes.TargetNotFound, targets.ErrNotFound,
		"no node named %q in project %s", name, c.project)
}

func (c *Client) platformHost() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Snapshot reads nodes and links for batch validation. Link endpoints are
// reported by node name.
func (c *Client) Snapshot(ctx context.Context) (*batch.Snapshot, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	links, err := c.links(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(nodes))
	snap := &batch.Snapshot{Nodes: make([]string, 0, len(nodes))}
	for _, n := range nodes {
		names[n.ID] = n.Name
		snap.Nodes = append(snap.Nodes, n.Name)
	}
	for _, l := range links {
		if len(l.Nodes) != 2 {
			continue
		}
		snap.Links = append(snap.Links, batch.Link{
			ID: l.ID,
			A:  batch.Endpoint{Node: names[l.Nodes[0].NodeID], Adapter: l.Nodes[0].Adapter, Port: l.Nodes[0].Port},
			B:  batch.Endpoint{Node: names[l.Nodes[1].NodeID], Adapter: l.Nodes[1].Adapter, Port: l.Nodes[1].Port},
		})
	}
	return snap, nil
}

// ConnectLink creates a link between two node ports and returns its ID.
func (c *Client) ConnectLink(ctx context.Context, a, b batch.Endpoint) (string, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return "", err
	}
	ids := make(map[string]string, len(nodes))
	for _, n := range nodes {
		ids[n.Name] = n.ID
	}
	body := link{}
	for _, e := range []batch.Endpoint{a, b} {
		id, ok := ids[e.Node]
		if !ok {
			return "", errcodes.New(errcodes.TargetNotFound, "no node named %q in project %s", e.Node, c.project)
		}
		body.Nodes = append(body.Nodes, linkEnd{NodeID: id, Adapter: e.Adapter, Port: e.Port})
	}

	var created link
	if err := c.doRequest(ctx, http.MethodPost, c.projectPath("/links"), body, &created); err != nil {
		return "", err
	}
	log.Printf("[upstream] linked %s <-> %s (%s)", logutil.SanitizeForLog(a.String()), logutil.SanitizeForLog(b.String()), created.ID)
	return created.ID, nil
}

// DisconnectLink deletes a link.
func (c *Client) DisconnectLink(ctx context.Context, linkID string) error {
	if err := c.doRequest(ctx, http.MethodDelete, c.projectPath("/links/%s", url.PathEscape(linkID)), nil, nil); err != nil {
		return err
	}
	log.Printf("[upstream] removed link %s", logutil.SanitizeForLog(linkID))
	return nil
}
