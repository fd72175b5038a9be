package batch

import (
	"context"
	"fmt"

	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
)

// Link is an existing connection between two node ports.
type Link struct {
	ID string   `json:"link_id"`
	A  Endpoint `json:"a"`
	B  Endpoint `json:"b"`
}

// Snapshot is a read-only view of the upstream topology.
type Snapshot struct {
	Nodes []string
	Links []Link
}

// Topology is the upstream platform a topology batch mutates.
type Topology interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	ConnectLink(ctx context.Context, a, b Endpoint) (string, error)
	DisconnectLink(ctx context.Context, linkID string) error
}

// simulation applies topology operations to a copy of a snapshot so a batch
// can be checked end to end without touching the platform.
type simulation struct {
	nodes map[string]bool
	used  map[Endpoint]string
	links map[string]Link
	next  int
}

func newSimulation(s *Snapshot) *simulation {
	sim := &simulation{
		nodes: make(map[string]bool, len(s.Nodes)),
		used:  make(map[Endpoint]string),
		links: make(map[string]Link, len(s.Links)),
	}
	for _, n := range s.Nodes {
		sim.nodes[n] = true
	}
	for _, l := range s.Links {
		sim.links[l.ID] = l
		sim.used[l.A] = l.ID
		sim.used[l.B] = l.ID
	}
	return sim
}

func (sim *simulation) checkEndpoint(e Endpoint) error {
	if e.Node == "" {
		return errcodes.New(errcodes.InvalidParameter, "endpoint node is required")
	}
	if e.Adapter < 0 || e.Port < 0 {
		return errcodes.New(errcodes.InvalidParameter, "endpoint %s has a negative adapter or port", e)
	}
	if !sim.nodes[e.Node] {
		return errcodes.New(errcodes.TargetNotFound, "node %q does not exist", e.Node)
	}
	return nil
}

// connect adds a planned link and returns its placeholder ID.
func (sim *simulation) connect(a, b Endpoint) (string, error) {
	if err := sim.checkEndpoint(a); err != nil {
		return "", err
	}
	if err := sim.checkEndpoint(b); err != nil {
		return "", err
	}
	if a == b {
		return "", errcodes.New(errcodes.InvalidParameter, "cannot link %s to itself", a)
	}
	for _, e := range []Endpoint{a, b} {
		if id, ok := sim.used[e]; ok {
			return "", errcodes.New(errcodes.InvalidParameter, "port %s is already used by link %s", e, id)
		}
	}
	sim.next++
	id := fmt.Sprintf("planned-%d", sim.next)
	sim.links[id] = Link{ID: id, A: a, B: b}
	sim.used[a] = id
	sim.used[b] = id
	return id, nil
}

// disconnect removes the link and returns its ID.
func (sim *simulation) disconnect(op *DisconnectLinkOp) (string, error) {
	id := op.LinkID
	if id == "" {
		if op.Endpoint == nil {
			return "", errcodes.New(errcodes.InvalidParameter, "link_id or endpoint is required")
		}
		if err := sim.checkEndpoint(*op.Endpoint); err != nil {
			return "", err
		}
		var ok bool
		if id, ok = sim.used[*op.Endpoint]; !ok {
			return "", errcodes.New(errcodes.InvalidParameter, "no link on port %s", *op.Endpoint)
		}
	}
	l, ok := sim.links[id]
	if !ok {
		return "", errcodes.New(errcodes.InvalidParameter, "link %q does not exist", id)
	}
	delete(sim.links, id)
	delete(sim.used, l.A)
	delete(sim.used, l.B)
	return id, nil
}
