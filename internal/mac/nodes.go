// Package mac provides the link-layer stand-ins the spectrum cycle talks to:
// a table of fixed node positions and a per-node radio that generates
// packet traffic while its channel is available.
package mac

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/crahn-simulator/internal/geo"
)

var (
	// ErrDuplicateNode is returned when a node id is added twice.
	ErrDuplicateNode = errors.New("duplicate node id")
	// ErrBadNode is returned for a negative node id.
	ErrBadNode = errors.New("invalid node id")
)

// Node is a CR placement.
type Node struct {
	ID       int
	Position geo.Point
	// Channel is the initial receive channel.
	Channel int
}

// NodeTable maps node ids to positions. Positions are read-only once the
// run starts.
type NodeTable struct {
	nodes map[int]Node
}

// NewNodeTable builds a table from nodes.
func NewNodeTable(nodes ...Node) (*NodeTable, error) {
	t := &NodeTable{nodes: make(map[int]Node, len(nodes))}
	for _, n := range nodes {
		if err := t.Add(n); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add registers n.
func (t *NodeTable) Add(n Node) error {
	if n.ID < 0 {
		return fmt.Errorf("%w: %d", ErrBadNode, n.ID)
	}
	if _, ok := t.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateNode, n.ID)
	}
	t.nodes[n.ID] = n
	return nil
}

// Position implements the PU model's node locator.
func (t *NodeTable) Position(id int) (geo.Point, bool) {
	n, ok := t.nodes[id]
	return n.Position, ok
}

// Get returns the node with id.
func (t *NodeTable) Get(id int) (Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (t *NodeTable) Len() int { return len(t.nodes) }

// Nodes returns every node ordered by id.
func (t *NodeTable) Nodes() []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
