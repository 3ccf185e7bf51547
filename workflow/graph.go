package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeLabel is the two-valued outcome that selects which outgoing edges fire.
type EdgeLabel string

const (
	EdgeLabelSuccess EdgeLabel = "SUCCESS"
	EdgeLabelFailure EdgeLabel = "FAILURE"
)

// Valid reports whether l is SUCCESS or FAILURE.
func (l EdgeLabel) Valid() bool {
	return l == EdgeLabelSuccess || l == EdgeLabelFailure
}

func (l EdgeLabel) String() string { return string(l) }

// ParseEdgeLabel converts the upper-case label name into an EdgeLabel.
func ParseEdgeLabel(s string) (EdgeLabel, error) {
	l := EdgeLabel(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown edge label %q", s)
	}
	return l, nil
}

// Reserved node ids.
const (
	StartNodeID = "START"
	EndNodeID   = "END"
)

// Node is a named step in a workflow graph.
type Node struct {
	ID string `json:"id" yaml:"id"`
}

// IsStart reports whether the node is the entry sentinel.
func (n Node) IsStart() bool { return n.ID == StartNodeID }

// IsEnd reports whether the node is the terminal sentinel.
func (n Node) IsEnd() bool { return n.ID == EndNodeID }

func (n Node) String() string { return n.ID }

// Edge is a directed, labelled transition between two nodes.
type Edge struct {
	Source string    `json:"source" yaml:"source"`
	Target string    `json:"target" yaml:"target"`
	Label  EdgeLabel `json:"label" yaml:"label"`
}

func (e Edge) String() string {
	return e.Source + ">" + e.Target + "/" + string(e.Label)
}

// Graph is an immutable, validated workflow graph. It is safe to share
// between concurrently running instances.
type Graph struct {
	edges    []Edge
	nodes    map[string]Node
	nodeIDs  []string
	outgoing map[string][]Edge
	incoming map[string][]Edge
}

// NewGraph builds a graph from edges and validates it.
func NewGraph(edges ...Edge) (*Graph, error) {
	g := &Graph{
		edges:    make([]Edge, 0, len(edges)),
		nodes:    make(map[string]Node),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
	}

	seen := make(map[Edge]bool, len(edges))
	for i, e := range edges {
		if err := validateEdge(e); err != nil {
			return nil, formatError(e.String(), i, "%s", err)
		}
		if seen[e] {
			return nil, formatError(e.String(), i, "duplicate edge")
		}
		seen[e] = true

		g.edges = append(g.edges, e)
		g.addNode(e.Source)
		g.addNode(e.Target)
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
	}

	for id := range g.nodes {
		g.nodeIDs = append(g.nodeIDs, id)
	}
	sort.Strings(g.nodeIDs)
	for _, list := range g.outgoing {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Label != list[j].Label {
				return list[i].Label < list[j].Label
			}
			return list[i].Target < list[j].Target
		})
	}
	for _, list := range g.incoming {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Source != list[j].Source {
				return list[i].Source < list[j].Source
			}
			return list[i].Label < list[j].Label
		})
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) addNode(id string) {
	if _, ok := g.nodes[id]; !ok {
		g.nodes[id] = Node{ID: id}
	}
}

func validateEdge(e Edge) error {
	if err := validateNodeID(e.Source); err != nil {
		return err
	}
	if err := validateNodeID(e.Target); err != nil {
		return err
	}
	if !e.Label.Valid() {
		return fmt.Errorf("unknown edge label %q", e.Label)
	}
	if e.Target == StartNodeID {
		return fmt.Errorf("edge into %s", StartNodeID)
	}
	if e.Source == EndNodeID {
		return fmt.Errorf("edge out of %s", EndNodeID)
	}
	return nil
}

func validateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("empty node id")
	}
	if strings.ContainsAny(id, "[]>/, \t\r\n") {
		return fmt.Errorf("node id %q contains a reserved character", id)
	}
	// START and END are case-sensitive; a differently cased alias would be a second entry or exit.
	if id != StartNodeID && strings.EqualFold(id, StartNodeID) {
		return fmt.Errorf("duplicate %s node %q", StartNodeID, id)
	}
	if id != EndNodeID && strings.EqualFold(id, EndNodeID) {
		return fmt.Errorf("duplicate %s node %q", EndNodeID, id)
	}
	return nil
}

func (g *Graph) validate() error {
	if _, ok := g.nodes[StartNodeID]; !ok {
		return formatError("", -1, "missing %s node", StartNodeID)
	}
	if _, ok := g.nodes[EndNodeID]; !ok {
		return formatError("", -1, "missing %s node", EndNodeID)
	}
	return g.detectCycles()
}

// detectCycles runs a depth-first search in sorted node order so the
// reported node is deterministic.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool, len(g.nodes))
	recStack := make(map[string]bool, len(g.nodes))

	for _, id := range g.nodeIDs {
		if visited[id] {
			continue
		}
		if cycleAt := g.hasCycleDFS(id, visited, recStack); cycleAt != "" {
			return formatError("", -1, "cycle detected involving node %s", cycleAt)
		}
	}
	return nil
}

func (g *Graph) hasCycleDFS(id string, visited, recStack map[string]bool) string {
	visited[id] = true
	recStack[id] = true

	for _, e := range g.outgoing[id] {
		if recStack[e.Target] {
			return e.Target
		}
		if !visited[e.Target] {
			if at := g.hasCycleDFS(e.Target, visited, recStack); at != "" {
				return at
			}
		}
	}

	recStack[id] = false
	return ""
}

// HasNode reports whether id is a node of the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// AllNodes returns every node sorted by id.
func (g *Graph) AllNodes() []Node {
	nodes := make([]Node, 0, len(g.nodeIDs))
	for _, id := range g.nodeIDs {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// NodeCount returns the number of nodes, START and END included.
func (g *Graph) NodeCount() int { return len(g.nodeIDs) }

// Edges returns the edges in definition order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Outgoing returns the edges leaving nodeID sorted by label, then target.
func (g *Graph) Outgoing(nodeID string) []Edge {
	out := make([]Edge, len(g.outgoing[nodeID]))
	copy(out, g.outgoing[nodeID])
	return out
}

// Incoming returns the edges entering nodeID sorted by source, then label.
func (g *Graph) Incoming(nodeID string) []Edge {
	in := make([]Edge, len(g.incoming[nodeID]))
	copy(in, g.incoming[nodeID])
	return in
}

// OutgoingEdges returns the ids of the nodes reached from nodeID through
// edges carrying label, sorted ascending. Nil when there are none.
func (g *Graph) OutgoingEdges(nodeID string, label EdgeLabel) []string {
	var targets []string
	for _, e := range g.outgoing[nodeID] {
		if e.Label == label {
			targets = append(targets, e.Target)
		}
	}
	sort.Strings(targets)
	return targets
}

// Equal reports whether both graphs have the same edge set.
func (g *Graph) Equal(other *Graph) bool {
	if g == nil || other == nil {
		return g == other
	}
	if len(g.edges) != len(other.edges) {
		return false
	}
	set := make(map[Edge]struct{}, len(g.edges))
	for _, e := range g.edges {
		set[e] = struct{}{}
	}
	for _, e := range other.edges {
		if _, ok := set[e]; !ok {
			return false
		}
	}
	return true
}

// String returns the graph in its textual notation. Parse(g.String())
// yields an equal graph.
func (g *Graph) String() string {
	parts := make([]string, len(g.edges))
	for i, e := range g.edges {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
