// Package graph is the local view of a script graph. Every mutation is
// idempotent and reports whether it changed anything, so replayed or echoed
// events are harmless.
package graph

import (
	"maps"
	"reflect"
	"sort"
	"sync"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type,omitempty"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

type Graph struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string]Edge
}

func New() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
	}
}

// Load replaces the whole graph, used after a reconnect resync.
func (g *Graph) Load(nodes []Node, edges []Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]Node, len(nodes))
	for _, n := range nodes {
		g.nodes[n.ID] = cloneNode(n)
	}
	g.edges = make(map[string]Edge, len(edges))
	for _, e := range edges {
		g.edges[e.ID] = e
	}
}

// AddNode inserts n unless a node with the same id exists.
func (g *Graph) AddNode(n Node) bool {
	if n.ID == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.ID]; ok {
		return false
	}
	g.nodes[n.ID] = cloneNode(n)
	return true
}

// UpdateNode merges data into the node's fields. Later writes win per field.
func (g *Graph) UpdateNode(id string, data map[string]any) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	changed := false
	merged := maps.Clone(n.Data)
	if merged == nil {
		merged = make(map[string]any, len(data))
	}
	for k, v := range data {
		if current, exists := merged[k]; exists && reflect.DeepEqual(current, v) {
			continue
		}
		merged[k] = v
		changed = true
	}
	if changed {
		n.Data = merged
		g.nodes[id] = n
	}
	return changed
}

func (g *Graph) MoveNode(id string, pos Position) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok || n.Position == pos {
		return false
	}
	n.Position = pos
	g.nodes[id] = n
	return true
}

// DeleteNode removes the node and every edge touching it.
func (g *Graph) DeleteNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	delete(g.nodes, id)
	for edgeID, e := range g.edges {
		if e.Source == id || e.Target == id {
			delete(g.edges, edgeID)
		}
	}
	return true
}

// AddEdge inserts e when it is new. Events arrive in any order, so an edge
// may be stored before its endpoints; it stays hidden from Edges until both
// nodes exist.
func (g *Graph) AddEdge(e Edge) bool {
	if e.ID == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[e.ID]; ok {
		return false
	}
	g.edges[e.ID] = e
	return true
}

func (g *Graph) DeleteEdge(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[id]; !ok {
		return false
	}
	delete(g.edges, id)
	return true
}

func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(n), true
}

// Nodes returns a copy of every node ordered by id.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns every edge whose endpoints both exist, ordered by id.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		if g.connectedLocked(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dangling counts stored edges still waiting for an endpoint.
func (g *Graph) Dangling() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, e := range g.edges {
		if !g.connectedLocked(e) {
			n++
		}
	}
	return n
}

func (g *Graph) connectedLocked(e Edge) bool {
	_, src := g.nodes[e.Source]
	_, dst := g.nodes[e.Target]
	return src && dst
}

func cloneNode(n Node) Node {
	n.Data = maps.Clone(n.Data)
	return n
}
