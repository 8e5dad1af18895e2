// Package dag provides directed graph operations for field dependencies.
// Unlike a strict DAG, the graph tolerates cycles: every traversal is an
// explicit worklist with a visited set, so cyclic schemas terminate and never
// grow the call stack.
package dag

import (
	"fmt"
	"sort"
)

// Node represents a node in the graph.
type Node struct {
	// ID is the unique identifier (field id)
	ID string
	// Data holds arbitrary node data
	Data any
}

// Graph represents a directed graph where an edge parent -> child means the
// child's value depends on the parent.
type Graph struct {
	nodes   map[string]*Node
	edges   map[string][]string // parent -> children (dependents)
	parents map[string][]string // child -> parents (dependencies)
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]*Node),
		edges:   make(map[string][]string),
		parents: make(map[string][]string),
	}
}

// AddNode adds a node to the graph, updating its data if it already exists.
func (g *Graph) AddNode(id string, data any) {
	if n, exists := g.nodes[id]; exists {
		if data != nil {
			n.Data = data
		}
		return
	}
	g.nodes[id] = &Node{ID: id, Data: data}
	g.edges[id] = []string{}
	g.parents[id] = []string{}
}

// AddEdge adds a directed edge from parent to child (child depends on parent).
// Self-loops and cycles are accepted.
func (g *Graph) AddEdge(parentID, childID string) error {
	if _, exists := g.nodes[parentID]; !exists {
		return fmt.Errorf("parent node %q does not exist", parentID)
	}
	if _, exists := g.nodes[childID]; !exists {
		return fmt.Errorf("child node %q does not exist", childID)
	}

	if !contains(g.edges[parentID], childID) {
		g.edges[parentID] = append(g.edges[parentID], childID)
	}
	if !contains(g.parents[childID], parentID) {
		g.parents[childID] = append(g.parents[childID], parentID)
	}
	return nil
}

// Connect adds both nodes if missing and the edge between them.
func (g *Graph) Connect(parentID, childID string) {
	g.AddNode(parentID, nil)
	g.AddNode(childID, nil)
	_ = g.AddEdge(parentID, childID)
}

// GetNode returns a node by ID.
func (g *Graph) GetNode(id string) (*Node, bool) {
	node, exists := g.nodes[id]
	return node, exists
}

// GetParents returns the parents (dependencies) of a node.
func (g *Graph) GetParents(id string) []string {
	return g.parents[id]
}

// GetChildren returns the children (dependents) of a node.
func (g *Graph) GetChildren(id string) []string {
	return g.edges[id]
}

// GetAllNodes returns all nodes sorted by id.
func (g *Graph) GetAllNodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph) EdgeCount() int {
	count := 0
	for _, children := range g.edges {
		count += len(children)
	}
	return count
}

// HasCycle returns true if the graph contains a cycle, along with one cycle
// path that starts and ends on the same node.
func (g *Graph) HasCycle() (bool, []string) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	via := make(map[string]string)

	type frame struct {
		id   string
		next int
	}

	for _, start := range g.sortedIDs() {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start}}
		color[start] = grey

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := g.edges[top.id]
			if top.next >= len(children) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := children[top.next]
			top.next++

			switch color[child] {
			case white:
				color[child] = grey
				via[child] = top.id
				stack = append(stack, frame{id: child})
			case grey:
				path := []string{child}
				for curr := top.id; curr != child; curr = via[curr] {
					path = append(path, curr)
				}
				path = append(path, child)
				reverse(path)
				return true, path
			}
		}
	}
	return false, nil
}

// CyclicNodes returns the nodes that sit on a cycle or downstream of one,
// i.e. the nodes a topological sort cannot place.
func (g *Graph) CyclicNodes() []string {
	_, stuck := g.kahn(g.sortedIDs())
	return stuck
}

// TopologicalSort returns nodes in topological order (dependencies before dependents).
// Returns an error if the graph contains a cycle.
func (g *Graph) TopologicalSort() ([]*Node, error) {
	if hasCycle, cyclePath := g.HasCycle(); hasCycle {
		return nil, fmt.Errorf("cycle detected: %v", cyclePath)
	}

	levels, _ := g.kahn(g.sortedIDs())
	ids := g.sortedIDs()
	sort.SliceStable(ids, func(i, j int) bool {
		return levels[ids[i]] < levels[ids[j]]
	})

	result := make([]*Node, 0, len(ids))
	for _, id := range ids {
		result = append(result, g.nodes[id])
	}
	return result, nil
}

// GetExecutionLevels returns nodes grouped by level. Level 0 contains nodes
// with no dependencies; a node's level is its longest path from a root.
// Returns an error if the graph contains a cycle.
func (g *Graph) GetExecutionLevels() ([][]string, error) {
	if hasCycle, cyclePath := g.HasCycle(); hasCycle {
		return nil, fmt.Errorf("cycle detected: %v", cyclePath)
	}

	assigned, _ := g.kahn(g.sortedIDs())
	maxLevel := 0
	for _, level := range assigned {
		maxLevel = max(maxLevel, level)
	}

	levels := make([][]string, maxLevel+1)
	for i := range levels {
		levels[i] = []string{}
	}
	for id, level := range assigned {
		levels[level] = append(levels[level], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels, nil
}

// Propagation is the result of walking the graph downstream from a seed set.
type Propagation struct {
	// Levels maps every field that must be recomputed to its level (>= 1)
	Levels map[string]int
	// Order lists the keys of Levels sorted by level, then id
	Order []string
	// Depth is the BFS depth of every reachable node, seeds at 0
	Depth map[string]int
	// Cyclic lists the nodes that sit on a cycle, sorted. They are still
	// present in Levels.
	Cyclic []string
	// MaxLevel is the highest level in Levels
	MaxLevel int
}

// HasCycle reports whether any propagated node sits on a cycle.
func (p *Propagation) HasCycle() bool {
	return len(p.Cyclic) > 0
}

// PropagationLevels walks every node reachable from seeds and assigns
// recomputation levels.
//
// Levels follow the longest path from the seeds within the reachable
// subgraph, so a node reached through two paths of different length is
// scheduled after both. Seeds only appear in the result when another
// reachable node feeds them.
//
// Each cycle is ordered as a unit: its members take consecutive levels in
// BFS depth order, after everything feeding the cycle, and every node the
// cycle feeds is placed after its last member.
func (g *Graph) PropagationLevels(seeds []string) *Propagation {
	depth := g.bfs(seeds)

	reachable := make([]string, 0, len(depth))
	for id := range depth {
		reachable = append(reachable, id)
	}
	sort.Strings(reachable)

	comp, members := g.components(reachable)
	cyclic := make([]bool, len(members))
	var cyclicIDs []string
	for c, group := range members {
		sort.Slice(group, func(i, j int) bool {
			if depth[group[i]] != depth[group[j]] {
				return depth[group[i]] < depth[group[j]]
			}
			return group[i] < group[j]
		})
		cyclic[c] = len(group) > 1 || contains(g.edges[group[0]], group[0])
		if cyclic[c] {
			cyclicIDs = append(cyclicIDs, group...)
		}
	}
	sort.Strings(cyclicIDs)

	// Kahn over the condensed graph; first[c] is the level of the first
	// member of component c
	indeg := make([]int, len(members))
	succ := make([][]int, len(members))
	for _, id := range reachable {
		from := comp[id]
		for _, child := range g.edges[id] {
			to, ok := comp[child]
			if !ok || to == from {
				continue
			}
			succ[from] = append(succ[from], to)
			indeg[to]++
		}
	}

	first := make([]int, len(members))
	queue := make([]int, 0, len(members))
	for c := range members {
		if cyclic[c] {
			first[c] = 1
		}
		if indeg[c] == 0 {
			queue = append(queue, c)
		}
	}

	levels := make(map[string]int, len(reachable))
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		for i, id := range members[c] {
			levels[id] = first[c] + i
		}
		last := first[c] + len(members[c]) - 1
		for _, next := range succ[c] {
			first[next] = max(first[next], last+1)
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	p := &Propagation{
		Levels: make(map[string]int),
		Depth:  depth,
		Cyclic: cyclicIDs,
	}
	for id, level := range levels {
		if level == 0 {
			continue
		}
		p.Levels[id] = level
		p.Order = append(p.Order, id)
		p.MaxLevel = max(p.MaxLevel, level)
	}
	sort.Slice(p.Order, func(i, j int) bool {
		li, lj := p.Levels[p.Order[i]], p.Levels[p.Order[j]]
		if li != lj {
			return li < lj
		}
		return p.Order[i] < p.Order[j]
	})
	return p
}

// components returns the strongly connected components of the subgraph
// induced by ids, using Tarjan's algorithm with an explicit call stack.
// comp maps each node to the index of its component in members.
func (g *Graph) components(ids []string) (map[string]int, [][]string) {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	index := make(map[string]int, len(ids))
	low := make(map[string]int, len(ids))
	onStack := make(map[string]bool, len(ids))
	comp := make(map[string]int, len(ids))
	var members [][]string
	var stack []string
	counter := 0

	type frame struct {
		id   string
		next int
	}
	visit := func(id string) {
		index[id], low[id] = counter, counter
		counter++
		stack = append(stack, id)
		onStack[id] = true
	}

	for _, root := range ids {
		if _, seen := index[root]; seen {
			continue
		}
		visit(root)
		call := []frame{{id: root}}

		for len(call) > 0 {
			top := &call[len(call)-1]
			if children := g.edges[top.id]; top.next < len(children) {
				child := children[top.next]
				top.next++
				if !inSet[child] {
					continue
				}
				if _, seen := index[child]; !seen {
					visit(child)
					call = append(call, frame{id: child})
				} else if onStack[child] {
					low[top.id] = min(low[top.id], index[child])
				}
				continue
			}

			id := top.id
			call = call[:len(call)-1]
			if len(call) > 0 {
				parent := call[len(call)-1].id
				low[parent] = min(low[parent], low[id])
			}
			if low[id] != index[id] {
				continue
			}
			var group []string
			for {
				n := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[n] = false
				comp[n] = len(members)
				group = append(group, n)
				if n == id {
					break
				}
			}
			members = append(members, group)
		}
	}
	return comp, members
}

// GetAffectedNodes returns all nodes affected by changes to the given nodes.
// This includes the changed nodes and all their downstream dependents.
func (g *Graph) GetAffectedNodes(changedIDs []string) []string {
	known := make([]string, 0, len(changedIDs))
	for _, id := range changedIDs {
		if _, exists := g.nodes[id]; exists {
			known = append(known, id)
		}
	}

	depth := g.bfs(known)
	result := make([]string, 0, len(depth))
	for id := range depth {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// GetUpstreamNodes returns all nodes upstream of the given node (its dependencies and their dependencies).
func (g *Graph) GetUpstreamNodes(id string) []string {
	upstream := make(map[string]bool)
	queue := append([]string(nil), g.parents[id]...)

	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		if upstream[nodeID] {
			continue
		}
		upstream[nodeID] = true
		queue = append(queue, g.parents[nodeID]...)
	}

	result := make([]string, 0, len(upstream))
	for nodeID := range upstream {
		result = append(result, nodeID)
	}
	sort.Strings(result)
	return result
}

// GetRoots returns nodes with no parents (no dependencies).
func (g *Graph) GetRoots() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// GetLeaves returns nodes with no children (no dependents).
func (g *Graph) GetLeaves() []string {
	var leaves []string
	for id := range g.nodes {
		if len(g.edges[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// Subgraph returns a new graph containing only the specified nodes and their edges.
func (g *Graph) Subgraph(nodeIDs []string) *Graph {
	subgraph := NewGraph()
	nodeSet := make(map[string]bool)

	for _, id := range nodeIDs {
		if node, exists := g.nodes[id]; exists {
			nodeSet[id] = true
			subgraph.AddNode(id, node.Data)
		}
	}

	for id := range nodeSet {
		for _, childID := range g.edges[id] {
			if nodeSet[childID] {
				_ = subgraph.AddEdge(id, childID)
			}
		}
	}
	return subgraph
}

// bfs returns the BFS depth of every node reachable from seeds.
// Unknown seeds are included at depth 0.
func (g *Graph) bfs(seeds []string) map[string]int {
	depth := make(map[string]int)
	queue := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, seen := depth[id]; seen {
			continue
		}
		depth[id] = 0
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range g.edges[id] {
			if _, seen := depth[child]; seen {
				continue
			}
			depth[child] = depth[id] + 1
			queue = append(queue, child)
		}
	}
	return depth
}

// kahn assigns longest-path levels to the given node set, counting only
// edges inside the set. Nodes that never reach in-degree zero are returned
// as stuck.
func (g *Graph) kahn(ids []string) (map[string]int, []string) {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, parent := range g.parents[id] {
			if inSet[parent] {
				indeg[id]++
			}
		}
	}

	levels := make(map[string]int, len(ids))
	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if indeg[id] == 0 {
			levels[id] = 0
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range g.edges[id] {
			if !inSet[child] {
				continue
			}
			levels[child] = max(levels[child], levels[id]+1)
			indeg[child]--
			if indeg[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	var stuck []string
	for _, id := range ids {
		if indeg[id] > 0 {
			stuck = append(stuck, id)
			delete(levels, id)
		}
	}
	return levels, stuck
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// contains checks if a slice contains a string.
func contains(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
