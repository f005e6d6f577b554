// Package pathfinder computes shortest paths over the overlay graph the
// discovery engine builds (spec §4.6). No library in the corpus provides
// graph search, so this runs stdlib container/heap directly.
package pathfinder

import (
	"container/heap"
	"fmt"

	"kme/internal/domain"
	"kme/pkg/errors"
)

// edge is a directed overlay edge: u -> v with weight = u's own distance,
// per the ambiguity flagged in the design notes. Not to be "fixed" without
// coordination.
type edge struct {
	to     string
	weight int
}

// Graph is the directed graph built from a discovery result (spec §3's
// "Overlay edge" rule: (u,v) exists iff v is in u's neighbor_tn_ids).
type Graph struct {
	adj map[string][]edge
}

// BuildGraph derives the overlay graph from discovered trusted-node
// records.
func BuildGraph(records []domain.TrustedNodeRecord) *Graph {
	g := &Graph{adj: make(map[string][]edge)}
	for _, r := range records {
		for _, n := range r.NeighborTnIDs {
			g.adj[r.TnID] = append(g.adj[r.TnID], edge{to: n, weight: r.Distance})
		}
		if _, ok := g.adj[r.TnID]; !ok {
			g.adj[r.TnID] = nil
		}
	}
	return g
}

type heapItem struct {
	tnID string
	dist int
}

type priorityQueue []heapItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].dist != pq[j].dist {
		return pq[i].dist < pq[j].dist
	}
	return pq[i].tnID < pq[j].tnID // lexicographic tie-break, spec §4.6
}
func (pq priorityQueue) Swap(i, j int)      { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(heapItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// FindPath returns the node sequence from src to dst inclusive, by
// Dijkstra's algorithm over non-negative edge weights. Fails with
// Unreachable when no path exists.
func (g *Graph) FindPath(src, dst string) ([]string, error) {
	if src == dst {
		return []string{src}, nil
	}

	dist := map[string]int{src: 0}
	prev := map[string]string{}
	visited := map[string]bool{}

	pq := &priorityQueue{{tnID: src, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(heapItem)
		if visited[cur.tnID] {
			continue
		}
		visited[cur.tnID] = true

		if cur.tnID == dst {
			return reconstructPath(prev, src, dst), nil
		}

		neighbors := append([]edge(nil), g.adj[cur.tnID]...)
		sortEdgesByTo(neighbors)

		for _, e := range neighbors {
			if visited[e.to] {
				continue
			}
			next := cur.dist + e.weight
			if existing, ok := dist[e.to]; !ok || next < existing || (next == existing && cur.tnID < prev[e.to]) {
				dist[e.to] = next
				prev[e.to] = cur.tnID
				heap.Push(pq, heapItem{tnID: e.to, dist: next})
			}
		}
	}

	return nil, errors.Wrap(errors.KindRouting, fmt.Sprintf("no path from %q to %q", src, dst), errors.ErrUnreachable)
}

func sortEdgesByTo(edges []edge) {
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edges[j].to < edges[j-1].to; j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
}

func reconstructPath(prev map[string]string, src, dst string) []string {
	path := []string{dst}
	for path[len(path)-1] != src {
		p := prev[path[len(path)-1]]
		path = append(path, p)
	}
	// reverse
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
