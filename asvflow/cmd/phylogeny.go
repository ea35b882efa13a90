// Copyright © 2023-2024 Lazar Lab
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"
	"sort"
	"strings"
)

// TreeLeafMismatchError is fatal: the tree and the variant tables must
// reference exactly the same identifiers.
type TreeLeafMismatchError struct {
	Missing []string // in the tables but not in the tree
	Extra   []string // in the tree but not in the tables
}

func (e *TreeLeafMismatchError) Error() string {
	return fmt.Sprintf("phylogeny: tree leaves do not match variant identifiers: %d missing, %d extra",
		len(e.Missing), len(e.Extra))
}

// PhyloNode is one node of a rooted tree; Length is the branch length
// to the parent.
type PhyloNode struct {
	Name     string
	Length   float64
	Children []*PhyloNode
}

// PhyloTree is a rooted phylogenetic tree over the final variant set.
// Attached once by the phylogeny binder, read-only thereafter.
type PhyloTree struct {
	Root *PhyloNode
}

// Leaves returns the leaf names, sorted.
func (t *PhyloTree) Leaves() []string {
	var names []string
	var walk func(n *PhyloNode)
	walk = func(n *PhyloNode) {
		if len(n.Children) == 0 {
			names = append(names, n.Name)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
	sort.Strings(names)
	return names
}

// RenameLeaves substitutes leaf names via the renaming map. Leaves
// absent from the map keep their name.
func (t *PhyloTree) RenameLeaves(names map[string]string) {
	var walk func(n *PhyloNode)
	walk = func(n *PhyloNode) {
		if len(n.Children) == 0 {
			if name, ok := names[n.Name]; ok {
				n.Name = name
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
}

// Newick serializes the rooted tree.
func (t *PhyloTree) Newick() string {
	var sb strings.Builder
	var walk func(n *PhyloNode, root bool)
	walk = func(n *PhyloNode, root bool) {
		if len(n.Children) > 0 {
			sb.WriteByte('(')
			for i, c := range n.Children {
				if i > 0 {
					sb.WriteByte(',')
				}
				walk(c, false)
			}
			sb.WriteByte(')')
		} else {
			sb.WriteString(n.Name)
		}
		if !root {
			fmt.Fprintf(&sb, ":%g", n.Length)
		}
	}
	walk(t.Root, true)
	sb.WriteByte(';')
	return sb.String()
}

// CheckLeaves verifies set equality between the tree leaves and the
// given identifiers.
func (t *PhyloTree) CheckLeaves(ids []string) error {
	leaves := make(map[string]bool)
	for _, l := range t.Leaves() {
		leaves[l] = true
	}
	want := make(map[string]bool, len(ids))
	var missing, extra []string
	for _, id := range ids {
		want[id] = true
		if !leaves[id] {
			missing = append(missing, id)
		}
	}
	for l := range leaves {
		if !want[l] {
			extra = append(extra, l)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return &TreeLeafMismatchError{Missing: missing, Extra: extra}
	}
	return nil
}

// word size of the alignment-free distance
const phyloK = 6

// BuildPhylogeny infers a midpoint-rooted tree over the variant
// sequences: alignment-free k-mer distances, neighbor joining, then
// rooting at the middle of the longest leaf-to-leaf path. Labels are
// the sequences themselves until the output assembler renames them.
func BuildPhylogeny(ids []string, seqs map[string]string) (*PhyloTree, error) {
	n := len(ids)
	if n == 0 {
		return nil, ErrEmptyVariantTable
	}
	if n == 1 {
		root := &PhyloNode{Children: []*PhyloNode{{Name: ids[0]}}}
		return &PhyloTree{Root: root}, nil
	}

	sets := make([]map[uint64]struct{}, n)
	for i, id := range ids {
		sets[i] = kmerSet(seqs[id], phyloK)
	}
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			if i != j {
				dist[i][j] = 1 - jaccard(sets[i], sets[j])
			}
		}
	}

	g := neighborJoin(ids, dist)
	return g.midpointRoot(), nil
}

// unrooted tree as a weighted adjacency graph; leaves carry names
type phyloGraph struct {
	adj   map[int]map[int]float64
	names map[int]string
	next  int
}

func (g *phyloGraph) addEdge(a, b int, w float64) {
	if w < 0 {
		w = 0
	}
	g.adj[a][b] = w
	g.adj[b][a] = w
}

func (g *phyloGraph) newNode() int {
	id := g.next
	g.next++
	g.adj[id] = make(map[int]float64)
	return id
}

// neighborJoin runs the classic NJ agglomeration over the distance
// matrix, producing an unrooted weighted tree.
func neighborJoin(ids []string, dist [][]float64) *phyloGraph {
	g := &phyloGraph{
		adj:   make(map[int]map[int]float64),
		names: make(map[int]string),
	}
	active := make([]int, len(ids))
	for i, id := range ids {
		node := g.newNode()
		g.names[node] = id
		active[i] = node
	}

	// d maps active-slice positions to distances, rebuilt on merge
	d := dist

	for len(active) > 2 {
		m := len(active)
		r := make([]float64, m)
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				r[i] += d[i][j]
			}
		}

		// pick the pair minimizing the Q criterion
		bi, bj := 0, 1
		best := float64(m-2)*d[0][1] - r[0] - r[1]
		for i := 0; i < m; i++ {
			for j := i + 1; j < m; j++ {
				q := float64(m-2)*d[i][j] - r[i] - r[j]
				if q < best {
					best, bi, bj = q, i, j
				}
			}
		}

		u := g.newNode()
		li := 0.5*d[bi][bj] + (r[bi]-r[bj])/(2*float64(m-2))
		lj := d[bi][bj] - li
		g.addEdge(active[bi], u, li)
		g.addEdge(active[bj], u, lj)

		// distances from u to the remaining clusters
		nd := make([][]float64, m-1)
		na := make([]int, 0, m-1)
		rows := make([]int, 0, m-1)
		for i := 0; i < m; i++ {
			if i != bi && i != bj {
				na = append(na, active[i])
				rows = append(rows, i)
			}
		}
		na = append(na, u)
		for x := range nd {
			nd[x] = make([]float64, m-1)
		}
		for x, ri := range rows {
			for y, rj := range rows {
				nd[x][y] = d[ri][rj]
			}
			du := 0.5 * (d[ri][bi] + d[ri][bj] - d[bi][bj])
			if du < 0 {
				du = 0
			}
			nd[x][m-2] = du
			nd[m-2][x] = du
		}
		active, d = na, nd
	}

	g.addEdge(active[0], active[1], d[0][1])
	return g
}

// midpointRoot places the root at the point equidistant from the two
// most divergent leaves.
func (g *phyloGraph) midpointRoot() *PhyloTree {
	leaves := make([]int, 0, len(g.names))
	for id := range g.names {
		leaves = append(leaves, id)
	}
	sort.Ints(leaves)

	// farthest leaf pair by weighted path length
	var bestA, bestB int
	var bestDist float64
	bestA, bestB = leaves[0], leaves[0]
	for _, a := range leaves {
		dists, _ := g.pathsFrom(a)
		for _, b := range leaves {
			if dists[b] > bestDist {
				bestDist, bestA, bestB = dists[b], a, b
			}
		}
	}

	if bestA == bestB { // identical sequences everywhere, zero distances
		bestB = leaves[len(leaves)-1]
	}

	_, prev := g.pathsFrom(bestA)
	path := []int{bestB}
	for path[len(path)-1] != bestA {
		path = append(path, prev[path[len(path)-1]])
	}
	// path now runs bestB -> bestA; walk from bestA instead
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	half := bestDist / 2
	var cum float64
	for i := 0; i+1 < len(path); i++ {
		u, v := path[i], path[i+1]
		l := g.adj[u][v]
		if cum+l >= half || i+2 == len(path) {
			root := g.newNode()
			delete(g.adj[u], v)
			delete(g.adj[v], u)
			g.addEdge(u, root, half-cum)
			g.addEdge(root, v, l-(half-cum))
			return &PhyloTree{Root: g.buildRooted(root, -1)}
		}
		cum += l
	}
	// single-edge tree
	return &PhyloTree{Root: g.buildRooted(path[0], -1)}
}

// pathsFrom returns weighted distances and predecessors from a start
// node over the tree.
func (g *phyloGraph) pathsFrom(start int) (map[int]float64, map[int]int) {
	dists := map[int]float64{start: 0}
	prev := map[int]int{}
	stack := []int{start}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for v, w := range g.adj[u] {
			if _, seen := dists[v]; seen {
				continue
			}
			dists[v] = dists[u] + w
			prev[v] = u
			stack = append(stack, v)
		}
	}
	return dists, prev
}

func (g *phyloGraph) buildRooted(id, parent int) *PhyloNode {
	node := &PhyloNode{Name: g.names[id]}
	children := make([]int, 0, len(g.adj[id]))
	for v := range g.adj[id] {
		if v != parent {
			children = append(children, v)
		}
	}
	sort.Ints(children)
	for _, v := range children {
		child := g.buildRooted(v, id)
		child.Length = g.adj[id][v]
		node.Children = append(node.Children, child)
	}
	return node
}
