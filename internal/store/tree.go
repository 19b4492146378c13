package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/testdeck-dev/testdeck/internal/events"
)

// SortKey selects the ordering of children within a group view.
type SortKey int

const (
	// SortByName orders children lexicographically, case-sensitive.
	SortByName SortKey = iota
	// SortByDiscovery orders children by discovery rank, ties broken by
	// name. Groups carry rank 0 and therefore sort before tests.
	SortByDiscovery
)

// Node is one element of a materialized tree view. Group nodes are computed
// on demand from the leaves below them; their statuses are pure functions of
// their children and are never stored.
type Node struct {
	Name     string
	FullName string
	IsGroup  bool

	LastStatus  events.Status
	RunState    events.RunState
	DiscoveryID int
	Stale       bool
	LastRun     *time.Time

	// Leaf-only fields.
	FrameworkID string
	RunID       string
	Location    *events.Location

	Children []*Node
}

// Query materializes the subtree rooted at path. maxDepth limits the number
// of levels below the queried root (0 = unlimited); group statuses are
// always aggregated over the full leaf set, truncated children or not.
func (s *Store) Query(path []string, maxDepth int, sortKey SortKey) (*Node, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root := &Node{
		Name:     lastSegment(path),
		FullName: strings.Join(path, "/"),
		IsGroup:  true,
	}

	var leafAtRoot *Node
	matched := false
	for _, t := range s.tests {
		if !hasPrefix(t.Path, path) {
			continue
		}
		matched = true
		if len(t.Path) == len(path) {
			leafAtRoot = leafNode(t)
			break
		}
		insertLeaf(root, t, len(path))
	}

	if len(path) > 0 && !matched {
		return nil, s.revision, fmt.Errorf("no test item at %q", strings.Join(path, "/"))
	}
	if leafAtRoot != nil {
		return leafAtRoot, s.revision, nil
	}

	finalize(root, sortKey)
	if maxDepth > 0 {
		truncate(root, maxDepth)
	}
	return root, s.revision, nil
}

func lastSegment(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

func leafNode(t *Test) *Node {
	return &Node{
		Name:        lastSegment(t.Path),
		FullName:    t.FullName(),
		LastStatus:  t.LastStatus,
		RunState:    t.RunState,
		DiscoveryID: t.DiscoveryID,
		Stale:       t.Stale,
		LastRun:     t.LastRun,
		FrameworkID: t.FrameworkID,
		RunID:       t.RunID,
		Location:    t.Location,
	}
}

// insertLeaf materializes the group chain from the queried root down to the
// leaf. Group nodes exist only inside this view.
func insertLeaf(root *Node, t *Test, depth int) {
	node := root
	for i := depth; i < len(t.Path)-1; i++ {
		node = childGroup(node, t.Path[i], strings.Join(t.Path[:i+1], "/"))
	}
	node.Children = append(node.Children, leafNode(t))
}

func childGroup(parent *Node, name, fullName string) *Node {
	for _, c := range parent.Children {
		if c.IsGroup && c.Name == name {
			return c
		}
	}
	g := &Node{Name: name, FullName: fullName, IsGroup: true}
	parent.Children = append(parent.Children, g)
	return g
}

// finalize sorts children and computes derived group fields bottom-up.
func finalize(n *Node, sortKey SortKey) {
	if !n.IsGroup {
		return
	}
	for _, c := range n.Children {
		finalize(c, sortKey)
	}

	switch sortKey {
	case SortByDiscovery:
		sort.SliceStable(n.Children, func(i, j int) bool {
			a, b := n.Children[i], n.Children[j]
			if a.DiscoveryID != b.DiscoveryID {
				return groupRank(a.DiscoveryID) < groupRank(b.DiscoveryID)
			}
			return a.Name < b.Name
		})
	default:
		sort.SliceStable(n.Children, func(i, j int) bool {
			return n.Children[i].Name < n.Children[j].Name
		})
	}

	n.LastStatus = aggregateStatus(n.Children)
	n.RunState = aggregateRunState(n.Children)
	n.DiscoveryID = 0
	for _, c := range n.Children {
		n.Stale = n.Stale || c.Stale
		if c.LastRun != nil && (n.LastRun == nil || c.LastRun.After(*n.LastRun)) {
			n.LastRun = c.LastRun
		}
	}
}

// groupRank keeps discovery-order sorting stable in the presence of stale
// leaves (rank -1) and group nodes (rank 0): stale last, groups first.
func groupRank(id int) int {
	if id < 0 {
		return int(^uint(0) >> 1)
	}
	return id
}

// aggregateStatus is the documented pure function of children statuses:
// any crash wins, then failure, then stopped; a group is not-run only when
// every child is, and skipped only when nothing ever passed.
func aggregateStatus(children []*Node) events.Status {
	if len(children) == 0 {
		return events.StatusNotRun
	}
	counts := make(map[events.Status]int, len(children))
	for _, c := range children {
		counts[c.LastStatus]++
	}
	switch {
	case counts[events.StatusCrashed] > 0:
		return events.StatusCrashed
	case counts[events.StatusFailed] > 0:
		return events.StatusFailed
	case counts[events.StatusStopped] > 0:
		return events.StatusStopped
	case counts[events.StatusNotRun] == len(children):
		return events.StatusNotRun
	case counts[events.StatusPassed] > 0:
		return events.StatusPassed
	default:
		return events.StatusSkipped
	}
}

func aggregateRunState(children []*Node) events.RunState {
	state := events.RunStateIdle
	for _, c := range children {
		switch c.RunState {
		case events.RunStateRunning:
			return events.RunStateRunning
		case events.RunStateQueued:
			state = events.RunStateQueued
		}
	}
	return state
}

func truncate(n *Node, depth int) {
	if depth == 0 {
		n.Children = nil
		return
	}
	for _, c := range n.Children {
		truncate(c, depth-1)
	}
}
