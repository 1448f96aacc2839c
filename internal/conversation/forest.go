package conversation

import (
	"sync"

	"github.com/google/uuid"
)

// Forest is the registry of every conversation tree. Lookups are concurrent;
// structural writes (create, delete) take the registry lock briefly. A
// deleted node's id is never observable again.
type Forest struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	trees    map[string]string // tree id -> root node id
	activeID string

	maxTurns int
}

func NewForest(maxTurns int) *Forest {
	return &Forest{
		nodes:    make(map[string]*Node),
		trees:    make(map[string]string),
		maxTurns: maxTurns,
	}
}

// CreateRoot creates a new tree whose root carries no follow-up record.
func (f *Forest) CreateRoot(title string) *Node {
	id := uuid.NewString()
	node := newNode(id, title, "", nil, f.maxTurns)
	f.mu.Lock()
	f.nodes[id] = node
	f.trees[id] = id
	f.mu.Unlock()
	return node
}

// CreateChild links a new subchat under parentID. The child starts with an
// empty buffer; the only parent content it carries is the follow-up record.
func (f *Forest) CreateChild(parentID, title string, followUp *FollowUp) (*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent, ok := f.nodes[parentID]
	if !ok {
		return nil, ErrNotFound
	}
	id := uuid.NewString()
	node := newNode(id, title, parentID, followUp, f.maxTurns)
	f.nodes[id] = node
	parent.addChildID(id)
	return node, nil
}

func (f *Forest) Get(id string) (*Node, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	node, ok := f.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return node, nil
}

// SetActive records the node a session-less client is talking to.
func (f *Forest) SetActive(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return ErrNotFound
	}
	f.activeID = id
	return nil
}

func (f *Forest) Active() *Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nodes[f.activeID]
}

// Delete removes the node and its whole subtree depth-first. Archive records
// of deleted nodes are intentionally left in place; long-term memory
// outlives node death.
func (f *Forest) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if parentID := node.ParentID(); parentID != "" {
		if parent, ok := f.nodes[parentID]; ok {
			parent.removeChildID(id)
		}
	}
	f.deleteSubtree(node)
	delete(f.trees, id)
	return nil
}

func (f *Forest) deleteSubtree(node *Node) {
	for _, childID := range node.ChildIDs() {
		if child, ok := f.nodes[childID]; ok {
			f.deleteSubtree(child)
		}
	}
	delete(f.nodes, node.ID())
	if f.activeID == node.ID() {
		f.activeID = ""
	}
}

// Roots returns the root node of every tree.
func (f *Forest) Roots() []*Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Node, 0, len(f.trees))
	for _, rootID := range f.trees {
		if node, ok := f.nodes[rootID]; ok {
			out = append(out, node)
		}
	}
	return out
}

// PathTitles returns the titles from the root down to the given node. The UI
// renders this as a breadcrumb; prompt assembly never uses it.
func (f *Forest) PathTitles(id string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	node, ok := f.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	var titles []string
	for node != nil {
		titles = append([]string{node.Title()}, titles...)
		parentID := node.ParentID()
		if parentID == "" {
			break
		}
		node = f.nodes[parentID]
	}
	return titles, nil
}

// Len reports the number of live nodes.
func (f *Forest) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.nodes)
}
