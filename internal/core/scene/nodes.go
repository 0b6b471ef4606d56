package scene

import (
	"fmt"
	"slices"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/geom"
)

// NodeStore owns the node tree and its flat lookup tables.
type NodeStore struct {
	roots      []*Node
	byID       map[string]*Node
	parents    map[string]*Node
	components map[string]*ComponentTable

	registry *component.Registry
	sink     dependencySink
}

func newNodeStore(registry *component.Registry, sink dependencySink) *NodeStore {
	return &NodeStore{
		roots:      []*Node{},
		byID:       make(map[string]*Node),
		parents:    make(map[string]*Node),
		components: make(map[string]*ComponentTable),
		registry:   registry,
		sink:       sink,
	}
}

func (s *NodeStore) Roots() []*Node { return s.roots }

func (s *NodeStore) Len() int { return len(s.byID) }

func (s *NodeStore) Get(id string) (*Node, bool) {
	n, ok := s.byID[id]
	return n, ok
}

// Parent returns the parent of id, nil for a root. ok is false for unknown ids.
func (s *NodeStore) Parent(id string) (parent *Node, ok bool) {
	if _, ok = s.byID[id]; !ok {
		return nil, false
	}
	return s.parents[id], true
}

func (s *NodeStore) Components(nodeID string) (*ComponentTable, bool) {
	t, ok := s.components[nodeID]
	return t, ok
}

// load registers an already built tree, typically decoded from storage.
func (s *NodeStore) load(roots []*Node) error {
	seen := make(map[string]struct{})
	for _, root := range roots {
		if err := checkIDs(root, seen); err != nil {
			return err
		}
		if err := s.prepare(root, false); err != nil {
			return err
		}
	}

	s.roots = roots
	for _, root := range roots {
		s.register(root, nil)
	}
	return nil
}

// checkIDs rejects empty ids, node ids already in seen or repeated within
// the subtree, and component ids repeated on one node. Visited node ids are
// added to seen.
func checkIDs(root *Node, seen map[string]struct{}) error {
	var err error
	root.walk(func(n *Node) {
		if err != nil {
			return
		}
		if n.ID == "" {
			err = fmt.Errorf("%w: node %q has no id", ErrValidationFailure, n.Name)
			return
		}
		if _, dup := seen[n.ID]; dup {
			err = fmt.Errorf("%w: duplicate node id %s", ErrValidationFailure, n.ID)
			return
		}
		seen[n.ID] = struct{}{}

		components := make(map[string]struct{}, len(n.Components))
		for _, c := range n.Components {
			if c == nil || c.ID == "" {
				err = fmt.Errorf("%w: node %s has a component without id", ErrValidationFailure, n.ID)
				return
			}
			if _, dup := components[c.ID]; dup {
				err = fmt.Errorf("%w: duplicate component id %s on node %s", ErrValidationFailure, c.ID, n.ID)
				return
			}
			components[c.ID] = struct{}{}
		}
	})
	return err
}

// Add inserts node and its subtree under parentID at index, assigning fresh
// ids to every node and component. It returns the actual index.
func (s *NodeStore) Add(node *Node, parentID string, index int) (int, error) {
	parent, err := s.lookupParent(parentID)
	if err != nil {
		return 0, err
	}
	if err = s.prepare(node, true); err != nil {
		return 0, err
	}
	return s.insert(node, parent, index), nil
}

// ClientAdd inserts a node confirmed by the server, keeping its ids.
func (s *NodeStore) ClientAdd(node *Node, parentID string, index int) (int, error) {
	parent, err := s.lookupParent(parentID)
	if err != nil {
		return 0, err
	}
	if err = checkIDs(node, make(map[string]struct{})); err != nil {
		return 0, err
	}
	var conflict error
	node.walk(func(n *Node) {
		if _, exists := s.byID[n.ID]; exists && conflict == nil {
			conflict = fmt.Errorf("%w: node id %q already present", ErrValidationFailure, n.ID)
		}
	})
	if conflict != nil {
		return 0, conflict
	}
	if err = s.prepare(node, false); err != nil {
		return 0, err
	}
	return s.insert(node, parent, index), nil
}

// prepare resolves component configs in the subtree and, when fresh is set,
// assigns new ids. It does not touch the store.
func (s *NodeStore) prepare(node *Node, fresh bool) error {
	var err error
	node.walk(func(n *Node) {
		for _, c := range n.Components {
			if err != nil {
				return
			}
			err = c.resolve(s.registry)
		}
	})
	if err != nil {
		return err
	}
	if fresh {
		node.walk(func(n *Node) {
			n.ID = newID()
			for _, c := range n.Components {
				c.ID = newID()
			}
		})
	}
	return nil
}

func (s *NodeStore) insert(node, parent *Node, index int) int {
	siblings := s.siblings(parent)
	index = clampIndex(index, len(*siblings))
	*siblings = slices.Insert(*siblings, index, node)
	s.register(node, parent)
	return index
}

// register indexes node and its descendants and wires their components.
func (s *NodeStore) register(node, parent *Node) {
	if node.Children == nil {
		node.Children = []*Node{}
	}
	s.byID[node.ID] = node
	s.parents[node.ID] = parent

	table := newComponentTable(node, s.registry, s.sink)
	s.components[node.ID] = table
	table.attachAll()

	for _, child := range node.Children {
		s.register(child, node)
	}
}

// Move reparents id under parentID. index refers to the sibling order before
// the node is taken out; when the node stays under the same parent and moves
// forward, the returned index accounts for its own removal.
func (s *NodeStore) Move(id, parentID string, index int) (int, error) {
	node, parent, err := s.validateMove(id, parentID)
	if err != nil {
		return 0, err
	}

	oldParent := s.parents[id]
	siblings := s.siblings(parent)
	index = clampIndex(index, len(*siblings))
	if oldParent == parent && slices.Index(*siblings, node) < index {
		index--
	}

	s.place(node, parent, index)
	return index, nil
}

// ClientMove places id at exactly index under parentID, as decided by the
// server.
func (s *NodeStore) ClientMove(id, parentID string, index int) error {
	node, parent, err := s.validateMove(id, parentID)
	if err != nil {
		return err
	}
	s.place(node, parent, index)
	return nil
}

func (s *NodeStore) validateMove(id, parentID string) (node, parent *Node, err error) {
	node, ok := s.byID[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidNodeID, id)
	}
	parent, err = s.lookupParent(parentID)
	if err != nil {
		return nil, nil, err
	}
	for ancestor := parent; ancestor != nil; ancestor = s.parents[ancestor.ID] {
		if ancestor == node {
			return nil, nil, fmt.Errorf("%w: %s into %s", ErrCyclicMove, id, parentID)
		}
	}
	return node, parent, nil
}

func (s *NodeStore) place(node, parent *Node, index int) {
	oldSiblings := s.siblings(s.parents[node.ID])
	*oldSiblings = slices.DeleteFunc(*oldSiblings, func(n *Node) bool { return n == node })

	siblings := s.siblings(parent)
	index = clampIndex(index, len(*siblings))
	*siblings = slices.Insert(*siblings, index, node)
	s.parents[node.ID] = parent
}

// Remove deletes id and its subtree. Components are torn down, children
// first, before the node leaves its parent's child list.
func (s *NodeStore) Remove(id string) error {
	node, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidNodeID, id)
	}
	s.unregister(node)

	siblings := s.siblings(s.parents[id])
	*siblings = slices.DeleteFunc(*siblings, func(n *Node) bool { return n == node })
	delete(s.parents, id)
	return nil
}

func (s *NodeStore) unregister(node *Node) {
	for _, child := range node.Children {
		s.unregister(child)
		delete(s.parents, child.ID)
	}
	if table, ok := s.components[node.ID]; ok {
		table.teardown()
	}
	delete(s.components, node.ID)
	delete(s.byID, node.ID)
}

// Duplicate copies the subtree rooted at id in one pass and inserts the copy
// as a sibling of the source at index. newNodes lists every inserted node in
// breadth-first order.
func (s *NodeStore) Duplicate(id, newName string, index int) (root *Node, newNodes []DuplicatedNode, err error) {
	source, ok := s.byID[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidNodeID, id)
	}

	type pair struct{ src, dst *Node }

	root, err = s.copyNode(source, newName)
	if err != nil {
		return nil, nil, err
	}
	order := []pair{{source, root}}
	for i := 0; i < len(order); i++ {
		for _, child := range order[i].src.Children {
			dst, err := s.copyNode(child, child.Name)
			if err != nil {
				return nil, nil, err
			}
			order[i].dst.Children = append(order[i].dst.Children, dst)
			order = append(order, pair{child, dst})
		}
	}

	parent := s.parents[id]
	if err = s.prepare(root, true); err != nil {
		return nil, nil, err
	}

	newNodes = make([]DuplicatedNode, 0, len(order))
	rootCopy, err := s.detached(root)
	if err != nil {
		return nil, nil, err
	}
	newNodes = append(newNodes, DuplicatedNode{Node: rootCopy, ParentID: nodeID(parent)})
	for _, p := range order {
		for childIndex, child := range p.dst.Children {
			childCopy, err := s.detached(child)
			if err != nil {
				return nil, nil, err
			}
			newNodes = append(newNodes, DuplicatedNode{Node: childCopy, ParentID: p.dst.ID, Index: childIndex})
		}
	}
	newNodes[0].Index = s.insert(root, parent, index)
	return root, newNodes, nil
}

// detached returns a copy of n without children whose components own
// cloned configs.
func (s *NodeStore) detached(n *Node) (*Node, error) {
	c := *n
	c.Children = []*Node{}
	c.Components = make([]*Component, len(n.Components))
	for i, comp := range n.Components {
		cfg, err := s.registry.Clone(comp.Config)
		if err != nil {
			return nil, fmt.Errorf("clone component %s: %w", comp.ID, err)
		}
		c.Components[i] = &Component{ID: comp.ID, Type: comp.Type, Config: cfg}
	}
	return &c, nil
}

// copyNode clones name, transform and components of n, without children.
func (s *NodeStore) copyNode(n *Node, name string) (*Node, error) {
	dst := NewNode(name, n.Transform())
	for _, c := range n.Components {
		cfg, err := s.registry.Clone(c.Config)
		if err != nil {
			return nil, fmt.Errorf("clone component %s: %w", c.ID, err)
		}
		dst.Components = append(dst.Components, &Component{Type: c.Type, Config: cfg})
	}
	return dst, nil
}

// WorldMatrix composes the local transforms of id and all its ancestors.
func (s *NodeStore) WorldMatrix(id string) (mgl64.Mat4, error) {
	node, ok := s.byID[id]
	if !ok {
		return mgl64.Mat4{}, fmt.Errorf("%w: %s", ErrInvalidNodeID, id)
	}
	return s.worldMatrix(node), nil
}

func (s *NodeStore) worldMatrix(node *Node) mgl64.Mat4 {
	m := node.Transform().Matrix()
	for parent := s.parents[node.ID]; parent != nil; parent = s.parents[parent.ID] {
		m = parent.Transform().Matrix().Mul4(m)
	}
	return m
}

// parentWorldMatrix is the identity for roots.
func (s *NodeStore) parentWorldMatrix(parent *Node) mgl64.Mat4 {
	if parent == nil {
		return mgl64.Ident4()
	}
	return s.worldMatrix(parent)
}

func (s *NodeStore) lookupParent(parentID string) (*Node, error) {
	if parentID == "" {
		return nil, nil
	}
	parent, ok := s.byID[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParent, parentID)
	}
	return parent, nil
}

func (s *NodeStore) siblings(parent *Node) *[]*Node {
	if parent == nil {
		return &s.roots
	}
	return &parent.Children
}

func nodeID(n *Node) string {
	if n == nil {
		return ""
	}
	return n.ID
}

// localTransform returns the transform that keeps world fixed under parent.
func (s *NodeStore) localTransform(parent *Node, world mgl64.Mat4) (geom.Transform, error) {
	t, err := geom.Localize(s.parentWorldMatrix(parent), world)
	if err != nil {
		return geom.Transform{}, fmt.Errorf("%w: %v", ErrValidationFailure, err)
	}
	return t, nil
}
