package scene

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeusync/scenesync/internal/core/geom"
)

const (
	CommandAddNode         = "addNode"
	CommandSetNodeProperty = "setNodeProperty"
	CommandMoveNode        = "moveNode"
	CommandDuplicateNode   = "duplicateNode"
	CommandRemoveNode      = "removeNode"
	CommandAddComponent    = "addComponent"
	CommandEditComponent   = "editComponent"
	CommandRemoveComponent = "removeComponent"
)

// Command is one of the argument types below. The set is closed.
type Command interface {
	CommandName() string
	apply(a *Asset) (any, error)
}

var decoders = map[string]func() Command{
	CommandAddNode:         func() Command { return &AddNodeArgs{} },
	CommandSetNodeProperty: func() Command { return &SetNodePropertyArgs{} },
	CommandMoveNode:        func() Command { return &MoveNodeArgs{} },
	CommandDuplicateNode:   func() Command { return &DuplicateNodeArgs{} },
	CommandRemoveNode:      func() Command { return &RemoveNodeArgs{} },
	CommandAddComponent:    func() Command { return &AddComponentArgs{} },
	CommandEditComponent:   func() Command { return &EditComponentArgs{} },
	CommandRemoveComponent: func() Command { return &RemoveComponentArgs{} },
}

var replays = map[string]func(a *Asset, result json.RawMessage) error{
	CommandAddNode:         replay((*Asset).replayAddNode),
	CommandSetNodeProperty: replay((*Asset).replaySetNodeProperty),
	CommandMoveNode:        replay((*Asset).replayMoveNode),
	CommandDuplicateNode:   replay((*Asset).replayDuplicateNode),
	CommandRemoveNode:      replay((*Asset).replayRemoveNode),
	CommandAddComponent:    replay((*Asset).replayAddComponent),
	CommandEditComponent:   replay((*Asset).replayEditComponent),
	CommandRemoveComponent: replay((*Asset).replayRemoveComponent),
}

func replay[R any](fn func(a *Asset, result R) error) func(*Asset, json.RawMessage) error {
	return func(a *Asset, raw json.RawMessage) error {
		var result R
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("%w: decode result: %v", ErrValidationFailure, err)
		}
		return fn(a, result)
	}
}

// DecodeCommand builds the named command from its JSON arguments.
func DecodeCommand(name string, args json.RawMessage) (Command, error) {
	newCmd, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	cmd := newCmd()
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s arguments: %v", ErrValidationFailure, name, err)
		}
	}
	return cmd, nil
}

// CommandNames lists the commands accepted by Dispatch.
func CommandNames() []string {
	names := make([]string, 0, len(decoders))
	for name := range decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// indexOrAppend maps an absent index to the end of the list.
func indexOrAppend(index *int) int {
	if index == nil {
		return -1
	}
	return *index
}

// Index is a helper for building optional index arguments.
func Index(i int) *int { return &i }

// addNode

type TransformOptions struct {
	Position    *geom.Vec3 `json:"position,omitempty"`
	Orientation *geom.Quat `json:"orientation,omitempty"`
	Scale       *geom.Vec3 `json:"scale,omitempty"`
}

type AddNodeOptions struct {
	Transform *TransformOptions `json:"transform,omitempty"`
	ParentID  string            `json:"parentId,omitempty"`
	Index     *int              `json:"index,omitempty"`
}

type AddNodeArgs struct {
	Name    string         `json:"name"`
	Options AddNodeOptions `json:"options"`
}

type AddNodeResult struct {
	Node     *Node  `json:"node"`
	ParentID string `json:"parentId"`
	Index    int    `json:"index"`
}

func (*AddNodeArgs) CommandName() string { return CommandAddNode }

func (c *AddNodeArgs) apply(a *Asset) (any, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: node name must not be empty", ErrValidationFailure)
	}

	t := geom.IdentityTransform()
	if opts := c.Options.Transform; opts != nil {
		if opts.Position != nil {
			t.Position = *opts.Position
		}
		if opts.Orientation != nil {
			t.Orientation = *opts.Orientation
		}
		if opts.Scale != nil {
			t.Scale = *opts.Scale
		}
	}
	t, err := validTransform(t)
	if err != nil {
		return nil, err
	}

	node := NewNode(name, t)
	index, err := a.nodes.Add(node, c.Options.ParentID, indexOrAppend(c.Options.Index))
	if err != nil {
		return nil, err
	}
	return AddNodeResult{Node: node, ParentID: c.Options.ParentID, Index: index}, nil
}

// AddNode creates a node. An empty ParentID adds a root; an absent index
// appends.
func (a *Asset) AddNode(name string, opts AddNodeOptions) (AddNodeResult, error) {
	return run[AddNodeResult](a, &AddNodeArgs{Name: name, Options: opts})
}

func (a *Asset) ClientAddNode(node *Node, parentID string, index int) error {
	_, err := a.nodes.ClientAdd(node, parentID, index)
	return err
}

func (a *Asset) replayAddNode(r AddNodeResult) error {
	if r.Node == nil {
		return fmt.Errorf("%w: missing node", ErrValidationFailure)
	}
	return a.ClientAddNode(r.Node, r.ParentID, r.Index)
}

// setNodeProperty

type SetNodePropertyArgs struct {
	ID    string          `json:"id"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// SetNodePropertyResult carries the stored value, which may differ from the
// requested one (normalized orientation, trimmed name).
type SetNodePropertyResult struct {
	ID    string          `json:"id"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

func (*SetNodePropertyArgs) CommandName() string { return CommandSetNodeProperty }

func (c *SetNodePropertyArgs) apply(a *Asset) (any, error) {
	node, ok := a.nodes.Get(c.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNodeID, c.ID)
	}
	actual, err := setNodeProperty(node, c.Path, c.Value)
	if err != nil {
		return nil, err
	}
	return SetNodePropertyResult{ID: c.ID, Path: c.Path, Value: actual}, nil
}

func (a *Asset) SetNodeProperty(id, path string, value json.RawMessage) (SetNodePropertyResult, error) {
	return run[SetNodePropertyResult](a, &SetNodePropertyArgs{ID: id, Path: path, Value: value})
}

func (a *Asset) ClientSetNodeProperty(id, path string, value json.RawMessage) error {
	node, ok := a.nodes.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidNodeID, id)
	}
	_, err := setNodeProperty(node, path, value)
	return err
}

func (a *Asset) replaySetNodeProperty(r SetNodePropertyResult) error {
	return a.ClientSetNodeProperty(r.ID, r.Path, r.Value)
}

// moveNode

type MoveNodeArgs struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	Index    *int   `json:"index,omitempty"`
}

// MoveNodeResult reports the final index and the recomputed local transform
// that keeps the node's world transform unchanged.
type MoveNodeResult struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parentId"`
	Index     int            `json:"index"`
	Transform geom.Transform `json:"transform"`
}

func (*MoveNodeArgs) CommandName() string { return CommandMoveNode }

func (c *MoveNodeArgs) apply(a *Asset) (any, error) {
	node, parent, err := a.nodes.validateMove(c.ID, c.ParentID)
	if err != nil {
		return nil, err
	}

	world := a.nodes.worldMatrix(node)
	local, err := a.nodes.localTransform(parent, world)
	if err != nil {
		return nil, err
	}

	index, err := a.nodes.Move(c.ID, c.ParentID, indexOrAppend(c.Index))
	if err != nil {
		return nil, err
	}
	node.SetTransform(local)
	return MoveNodeResult{ID: c.ID, ParentID: c.ParentID, Index: index, Transform: local}, nil
}

// MoveNode reparents a node and keeps its world transform.
func (a *Asset) MoveNode(id, parentID string, index *int) (MoveNodeResult, error) {
	return run[MoveNodeResult](a, &MoveNodeArgs{ID: id, ParentID: parentID, Index: index})
}

func (a *Asset) ClientMoveNode(id, parentID string, index int, t geom.Transform) error {
	if err := a.nodes.ClientMove(id, parentID, index); err != nil {
		return err
	}
	node, _ := a.nodes.Get(id)
	node.SetTransform(t)
	return nil
}

func (a *Asset) replayMoveNode(r MoveNodeResult) error {
	return a.ClientMoveNode(r.ID, r.ParentID, r.Index, r.Transform)
}

// duplicateNode

type DuplicateNodeArgs struct {
	NewName string `json:"newName"`
	ID      string `json:"id"`
	Index   *int   `json:"index,omitempty"`
}

type DuplicateNodeResult struct {
	RootNode *Node           `json:"rootNode"`
	NewNodes []DuplicatedNode `json:"newNodes"`
}

func (*DuplicateNodeArgs) CommandName() string { return CommandDuplicateNode }

func (c *DuplicateNodeArgs) apply(a *Asset) (any, error) {
	name := strings.TrimSpace(c.NewName)
	if name == "" {
		return nil, fmt.Errorf("%w: node name must not be empty", ErrValidationFailure)
	}
	root, newNodes, err := a.nodes.Duplicate(c.ID, name, indexOrAppend(c.Index))
	if err != nil {
		return nil, err
	}
	return DuplicateNodeResult{RootNode: root, NewNodes: newNodes}, nil
}

// DuplicateNode copies the subtree at id next to it under newName.
func (a *Asset) DuplicateNode(newName, id string, index *int) (DuplicateNodeResult, error) {
	return run[DuplicateNodeResult](a, &DuplicateNodeArgs{NewName: newName, ID: id, Index: index})
}

func (a *Asset) ClientDuplicateNode(newNodes []DuplicatedNode) error {
	for _, entry := range newNodes {
		if entry.Node == nil {
			return fmt.Errorf("%w: missing duplicated node", ErrValidationFailure)
		}
		entry.Node.Children = []*Node{}
		if _, err := a.nodes.ClientAdd(entry.Node, entry.ParentID, entry.Index); err != nil {
			return err
		}
	}
	return nil
}

func (a *Asset) replayDuplicateNode(r DuplicateNodeResult) error {
	return a.ClientDuplicateNode(r.NewNodes)
}

// removeNode

type RemoveNodeArgs struct {
	ID string `json:"id"`
}

type RemoveNodeResult struct {
	ID string `json:"id"`
}

func (*RemoveNodeArgs) CommandName() string { return CommandRemoveNode }

func (c *RemoveNodeArgs) apply(a *Asset) (any, error) {
	if err := a.nodes.Remove(c.ID); err != nil {
		return nil, err
	}
	return RemoveNodeResult(*c), nil
}

func (a *Asset) RemoveNode(id string) (RemoveNodeResult, error) {
	return run[RemoveNodeResult](a, &RemoveNodeArgs{ID: id})
}

func (a *Asset) ClientRemoveNode(id string) error {
	return a.nodes.Remove(id)
}

func (a *Asset) replayRemoveNode(r RemoveNodeResult) error {
	return a.ClientRemoveNode(r.ID)
}

// addComponent

type AddComponentArgs struct {
	NodeID        string `json:"nodeId"`
	ComponentType string `json:"componentType"`
	Index         *int   `json:"index,omitempty"`
}

type AddComponentResult struct {
	NodeID    string     `json:"nodeId"`
	Component *Component `json:"component"`
	Index     int        `json:"index"`
}

func (*AddComponentArgs) CommandName() string { return CommandAddComponent }

func (c *AddComponentArgs) apply(a *Asset) (any, error) {
	table, err := a.componentTable(c.NodeID)
	if err != nil {
		return nil, err
	}
	comp, index, err := table.Add(c.ComponentType, indexOrAppend(c.Index))
	if err != nil {
		return nil, err
	}
	return AddComponentResult{NodeID: c.NodeID, Component: comp, Index: index}, nil
}

func (a *Asset) AddComponent(nodeID, componentType string, index *int) (AddComponentResult, error) {
	return run[AddComponentResult](a, &AddComponentArgs{NodeID: nodeID, ComponentType: componentType, Index: index})
}

func (a *Asset) ClientAddComponent(nodeID string, c *Component, index int) error {
	table, err := a.componentTable(nodeID)
	if err != nil {
		return err
	}
	_, err = table.ClientAdd(c, index)
	return err
}

func (a *Asset) replayAddComponent(r AddComponentResult) error {
	if r.Component == nil {
		return fmt.Errorf("%w: missing component", ErrValidationFailure)
	}
	return a.ClientAddComponent(r.NodeID, r.Component, r.Index)
}

// editComponent

type EditComponentArgs struct {
	NodeID      string          `json:"nodeId"`
	ComponentID string          `json:"componentId"`
	Command     string          `json:"command"`
	Args        json.RawMessage `json:"args,omitempty"`
}

type EditComponentResult struct {
	NodeID      string          `json:"nodeId"`
	ComponentID string          `json:"componentId"`
	Command     string          `json:"command"`
	Result      json.RawMessage `json:"result"`
}

func (*EditComponentArgs) CommandName() string { return CommandEditComponent }

func (c *EditComponentArgs) apply(a *Asset) (any, error) {
	table, err := a.componentTable(c.NodeID)
	if err != nil {
		return nil, err
	}
	result, err := table.Edit(c.ComponentID, c.Command, c.Args)
	if err != nil {
		return nil, err
	}
	return EditComponentResult{NodeID: c.NodeID, ComponentID: c.ComponentID, Command: c.Command, Result: result}, nil
}

func (a *Asset) EditComponent(nodeID, componentID, command string, args json.RawMessage) (EditComponentResult, error) {
	return run[EditComponentResult](a, &EditComponentArgs{NodeID: nodeID, ComponentID: componentID, Command: command, Args: args})
}

func (a *Asset) ClientEditComponent(nodeID, componentID, command string, result json.RawMessage) error {
	table, err := a.componentTable(nodeID)
	if err != nil {
		return err
	}
	return table.ClientEdit(componentID, command, result)
}

func (a *Asset) replayEditComponent(r EditComponentResult) error {
	return a.ClientEditComponent(r.NodeID, r.ComponentID, r.Command, r.Result)
}

// removeComponent

type RemoveComponentArgs struct {
	NodeID      string `json:"nodeId"`
	ComponentID string `json:"componentId"`
}

type RemoveComponentResult struct {
	NodeID      string `json:"nodeId"`
	ComponentID string `json:"componentId"`
}

func (*RemoveComponentArgs) CommandName() string { return CommandRemoveComponent }

func (c *RemoveComponentArgs) apply(a *Asset) (any, error) {
	table, err := a.componentTable(c.NodeID)
	if err != nil {
		return nil, err
	}
	if err = table.Remove(c.ComponentID); err != nil {
		return nil, err
	}
	return RemoveComponentResult(*c), nil
}

func (a *Asset) RemoveComponent(nodeID, componentID string) (RemoveComponentResult, error) {
	return run[RemoveComponentResult](a, &RemoveComponentArgs{NodeID: nodeID, ComponentID: componentID})
}

func (a *Asset) ClientRemoveComponent(nodeID, componentID string) error {
	table, err := a.componentTable(nodeID)
	if err != nil {
		return err
	}
	return table.Remove(componentID)
}

func (a *Asset) replayRemoveComponent(r RemoveComponentResult) error {
	return a.ClientRemoveComponent(r.NodeID, r.ComponentID)
}

func (a *Asset) componentTable(nodeID string) (*ComponentTable, error) {
	table, ok := a.nodes.Components(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNodeID, nodeID)
	}
	return table, nil
}
