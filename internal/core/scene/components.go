package scene

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/zeusync/scenesync/internal/core/component"
)

// dependencySink receives dependency notifications keyed by component path.
type dependencySink interface {
	addDependencies(path string, ids []string)
	removeDependencies(path string, ids []string)
}

// ComponentTable is the ordered component list of one node. The node's
// Components slice is the authoritative order.
type ComponentTable struct {
	node     *Node
	byID     map[string]*Component
	registry *component.Registry
	sink     dependencySink
}

func newComponentTable(node *Node, registry *component.Registry, sink dependencySink) *ComponentTable {
	return &ComponentTable{
		node:     node,
		byID:     make(map[string]*Component, len(node.Components)),
		registry: registry,
		sink:     sink,
	}
}

func (t *ComponentTable) Get(id string) (*Component, bool) {
	c, ok := t.byID[id]
	return c, ok
}

func (t *ComponentTable) Len() int {
	return len(t.node.Components)
}

// attachAll wires every component already present on the node. Configs must
// be resolved.
func (t *ComponentTable) attachAll() {
	for _, c := range t.node.Components {
		t.attach(c)
	}
}

// attach binds the config's dependency notifications to the component path
// and announces its current dependencies.
func (t *ComponentTable) attach(c *Component) {
	path := ComponentPath(t.node.ID, c.ID)
	c.binding = c.Config.Bind(component.ListenerFuncs{
		Add:    func(ids []string) { t.sink.addDependencies(path, ids) },
		Remove: func(ids []string) { t.sink.removeDependencies(path, ids) },
	})
	t.byID[c.ID] = c
	c.Config.Restore()
}

// detach retracts the component's dependencies, then drops the binding.
func (t *ComponentTable) detach(c *Component) {
	c.Config.Destroy()
	c.binding.Unbind()
	c.binding = nil
	delete(t.byID, c.ID)
}

// Add creates a component of typ with default values at index and returns
// the inserted component and its actual index.
func (t *ComponentTable) Add(typ string, index int) (*Component, int, error) {
	cfg, err := t.registry.Create(typ)
	if err != nil {
		return nil, 0, err
	}
	c := &Component{ID: newID(), Type: typ, Config: cfg}
	return c, t.insert(c, index), nil
}

// ClientAdd inserts a component confirmed by the server, keeping its id.
func (t *ComponentTable) ClientAdd(c *Component, index int) (int, error) {
	if _, exists := t.byID[c.ID]; exists || c.ID == "" {
		return 0, fmt.Errorf("%w: component %q already present", ErrValidationFailure, c.ID)
	}
	if err := c.resolve(t.registry); err != nil {
		return 0, err
	}
	return t.insert(c, index), nil
}

func (t *ComponentTable) insert(c *Component, index int) int {
	index = clampIndex(index, len(t.node.Components))
	t.node.Components = slices.Insert(t.node.Components, index, c)
	t.attach(c)
	return index
}

func (t *ComponentTable) Remove(id string) error {
	c, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidComponent, id)
	}
	t.detach(c)
	t.node.Components = slices.DeleteFunc(t.node.Components, func(other *Component) bool { return other == c })
	return nil
}

// Edit dispatches command to the component's configuration.
func (t *ComponentTable) Edit(id, command string, args json.RawMessage) (json.RawMessage, error) {
	c, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidComponent, id)
	}
	return c.Config.ApplyCommand(command, args)
}

// ClientEdit replays a command result produced by Edit on the server.
func (t *ComponentTable) ClientEdit(id, command string, result json.RawMessage) error {
	c, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidComponent, id)
	}
	return c.Config.ApplyClientCommand(command, result)
}

// teardown detaches every component, used when the node is removed.
func (t *ComponentTable) teardown() {
	for _, c := range t.node.Components {
		t.detach(c)
	}
}

// clampIndex maps negative or out of range positions to the end.
func clampIndex(index, length int) int {
	if index < 0 || index > length {
		return length
	}
	return index
}
