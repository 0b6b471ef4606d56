package scene

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/geom"
)

// Node is a positioned entry of the scene tree. Children are persisted
// nested; the store keeps flat lookup tables next to them.
type Node struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Children    []*Node      `json:"children"`
	Components  []*Component `json:"components"`
	Position    geom.Vec3    `json:"position"`
	Orientation geom.Quat    `json:"orientation"`
	Scale       geom.Vec3    `json:"scale"`
}

// NewNode returns an unsaved node. Its id is assigned on insertion.
func NewNode(name string, t geom.Transform) *Node {
	n := &Node{
		Name:       name,
		Children:   []*Node{},
		Components: []*Component{},
	}
	n.SetTransform(t)
	return n
}

func (n *Node) Transform() geom.Transform {
	return geom.Transform{Position: n.Position, Orientation: n.Orientation, Scale: n.Scale}
}

func (n *Node) SetTransform(t geom.Transform) {
	n.Position = t.Position
	n.Orientation = t.Orientation
	n.Scale = t.Scale
}

// UnmarshalJSON fills absent transform fields with the identity transform.
func (n *Node) UnmarshalJSON(data []byte) error {
	type plain Node
	identity := geom.IdentityTransform()
	tmp := plain{
		Position:    identity.Position,
		Orientation: identity.Orientation,
		Scale:       identity.Scale,
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	if tmp.Children == nil {
		tmp.Children = []*Node{}
	}
	if tmp.Components == nil {
		tmp.Components = []*Component{}
	}
	*n = Node(tmp)
	return nil
}

// walk visits n and its descendants depth first, parents before children.
func (n *Node) walk(fn func(node *Node)) {
	fn(n)
	for _, child := range n.Children {
		child.walk(fn)
	}
}

// Component is a typed configuration attached to a node.
type Component struct {
	ID     string
	Type   string
	Config component.Config

	// raw holds a decoded but not yet restored configuration.
	raw     json.RawMessage
	binding *component.Binding
}

type componentJSON struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

func (c *Component) MarshalJSON() ([]byte, error) {
	out := componentJSON{ID: c.ID, Type: c.Type, Config: c.raw}
	if c.Config != nil {
		data, err := json.Marshal(c.Config)
		if err != nil {
			return nil, err
		}
		out.Config = data
	}
	if len(out.Config) == 0 {
		out.Config = json.RawMessage("{}")
	}
	return json.Marshal(out)
}

func (c *Component) UnmarshalJSON(data []byte) error {
	var in componentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.ID, c.Type, c.raw, c.Config = in.ID, in.Type, in.Config, nil
	return nil
}

// resolve restores the configuration through the registry if it was only
// decoded so far.
func (c *Component) resolve(registry *component.Registry) error {
	if c.Config != nil {
		return nil
	}
	cfg, err := registry.Restore(c.Type, c.raw)
	if err != nil {
		return err
	}
	c.Config = cfg
	c.raw = nil
	return nil
}

// DuplicatedNode is one inserted copy reported by duplicateNode, in insertion
// order. Node carries no children.
type DuplicatedNode struct {
	Node     *Node  `json:"node"`
	ParentID string `json:"parentId"`
	Index    int    `json:"index"`
}

// ComponentPath keys one component instance in the dependency index.
func ComponentPath(nodeID, componentID string) string {
	return nodeID + "_" + componentID
}

func newID() string {
	return uuid.NewString()
}
