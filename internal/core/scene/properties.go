package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/zeusync/scenesync/internal/core/geom"
)

// nodeProperty validates value, stores it on n and returns what was stored.
type nodeProperty func(n *Node, value json.RawMessage) (any, error)

var nodeProperties = map[string]nodeProperty{
	"name":        setName,
	"position":    vec3Property(func(n *Node) *geom.Vec3 { return &n.Position }),
	"position.x":  floatProperty(func(n *Node) *float64 { return &n.Position.X }),
	"position.y":  floatProperty(func(n *Node) *float64 { return &n.Position.Y }),
	"position.z":  floatProperty(func(n *Node) *float64 { return &n.Position.Z }),
	"orientation": setOrientation,
	"scale":       vec3Property(func(n *Node) *geom.Vec3 { return &n.Scale }),
	"scale.x":     floatProperty(func(n *Node) *float64 { return &n.Scale.X }),
	"scale.y":     floatProperty(func(n *Node) *float64 { return &n.Scale.Y }),
	"scale.z":     floatProperty(func(n *Node) *float64 { return &n.Scale.Z }),
}

// NodePropertyPaths lists the paths accepted by setNodeProperty.
func NodePropertyPaths() []string {
	paths := make([]string, 0, len(nodeProperties))
	for path := range nodeProperties {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func setNodeProperty(n *Node, path string, value json.RawMessage) (json.RawMessage, error) {
	prop, ok := nodeProperties[path]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node property %q", ErrValidationFailure, path)
	}
	actual, err := prop(n, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrValidationFailure, path, err)
	}
	return json.Marshal(actual)
}

func setName(n *Node, value json.RawMessage) (any, error) {
	var name string
	if err := json.Unmarshal(value, &name); err != nil {
		return nil, errors.New("expected string")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	n.Name = name
	return name, nil
}

func setOrientation(n *Node, value json.RawMessage) (any, error) {
	var q geom.Quat
	if err := json.Unmarshal(value, &q); err != nil {
		return nil, errors.New("expected {x,y,z,w}")
	}
	q, ok := q.Normalize()
	if !ok {
		return nil, errors.New("orientation must be a non-zero finite quaternion")
	}
	n.Orientation = q
	return q, nil
}

func vec3Property(field func(n *Node) *geom.Vec3) nodeProperty {
	return func(n *Node, value json.RawMessage) (any, error) {
		var v geom.Vec3
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, errors.New("expected {x,y,z}")
		}
		if !v.IsFinite() {
			return nil, errors.New("components must be finite")
		}
		*field(n) = v
		return v, nil
	}
}

func floatProperty(field func(n *Node) *float64) nodeProperty {
	return func(n *Node, value json.RawMessage) (any, error) {
		var v float64
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, errors.New("expected number")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("value must be finite")
		}
		*field(n) = v
		return v, nil
	}
}

// validTransform rejects transforms that cannot be composed or stored.
func validTransform(t geom.Transform) (geom.Transform, error) {
	if !t.Position.IsFinite() || !t.Scale.IsFinite() {
		return t, fmt.Errorf("%w: transform components must be finite", ErrValidationFailure)
	}
	q, ok := t.Orientation.Normalize()
	if !ok {
		return t, fmt.Errorf("%w: orientation must be a non-zero finite quaternion", ErrValidationFailure)
	}
	t.Orientation = q
	return t, nil
}
