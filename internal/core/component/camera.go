package component

import (
	"encoding/json"
	"math"
)

const CameraType = "Camera"

const (
	CameraPerspective  = "perspective"
	CameraOrthographic = "orthographic"
)

// Camera references no other asset.
type Camera struct {
	Base `json:"-"`

	Mode              string  `json:"mode"`
	FOV               float64 `json:"fov"`
	OrthographicScale float64 `json:"orthographicScale"`
	Depth             float64 `json:"depth"`
	NearClippingPlane float64 `json:"nearClippingPlane"`
	FarClippingPlane  float64 `json:"farClippingPlane"`
}

var _ Config = (*Camera)(nil)

func NewCamera() *Camera {
	return &Camera{
		Mode:              CameraPerspective,
		FOV:               45,
		OrthographicScale: 10,
		NearClippingPlane: 0.1,
		FarClippingPlane:  1000,
	}
}

var cameraProperties = Properties[*Camera]{
	"mode":              EnumField(func(c *Camera) *string { return &c.Mode }, CameraPerspective, CameraOrthographic),
	"fov":               FloatField(func(c *Camera) *float64 { return &c.FOV }, 0.1, 179.9),
	"orthographicScale": FloatField(func(c *Camera) *float64 { return &c.OrthographicScale }, 0.1, math.MaxFloat64),
	"depth":             FloatField(func(c *Camera) *float64 { return &c.Depth }, -math.MaxFloat64, math.MaxFloat64),
	"nearClippingPlane": FloatField(func(c *Camera) *float64 { return &c.NearClippingPlane }, 0.001, math.MaxFloat64),
	"farClippingPlane":  FloatField(func(c *Camera) *float64 { return &c.FarClippingPlane }, 0.001, math.MaxFloat64),
}

var cameraCommands = Handle(NewCommands[*Camera](CameraType), "setProperty", cameraProperties.Set, cameraProperties.Replay)

func (c *Camera) Type() string { return CameraType }

func (c *Camera) Dependencies() []string { return nil }

func (c *Camera) Restore() {}

func (c *Camera) Destroy() {}

func (c *Camera) ApplyCommand(name string, args json.RawMessage) (json.RawMessage, error) {
	return cameraCommands.Apply(c, name, args)
}

func (c *Camera) ApplyClientCommand(name string, result json.RawMessage) error {
	return cameraCommands.ApplyClient(c, name, result)
}
