// Package geom holds the transform types stored on scene nodes and the
// matrix helpers used to keep global transforms stable across reparenting.
package geom

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrSingularMatrix is returned when a parent transform cannot be inverted,
// typically because one of its scale axes is zero.
var ErrSingularMatrix = errors.New("matrix is not invertible")

const epsilon = 1e-12

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Transform is a node's local position, orientation and scale.
type Transform struct {
	Position    Vec3 `json:"position"`
	Orientation Quat `json:"orientation"`
	Scale       Vec3 `json:"scale"`
}

func Zero() Vec3 { return Vec3{} }

func One() Vec3 { return Vec3{X: 1, Y: 1, Z: 1} }

func IdentityQuat() Quat { return Quat{W: 1} }

// IdentityTransform is the default transform of a freshly created node.
func IdentityTransform() Transform {
	return Transform{Position: Zero(), Orientation: IdentityQuat(), Scale: One()}
}

func (v Vec3) mgl() mgl64.Vec3 { return mgl64.Vec3{v.X, v.Y, v.Z} }

func vec3From(v mgl64.Vec3) Vec3 { return Vec3{X: v[0], Y: v[1], Z: v[2]} }

func (q Quat) mgl() mgl64.Quat { return mgl64.Quat{W: q.W, V: mgl64.Vec3{q.X, q.Y, q.Z}} }

func quatFrom(q mgl64.Quat) Quat { return Quat{X: q.V[0], Y: q.V[1], Z: q.V[2], W: q.W} }

func (v Vec3) IsFinite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

func (q Quat) IsFinite() bool {
	return finite(q.X) && finite(q.Y) && finite(q.Z) && finite(q.W)
}

func (q Quat) Len() float64 { return q.mgl().Len() }

// Normalize returns q scaled to unit length. The second result is false when
// q has no usable direction (zero length or non-finite components).
func (q Quat) Normalize() (Quat, bool) {
	if !q.IsFinite() || q.Len() < epsilon {
		return Quat{}, false
	}
	return quatFrom(q.mgl().Normalize()), true
}

// Matrix composes translation, rotation and scale as T * R * S.
func (t Transform) Matrix() mgl64.Mat4 {
	rotation := t.Orientation.mgl()
	if rotation.Len() < epsilon {
		rotation = mgl64.QuatIdent()
	}
	return mgl64.Translate3D(t.Position.X, t.Position.Y, t.Position.Z).
		Mul4(rotation.Normalize().Mat4()).
		Mul4(mgl64.Scale3D(t.Scale.X, t.Scale.Y, t.Scale.Z))
}

// Decompose splits an affine matrix back into translation, rotation and
// scale. A negative determinant is folded into the X scale. Collapsed axes
// keep a zero scale and get a direction completing the surviving ones, so
// Matrix of the result reproduces m.
func Decompose(m mgl64.Mat4) Transform {
	cols := [3]mgl64.Vec3{m.Col(0).Vec3(), m.Col(1).Vec3(), m.Col(2).Vec3()}
	scale := [3]float64{cols[0].Len(), cols[1].Len(), cols[2].Len()}

	var axes [3]mgl64.Vec3
	var collapsed []int
	for i, col := range cols {
		if scale[i] < epsilon {
			scale[i] = 0
			collapsed = append(collapsed, i)
			continue
		}
		axes[i] = col.Mul(1 / scale[i])
	}
	if len(collapsed) == 0 && m.Det() < 0 {
		scale[0] = -scale[0]
		axes[0] = axes[0].Mul(-1)
	}

	out := Transform{
		Position:    Vec3{X: m[12], Y: m[13], Z: m[14]},
		Orientation: IdentityQuat(),
		Scale:       Vec3{X: scale[0], Y: scale[1], Z: scale[2]},
	}

	switch len(collapsed) {
	case 3:
		return out
	case 2:
		keep := 3 - collapsed[0] - collapsed[1]
		next, prev := (keep+1)%3, (keep+2)%3
		axes[next] = perpendicular(axes[keep])
		axes[prev] = axes[keep].Cross(axes[next])
	case 1:
		i := collapsed[0]
		axes[i] = axes[(i+1)%3].Cross(axes[(i+2)%3]).Normalize()
	}

	rotation := mgl64.Mat4FromCols(
		axes[0].Vec4(0),
		axes[1].Vec4(0),
		axes[2].Vec4(0),
		mgl64.Vec4{0, 0, 0, 1},
	)
	out.Orientation = quatFrom(mgl64.Mat4ToQuat(rotation).Normalize())
	return out
}

// perpendicular returns a unit vector orthogonal to the unit vector v.
func perpendicular(v mgl64.Vec3) mgl64.Vec3 {
	other := mgl64.Vec3{1, 0, 0}
	if math.Abs(v[0]) > 0.9 {
		other = mgl64.Vec3{0, 1, 0}
	}
	return v.Cross(other).Normalize()
}

// Localize re-expresses a world matrix relative to parentWorld, so that
// parentWorld * result == world.
func Localize(parentWorld, world mgl64.Mat4) (Transform, error) {
	if math.Abs(parentWorld.Det()) < epsilon {
		return Transform{}, ErrSingularMatrix
	}
	return Decompose(parentWorld.Inv().Mul4(world)), nil
}

// Invertible reports whether m can be used as a parent frame.
func Invertible(m mgl64.Mat4) bool {
	return math.Abs(m.Det()) >= epsilon
}

// Apply transforms a point by m.
func Apply(m mgl64.Mat4, p Vec3) Vec3 {
	return vec3From(mgl64.TransformCoordinate(p.mgl(), m))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
