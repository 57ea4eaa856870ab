// Package xform holds the small amount of 3D math the world needs for
// transform propagation and bounds.
package xform

import "math"

// Vec3 is a 3D vector.
type Vec3 struct {
	X, Y, Z float64
}

func V3(x, y, z float64) Vec3 { return Vec3{x, y, z} }

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Mul(o Vec3) Vec3      { return Vec3{v.X * o.X, v.Y * o.Y, v.Z * o.Z} }
func (v Vec3) Dot(o Vec3) float64   { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{v.Y*o.Z - v.Z*o.Y, v.Z*o.X - v.X*o.Z, v.X*o.Y - v.Y*o.X}
}
func (v Vec3) Len() float64 { return math.Sqrt(v.Dot(v)) }
func (v Vec3) Min(o Vec3) Vec3 {
	return Vec3{math.Min(v.X, o.X), math.Min(v.Y, o.Y), math.Min(v.Z, o.Z)}
}
func (v Vec3) Max(o Vec3) Vec3 {
	return Vec3{math.Max(v.X, o.X), math.Max(v.Y, o.Y), math.Max(v.Z, o.Z)}
}

// Quat is a unit rotation quaternion.
type Quat struct {
	X, Y, Z, W float64
}

func IdentityQuat() Quat { return Quat{W: 1} }

// QuatAxisAngle builds a rotation of angle radians around axis.
func QuatAxisAngle(axis Vec3, angle float64) Quat {
	l := axis.Len()
	if l < 1e-12 {
		return IdentityQuat()
	}
	s := math.Sin(angle/2) / l
	return Quat{axis.X * s, axis.Y * s, axis.Z * s, math.Cos(angle / 2)}
}

func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{q.X, q.Y, q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// Transform is position, rotation and per-axis scale.
type Transform struct {
	Position Vec3
	Rotation Quat
	Scale    Vec3
}

func Identity() Transform {
	return Transform{Rotation: IdentityQuat(), Scale: Vec3{1, 1, 1}}
}

func Translation(x, y, z float64) Transform {
	t := Identity()
	t.Position = Vec3{x, y, z}
	return t
}

// Compose returns parent * local: local expressed in parent's space.
func Compose(parent, local Transform) Transform {
	return Transform{
		Position: parent.Position.Add(parent.Rotation.Rotate(parent.Scale.Mul(local.Position))),
		Rotation: parent.Rotation.Mul(local.Rotation),
		Scale:    parent.Scale.Mul(local.Scale),
	}
}

func (q Quat) Conjugate() Quat { return Quat{-q.X, -q.Y, -q.Z, q.W} }

// Relative returns the local transform that places global under parent, the
// inverse of Compose. Zero scale axes of parent map to zero.
func Relative(parent, global Transform) Transform {
	inv := parent.Rotation.Conjugate()
	return Transform{
		Position: divSafe(inv.Rotate(global.Position.Sub(parent.Position)), parent.Scale),
		Rotation: inv.Mul(global.Rotation),
		Scale:    divSafe(global.Scale, parent.Scale),
	}
}

func divSafe(v, d Vec3) Vec3 {
	div := func(a, b float64) float64 {
		if b == 0 {
			return 0
		}
		return a / b
	}
	return Vec3{div(v.X, d.X), div(v.Y, d.Y), div(v.Z, d.Z)}
}

// Apply transforms a point.
func (t Transform) Apply(p Vec3) Vec3 {
	return t.Position.Add(t.Rotation.Rotate(t.Scale.Mul(p)))
}

// BoundingBox is an axis-aligned box. The zero box is empty.
type BoundingBox struct {
	Min, Max Vec3
	Valid    bool
}

func Box(min, max Vec3) BoundingBox { return BoundingBox{Min: min, Max: max, Valid: true} }

func (b BoundingBox) Center() Vec3 { return b.Min.Add(b.Max).Scale(0.5) }

// Transformed returns the axis-aligned box enclosing b after t.
func (b BoundingBox) Transformed(t Transform) BoundingBox {
	if !b.Valid {
		return BoundingBox{}
	}
	out := BoundingBox{Valid: true}
	for i := 0; i < 8; i++ {
		c := b.Min
		if i&1 != 0 {
			c.X = b.Max.X
		}
		if i&2 != 0 {
			c.Y = b.Max.Y
		}
		if i&4 != 0 {
			c.Z = b.Max.Z
		}
		p := t.Apply(c)
		if i == 0 {
			out.Min, out.Max = p, p
			continue
		}
		out.Min = out.Min.Min(p)
		out.Max = out.Max.Max(p)
	}
	return out
}

// Overlaps reports whether two valid boxes intersect.
func (b BoundingBox) Overlaps(o BoundingBox) bool {
	if !b.Valid || !o.Valid {
		return false
	}
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}
