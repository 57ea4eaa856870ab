package xform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func assertVec(t *testing.T, want, got Vec3) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, 1e-9)
	assert.InDelta(t, want.Y, got.Y, 1e-9)
	assert.InDelta(t, want.Z, got.Z, 1e-9)
}

func TestCompose_TranslationsAdd(t *testing.T) {
	g := Compose(Translation(1, 0, 0), Translation(0, 1, 0))
	assert.Equal(t, V3(1, 1, 0), g.Position)
	assert.Equal(t, IdentityQuat(), g.Rotation)
}

func TestCompose_RotatedParent(t *testing.T) {
	parent := Identity()
	parent.Rotation = QuatAxisAngle(V3(0, 0, 1), math.Pi/2)
	parent.Scale = V3(2, 2, 2)
	g := Compose(parent, Translation(1, 0, 0))
	assertVec(t, V3(0, 2, 0), g.Position)
	assertVec(t, V3(2, 2, 2), g.Scale)
}

func TestBoundingBox_Transformed(t *testing.T) {
	b := Box(V3(-1, -1, -1), V3(1, 1, 1))
	out := b.Transformed(Translation(5, 0, 0))
	assertVec(t, V3(4, -1, -1), out.Min)
	assertVec(t, V3(6, 1, 1), out.Max)

	assert.False(t, BoundingBox{}.Transformed(Translation(1, 1, 1)).Valid)
	assert.True(t, b.Overlaps(Box(V3(0.5, 0.5, 0.5), V3(3, 3, 3))))
	assert.False(t, b.Overlaps(out))
}

func TestRelative_InvertsCompose(t *testing.T) {
	parent := Translation(3, -2, 1)
	parent.Rotation = QuatAxisAngle(V3(0, 1, 0), 0.7)
	parent.Scale = V3(2, 1, 0.5)
	local := Translation(1, 2, 3)
	local.Rotation = QuatAxisAngle(V3(1, 0, 0), -0.3)

	back := Relative(parent, Compose(parent, local))
	assertVec(t, local.Position, back.Position)
	assertVec(t, local.Scale, back.Scale)
	assert.InDelta(t, local.Rotation.W, back.Rotation.W, 1e-9)
	assert.InDelta(t, local.Rotation.X, back.Rotation.X, 1e-9)
}
