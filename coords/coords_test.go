package coords

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiplyAppliesReceiverFirst(t *testing.T) {
	scale := Scale(2, 2)
	translate := Translate(10, 0)

	// Scale then translate: (1,1) -> (2,2) -> (12,2).
	p := scale.Multiply(translate).Transform(Point{X: 1, Y: 1})
	assert.InDelta(t, 12, p.X, 1e-9)
	assert.InDelta(t, 2, p.Y, 1e-9)

	// Translate then scale: (1,1) -> (11,1) -> (22,2).
	p = translate.Multiply(scale).Transform(Point{X: 1, Y: 1})
	assert.InDelta(t, 22, p.X, 1e-9)
	assert.InDelta(t, 2, p.Y, 1e-9)
}

func TestInverseRoundTrips(t *testing.T) {
	m := Scale(2, 3).Multiply(Translate(5, -7)).Multiply(Rotate(0.3))
	inv, err := m.Inverse()
	assert.NoError(t, err)

	p := m.Multiply(inv).Transform(Point{X: 4, Y: 9})
	assert.InDelta(t, 4, p.X, 1e-9)
	assert.InDelta(t, 9, p.Y, 1e-9)
}

func TestTransformRectCoversRotatedCorners(t *testing.T) {
	// Quarter turn maps (0..10, 0..5) onto (-5..0, 0..10).
	box := Rotate(1.5707963267948966).TransformRect(NewRect(0, 0, 10, 5))
	assert.InDelta(t, -5, box.MinX, 1e-6)
	assert.InDelta(t, 0, box.MaxX, 1e-6)
	assert.InDelta(t, 0, box.MinY, 1e-6)
	assert.InDelta(t, 10, box.MaxY, 1e-6)
}

func TestRectIntersectsIsStrict(t *testing.T) {
	a := NewRect(0, 0, 10, 10)
	assert.True(t, a.Intersects(NewRect(5, 5, 15, 15)))
	assert.False(t, a.Intersects(NewRect(10, 0, 20, 10)), "shared edge does not overlap")
	assert.False(t, a.Intersects(NewRect(11, 11, 12, 12)))
}

func TestRectUnionAndExpand(t *testing.T) {
	u := NewRect(0, 0, 1, 1).Union(NewRect(5, 5, 6, 6))
	assert.Equal(t, NewRect(0, 0, 6, 6), u)

	var empty Rect
	assert.Equal(t, NewRect(2, 2, 3, 3), empty.Union(NewRect(2, 2, 3, 3)), "empty union adopts the other box")

	e := NewRect(2, 2, 3, 3).Expand(1)
	assert.Equal(t, NewRect(1, 1, 4, 4), e)
}

func TestNewRectNormalizes(t *testing.T) {
	r := NewRect(10, 20, 0, 5)
	assert.Equal(t, 0.0, r.MinX)
	assert.Equal(t, 10.0, r.MaxX)
	assert.Equal(t, 5.0, r.MinY)
	assert.Equal(t, 20.0, r.MaxY)
}
