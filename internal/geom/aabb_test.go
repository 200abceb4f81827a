package geom

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/l1jgo/gridtree/internal/core/ecs"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func box(minX, minY, maxX, maxY float64) r2.Box {
	return r2.Box{Min: r2.Vec{X: minX, Y: minY}, Max: r2.Vec{X: maxX, Y: maxY}}
}

func TestWorldAABB(t *testing.T) {
	local := box(0, 0, 10, 10)

	tests := []struct {
		name string
		pos  r2.Vec
		rot  float64
		want r2.Box
	}{
		{"translation only", r2.Vec{X: 5, Y: 5}, 0, box(5, 5, 15, 15)},
		{"quarter turn about local origin", r2.Vec{}, math.Pi / 2, box(-10, 0, 0, 10)},
		{"half turn then translate", r2.Vec{X: 100, Y: 0}, math.Pi, box(90, -10, 100, 0)},
		{"eighth turn grows the box", r2.Vec{}, math.Pi / 4, box(-10/math.Sqrt2, 0, 10/math.Sqrt2, 20/math.Sqrt2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WorldAABB(local, tt.pos, tt.rot)
			if diff := cmp.Diff(tt.want, got, approx); diff != "" {
				t.Errorf("WorldAABB mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOverlaps(t *testing.T) {
	a := box(0, 0, 10, 10)
	assert.True(t, Overlaps(a, box(5, 5, 15, 15)))
	assert.True(t, Overlaps(a, box(10, 10, 20, 20)), "touching edges overlap")
	assert.False(t, Overlaps(a, box(10.5, 0, 20, 10)))
	assert.False(t, Overlaps(a, box(0, -5, 10, -0.1)))
}

type fakeTransforms map[ecs.EntityID]r2.Vec

func (f fakeTransforms) WorldPositionRotation(id ecs.EntityID) (r2.Vec, float64, bool) {
	p, ok := f[id]
	return p, 0, ok
}

func TestResolver(t *testing.T) {
	owner := ecs.NewEntityID(1, 0)
	xf := fakeTransforms{owner: {X: 5, Y: 5}}
	r := NewResolver(xf)

	got, err := r.Resolve(owner, box(0, 0, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, box(5, 5, 15, 15), got)

	// not cached: a later transform change is visible immediately
	xf[owner] = r2.Vec{X: 105, Y: 5}
	got, err = r.Resolve(owner, box(0, 0, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, box(105, 5, 115, 15), got)

	_, err = r.Resolve(ecs.NewEntityID(2, 0), box(0, 0, 1, 1))
	assert.ErrorIs(t, err, ErrMissingTransform)
}
