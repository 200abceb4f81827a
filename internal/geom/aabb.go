// Package geom resolves grid bounds into world space.
package geom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/l1jgo/gridtree/internal/core/ecs"
)

// ErrMissingTransform is returned when a grid's owner has no world transform.
var ErrMissingTransform = errors.New("missing transform")

// WorldAABB returns the smallest axis-aligned box enclosing local after it is
// rotated by rot radians about the local origin and then translated by pos.
func WorldAABB(local r2.Box, pos r2.Vec, rot float64) r2.Box {
	if rot == 0 {
		return r2.Box{Min: r2.Add(local.Min, pos), Max: r2.Add(local.Max, pos)}
	}
	rotation := r2.NewRotation(rot, r2.Vec{})
	corners := [4]r2.Vec{
		local.Min,
		{X: local.Max.X, Y: local.Min.Y},
		local.Max,
		{X: local.Min.X, Y: local.Max.Y},
	}
	out := r2.Box{
		Min: r2.Vec{X: math.Inf(1), Y: math.Inf(1)},
		Max: r2.Vec{X: math.Inf(-1), Y: math.Inf(-1)},
	}
	for _, c := range corners {
		w := r2.Add(rotation.Rotate(c), pos)
		out.Min.X = math.Min(out.Min.X, w.X)
		out.Min.Y = math.Min(out.Min.Y, w.Y)
		out.Max.X = math.Max(out.Max.X, w.X)
		out.Max.Y = math.Max(out.Max.Y, w.Y)
	}
	return out
}

// Overlaps reports whether a and b share any point, edges included.
func Overlaps(a, b r2.Box) bool {
	return a.Min.X <= b.Max.X && a.Max.X >= b.Min.X &&
		a.Min.Y <= b.Max.Y && a.Max.Y >= b.Min.Y
}

// TransformSource reports an entity's current world position and rotation.
type TransformSource interface {
	WorldPositionRotation(id ecs.EntityID) (pos r2.Vec, rot float64, ok bool)
}

// Resolver computes world AABBs from the owner's live transform. It never
// caches: every call reads the transform afresh.
type Resolver struct {
	xforms TransformSource
}

func NewResolver(xforms TransformSource) Resolver {
	return Resolver{xforms: xforms}
}

// Resolve returns the world AABB of local bounds attached to owner.
func (r Resolver) Resolve(owner ecs.EntityID, local r2.Box) (r2.Box, error) {
	pos, rot, ok := r.xforms.WorldPositionRotation(owner)
	if !ok {
		return r2.Box{}, fmt.Errorf("entity %s: %w", owner, ErrMissingTransform)
	}
	return WorldAABB(local, pos, rot), nil
}
