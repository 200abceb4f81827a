package event

import "github.com/l1jgo/gridtree/internal/core/ecs"

// Map lifecycle.

type MapCreated struct {
	Map ecs.MapID
}

type MapDestroyed struct {
	Map ecs.MapID
}

// Grid lifecycle. Grid carries the grid, Entity the entity it is attached to.

type GridInitialize struct {
	Grid   ecs.GridID
	Entity ecs.EntityID
}

type GridRemoval struct {
	Grid   ecs.GridID
	Entity ecs.EntityID
}

// Move fires after an entity's world position or rotation changed.
type Move struct {
	Entity ecs.EntityID
}

// EntMapChanged fires after an entity was moved from Old to New. The entity's
// transform already reports New when handlers run.
type EntMapChanged struct {
	Entity ecs.EntityID
	Old    ecs.MapID
	New    ecs.MapID
}

// GridBoundsChanged fires whenever a grid's local bounds are structurally edited.
type GridBoundsChanged struct {
	Entity ecs.EntityID
}
