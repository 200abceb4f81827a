package world

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/l1jgo/gridtree/internal/core/ecs"
	"github.com/l1jgo/gridtree/internal/core/event"
	"github.com/l1jgo/gridtree/internal/gridtree"
)

var (
	ErrUnknownMap    = errors.New("unknown map")
	ErrUnknownEntity = errors.New("unknown entity")
	ErrNotGrid       = errors.New("entity has no grid")
	ErrInitializing  = errors.New("entity is initializing")
)

// Transform is an entity's placement in the world.
type Transform struct {
	Map ecs.MapID
	Pos r2.Vec
	Rot float64 // radians, counter-clockwise
}

// Grid is a spatial region anchored to its owner's transform. Proxy is the
// grid's handle in its map's tree, gridtree.NoProxy while unindexed.
type Grid struct {
	ID          ecs.GridID
	Owner       ecs.EntityID
	LocalBounds r2.Box
	Proxy       gridtree.Proxy
}

// State holds maps, entity transforms and grids, and publishes lifecycle and
// movement notifications on the bus. Accessed only from the simulation
// goroutine; no locks.
type State struct {
	ecs    *ecs.World
	bus    *event.Bus
	xforms *ecs.PtrComponentStore[Transform]
	grids  *ecs.PtrComponentStore[Grid]

	maps     map[ecs.MapID]struct{}
	nextMap  ecs.MapID
	byGrid   map[ecs.GridID]*Grid
	nextGrid ecs.GridID
}

func NewState(w *ecs.World, bus *event.Bus) *State {
	return &State{
		ecs:    w,
		bus:    bus,
		xforms: ecs.RegisterStore[Transform](w),
		grids:  ecs.RegisterStore[Grid](w),
		maps:   make(map[ecs.MapID]struct{}),
		byGrid: make(map[ecs.GridID]*Grid),
	}
}

func (s *State) ECS() *ecs.World { return s.ecs }
func (s *State) Bus() *event.Bus { return s.bus }
func (s *State) MapCount() int   { return len(s.maps) }
func (s *State) GridCount() int  { return len(s.byGrid) }

func (s *State) Stage(id ecs.EntityID) ecs.LifeStage { return s.ecs.Stage(id) }

// --- maps ---

// CreateMap allocates the next map ID and announces it.
func (s *State) CreateMap() ecs.MapID {
	s.nextMap++
	id := s.nextMap
	s.maps[id] = struct{}{}
	event.Publish(s.bus, event.MapCreated{Map: id})
	return id
}

func (s *State) MapExists(id ecs.MapID) bool {
	_, ok := s.maps[id]
	return ok
}

// DeleteMap removes every grid on the map, then the map itself.
func (s *State) DeleteMap(id ecs.MapID) error {
	if !s.MapExists(id) {
		return fmt.Errorf("delete map %d: %w", id, ErrUnknownMap)
	}
	onMap := ecs.Collect2(s.xforms, s.grids, func(eid ecs.EntityID, xf *Transform, _ *Grid) bool {
		return xf.Map == id && s.ecs.Stage(eid) < ecs.StageTerminating
	})
	for _, eid := range onMap {
		if err := s.DeleteGrid(eid); err != nil {
			return fmt.Errorf("delete map %d: %w", id, err)
		}
	}
	delete(s.maps, id)
	event.Publish(s.bus, event.MapDestroyed{Map: id})
	return nil
}

func (s *State) checkMap(id ecs.MapID) error {
	if id.IsNullspace() || s.MapExists(id) {
		return nil
	}
	return fmt.Errorf("map %d: %w", id, ErrUnknownMap)
}

// --- grids ---

// AddGrid creates a grid entity in PreInit. No notifications fire until
// InitializeGrid runs.
func (s *State) AddGrid(mapID ecs.MapID, local r2.Box, pos r2.Vec, rot float64) (ecs.EntityID, *Grid, error) {
	if err := s.checkMap(mapID); err != nil {
		return 0, nil, fmt.Errorf("add grid: %w", err)
	}
	eid := s.ecs.CreateEntity()
	s.nextGrid++
	g := &Grid{
		ID:          s.nextGrid,
		Owner:       eid,
		LocalBounds: local,
		Proxy:       gridtree.NoProxy,
	}
	s.xforms.Set(eid, &Transform{Map: mapID, Pos: pos, Rot: rot})
	s.grids.Set(eid, g)
	s.byGrid[g.ID] = g
	return eid, g, nil
}

// InitializeGrid runs the grid entity through Initializing to Initialized,
// announcing GridInitialize in between.
func (s *State) InitializeGrid(eid ecs.EntityID) error {
	g, err := s.grid(eid)
	if err != nil {
		return fmt.Errorf("initialize grid: %w", err)
	}
	if s.ecs.Stage(eid) != ecs.StagePreInit {
		return fmt.Errorf("initialize grid %s: already %s", eid, s.ecs.Stage(eid))
	}
	s.ecs.SetStage(eid, ecs.StageInitializing)
	event.Publish(s.bus, event.GridInitialize{Grid: g.ID, Entity: eid})
	s.ecs.SetStage(eid, ecs.StageInitialized)
	return nil
}

// SpawnGrid is AddGrid followed by InitializeGrid.
func (s *State) SpawnGrid(mapID ecs.MapID, local r2.Box, pos r2.Vec, rot float64) (ecs.EntityID, *Grid, error) {
	eid, g, err := s.AddGrid(mapID, local, pos, rot)
	if err != nil {
		return 0, nil, err
	}
	if err := s.InitializeGrid(eid); err != nil {
		return 0, nil, err
	}
	return eid, g, nil
}

// DeleteGrid announces removal of an initialized grid and queues its entity
// for destruction at the end of the tick.
func (s *State) DeleteGrid(eid ecs.EntityID) error {
	g, err := s.grid(eid)
	if err != nil {
		return fmt.Errorf("delete grid: %w", err)
	}
	if err := s.settled(eid); err != nil {
		return fmt.Errorf("delete grid: %w", err)
	}
	if s.ecs.Stage(eid) >= ecs.StageTerminating {
		return nil
	}
	if s.initialized(eid) {
		event.Publish(s.bus, event.GridRemoval{Grid: g.ID, Entity: eid})
	}
	delete(s.byGrid, g.ID)
	s.ecs.MarkForDestruction(eid)
	return nil
}

// SetLocalBounds edits a grid's local geometry. The notification fires in
// every life stage; listeners decide whether it matters yet.
func (s *State) SetLocalBounds(eid ecs.EntityID, local r2.Box) error {
	g, err := s.grid(eid)
	if err != nil {
		return fmt.Errorf("set bounds: %w", err)
	}
	if err := s.settled(eid); err != nil {
		return fmt.Errorf("set bounds: %w", err)
	}
	g.LocalBounds = local
	event.Publish(s.bus, event.GridBoundsChanged{Entity: eid})
	return nil
}

// settled rejects edits made by GridInitialize listeners. Those would land
// after the grid was indexed and before it counts as initialized, where no
// notification reaches the index.
func (s *State) settled(eid ecs.EntityID) error {
	if s.ecs.Stage(eid) == ecs.StageInitializing {
		return fmt.Errorf("entity %s: %w", eid, ErrInitializing)
	}
	return nil
}

func (s *State) grid(eid ecs.EntityID) (*Grid, error) {
	if !s.ecs.Alive(eid) {
		return nil, fmt.Errorf("entity %s: %w", eid, ErrUnknownEntity)
	}
	g, ok := s.grids.Get(eid)
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", eid, ErrNotGrid)
	}
	return g, nil
}

// GridOf returns the grid attached to eid.
func (s *State) GridOf(eid ecs.EntityID) (*Grid, bool) {
	return s.grids.Get(eid)
}

// Grid looks a live grid up by ID.
func (s *State) Grid(id ecs.GridID) (*Grid, bool) {
	g, ok := s.byGrid[id]
	return g, ok
}

// EachGrid visits every live grid with its transform.
func (s *State) EachGrid(fn func(*Grid, *Transform)) {
	ecs.Each2(s.grids, s.xforms, func(eid ecs.EntityID, g *Grid, xf *Transform) {
		if _, live := s.byGrid[g.ID]; live {
			fn(g, xf)
		}
	})
}

// --- transforms ---

func (s *State) initialized(eid ecs.EntityID) bool {
	return s.ecs.Stage(eid) == ecs.StageInitialized
}

func (s *State) transform(eid ecs.EntityID) (*Transform, error) {
	if !s.ecs.Alive(eid) {
		return nil, fmt.Errorf("entity %s: %w", eid, ErrUnknownEntity)
	}
	xf, ok := s.xforms.Get(eid)
	if !ok {
		return nil, fmt.Errorf("entity %s has no transform: %w", eid, ErrUnknownEntity)
	}
	return xf, nil
}

// SetTransform moves an entity. Move fires only once the entity is
// initialized; earlier placement is picked up by initialization itself.
// Edits during initialization are rejected with ErrInitializing, as are
// SetMap, SetLocalBounds and DeleteGrid.
func (s *State) SetTransform(eid ecs.EntityID, pos r2.Vec, rot float64) error {
	xf, err := s.transform(eid)
	if err != nil {
		return fmt.Errorf("set transform: %w", err)
	}
	if err := s.settled(eid); err != nil {
		return fmt.Errorf("set transform: %w", err)
	}
	xf.Pos, xf.Rot = pos, rot
	if s.initialized(eid) {
		event.Publish(s.bus, event.Move{Entity: eid})
	}
	return nil
}

// SetMap moves an entity to another map (or Nullspace).
func (s *State) SetMap(eid ecs.EntityID, mapID ecs.MapID) error {
	xf, err := s.transform(eid)
	if err != nil {
		return fmt.Errorf("set map: %w", err)
	}
	if err := s.settled(eid); err != nil {
		return fmt.Errorf("set map: %w", err)
	}
	if err := s.checkMap(mapID); err != nil {
		return fmt.Errorf("set map: %w", err)
	}
	old := xf.Map
	if old == mapID {
		return nil
	}
	xf.Map = mapID
	if s.initialized(eid) {
		event.Publish(s.bus, event.EntMapChanged{Entity: eid, Old: old, New: mapID})
	}
	return nil
}

// WorldPositionRotation reports eid's world placement.
func (s *State) WorldPositionRotation(eid ecs.EntityID) (r2.Vec, float64, bool) {
	xf, ok := s.xforms.Get(eid)
	if !ok {
		return r2.Vec{}, 0, false
	}
	return xf.Pos, xf.Rot, true
}

// MapOf reports which map eid is on.
func (s *State) MapOf(eid ecs.EntityID) (ecs.MapID, bool) {
	xf, ok := s.xforms.Get(eid)
	if !ok {
		return ecs.Nullspace, false
	}
	return xf.Map, true
}
