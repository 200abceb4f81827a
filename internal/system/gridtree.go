package system

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/l1jgo/gridtree/internal/core/ecs"
	"github.com/l1jgo/gridtree/internal/core/event"
	"github.com/l1jgo/gridtree/internal/geom"
	"github.com/l1jgo/gridtree/internal/gridtree"
	"github.com/l1jgo/gridtree/internal/world"
)

// GridTreeSystem keeps the per-map grid trees in step with world
// notifications. It owns no geometry; it only turns map and grid events into
// index operations.
//
// Index failures inside a handler mean the index and the world disagree. They
// are logged and re-raised as *gridtree.Fault panics instead of being
// skipped, since every later query on that map would be wrong.
type GridTreeSystem struct {
	world    *world.State
	index    *gridtree.Index[*world.Grid]
	resolver geom.Resolver
	log      *zap.Logger
	subs     []event.Subscription
}

func NewGridTreeSystem(ws *world.State, index *gridtree.Index[*world.Grid], log *zap.Logger) *GridTreeSystem {
	return &GridTreeSystem{
		world:    ws,
		index:    index,
		resolver: geom.NewResolver(ws),
		log:      log,
	}
}

func (s *GridTreeSystem) Index() *gridtree.Index[*world.Grid] { return s.index }

// Startup subscribes every handler. Maps created before Startup are not seen.
func (s *GridTreeSystem) Startup() {
	bus := s.world.Bus()
	s.subs = append(s.subs,
		event.Subscribe(bus, s.onMapCreated),
		event.Subscribe(bus, s.onMapDestroyed),
		event.Subscribe(bus, s.onGridInit),
		event.Subscribe(bus, s.onGridRemove),
		event.Subscribe(bus, s.onGridMove),
		event.Subscribe(bus, s.onGridMapChange),
		event.Subscribe(bus, s.onGridBoundsChange),
	)
}

// Shutdown removes every handler registered by Startup.
func (s *GridTreeSystem) Shutdown() {
	bus := s.world.Bus()
	for _, sub := range s.subs {
		bus.Unsubscribe(sub)
	}
	s.subs = nil
}

// Close unsubscribes, clears the proxy of every indexed grid and destroys
// all partitions.
func (s *GridTreeSystem) Close() {
	s.Shutdown()
	for _, m := range s.index.Partitions() {
		_ = s.index.Each(m, func(_ gridtree.Proxy, g *world.Grid) {
			g.Proxy = gridtree.NoProxy
		})
	}
	s.index.Close()
}

func (s *GridTreeSystem) must(op string, eid ecs.EntityID, err error) {
	if err == nil {
		return
	}
	s.log.Error("grid tree out of sync",
		zap.String("op", op),
		zap.Stringer("entity", eid),
		zap.Error(err),
	)
	panic(&gridtree.Fault{Op: op, Entity: eid, Err: err})
}

func (s *GridTreeSystem) onMapCreated(ev event.MapCreated) {
	if ev.Map.IsNullspace() {
		return
	}
	s.must("map created", 0, s.index.CreatePartition(ev.Map))
}

func (s *GridTreeSystem) onMapDestroyed(ev event.MapDestroyed) {
	if ev.Map.IsNullspace() {
		return
	}
	// Grids still indexed here lose their proxies with the tree.
	s.must("map destroyed", 0, s.index.Each(ev.Map, func(_ gridtree.Proxy, g *world.Grid) {
		g.Proxy = gridtree.NoProxy
	}))
	s.must("map destroyed", 0, s.index.DestroyPartition(ev.Map))
}

// mapOf is the map g's owner is on right now.
func (s *GridTreeSystem) mapOf(g *world.Grid) (ecs.MapID, error) {
	mapID, ok := s.world.MapOf(g.Owner)
	if !ok {
		return ecs.Nullspace, fmt.Errorf("entity %s: %w", g.Owner, geom.ErrMissingTransform)
	}
	return mapID, nil
}

func (s *GridTreeSystem) gridOf(op string, eid ecs.EntityID) *world.Grid {
	g, ok := s.world.GridOf(eid)
	if !ok {
		s.must(op, eid, fmt.Errorf("entity %s: %w", eid, world.ErrNotGrid))
	}
	return g
}

func (s *GridTreeSystem) onGridInit(ev event.GridInitialize) {
	g := s.gridOf("grid init", ev.Entity)
	mapID, err := s.mapOf(g)
	s.must("grid init", ev.Entity, err)
	if mapID.IsNullspace() {
		return
	}
	aabb, err := s.resolver.Resolve(g.Owner, g.LocalBounds)
	s.must("grid init", ev.Entity, err)

	proxy, err := s.index.Insert(mapID, g, aabb)
	s.must("grid init", ev.Entity, err)
	g.Proxy = proxy

	s.log.Debug("grid indexed",
		zap.Uint32("grid", uint32(g.ID)),
		zap.Int32("map", int32(mapID)),
		zap.Int32("proxy", int32(proxy)),
	)
}

func (s *GridTreeSystem) onGridRemove(ev event.GridRemoval) {
	g := s.gridOf("grid remove", ev.Entity)
	if !g.Proxy.Valid() {
		return // nullspace, or its map already went away
	}
	mapID, err := s.mapOf(g)
	s.must("grid remove", ev.Entity, err)
	s.must("grid remove", ev.Entity, s.index.Remove(mapID, g.Proxy))
	g.Proxy = gridtree.NoProxy

	s.log.Debug("grid unindexed",
		zap.Uint32("grid", uint32(g.ID)),
		zap.Int32("map", int32(mapID)),
	)
}

// refresh recomputes g's world AABB, moves its proxy and marks it moved.
func (s *GridTreeSystem) refresh(op string, eid ecs.EntityID, g *world.Grid) {
	mapID, err := s.mapOf(g)
	s.must(op, eid, err)
	if mapID.IsNullspace() {
		return
	}
	aabb, err := s.resolver.Resolve(g.Owner, g.LocalBounds)
	s.must(op, eid, err)
	s.must(op, eid, s.index.Move(mapID, g.Proxy, aabb))
	s.must(op, eid, s.index.MarkMoved(mapID, g))
}

func (s *GridTreeSystem) onGridMove(ev event.Move) {
	g, ok := s.world.GridOf(ev.Entity)
	if !ok {
		return // not a grid
	}
	s.refresh("grid move", ev.Entity, g)
}

func (s *GridTreeSystem) onGridBoundsChange(ev event.GridBoundsChanged) {
	// Edits made while the grid is still being built are superseded by the
	// insert done at initialization.
	if s.world.Stage(ev.Entity) != ecs.StageInitialized {
		return
	}
	g := s.gridOf("grid bounds", ev.Entity)
	s.refresh("grid bounds", ev.Entity, g)
}

// onGridMapChange moves the grid's proxy and moved-set membership from the
// old map to the new one in a single step.
func (s *GridTreeSystem) onGridMapChange(ev event.EntMapChanged) {
	g, ok := s.world.GridOf(ev.Entity)
	if !ok {
		return
	}
	const op = "grid map change"

	if g.Proxy.Valid() {
		s.must(op, ev.Entity, s.index.Remove(ev.Old, g.Proxy))
		g.Proxy = gridtree.NoProxy
	} else if s.index.Has(ev.Old) {
		s.must(op, ev.Entity, s.index.UnmarkMoved(ev.Old, g))
	}

	if ev.New.IsNullspace() {
		return
	}
	aabb, err := s.resolver.Resolve(g.Owner, g.LocalBounds)
	s.must(op, ev.Entity, err)
	proxy, err := s.index.Insert(ev.New, g, aabb)
	s.must(op, ev.Entity, err)
	g.Proxy = proxy

	s.log.Debug("grid changed map",
		zap.Uint32("grid", uint32(g.ID)),
		zap.Int32("from", int32(ev.Old)),
		zap.Int32("to", int32(ev.New)),
	)
}
