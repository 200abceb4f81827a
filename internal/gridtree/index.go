// Package gridtree keeps one dynamic AABB tree and one moved-set per map.
//
// Accessed only from the simulation goroutine, so nothing here locks.
package gridtree

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/ByteArena/box2d"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/l1jgo/gridtree/internal/core/ecs"
	"github.com/l1jgo/gridtree/internal/geom"
)

var (
	ErrUnknownPartition   = errors.New("unknown partition")
	ErrDuplicatePartition = errors.New("duplicate partition")
	ErrUnknownProxy       = errors.New("unknown proxy")
	ErrNullspace          = errors.New("nullspace is never indexed")
)

// Fault is the panic value raised when the index and the world it mirrors
// disagree. It unwraps to the index error.
type Fault struct {
	Op     string
	Entity ecs.EntityID
	Err    error
}

func (f *Fault) Error() string { return fmt.Sprintf("grid tree %s: %v", f.Op, f.Err) }
func (f *Fault) Unwrap() error { return f.Err }

// Proxy is a grid's handle inside one map's tree.
type Proxy int32

// NoProxy marks a grid that currently has no tree entry.
const NoProxy Proxy = -1

func (p Proxy) Valid() bool { return p >= 0 }

type entry[T comparable] struct {
	grid T
	aabb r2.Box // tight bounds; the tree itself stores a fattened copy
}

type partition[T comparable] struct {
	tree    box2d.B2DynamicTree
	entries map[Proxy]*entry[T]
	moved   map[T]struct{}
}

func (p *partition[T]) lookup(proxy Proxy) (*entry[T], bool) {
	e, ok := p.entries[proxy]
	return e, ok
}

// Index owns the per-map trees and moved-sets. Build it with NewIndex and tear
// it down with Close; it holds no partitions until CreatePartition is called.
type Index[T comparable] struct {
	parts map[ecs.MapID]*partition[T]
	log   *zap.Logger
}

func NewIndex[T comparable](log *zap.Logger) *Index[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index[T]{
		parts: make(map[ecs.MapID]*partition[T]),
		log:   log,
	}
}

func (x *Index[T]) part(id ecs.MapID) (*partition[T], error) {
	p, ok := x.parts[id]
	if !ok {
		return nil, fmt.Errorf("map %d: %w", id, ErrUnknownPartition)
	}
	return p, nil
}

// CreatePartition allocates an empty tree and moved-set for id.
func (x *Index[T]) CreatePartition(id ecs.MapID) error {
	if id.IsNullspace() {
		return ErrNullspace
	}
	if _, ok := x.parts[id]; ok {
		return fmt.Errorf("map %d: %w", id, ErrDuplicatePartition)
	}
	x.parts[id] = &partition[T]{
		tree:    box2d.MakeB2DynamicTree(),
		entries: make(map[Proxy]*entry[T]),
		moved:   make(map[T]struct{}),
	}
	x.log.Debug("grid tree created", zap.Int32("map", int32(id)))
	return nil
}

// DestroyPartition discards id's tree and moved-set. Proxies still held by
// grids on that map become invalid; callers that keep proxies must reset them
// (see Each) before destroying.
func (x *Index[T]) DestroyPartition(id ecs.MapID) error {
	p, err := x.part(id)
	if err != nil {
		return err
	}
	delete(x.parts, id)
	x.log.Debug("grid tree destroyed",
		zap.Int32("map", int32(id)),
		zap.Int("orphaned", len(p.entries)),
	)
	return nil
}

// Has reports whether id currently has index state.
func (x *Index[T]) Has(id ecs.MapID) bool {
	_, ok := x.parts[id]
	return ok
}

// Partitions lists every indexed map in ascending order.
func (x *Index[T]) Partitions() []ecs.MapID {
	return slices.Sorted(maps.Keys(x.parts))
}

// Close destroys every partition. Proxies still held by grids become invalid,
// as with DestroyPartition.
func (x *Index[T]) Close() {
	for _, id := range x.Partitions() {
		_ = x.DestroyPartition(id)
	}
}

// Insert adds grid with bounds aabb to id's tree and marks it moved.
func (x *Index[T]) Insert(id ecs.MapID, grid T, aabb r2.Box) (Proxy, error) {
	p, err := x.part(id)
	if err != nil {
		return NoProxy, err
	}
	proxy := Proxy(p.tree.CreateProxy(toB2(aabb), grid))
	p.entries[proxy] = &entry[T]{grid: grid, aabb: aabb}
	p.moved[grid] = struct{}{}
	return proxy, nil
}

// Remove destroys proxy in id's tree. The grid it pointed at also leaves the
// moved-set, since it no longer lives on this map.
func (x *Index[T]) Remove(id ecs.MapID, proxy Proxy) error {
	p, err := x.part(id)
	if err != nil {
		return err
	}
	e, ok := p.lookup(proxy)
	if !ok {
		return fmt.Errorf("map %d proxy %d: %w", id, proxy, ErrUnknownProxy)
	}
	p.tree.DestroyProxy(int(proxy))
	delete(p.entries, proxy)
	delete(p.moved, e.grid)
	return nil
}

// Move updates proxy's bounds. The tree leaves the node where it is when aabb
// still fits inside the fattened volume from the last reinsert; queries stay
// correct either way because results are filtered against the tight bounds.
func (x *Index[T]) Move(id ecs.MapID, proxy Proxy, aabb r2.Box) error {
	p, err := x.part(id)
	if err != nil {
		return err
	}
	e, ok := p.lookup(proxy)
	if !ok {
		return fmt.Errorf("map %d proxy %d: %w", id, proxy, ErrUnknownProxy)
	}
	e.aabb = aabb
	p.tree.MoveProxy(int(proxy), toB2(aabb), box2d.B2Vec2{})
	return nil
}

// MarkMoved adds grid to id's moved-set.
func (x *Index[T]) MarkMoved(id ecs.MapID, grid T) error {
	p, err := x.part(id)
	if err != nil {
		return err
	}
	p.moved[grid] = struct{}{}
	return nil
}

// UnmarkMoved drops grid from id's moved-set. Absent grids are ignored.
func (x *Index[T]) UnmarkMoved(id ecs.MapID, grid T) error {
	p, err := x.part(id)
	if err != nil {
		return err
	}
	delete(p.moved, grid)
	return nil
}

// Moved is a read-only view of id's moved-set. The view tracks later changes
// to the set; collect it before mutating the index.
func (x *Index[T]) Moved(id ecs.MapID) (iter.Seq[T], error) {
	p, err := x.part(id)
	if err != nil {
		return nil, err
	}
	return maps.Keys(p.moved), nil
}

// IsMoved reports whether grid is in id's moved-set.
func (x *Index[T]) IsMoved(id ecs.MapID, grid T) (bool, error) {
	p, err := x.part(id)
	if err != nil {
		return false, err
	}
	_, ok := p.moved[grid]
	return ok, nil
}

// ClearMoved empties id's moved-set.
func (x *Index[T]) ClearMoved(id ecs.MapID) error {
	p, err := x.part(id)
	if err != nil {
		return err
	}
	clear(p.moved)
	return nil
}

// Query calls fn for every grid on id whose bounds overlap box, until fn
// returns false. Order is unspecified.
func (x *Index[T]) Query(id ecs.MapID, box r2.Box, fn func(T) bool) error {
	p, err := x.part(id)
	if err != nil {
		return err
	}
	p.tree.Query(func(node int) bool {
		e, ok := p.lookup(Proxy(node))
		if !ok || !geom.Overlaps(e.aabb, box) {
			return true // fat volume hit only
		}
		return fn(e.grid)
	}, toB2(box))
	return nil
}

// Each visits every proxy on id.
func (x *Index[T]) Each(id ecs.MapID, fn func(Proxy, T)) error {
	p, err := x.part(id)
	if err != nil {
		return err
	}
	for proxy, e := range p.entries {
		fn(proxy, e.grid)
	}
	return nil
}

// Grid returns the grid that owns proxy.
func (x *Index[T]) Grid(id ecs.MapID, proxy Proxy) (T, error) {
	var zero T
	p, err := x.part(id)
	if err != nil {
		return zero, err
	}
	e, ok := p.lookup(proxy)
	if !ok {
		return zero, fmt.Errorf("map %d proxy %d: %w", id, proxy, ErrUnknownProxy)
	}
	return e.grid, nil
}

// AABB returns the last bounds stored for proxy.
func (x *Index[T]) AABB(id ecs.MapID, proxy Proxy) (r2.Box, error) {
	p, err := x.part(id)
	if err != nil {
		return r2.Box{}, err
	}
	e, ok := p.lookup(proxy)
	if !ok {
		return r2.Box{}, fmt.Errorf("map %d proxy %d: %w", id, proxy, ErrUnknownProxy)
	}
	return e.aabb, nil
}

// FatAABB returns the enlarged volume the tree keeps for proxy.
func (x *Index[T]) FatAABB(id ecs.MapID, proxy Proxy) (r2.Box, error) {
	p, err := x.part(id)
	if err != nil {
		return r2.Box{}, err
	}
	if _, ok := p.lookup(proxy); !ok {
		return r2.Box{}, fmt.Errorf("map %d proxy %d: %w", id, proxy, ErrUnknownProxy)
	}
	return fromB2(p.tree.GetFatAABB(int(proxy))), nil
}

// Len is the number of proxies on id, or 0 for an unknown map.
func (x *Index[T]) Len(id ecs.MapID) int {
	if p, ok := x.parts[id]; ok {
		return len(p.entries)
	}
	return 0
}

// Height is the depth of id's tree, or 0 for an unknown map.
func (x *Index[T]) Height(id ecs.MapID) int {
	if p, ok := x.parts[id]; ok {
		return p.tree.GetHeight()
	}
	return 0
}

func toB2(b r2.Box) box2d.B2AABB {
	return box2d.B2AABB{
		LowerBound: box2d.B2Vec2{X: b.Min.X, Y: b.Min.Y},
		UpperBound: box2d.B2Vec2{X: b.Max.X, Y: b.Max.Y},
	}
}

func fromB2(b box2d.B2AABB) r2.Box {
	return r2.Box{
		Min: r2.Vec{X: b.LowerBound.X, Y: b.LowerBound.Y},
		Max: r2.Vec{X: b.UpperBound.X, Y: b.UpperBound.Y},
	}
}
