package system

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/l1jgo/gridtree/internal/core/ecs"
	"github.com/l1jgo/gridtree/internal/core/event"
	"github.com/l1jgo/gridtree/internal/geom"
	"github.com/l1jgo/gridtree/internal/gridtree"
	"github.com/l1jgo/gridtree/internal/world"
)

type harness struct {
	world *world.State
	index *gridtree.Index[*world.Grid]
	sys   *GridTreeSystem
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := world.NewState(ecs.NewWorld(), event.NewBus())
	idx := gridtree.NewIndex[*world.Grid](zap.NewNop())
	sys := NewGridTreeSystem(ws, idx, zap.NewNop())
	sys.Startup()
	t.Cleanup(sys.Close)
	return &harness{world: ws, index: idx, sys: sys}
}

func box(minX, minY, maxX, maxY float64) r2.Box {
	return r2.Box{Min: r2.Vec{X: minX, Y: minY}, Max: r2.Vec{X: maxX, Y: maxY}}
}

func vec(x, y float64) r2.Vec { return r2.Vec{X: x, Y: y} }

func (h *harness) query(t *testing.T, m ecs.MapID, b r2.Box) []*world.Grid {
	t.Helper()
	var out []*world.Grid
	require.NoError(t, h.index.Query(m, b, func(g *world.Grid) bool {
		out = append(out, g)
		return true
	}))
	return out
}

func (h *harness) moved(t *testing.T, m ecs.MapID) []*world.Grid {
	t.Helper()
	seq, err := h.index.Moved(m)
	require.NoError(t, err)
	return slices.Collect(seq)
}

func (h *harness) aabb(t *testing.T, m ecs.MapID, g *world.Grid) r2.Box {
	t.Helper()
	b, err := h.index.AABB(m, g.Proxy)
	require.NoError(t, err)
	return b
}

// recoverErr runs fn and returns the error it panicked with, if any.
func recoverErr(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				e = fmt.Errorf("%v", r)
			}
			err = e
		}
	}()
	fn()
	return nil
}

func TestGridMovesAcrossMap(t *testing.T) {
	h := newHarness(t)
	m1 := h.world.CreateMap()
	require.True(t, h.index.Has(m1))

	eid, g, err := h.world.SpawnGrid(m1, box(0, 0, 10, 10), vec(5, 5), 0)
	require.NoError(t, err)
	require.True(t, g.Proxy.Valid())

	assert.Equal(t, box(5, 5, 15, 15), h.aabb(t, m1, g))
	assert.Equal(t, []*world.Grid{g}, h.moved(t, m1))
	assert.Equal(t, []*world.Grid{g}, h.query(t, m1, box(5, 5, 15, 15)))

	require.NoError(t, h.index.ClearMoved(m1))
	require.NoError(t, h.world.SetTransform(eid, vec(105, 5), 0))

	assert.Equal(t, box(105, 5, 115, 15), h.aabb(t, m1, g))
	assert.Empty(t, h.query(t, m1, box(0, 0, 20, 20)))
	assert.Equal(t, []*world.Grid{g}, h.query(t, m1, box(100, 0, 120, 20)))
	assert.Equal(t, []*world.Grid{g}, h.moved(t, m1), "move marks the grid again")
}

func TestRotationFollowsOwner(t *testing.T) {
	h := newHarness(t)
	m := h.world.CreateMap()
	eid, g, err := h.world.SpawnGrid(m, box(0, 0, 10, 10), vec(0, 0), 0)
	require.NoError(t, err)

	require.NoError(t, h.world.SetTransform(eid, vec(50, 0), math.Pi/2))
	want := box(40, 0, 50, 10)
	if diff := cmp.Diff(want, h.aabb(t, m, g), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("rotated aabb (-want +got):\n%s", diff)
	}
}

func TestBoundsChangeBeforeInitIgnored(t *testing.T) {
	h := newHarness(t)
	m := h.world.CreateMap()

	eid, g, err := h.world.AddGrid(m, box(0, 0, 10, 10), vec(0, 0), 0)
	require.NoError(t, err)
	require.NoError(t, h.world.SetLocalBounds(eid, box(0, 0, 20, 20)))

	assert.Zero(t, h.index.Len(m), "no tree mutation before init")
	assert.False(t, g.Proxy.Valid())
	assert.Empty(t, h.moved(t, m))

	require.NoError(t, h.world.InitializeGrid(eid))
	assert.Equal(t, 1, h.index.Len(m))
	assert.Equal(t, box(0, 0, 20, 20), h.aabb(t, m, g), "init uses the latest local bounds")
}

func TestBoundsChangeAfterInit(t *testing.T) {
	h := newHarness(t)
	m := h.world.CreateMap()
	eid, g, err := h.world.SpawnGrid(m, box(0, 0, 10, 10), vec(1, 1), 0)
	require.NoError(t, err)
	require.NoError(t, h.index.ClearMoved(m))

	require.NoError(t, h.world.SetLocalBounds(eid, box(-5, -5, 30, 10)))
	assert.Equal(t, box(-4, -4, 31, 11), h.aabb(t, m, g))
	assert.Equal(t, []*world.Grid{g}, h.moved(t, m))
	assert.Equal(t, []*world.Grid{g}, h.query(t, m, box(25, 0, 26, 1)))
}

func TestMapChangeMovesProxyAndMovedSet(t *testing.T) {
	h := newHarness(t)
	m1 := h.world.CreateMap()
	m2 := h.world.CreateMap()
	eid, g, err := h.world.SpawnGrid(m1, box(0, 0, 10, 10), vec(0, 0), 0)
	require.NoError(t, err)

	require.NoError(t, h.world.SetMap(eid, m2))

	assert.Zero(t, h.index.Len(m1))
	assert.Equal(t, 1, h.index.Len(m2))
	assert.Empty(t, h.moved(t, m1))
	assert.Equal(t, []*world.Grid{g}, h.moved(t, m2))
	assert.Empty(t, h.query(t, m1, box(0, 0, 10, 10)))
	assert.Equal(t, []*world.Grid{g}, h.query(t, m2, box(0, 0, 10, 10)))

	// a later move only touches the new map
	require.NoError(t, h.world.SetTransform(eid, vec(20, 0), 0))
	assert.Equal(t, box(20, 0, 30, 10), h.aabb(t, m2, g))
}

func TestMapChangeThroughNullspace(t *testing.T) {
	h := newHarness(t)
	m := h.world.CreateMap()
	eid, g, err := h.world.SpawnGrid(m, box(0, 0, 1, 1), vec(0, 0), 0)
	require.NoError(t, err)

	require.NoError(t, h.world.SetMap(eid, ecs.Nullspace))
	assert.False(t, g.Proxy.Valid())
	assert.Zero(t, h.index.Len(m))
	assert.Empty(t, h.moved(t, m))

	// moving in nullspace touches nothing
	require.NoError(t, h.world.SetTransform(eid, vec(3, 3), 0))
	require.NoError(t, h.world.SetLocalBounds(eid, box(0, 0, 2, 2)))

	require.NoError(t, h.world.SetMap(eid, m))
	require.True(t, g.Proxy.Valid())
	assert.Equal(t, box(3, 3, 5, 5), h.aabb(t, m, g))
	assert.Equal(t, []*world.Grid{g}, h.moved(t, m))
}

func TestSpawnInNullspaceStaysUnindexed(t *testing.T) {
	h := newHarness(t)
	eid, g, err := h.world.SpawnGrid(ecs.Nullspace, box(0, 0, 1, 1), vec(0, 0), 0)
	require.NoError(t, err)
	assert.False(t, g.Proxy.Valid())
	assert.Empty(t, h.index.Partitions())
	require.NoError(t, h.world.DeleteGrid(eid))
}

func TestGridRemoval(t *testing.T) {
	h := newHarness(t)
	m := h.world.CreateMap()
	eid, g, err := h.world.SpawnGrid(m, box(0, 0, 10, 10), vec(0, 0), 0)
	require.NoError(t, err)
	_, other, err := h.world.SpawnGrid(m, box(0, 0, 10, 10), vec(5, 0), 0)
	require.NoError(t, err)

	require.NoError(t, h.world.DeleteGrid(eid))
	assert.False(t, g.Proxy.Valid())
	assert.Equal(t, 1, h.index.Len(m))
	assert.Equal(t, []*world.Grid{other}, h.moved(t, m))
	assert.Equal(t, []*world.Grid{other}, h.query(t, m, box(0, 0, 10, 10)))

	// edits after removal do not reach the tree
	require.NoError(t, h.world.SetLocalBounds(eid, box(0, 0, 100, 100)))
	assert.Equal(t, 1, h.index.Len(m))

	h.world.ECS().FlushDestroyQueue()
	_, ok := h.world.GridOf(eid)
	assert.False(t, ok)
}

func TestDeleteMapWithGrids(t *testing.T) {
	h := newHarness(t)
	m1 := h.world.CreateMap()
	m2 := h.world.CreateMap()
	_, a, err := h.world.SpawnGrid(m1, box(0, 0, 1, 1), vec(0, 0), 0)
	require.NoError(t, err)
	_, b, err := h.world.SpawnGrid(m2, box(0, 0, 1, 1), vec(0, 0), 0)
	require.NoError(t, err)

	require.NoError(t, h.world.DeleteMap(m1))

	_, err = h.index.Moved(m1)
	assert.ErrorIs(t, err, gridtree.ErrUnknownPartition)
	assert.False(t, a.Proxy.Valid())
	assert.True(t, b.Proxy.Valid())
	assert.Equal(t, []ecs.MapID{m2}, h.index.Partitions())
}

func TestMapDestroyedDropsDanglingProxies(t *testing.T) {
	h := newHarness(t)
	m := h.world.CreateMap()
	_, g, err := h.world.SpawnGrid(m, box(0, 0, 1, 1), vec(0, 0), 0)
	require.NoError(t, err)

	// tree torn down underneath a grid that was never removed
	event.Publish(h.world.Bus(), event.MapDestroyed{Map: m})
	assert.False(t, g.Proxy.Valid())
	assert.False(t, h.index.Has(m))
}

func TestNullspaceMapEventsIgnored(t *testing.T) {
	h := newHarness(t)
	event.Publish(h.world.Bus(), event.MapCreated{Map: ecs.Nullspace})
	event.Publish(h.world.Bus(), event.MapDestroyed{Map: ecs.Nullspace})
	assert.Empty(t, h.index.Partitions())
}

func TestIndexFailuresPanic(t *testing.T) {
	h := newHarness(t)

	// map created while the coordinator is not listening has no tree
	h.sys.Shutdown()
	m := h.world.CreateMap()
	h.sys.Startup()

	err := recoverErr(func() {
		_, _, _ = h.world.SpawnGrid(m, box(0, 0, 1, 1), vec(0, 0), 0)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gridtree.ErrUnknownPartition)

	err = recoverErr(func() {
		event.Publish(h.world.Bus(), event.MapCreated{Map: m})
		event.Publish(h.world.Bus(), event.MapCreated{Map: m})
	})
	assert.ErrorIs(t, err, gridtree.ErrDuplicatePartition)
}

func TestMoveWithoutProxyPanics(t *testing.T) {
	h := newHarness(t)
	m := h.world.CreateMap()
	eid, g, err := h.world.SpawnGrid(m, box(0, 0, 1, 1), vec(0, 0), 0)
	require.NoError(t, err)

	g.Proxy = gridtree.NoProxy
	err = recoverErr(func() { _ = h.world.SetTransform(eid, vec(1, 1), 0) })
	assert.ErrorIs(t, err, gridtree.ErrUnknownProxy)
}

func TestShutdownUnsubscribes(t *testing.T) {
	h := newHarness(t)
	h.sys.Shutdown()
	assert.Zero(t, event.Subscribers[event.MapCreated](h.world.Bus()))
	assert.Zero(t, event.Subscribers[event.Move](h.world.Bus()))

	m := h.world.CreateMap()
	assert.False(t, h.index.Has(m))
}

// checkInvariants verifies that the index mirrors the world exactly.
func checkInvariants(t *testing.T, h *harness) {
	t.Helper()
	resolver := geom.NewResolver(h.world)
	indexed := 0
	h.world.EachGrid(func(g *world.Grid, xf *world.Transform) {
		if h.world.Stage(g.Owner) != ecs.StageInitialized {
			return
		}
		if xf.Map.IsNullspace() {
			assert.False(t, g.Proxy.Valid(), "grid %d in nullspace has a proxy", g.ID)
			return
		}
		indexed++
		require.True(t, g.Proxy.Valid(), "grid %d on map %d has no proxy", g.ID, xf.Map)
		owner, err := h.index.Grid(xf.Map, g.Proxy)
		require.NoError(t, err)
		assert.Same(t, g, owner)

		want, err := resolver.Resolve(g.Owner, g.LocalBounds)
		require.NoError(t, err)
		assert.Equal(t, want, h.aabb(t, xf.Map, g))

		for _, m := range h.index.Partitions() {
			in, err := h.index.IsMoved(m, g)
			require.NoError(t, err)
			if in {
				assert.Equal(t, xf.Map, m, "grid %d marked moved on a foreign map", g.ID)
			}
		}
	})
	total := 0
	for _, m := range h.index.Partitions() {
		total += h.index.Len(m)
	}
	assert.Equal(t, indexed, total, "tree holds exactly the live indexed grids")
}

func TestRandomOpsKeepIndexInSync(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(7))
	maps := []ecs.MapID{h.world.CreateMap(), h.world.CreateMap(), h.world.CreateMap()}
	var live []ecs.EntityID

	pickMap := func() ecs.MapID {
		if rng.Intn(6) == 0 {
			return ecs.Nullspace
		}
		return maps[rng.Intn(len(maps))]
	}

	for step := 0; step < 400; step++ {
		switch op := rng.Intn(6); {
		case op == 0 || len(live) == 0:
			w, hgt := 1+rng.Float64()*20, 1+rng.Float64()*20
			eid, _, err := h.world.SpawnGrid(pickMap(), box(0, 0, w, hgt),
				vec(rng.Float64()*200, rng.Float64()*200), rng.Float64()*2*math.Pi)
			require.NoError(t, err)
			live = append(live, eid)
		case op == 1:
			i := rng.Intn(len(live))
			require.NoError(t, h.world.DeleteGrid(live[i]))
			live = slices.Delete(live, i, i+1)
		case op == 2:
			require.NoError(t, h.world.SetMap(live[rng.Intn(len(live))], pickMap()))
		case op == 3:
			require.NoError(t, h.world.SetLocalBounds(live[rng.Intn(len(live))],
				box(-rng.Float64()*5, -rng.Float64()*5, rng.Float64()*15, rng.Float64()*15)))
		default:
			require.NoError(t, h.world.SetTransform(live[rng.Intn(len(live))],
				vec(rng.Float64()*200, rng.Float64()*200), rng.Float64()*2*math.Pi))
		}
		if step%50 == 0 {
			for _, m := range maps {
				require.NoError(t, h.index.ClearMoved(m))
			}
			h.world.ECS().FlushDestroyQueue()
		}
		checkInvariants(t, h)
	}
}

func TestFaultCarriesOpAndEntity(t *testing.T) {
	h := newHarness(t)
	h.sys.Shutdown()
	m := h.world.CreateMap()
	h.sys.Startup()

	var eid ecs.EntityID
	err := recoverErr(func() {
		eid, _, _ = h.world.AddGrid(m, box(0, 0, 1, 1), vec(0, 0), 0)
		_ = h.world.InitializeGrid(eid)
	})
	var fault *gridtree.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "grid init", fault.Op)
	assert.Equal(t, eid, fault.Entity)
	assert.ErrorIs(t, fault, gridtree.ErrUnknownPartition)
}

func TestListenerEditsDuringInitKeepIndexInSync(t *testing.T) {
	h := newHarness(t)
	m1 := h.world.CreateMap()
	m2 := h.world.CreateMap()
	event.Subscribe(h.world.Bus(), func(ev event.GridInitialize) {
		assert.ErrorIs(t, h.world.SetMap(ev.Entity, m2), world.ErrInitializing)
		assert.ErrorIs(t, h.world.DeleteGrid(ev.Entity), world.ErrInitializing)
	})

	_, g, err := h.world.SpawnGrid(m1, box(0, 0, 1, 1), vec(0, 0), 0)
	require.NoError(t, err)
	assert.Equal(t, []*world.Grid{g}, h.query(t, m1, box(0, 0, 1, 1)))
	assert.Zero(t, h.index.Len(m2))
	checkInvariants(t, h)
}

func TestCloseResetsProxies(t *testing.T) {
	h := newHarness(t)
	m := h.world.CreateMap()
	_, g, err := h.world.SpawnGrid(m, box(0, 0, 1, 1), vec(0, 0), 0)
	require.NoError(t, err)
	require.True(t, g.Proxy.Valid())

	h.sys.Close()
	assert.False(t, g.Proxy.Valid())
	assert.Empty(t, h.index.Partitions())
	assert.Zero(t, event.Subscribers[event.GridInitialize](h.world.Bus()))
}
