package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/l1jgo/gridtree/internal/core/ecs"
	"github.com/l1jgo/gridtree/internal/data"
	"github.com/l1jgo/gridtree/internal/gridtree"
	"github.com/l1jgo/gridtree/internal/world"
)

// Engine wraps a single gopher-lua VM that drives a scenario: scripts create
// maps, spawn grids and move them around through the functions registered
// below. Single-goroutine access only (simulation loop).
//
// A *gridtree.Fault raised while a binding runs is not left to the VM's
// protected call: the engine re-panics with it once control returns to Go.
type Engine struct {
	vm    *lua.LState
	world *world.State
	grids *data.GridTable
	log   *zap.Logger
	fault *gridtree.Fault
}

// NewEngine creates a Lua engine bound to ws and loads all scripts from dir.
// A missing dir is not an error: the scenario is simply empty.
func NewEngine(dir string, ws *world.State, grids *data.GridTable, log *zap.Logger) (*Engine, error) {
	e := newEngine(ws, grids, log)
	if err := e.loadDir(dir); err != nil {
		e.Close()
		return nil, fmt.Errorf("load scenario scripts: %w", err)
	}
	return e, nil
}

func newEngine(ws *world.State, grids *data.GridTable, log *zap.Logger) *Engine {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, world: ws, grids: grids, log: log}
	for name, fn := range map[string]lua.LGFunction{
		"create_map":  e.luaCreateMap,
		"delete_map":  e.luaDeleteMap,
		"spawn_grid":  e.luaSpawnGrid,
		"move_grid":   e.luaMoveGrid,
		"set_map":     e.luaSetMap,
		"resize_grid": e.luaResizeGrid,
		"delete_grid": e.luaDeleteGrid,
		"log":         e.luaLog,
	} {
		vm.SetGlobal(name, vm.NewFunction(fn))
	}
	return e
}

// Close releases the VM.
func (e *Engine) Close() {
	e.vm.Close()
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// DoString runs a chunk of Lua in the scenario VM.
func (e *Engine) DoString(src string) error {
	err := e.vm.DoString(src)
	e.rethrow()
	return err
}

// Tick calls the scenario's on_tick(n) if it defines one.
func (e *Engine) Tick(n uint64) error {
	fn := e.vm.GetGlobal("on_tick")
	if fn == lua.LNil {
		return nil
	}
	err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, lua.LNumber(n))
	e.rethrow()
	if err != nil {
		return fmt.Errorf("on_tick(%d): %w", n, err)
	}
	return nil
}

// trap is deferred by every binding that touches the world. It turns a grid
// tree fault into a Lua error so the VM unwinds, and keeps the fault for
// rethrow. Other panics pass through untouched.
func (e *Engine) trap(L *lua.LState) {
	r := recover()
	if r == nil {
		return
	}
	f, ok := r.(*gridtree.Fault)
	if !ok {
		panic(r)
	}
	e.fault = f
	L.RaiseError("%s", f.Error())
}

func (e *Engine) rethrow() {
	if f := e.fault; f != nil {
		e.fault = nil
		panic(f)
	}
}

// --- Lua bindings ---

func checkEntity(L *lua.LState, n int) ecs.EntityID {
	return ecs.EntityID(uint64(L.CheckNumber(n)))
}

func checkMap(L *lua.LState, n int) ecs.MapID {
	return ecs.MapID(L.CheckInt(n))
}

func (e *Engine) raise(L *lua.LState, err error) {
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
}

// create_map() -> map id
func (e *Engine) luaCreateMap(L *lua.LState) int {
	defer e.trap(L)
	L.Push(lua.LNumber(e.world.CreateMap()))
	return 1
}

// delete_map(map)
func (e *Engine) luaDeleteMap(L *lua.LState) int {
	defer e.trap(L)
	e.raise(L, e.world.DeleteMap(checkMap(L, 1)))
	return 0
}

// spawn_grid(map, proto, x, y [, rot]) -> entity id
func (e *Engine) luaSpawnGrid(L *lua.LState) int {
	defer e.trap(L)
	mapID := checkMap(L, 1)
	name := L.CheckString(2)
	pos := r2.Vec{X: float64(L.CheckNumber(3)), Y: float64(L.CheckNumber(4))}
	rot := float64(L.OptNumber(5, 0))

	proto := e.grids.Get(name)
	if proto == nil {
		L.ArgError(2, fmt.Sprintf("unknown grid prototype %q", name))
		return 0
	}
	eid, _, err := e.world.SpawnGrid(mapID, proto.Bounds(), pos, rot)
	e.raise(L, err)
	L.Push(lua.LNumber(uint64(eid)))
	return 1
}

// move_grid(entity, x, y [, rot])
func (e *Engine) luaMoveGrid(L *lua.LState) int {
	defer e.trap(L)
	eid := checkEntity(L, 1)
	pos := r2.Vec{X: float64(L.CheckNumber(2)), Y: float64(L.CheckNumber(3))}
	rot := float64(L.OptNumber(4, 0))
	e.raise(L, e.world.SetTransform(eid, pos, rot))
	return 0
}

// set_map(entity, map)
func (e *Engine) luaSetMap(L *lua.LState) int {
	defer e.trap(L)
	e.raise(L, e.world.SetMap(checkEntity(L, 1), checkMap(L, 2)))
	return 0
}

// resize_grid(entity, min_x, min_y, max_x, max_y)
func (e *Engine) luaResizeGrid(L *lua.LState) int {
	defer e.trap(L)
	eid := checkEntity(L, 1)
	b := r2.Box{
		Min: r2.Vec{X: float64(L.CheckNumber(2)), Y: float64(L.CheckNumber(3))},
		Max: r2.Vec{X: float64(L.CheckNumber(4)), Y: float64(L.CheckNumber(5))},
	}
	e.raise(L, e.world.SetLocalBounds(eid, b))
	return 0
}

// delete_grid(entity)
func (e *Engine) luaDeleteGrid(L *lua.LState) int {
	defer e.trap(L)
	e.raise(L, e.world.DeleteGrid(checkEntity(L, 1)))
	return 0
}

// log(msg)
func (e *Engine) luaLog(L *lua.LState) int {
	e.log.Info("scenario", zap.String("msg", L.CheckString(1)))
	return 0
}
