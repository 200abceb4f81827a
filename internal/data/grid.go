package data

import (
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
	"gopkg.in/yaml.v3"
)

// GridProto is a named grid shape, loaded from grid_list.yaml. Bounds are in
// the grid's local space, relative to its owner's origin.
type GridProto struct {
	Name string  `yaml:"name"`
	MinX float64 `yaml:"min_x"`
	MinY float64 `yaml:"min_y"`
	MaxX float64 `yaml:"max_x"`
	MaxY float64 `yaml:"max_y"`
}

func (p GridProto) Bounds() r2.Box {
	return r2.Box{
		Min: r2.Vec{X: p.MinX, Y: p.MinY},
		Max: r2.Vec{X: p.MaxX, Y: p.MaxY},
	}
}

// GridTable provides grid prototype lookups by name.
type GridTable struct {
	protos map[string]*GridProto
}

type gridListFile struct {
	Grids []GridProto `yaml:"grids"`
}

// LoadGridTable loads grid prototypes from YAML.
func LoadGridTable(path string) (*GridTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grid list %s: %w", path, err)
	}
	return ParseGridTable(raw)
}

// ParseGridTable builds a table from YAML bytes.
func ParseGridTable(raw []byte) (*GridTable, error) {
	var file gridListFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse grid list: %w", err)
	}

	table := &GridTable{protos: make(map[string]*GridProto, len(file.Grids))}
	for i := range file.Grids {
		p := &file.Grids[i]
		if p.Name == "" {
			return nil, fmt.Errorf("grid list entry %d: missing name", i)
		}
		if p.MinX > p.MaxX || p.MinY > p.MaxY {
			return nil, fmt.Errorf("grid %q: min corner exceeds max corner", p.Name)
		}
		if _, dup := table.protos[p.Name]; dup {
			return nil, fmt.Errorf("grid %q: defined twice", p.Name)
		}
		table.protos[p.Name] = p
	}
	return table, nil
}

// Get returns a prototype by name, or nil.
func (t *GridTable) Get(name string) *GridProto {
	return t.protos[name]
}

func (t *GridTable) Count() int {
	return len(t.protos)
}

// Names lists every prototype name, sorted.
func (t *GridTable) Names() []string {
	out := make([]string, 0, len(t.protos))
	for n := range t.protos {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
