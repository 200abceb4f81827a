package system

import (
	"cmp"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/gridtree/internal/core/ecs"
	coresys "github.com/l1jgo/gridtree/internal/core/system"
	"github.com/l1jgo/gridtree/internal/gridtree"
	"github.com/l1jgo/gridtree/internal/world"
)

// Pair is a candidate grid contact found by the broadphase, A < B.
type Pair struct {
	Map  ecs.MapID
	A, B ecs.GridID
}

func makePair(m ecs.MapID, a, b ecs.GridID) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{Map: m, A: a, B: b}
}

// BroadphaseSystem drains each map's moved grids once per tick, collects the
// grids whose bounds overlap them, and clears the moved-set.
// Phase 2 (Broadphase).
type BroadphaseSystem struct {
	index    *gridtree.Index[*world.Grid]
	log      *zap.Logger
	logPairs bool
	pairs    []Pair
}

func NewBroadphaseSystem(index *gridtree.Index[*world.Grid], logPairs bool, log *zap.Logger) *BroadphaseSystem {
	return &BroadphaseSystem{index: index, logPairs: logPairs, log: log}
}

func (s *BroadphaseSystem) Phase() coresys.Phase { return coresys.PhaseBroadphase }

// Pairs returns the candidate pairs found by the last Update, sorted. The
// slice is reused by the next Update.
func (s *BroadphaseSystem) Pairs() []Pair { return s.pairs }

func (s *BroadphaseSystem) Update(_ time.Duration) {
	s.pairs = s.pairs[:0]
	seen := make(map[Pair]struct{})

	for _, m := range s.index.Partitions() {
		seq, err := s.index.Moved(m)
		if err != nil {
			s.log.Error("broadphase moved-set", zap.Int32("map", int32(m)), zap.Error(err))
			continue
		}
		moved := slices.Collect(seq)
		for _, g := range moved {
			aabb, err := s.index.AABB(m, g.Proxy)
			if err != nil {
				s.log.Error("broadphase lookup",
					zap.Int32("map", int32(m)),
					zap.Uint32("grid", uint32(g.ID)),
					zap.Error(err),
				)
				continue
			}
			err = s.index.Query(m, aabb, func(other *world.Grid) bool {
				if other == g {
					return true
				}
				p := makePair(m, g.ID, other.ID)
				if _, dup := seen[p]; !dup {
					seen[p] = struct{}{}
					s.pairs = append(s.pairs, p)
				}
				return true
			})
			if err != nil {
				s.log.Error("broadphase query",
					zap.Int32("map", int32(m)),
					zap.Uint32("grid", uint32(g.ID)),
					zap.Error(err),
				)
			}
		}
		if err := s.index.ClearMoved(m); err != nil {
			s.log.Error("broadphase clear", zap.Int32("map", int32(m)), zap.Error(err))
		}
		if len(moved) > 0 {
			s.log.Debug("broadphase",
				zap.Int32("map", int32(m)),
				zap.Int("moved", len(moved)),
				zap.Int("tree_height", s.index.Height(m)),
			)
		}
	}

	slices.SortFunc(s.pairs, func(a, b Pair) int {
		if c := cmp.Compare(a.Map, b.Map); c != 0 {
			return c
		}
		if c := cmp.Compare(a.A, b.A); c != 0 {
			return c
		}
		return cmp.Compare(a.B, b.B)
	})
	if s.logPairs {
		for _, p := range s.pairs {
			s.log.Info("grid contact candidate",
				zap.Int32("map", int32(p.Map)),
				zap.Uint32("a", uint32(p.A)),
				zap.Uint32("b", uint32(p.B)),
			)
		}
	}
}
