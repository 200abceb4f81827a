package system

import (
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/gridtree/internal/core/ecs"
	coresys "github.com/l1jgo/gridtree/internal/core/system"
)

// CleanupSystem flushes the deferred entity destruction queue at tick end.
// Phase 3 (Cleanup), after broadphase has read this tick's grids.
type CleanupSystem struct {
	world *ecs.World
	log   *zap.Logger
}

func NewCleanupSystem(world *ecs.World, log *zap.Logger) *CleanupSystem {
	return &CleanupSystem{world: world, log: log}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *CleanupSystem) Update(_ time.Duration) {
	if n := s.world.PendingDestruction(); n > 0 {
		s.log.Debug("destroying entities", zap.Int("count", n))
	}
	s.world.FlushDestroyQueue()
}
