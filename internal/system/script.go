package system

import (
	"time"

	"go.uber.org/zap"

	coresys "github.com/l1jgo/gridtree/internal/core/system"
	"github.com/l1jgo/gridtree/internal/scripting"
)

// ScriptSystem advances the Lua scenario once per tick. Script errors are
// logged; a *gridtree.Fault raised under the scenario propagates as a panic.
// Phase 0 (Input).
type ScriptSystem struct {
	engine *scripting.Engine
	log    *zap.Logger
	tick   uint64
}

func NewScriptSystem(engine *scripting.Engine, log *zap.Logger) *ScriptSystem {
	return &ScriptSystem{engine: engine, log: log}
}

func (s *ScriptSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *ScriptSystem) Update(_ time.Duration) {
	if err := s.engine.Tick(s.tick); err != nil {
		s.log.Error("scenario tick failed", zap.Uint64("tick", s.tick), zap.Error(err))
	}
	s.tick++
}
