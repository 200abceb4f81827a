package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput      Phase = iota // 0: scenario/script commands
	PhaseUpdate                  // 1: simulation logic
	PhaseBroadphase              // 2: drain moved grids, pair candidates
	PhaseCleanup                 // 3: destroy queued entities
)

// System is the interface every ECS system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
