package ecs

// LifeStage is how far an entity has progressed through its lifecycle.
// Stages only move forward.
type LifeStage uint8

const (
	StagePreInit LifeStage = iota
	StageInitializing
	StageInitialized
	StageTerminating
	StageDeleted
)

func (s LifeStage) String() string {
	switch s {
	case StagePreInit:
		return "preinit"
	case StageInitializing:
		return "initializing"
	case StageInitialized:
		return "initialized"
	case StageTerminating:
		return "terminating"
	default:
		return "deleted"
	}
}

// World is the top-level ECS container. It owns the entity pool, the component
// registry, per-entity life stages, and a deferred destruction queue flushed by
// CleanupSystem each tick.
type World struct {
	pool         *EntityPool
	registry     *Registry
	stages       map[EntityID]LifeStage
	destroyQueue []EntityID
}

func NewWorld() *World {
	return &World{
		pool:         NewEntityPool(),
		registry:     NewRegistry(),
		stages:       make(map[EntityID]LifeStage, 256),
		destroyQueue: make([]EntityID, 0, 64),
	}
}

func (w *World) Pool() *EntityPool   { return w.pool }
func (w *World) Registry() *Registry { return w.registry }

func (w *World) CreateEntity() EntityID {
	id := w.pool.Create()
	w.stages[id] = StagePreInit
	return id
}

func (w *World) Alive(id EntityID) bool {
	return w.pool.Alive(id)
}

// Stage reports the entity's life stage. Dead or unknown entities are StageDeleted.
func (w *World) Stage(id EntityID) LifeStage {
	s, ok := w.stages[id]
	if !ok {
		return StageDeleted
	}
	return s
}

// SetStage advances a live entity's life stage. Attempts to move backwards are ignored.
func (w *World) SetStage(id EntityID, stage LifeStage) {
	cur, ok := w.stages[id]
	if !ok || stage < cur {
		return
	}
	w.stages[id] = stage
}

// MarkForDestruction queues an entity for end-of-tick cleanup.
func (w *World) MarkForDestruction(id EntityID) {
	w.SetStage(id, StageTerminating)
	w.destroyQueue = append(w.destroyQueue, id)
}

// PendingDestruction is the number of entities waiting for the next flush.
func (w *World) PendingDestruction() int { return len(w.destroyQueue) }

// FlushDestroyQueue destroys all queued entities and clears their components.
// Called by CleanupSystem at the end of each tick.
func (w *World) FlushDestroyQueue() {
	for _, id := range w.destroyQueue {
		w.registry.RemoveAll(id)
		delete(w.stages, id)
		w.pool.Destroy(id)
	}
	w.destroyQueue = w.destroyQueue[:0]
}
