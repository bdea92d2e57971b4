package system

import "time"

// Phase defines execution ordering within a single tick. The runner is the
// barrier between phases: all Logic systems finish before Commit starts, so
// the commit pass observes every mutation of the tick.
type Phase int

const (
	PhaseInput   Phase = iota // 0: drain inbound frames, apply deltas
	PhaseLogic                // 1: game logic mutates components
	PhaseCommit               // 2: encode accumulated changes
	PhaseOutput               // 3: flush session buffers
	PhasePersist              // 4: batch snapshot save
	PhaseCleanup              // 5: destroy queued entities
)

// System is the interface every ECS system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
