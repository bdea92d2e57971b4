package system

import (
	"time"

	"github.com/rifthaven/server/internal/core/ecs"
	coresys "github.com/rifthaven/server/internal/core/system"
	"github.com/rifthaven/server/internal/replica"
	"go.uber.org/zap"
)

// Sink receives encoded component deltas, addressed by owning entity and
// component type. The gateway implements it; tests substitute a recorder.
type Sink interface {
	Emit(entity, typeID uint32, delta []byte)
}

// CommitSystem materializes accumulated changes into outbound deltas. It
// runs once every cadence ticks; on a run it consumes each type's modified
// flag and, only when set, walks that type's instances encoding the dirty
// ones. A set flag with no dirty instance is a tolerated false positive.
// One instance failing to encode is logged and skipped, never fatal to the
// pass. Phase 2 (Commit), behind the logic barrier.
type CommitSystem struct {
	world   *ecs.World
	sink    Sink
	cadence int
	counter int
	log     *zap.Logger
}

func NewCommitSystem(world *ecs.World, sink Sink, cadence int, log *zap.Logger) *CommitSystem {
	if cadence < 1 {
		cadence = 1
	}
	return &CommitSystem{world: world, sink: sink, cadence: cadence, log: log}
}

func (s *CommitSystem) Phase() coresys.Phase { return coresys.PhaseCommit }

func (s *CommitSystem) Update(_ time.Duration) {
	s.counter++
	if s.counter < s.cadence {
		return
	}
	s.counter = 0
	s.world.EachTracked(s.commitStore)
}

// CommitAll runs an immediate pass regardless of cadence, e.g. on shutdown.
func (s *CommitSystem) CommitAll() {
	s.counter = 0
	s.world.EachTracked(s.commitStore)
}

func (s *CommitSystem) commitStore(store *ecs.TrackedStore) {
	if !store.CheckAndClear() {
		return
	}
	typeID := store.Component().TypeID
	store.Each(func(id ecs.EntityID, t *replica.Tracked) {
		t.Commit()
		if !t.DirtyNet() {
			return
		}
		data, err := t.EncodeNet()
		if err != nil {
			s.log.Error("編碼失敗，跳過該實例",
				zap.String("component", store.Component().Name),
				zap.Uint32("entity", id.Index()),
				zap.Error(err),
			)
			return
		}
		s.sink.Emit(id.Index(), typeID, data)
	})
}
