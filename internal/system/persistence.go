package system

import (
	"context"
	"time"

	"github.com/rifthaven/server/internal/core/ecs"
	coresys "github.com/rifthaven/server/internal/core/system"
	"github.com/rifthaven/server/internal/persist"
	"github.com/rifthaven/server/internal/replica"
	"github.com/rifthaven/server/internal/schema"
	"go.uber.org/zap"
)

// PersistenceSystem writes full-state snapshots of components whose
// database-directed fields changed since the last save. Snapshots reuse the
// wire codec under a full mask, so restore is just a merge into a zero
// value. Phase 4 (Persist), on its own slower cadence.
type PersistenceSystem struct {
	world    *ecs.World
	repo     *persist.SnapshotRepo
	log      *zap.Logger
	counter  int
	interval int // save every N ticks
}

func NewPersistenceSystem(world *ecs.World, repo *persist.SnapshotRepo, intervalTicks int, log *zap.Logger) *PersistenceSystem {
	if intervalTicks < 1 {
		intervalTicks = 1
	}
	return &PersistenceSystem{world: world, repo: repo, log: log, interval: intervalTicks}
}

func (s *PersistenceSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *PersistenceSystem) Update(_ time.Duration) {
	s.counter++
	if s.counter < s.interval {
		return
	}
	s.counter = 0
	s.save(true)
}

// SaveAll persists every instance immediately, ignoring dirty state. Called
// on graceful shutdown so nothing is lost.
func (s *PersistenceSystem) SaveAll() {
	s.save(false)
}

func (s *PersistenceSystem) save(dirtyOnly bool) {
	var (
		rows  []persist.SnapshotRow
		clear []*replica.Tracked
	)
	s.world.EachTracked(func(store *ecs.TrackedStore) {
		comp := store.Component()
		if comp.DirMask(schema.DirDB) == 0 {
			return // nothing in this type is persisted
		}
		store.Each(func(id ecs.EntityID, t *replica.Tracked) {
			t.Commit()
			if dirtyOnly && !t.DirtyDB() {
				return
			}
			data, err := replica.EncodeFull(t.Read())
			if err != nil {
				s.log.Error("快照編碼失敗",
					zap.String("component", comp.Name),
					zap.Uint32("entity", id.Index()),
					zap.Error(err),
				)
				return
			}
			rows = append(rows, persist.SnapshotRow{
				Entity:    id.Index(),
				TypeID:    comp.TypeID,
				Component: comp.Name,
				Data:      data,
			})
			clear = append(clear, t)
		})
	})
	if len(rows) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.UpsertBatch(ctx, rows); err != nil {
		// Accumulators stay set; the next pass retries the same instances.
		s.log.Error("快照批次寫入失敗", zap.Int("rows", len(rows)), zap.Error(err))
		return
	}
	for _, t := range clear {
		t.ClearDB()
	}
	s.log.Debug("快照已保存", zap.Int("rows", len(rows)))
}
