package system

import (
	"time"

	"github.com/rifthaven/server/internal/core/ecs"
	coresys "github.com/rifthaven/server/internal/core/system"
	"github.com/rifthaven/server/internal/replica"
	"github.com/rifthaven/server/internal/schema"
	"github.com/rifthaven/server/internal/scripting"
	"go.uber.org/zap"
)

// LogicSystem runs the script-registered logic systems over their component
// stores. All mutation flows through tracked handles, so anything a script
// touches is picked up by the commit pass. Phase 1 (Logic).
type LogicSystem struct {
	world  *ecs.World
	set    *schema.Set
	engine *scripting.Engine
	log    *zap.Logger
}

func NewLogicSystem(world *ecs.World, set *schema.Set, engine *scripting.Engine, log *zap.Logger) *LogicSystem {
	// Unknown component names are configuration errors; surface them once
	// at startup instead of silently skipping every tick.
	for _, entry := range engine.Systems() {
		if set.ByName(entry.Component) == nil {
			log.Warn("腳本系統指向未知元件",
				zap.String("system", entry.Name),
				zap.String("component", entry.Component),
			)
		}
	}
	return &LogicSystem{world: world, set: set, engine: engine, log: log}
}

func (s *LogicSystem) Phase() coresys.Phase { return coresys.PhaseLogic }

func (s *LogicSystem) Update(dt time.Duration) {
	sec := dt.Seconds()
	for _, entry := range s.engine.Systems() {
		comp := s.set.ByName(entry.Component)
		if comp == nil {
			continue
		}
		store := s.world.Tracked(comp.TypeID)
		if store == nil {
			continue
		}
		store.Each(func(id ecs.EntityID, t *replica.Tracked) {
			if err := s.engine.RunLogic(entry, id.Index(), t, sec); err != nil {
				s.log.Error("腳本系統執行錯誤",
					zap.String("system", entry.Name),
					zap.Uint32("entity", id.Index()),
					zap.Error(err),
				)
			}
		})
	}
}
