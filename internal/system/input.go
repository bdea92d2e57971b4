package system

import (
	"time"

	"github.com/rifthaven/server/internal/core/ecs"
	coresys "github.com/rifthaven/server/internal/core/system"
	"github.com/rifthaven/server/internal/net"
	"github.com/rifthaven/server/internal/replica"
	"go.uber.org/zap"
)

// InputSystem drains inbound frames from every session and merges the
// carried deltas into the sender's own components. A frame that fails to
// decode is discarded and answered with a full resync of that component, so
// a corrupt buffer can never leave the mirror half-applied for long.
// Phase 0 (Input), after HandshakeSystem.
type InputSystem struct {
	netServer  *net.Server
	gateway    *net.Gateway
	world      *ecs.World
	handshake  *HandshakeSystem
	maxPerTick int
	log        *zap.Logger
}

func NewInputSystem(
	netServer *net.Server,
	gateway *net.Gateway,
	world *ecs.World,
	handshake *HandshakeSystem,
	maxPerTick int,
	log *zap.Logger,
) *InputSystem {
	return &InputSystem{
		netServer:  netServer,
		gateway:    gateway,
		world:      world,
		handshake:  handshake,
		maxPerTick: maxPerTick,
		log:        log,
	}
}

func (s *InputSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *InputSystem) Update(_ time.Duration) {
	s.handshake.EachSession(func(sess *net.Session, entity ecs.EntityID) {
		if sess.IsClosed() {
			// HandshakeSystem reaps the binding on the next tick.
			s.netServer.NotifyDead(sess.ID)
			return
		}
		for i := 0; i < s.maxPerTick; i++ {
			select {
			case payload := <-sess.InQueue:
				s.apply(sess, entity, payload)
			default:
				return
			}
		}
	})
}

// apply merges one inbound delta into the session's entity.
func (s *InputSystem) apply(sess *net.Session, entity ecs.EntityID, payload []byte) {
	typeID, delta, err := net.ParseInbound(payload)
	if err != nil {
		s.log.Warn("入站封包格式錯誤", zap.Uint64("session", sess.ID), zap.Error(err))
		return
	}
	store := s.world.Tracked(typeID)
	if store == nil {
		s.log.Warn("未知元件型別", zap.Uint64("session", sess.ID), zap.Uint32("type", typeID))
		return
	}
	t, ok := store.Get(entity)
	if !ok {
		return
	}
	if err := replica.Merge(t.Mutate(), delta); err != nil {
		s.log.Warn("差異合併失敗，回送全量同步",
			zap.Uint64("session", sess.ID),
			zap.String("component", store.Component().Name),
			zap.Error(err),
		)
		s.resync(sess.ID, entity, store)
	}
}

// resync rebuilds a session's mirror of one component after a bad buffer.
func (s *InputSystem) resync(sessionID uint64, entity ecs.EntityID, store *ecs.TrackedStore) {
	t, ok := store.Get(entity)
	if !ok {
		return
	}
	data, err := replica.EncodeFull(t.Read())
	if err != nil {
		s.log.Error("全量同步編碼失敗", zap.String("component", store.Component().Name), zap.Error(err))
		return
	}
	s.gateway.SendTo(sessionID, entity.Index(), store.Component().TypeID, data)
}
