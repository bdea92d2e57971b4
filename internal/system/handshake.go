package system

import (
	"time"

	"github.com/rifthaven/server/internal/component"
	"github.com/rifthaven/server/internal/core/ecs"
	coresys "github.com/rifthaven/server/internal/core/system"
	"github.com/rifthaven/server/internal/net"
	"github.com/rifthaven/server/internal/replica"
	"go.uber.org/zap"
)

// HandshakeSystem turns connection churn into entity churn. New sessions get
// an entity, their spawn-on-connect components, and a full-state resync of
// every replicated component already live in the world. Dead sessions get
// their entity queued for destruction. Phase 0 (Input), before InputSystem.
type HandshakeSystem struct {
	netServer *net.Server
	gateway   *net.Gateway
	world     *ecs.World
	refs      *ecs.PtrComponentStore[component.SessionRef]
	bySession map[uint64]ecs.EntityID
	log       *zap.Logger
}

func NewHandshakeSystem(
	netServer *net.Server,
	gateway *net.Gateway,
	world *ecs.World,
	refs *ecs.PtrComponentStore[component.SessionRef],
	log *zap.Logger,
) *HandshakeSystem {
	return &HandshakeSystem{
		netServer: netServer,
		gateway:   gateway,
		world:     world,
		refs:      refs,
		bySession: make(map[uint64]ecs.EntityID, 64),
		log:       log,
	}
}

func (s *HandshakeSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *HandshakeSystem) Update(_ time.Duration) {
	// Accept new sessions
	for {
		select {
		case sess := <-s.netServer.NewSessions():
			s.admit(sess)
		default:
			goto doneNew
		}
	}
doneNew:

	// Reap dead sessions
	for {
		select {
		case id := <-s.netServer.DeadSessions():
			s.reap(id)
		default:
			return
		}
	}
}

// Entity looks up the entity bound to a session id.
func (s *HandshakeSystem) Entity(sessionID uint64) (ecs.EntityID, bool) {
	id, ok := s.bySession[sessionID]
	return id, ok
}

// EachSession visits every bound session with its entity.
func (s *HandshakeSystem) EachSession(fn func(*net.Session, ecs.EntityID)) {
	for sid, id := range s.bySession {
		if sess := s.gateway.Get(sid); sess != nil {
			fn(sess, id)
		}
	}
}

func (s *HandshakeSystem) admit(sess *net.Session) {
	s.gateway.Add(sess)

	id := s.world.CreateEntity()
	s.refs.Set(id, &component.SessionRef{SessionID: sess.ID})
	s.bySession[sess.ID] = id

	// Attach spawn-on-connect components before the resync so the new
	// client sees its own entity in the snapshot.
	s.world.EachTracked(func(store *ecs.TrackedStore) {
		if store.Component().SpawnOnConnect {
			store.Spawn(id)
		}
	})

	// Full resync: the new observer receives a complete snapshot of every
	// live instance through the same wire format as incremental updates.
	s.world.EachTracked(func(store *ecs.TrackedStore) {
		typeID := store.Component().TypeID
		store.Each(func(owner ecs.EntityID, t *replica.Tracked) {
			data, err := replica.EncodeFull(t.Read())
			if err != nil {
				s.log.Error("全量同步編碼失敗",
					zap.String("component", store.Component().Name),
					zap.Uint32("entity", owner.Index()),
					zap.Error(err),
				)
				return
			}
			s.gateway.SendTo(sess.ID, owner.Index(), typeID, data)
		})
	})

	s.log.Info("新實體綁定連線",
		zap.Uint64("session", sess.ID),
		zap.Uint32("entity", id.Index()),
	)
}

func (s *HandshakeSystem) reap(sessionID uint64) {
	s.gateway.Remove(sessionID)
	if id, ok := s.bySession[sessionID]; ok {
		delete(s.bySession, sessionID)
		s.world.MarkForDestruction(id)
	}
}
