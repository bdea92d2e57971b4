package net

import "go.uber.org/zap"

// Gateway tracks live sessions and fans encoded component deltas out to
// them. All methods run on the game loop goroutine; sessions are added and
// removed by the handshake pass as the server's channels report them.
type Gateway struct {
	sessions map[uint64]*Session
	log      *zap.Logger
}

func NewGateway(log *zap.Logger) *Gateway {
	return &Gateway{
		sessions: make(map[uint64]*Session, 64),
		log:      log,
	}
}

func (g *Gateway) Add(s *Session)         { g.sessions[s.ID] = s }
func (g *Gateway) Remove(id uint64)       { delete(g.sessions, id) }
func (g *Gateway) Get(id uint64) *Session { return g.sessions[id] }
func (g *Gateway) Len() int               { return len(g.sessions) }

// Emit broadcasts one encoded component delta to every connected session.
func (g *Gateway) Emit(entity, typeID uint32, delta []byte) {
	if len(g.sessions) == 0 {
		return
	}
	frame := OutboundFrame(entity, typeID, delta)
	for _, s := range g.sessions {
		s.Send(frame)
	}
}

// SendTo queues one encoded delta to a single session, e.g. a full resync
// for a fresh observer.
func (g *Gateway) SendTo(sessionID uint64, entity, typeID uint32, delta []byte) {
	s := g.sessions[sessionID]
	if s == nil {
		return
	}
	s.Send(OutboundFrame(entity, typeID, delta))
}

// FlushAll drains every session's tick buffer to its writer goroutine.
func (g *Gateway) FlushAll() {
	for _, s := range g.sessions {
		s.FlushOutput()
	}
}
