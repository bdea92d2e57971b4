package system

import (
	"time"

	coresys "github.com/rifthaven/server/internal/core/system"
	"github.com/rifthaven/server/internal/net"
)

// OutputSystem hands each session's tick buffer to its writer goroutine.
// Phase 3 (Output).
type OutputSystem struct {
	gateway *net.Gateway
}

func NewOutputSystem(gateway *net.Gateway) *OutputSystem {
	return &OutputSystem{gateway: gateway}
}

func (s *OutputSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *OutputSystem) Update(_ time.Duration) {
	s.gateway.FlushAll()
}
