package net

import (
	stdnet "net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gatewayFixture(t *testing.T, n int) (*Gateway, []*Session) {
	t.Helper()
	g := NewGateway(zap.NewNop())
	sessions := make([]*Session, 0, n)
	for i := 0; i < n; i++ {
		client, server := stdnet.Pipe()
		s := NewSession(server, uint64(i+1), 8, 8, 0, zap.NewNop())
		t.Cleanup(func() {
			s.Close()
			client.Close()
		})
		g.Add(s)
		sessions = append(sessions, s)
	}
	return g, sessions
}

func TestGatewayEmitBroadcasts(t *testing.T) {
	g, sessions := gatewayFixture(t, 3)

	g.Emit(11, 0x2222, []byte{5})
	g.FlushAll()

	want := OutboundFrame(11, 0x2222, []byte{5})
	for _, s := range sessions {
		select {
		case got := <-s.OutQueue:
			assert.Equal(t, want, got)
		default:
			t.Fatalf("session %d received nothing", s.ID)
		}
	}
}

func TestGatewaySendTo(t *testing.T) {
	g, sessions := gatewayFixture(t, 2)

	g.SendTo(sessions[0].ID, 1, 0x1, []byte{7})
	g.FlushAll()

	select {
	case got := <-sessions[0].OutQueue:
		assert.Equal(t, OutboundFrame(1, 0x1, []byte{7}), got)
	default:
		t.Fatal("target session received nothing")
	}
	assert.Empty(t, sessions[1].OutQueue, "other sessions stay quiet")

	// unknown target is a no-op
	g.SendTo(999, 1, 0x1, []byte{7})
}

func TestGatewayRemove(t *testing.T) {
	g, sessions := gatewayFixture(t, 2)
	require.Equal(t, 2, g.Len())

	g.Remove(sessions[0].ID)
	assert.Equal(t, 1, g.Len())
	assert.Nil(t, g.Get(sessions[0].ID))

	g.Emit(1, 0x1, nil)
	g.FlushAll()
	assert.Empty(t, sessions[0].OutQueue)
	assert.NotEmpty(t, sessions[1].OutQueue)
}
