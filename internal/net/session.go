package net

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Session represents a single client connection. Network I/O runs in
// dedicated goroutines; game state is accessed only from the game loop.
type Session struct {
	ID   uint64
	conn net.Conn

	InQueue  chan []byte // game loop reads inbound payloads from here
	OutQueue chan []byte // writer goroutine reads from here

	IP string

	outBuf [][]byte // buffered payloads, flushed by OutputSystem (game loop only)

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Per-second frame rate limiter (readLoop goroutine only, no lock needed)
	framePerSec  int   // max frames/sec (0 = unlimited)
	frameCount   int   // frames received this second
	frameResetAt int64 // unix second of last counter reset

	log *zap.Logger
}

func NewSession(conn net.Conn, id uint64, inSize, outSize, framePerSec int, log *zap.Logger) *Session {
	return &Session{
		ID:          id,
		conn:        conn,
		InQueue:     make(chan []byte, inSize),
		OutQueue:    make(chan []byte, outSize),
		IP:          conn.RemoteAddr().String(),
		closeCh:     make(chan struct{}),
		framePerSec: framePerSec,
		log:         log.With(zap.Uint64("session", id)),
	}
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// Send buffers a payload for sending. Nothing is written to TCP until
// FlushOutput is called by OutputSystem.
// Called only from the game loop goroutine — no lock needed on outBuf.
func (s *Session) Send(payload []byte) {
	if s.closed.Load() {
		return
	}
	s.outBuf = append(s.outBuf, payload)
}

// FlushOutput drains the output buffer to OutQueue for the writeLoop
// goroutine. Called by OutputSystem once per tick.
// Non-blocking: if OutQueue is full, the session is disconnected (backpressure).
func (s *Session) FlushOutput() {
	for _, data := range s.outBuf {
		select {
		case s.OutQueue <- data:
		default:
			s.log.Warn("輸出佇列已滿，斷開慢速連線")
			s.Close()
			s.outBuf = s.outBuf[:0]
			return
		}
	}
	s.outBuf = s.outBuf[:0]
}

// Close gracefully shuts down the session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// readLoop runs in its own goroutine. It reads frames from the TCP
// connection and pushes their payloads onto InQueue for the game loop.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		payload, err := ReadFrame(s.conn)
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("讀取錯誤", zap.Error(err))
			}
			return
		}

		// Per-second frame rate limiter
		if s.framePerSec > 0 {
			now := time.Now().Unix()
			if now != s.frameResetAt {
				s.frameCount = 0
				s.frameResetAt = now
			}
			s.frameCount++
			if s.frameCount > s.framePerSec {
				s.log.Warn("封包速率超限，斷開連線", zap.Int("fps", s.frameCount))
				return
			}
		}

		// Block until InQueue has space or the session closes. Dropping a
		// delta frame would desync the mirror permanently; blocking only
		// stalls this one client's readLoop.
		select {
		case s.InQueue <- payload:
		case <-s.closeCh:
			return
		}
	}
}

// writeLoop runs in its own goroutine, draining OutQueue to the socket.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case data := <-s.OutQueue:
			if !s.writeOneFrame(data) {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) writeOneFrame(payload []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := WriteFrame(s.conn, payload); err != nil {
		if !s.closed.Load() {
			s.log.Debug("寫入錯誤", zap.Error(err))
		}
		return false
	}
	return true
}
