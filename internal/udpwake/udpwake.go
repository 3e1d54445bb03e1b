// Package udpwake implements the best-effort UDP wake signal the ingest
// process sends to the scheduler when a task becomes ready, letting the
// scheduler's otherwise timer-driven poll loop react immediately. Adapted
// from the teacher's internal/core lifecycle signaling, generalized from an
// in-process channel to a loopback UDP datagram per spec.md §4.7/§6.
package udpwake

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Sender fires best-effort wake datagrams at the scheduler's signal port.
// A failure to send is logged and otherwise ignored; the scheduler's poll
// timer is the fallback.
type Sender struct {
	addr   string
	logger *slog.Logger
}

// NewSender targets 127.0.0.1:port.
func NewSender(port int, logger *slog.Logger) *Sender {
	return &Sender{addr: fmt.Sprintf("127.0.0.1:%d", port), logger: logger}
}

// Wake sends a single datagram with the 4-byte payload "wake"; the listener
// ignores the payload. Errors are logged, not returned: a
// missed wake degrades to timer-only polling, never a hang.
func (s *Sender) Wake() {
	conn, err := net.DialTimeout("udp", s.addr, 500*time.Millisecond)
	if err != nil {
		s.logger.Debug("udpwake: send failed", "error", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("wake")); err != nil {
		s.logger.Debug("udpwake: write failed", "error", err)
	}
}

// Listener receives wake datagrams on the scheduler side.
type Listener struct {
	conn   *net.UDPConn
	logger *slog.Logger
}

// Listen binds 127.0.0.1:port. A bind failure returns a non-nil error; the
// scheduler is expected to degrade to timer-only polling rather than fail
// startup (spec.md §4.7).
func Listen(port int, logger *slog.Logger) (*Listener, error) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, logger: logger}, nil
}

// Wait blocks until a datagram arrives or timeout elapses, returning true if
// a wake was received.
func (l *Listener) Wait(timeout time.Duration) bool {
	buf := make([]byte, 16)
	l.conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, err := l.conn.ReadFromUDP(buf)
	return err == nil
}

// Close releases the listener's socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}
