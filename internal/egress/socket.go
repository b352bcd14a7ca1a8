// Package egress implements best-effort telemetry egress to an external
// analytics endpoint over a connected Unix datagram socket. Loss under
// backpressure or when no receiver is listening is expected and silent.
package egress

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/baikal/cpu-guardian/internal/model"
)

// Sink sends one sample's wire encoding, best-effort.
type Sink interface {
	Send(s model.Sample)
	Close() error
}

// Socket is a Sink backed by a connected AF_UNIX SOCK_DGRAM socket. Each
// Send is one datagram; transient failures (would-block, connection
// refused, broken pipe) are silently dropped, matching the egress
// component's backpressure policy — telemetry is tolerant of loss.
type Socket struct {
	conn *net.UnixConn
}

// Dial connects to socketPath. A dial failure is non-fatal to the
// caller's larger lifecycle — the orchestrator may run with egress
// entirely disabled by never calling Dial, or may log the failure and
// continue without a wire sink.
func Dial(socketPath string) (*Socket, error) {
	addr := &net.UnixAddr{Name: socketPath, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to telemetry egress socket %q: %w", socketPath, err)
	}
	return &Socket{conn: conn}, nil
}

// Send encodes s into the fixed 68-byte wire layout and writes one
// datagram. The datagram is sent with a single MSG_DONTWAIT send on the
// raw descriptor rather than net.UnixConn.Write, which would park the
// goroutine in the runtime poller while the receiver's queue is full;
// here a full queue surfaces as EAGAIN and the datagram is dropped.
// Errors are swallowed for the transient conditions the source this is
// ported from explicitly tolerates (would-block, connection-refused,
// broken pipe); anything else is likewise dropped, since egress is
// always best-effort and must never block or disrupt the sampling loop.
func (s *Socket) Send(sample model.Sample) {
	if s == nil || s.conn == nil {
		return
	}
	buf := model.EncodeWireSample(sample)
	rc, err := s.conn.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Write(func(fd uintptr) bool {
		err = syscall.Sendto(int(fd), buf[:], syscall.MSG_DONTWAIT, nil)
		return true // one attempt only: never wait for buffer space
	})
	if err != nil && !isTolerable(err) {
		// Non-transient write errors are still dropped: egress never
		// surfaces a failure to the sampling/detection path.
		return
	}
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func isTolerable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
