package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// UDP broadcasts datagrams to an IPv4 broadcast address and listens on the
// same port. Several UDP channels on one host can bind the same port.
type UDP struct {
	conn net.PacketConn
	dst  *net.UDPAddr

	mu     sync.Mutex
	closed bool
}

// ListenUDP binds listenAddr (e.g. ":50000") and sends to broadcastAddr
// (e.g. "255.255.255.255:50000").
func ListenUDP(ctx context.Context, listenAddr, broadcastAddr string) (*UDP, error) {
	dst, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", broadcastAddr, err)
	}
	lc := net.ListenConfig{Control: controlBroadcast}
	conn, err := lc.ListenPacket(ctx, "udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	return &UDP{conn: conn, dst: dst}, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("broadcast: payload of %d bytes exceeds %d", len(payload), MaxPayload)
	}
	if _, err := u.conn.WriteTo(payload, u.dst); err != nil {
		if u.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("broadcast send: %w", err)
	}
	return nil
}

func (u *UDP) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("broadcast set deadline: %w", err)
	}

	// unblock the read if the context is cancelled first
	stop := context.AfterFunc(ctx, func() {
		_ = u.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, MaxPayload)
	n, _, err := u.conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrTimeout
		}
		if u.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("broadcast receive: %w", err)
	}
	return buf[:n], nil
}

func (u *UDP) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return u.conn.Close()
}

func (u *UDP) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}
