// Package broadcast provides best-effort delivery of small payloads to every
// listener on a shared local medium.
package broadcast

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Receive when nothing arrived in time.
	ErrTimeout = errors.New("broadcast: receive timeout")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("broadcast: channel closed")
)

// MaxPayload is the largest payload a receiver accepts; longer datagrams are
// truncated by the medium.
const MaxPayload = 1024

// Channel is an unreliable, unordered, at-most-once broadcast medium. Send
// gives no delivery confirmation and Receive is the only way to discover
// peers.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	// Receive blocks for at most timeout and returns ErrTimeout if no
	// payload arrived.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}
