package encounter

import (
	"context"
	"encoding/hex"
	"time"
)

// #############################################################################

// EphID is the ephemeral identifier a node broadcasts, split into shares,
// during one round.
type EphID [32]byte

// EncID is an unlinkable identifier for one observed encounter.
type EncID [32]byte

func (id EncID) String() string { return hex.EncodeToString(id[:]) }

// ParseEncID decodes the hex form produced by String.
func ParseEncID(s string) (EncID, error) {
	var id EncID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, hex.ErrLength
	}
	copy(id[:], b)
	return id, nil
}

// Window receives derived encounter identifiers and is given the chance to
// rotate, evict and aggregate once per round.
type Window interface {
	Insert(item []byte) error
	Maintain(ctx context.Context) error
}

// #############################################################################

// Config controls one node's round. Durations of zero are allowed and are
// useful in tests.
type Config struct {
	K, N int
	// DropProbability is the chance each outgoing share is suppressed.
	DropProbability float64
	// ShareInterval paces consecutive transmitted shares.
	ShareInterval time.Duration
	// ReceiveTimeout bounds a single receive call.
	ReceiveTimeout time.Duration
	// ListenBudget bounds the whole collection phase of a round.
	ListenBudget time.Duration
	// RoundPeriod is the nominal round length; the end-of-round sleep is
	// RoundPeriod minus the time spent pacing transmitted shares.
	RoundPeriod time.Duration
	// ShareTTL is how long partially collected splits are kept across
	// rounds before being discarded.
	ShareTTL time.Duration
	Verbose  bool
}

func DefaultConfig() Config {
	return Config{
		K:               3,
		N:               5,
		DropProbability: 0.5,
		ShareInterval:   3 * time.Second,
		ReceiveTimeout:  3 * time.Second,
		ListenBudget:    15 * time.Second,
		RoundPeriod:     15 * time.Second,
		ShareTTL:        time.Minute,
	}
}

// RoundResult summarises one round.
type RoundResult struct {
	SharesSent     int
	SharesDropped  int
	SharesReceived int
	Encounters     int
	Failures       int
}
