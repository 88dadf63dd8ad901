package encounter

import (
	"golang.org/x/crypto/blake2s"
	"lukechampine.com/frand"
)

const (
	domainCommitment = "dimy/commitment"
	domainEphID      = "dimy/ephid"
	domainEncID      = "dimy/encid"
)

// BLAKE2S hashes the concatenation of msgs under a domain separator.
func BLAKE2S(domainSep string, msgs ...[]byte) [32]byte {
	n := len(domainSep)
	for _, m := range msgs {
		n += len(m)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, domainSep...)
	for _, m := range msgs {
		buf = append(buf, m...)
	}
	return blake2s.Sum256(buf)
}

// NewEphID returns a fresh random ephemeral identifier.
func NewEphID() EphID {
	var id EphID
	frand.Read(id[:])
	return id
}

// DeriveEncID derives an encounter identifier for a reconstructed peer
// EphID:
//
//	EncID = H(H(secret) || H(peer))
//
// where secret is fresh randomness drawn for this call only and never
// leaves it. Two derivations for the same peer therefore differ, and
// neither an observer nor the peer can recompute the result.
func DeriveEncID(peer EphID) EncID {
	var secret [32]byte
	frand.Read(secret[:])
	commitment := BLAKE2S(domainCommitment, secret[:])
	digest := BLAKE2S(domainEphID, peer[:])
	return EncID(BLAKE2S(domainEncID, commitment[:], digest[:]))
}
