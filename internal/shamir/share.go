package shamir

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	shareVersion = 1
	ySize        = 66

	// ShareSize is the length of a share's binary encoding.
	ShareSize = 1 + 1 + 1 + len(SplitID{}) + ySize
)

// SplitID identifies the split a share was produced by.
type SplitID [16]byte

func (id SplitID) String() string {
	return hex.EncodeToString(id[:])
}

// Share is one evaluation of a split's polynomial. It carries enough
// metadata to be grouped with the other shares of its split.
type Share struct {
	SplitID   SplitID
	Index     uint8
	Threshold uint8
	Y         *big.Int
}

func (s Share) valid() bool {
	return s.Index > 0 && s.Threshold >= 2 && s.Y != nil && s.Y.Sign() >= 0 && s.Y.Cmp(fieldOrder) < 0
}

// MarshalBinary encodes the share as version || threshold || index ||
// split id || y (66 bytes, big endian).
func (s Share) MarshalBinary() ([]byte, error) {
	if !s.valid() {
		return nil, ErrMalformedShare
	}
	buf := make([]byte, ShareSize)
	buf[0] = shareVersion
	buf[1] = s.Threshold
	buf[2] = s.Index
	copy(buf[3:], s.SplitID[:])
	s.Y.FillBytes(buf[3+len(s.SplitID):])
	return buf, nil
}

// UnmarshalBinary decodes a share produced by MarshalBinary.
func (s *Share) UnmarshalBinary(data []byte) error {
	if len(data) != ShareSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformedShare, len(data))
	}
	if data[0] != shareVersion {
		return fmt.Errorf("%w: version %d", ErrMalformedShare, data[0])
	}
	var out Share
	out.Threshold = data[1]
	out.Index = data[2]
	copy(out.SplitID[:], data[3:3+len(out.SplitID)])
	out.Y = new(big.Int).SetBytes(data[3+len(out.SplitID):])
	if !out.valid() {
		return ErrMalformedShare
	}
	*s = out
	return nil
}

// String returns the hex text form of the share.
func (s Share) String() string {
	b, err := s.MarshalBinary()
	if err != nil {
		return "<invalid share>"
	}
	return hex.EncodeToString(b)
}

// ParseShare decodes the text form produced by String.
func ParseShare(text string) (Share, error) {
	b, err := hex.DecodeString(text)
	if err != nil {
		return Share{}, fmt.Errorf("%w: %v", ErrMalformedShare, err)
	}
	var s Share
	if err := s.UnmarshalBinary(b); err != nil {
		return Share{}, err
	}
	return s, nil
}
