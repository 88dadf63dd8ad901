// Package shamir implements (k,n) threshold secret sharing of fixed-size
// secrets over the prime field GF(2^521-1).
//
// A secret is extended with a short tag bound to the split identifier
// before it is shared, so a reconstruction from shares that do not belong
// together is detected instead of returning an unrelated value.
package shamir

import (
	"bytes"
	"math/big"
	"sort"

	"golang.org/x/crypto/blake2s"
	"lukechampine.com/frand"
)

const (
	// SecretSize is the only secret length accepted by Split.
	SecretSize = 32
	// MaxShares bounds n so every index fits in one byte.
	MaxShares = 255

	tagSize    = 8
	packedSize = SecretSize + tagSize
)

// #############################################################################

var (
	fieldOrder *big.Int
	one        = big.NewInt(1)
)

func init() {
	// 2^521 - 1 is a Mersenne prime; packed secrets use 320 bits of it.
	fieldOrder = new(big.Int).Lsh(one, 521)
	fieldOrder.Sub(fieldOrder, one)
}

// FieldOrder returns a copy of the field modulus.
func FieldOrder() *big.Int {
	return new(big.Int).Set(fieldOrder)
}

// #############################################################################

// Split shares secret so that any k of the n returned shares reconstruct it
// and fewer than k reveal nothing about it.
func Split(secret []byte, k, n int) ([]Share, error) {
	if len(secret) != SecretSize {
		return nil, ErrSecretSize
	}
	if k < 2 || n < k || n > MaxShares {
		return nil, ErrThreshold
	}

	var id SplitID
	frand.Read(id[:])

	packed := make([]byte, 0, packedSize)
	packed = append(packed, secret...)
	packed = append(packed, tag(id, secret)...)

	// f(x) = s + a_1 x + ... + a_{k-1} x^{k-1}
	coeffs := make([]*big.Int, k)
	coeffs[0] = new(big.Int).SetBytes(packed)
	for i := 1; i < k; i++ {
		coeffs[i] = frand.BigIntn(fieldOrder)
	}

	shares := make([]Share, n)
	for i := 0; i < n; i++ {
		x := big.NewInt(int64(i + 1))
		shares[i] = Share{
			SplitID:   id,
			Index:     uint8(i + 1),
			Threshold: uint8(k),
			Y:         evaluate(coeffs, x),
		}
	}
	return shares, nil
}

// Reconstruct recovers the secret from at least Threshold distinct shares of
// one split. Duplicate shares are tolerated; every failure is returned as a
// *ReconstructionError.
func Reconstruct(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, &ReconstructionError{Err: ErrTooFewShares}
	}

	first := shares[0]
	distinct := make(map[uint8]Share, len(shares))
	for _, s := range shares {
		if !s.valid() {
			return nil, &ReconstructionError{SplitID: first.SplitID, Err: ErrMalformedShare}
		}
		if s.SplitID != first.SplitID || s.Threshold != first.Threshold {
			return nil, &ReconstructionError{SplitID: first.SplitID, Err: ErrMixedSplits}
		}
		if prev, ok := distinct[s.Index]; ok {
			if prev.Y.Cmp(s.Y) != 0 {
				return nil, &ReconstructionError{SplitID: first.SplitID, Err: ErrMixedSplits}
			}
			continue
		}
		distinct[s.Index] = s
	}

	need := int(first.Threshold)
	if len(distinct) < need {
		return nil, &ReconstructionError{SplitID: first.SplitID, Have: len(distinct), Need: need, Err: ErrTooFewShares}
	}

	picked := make([]Share, 0, len(distinct))
	for _, s := range distinct {
		picked = append(picked, s)
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].Index < picked[j].Index })
	picked = picked[:need]

	value := interpolateAtZero(picked)
	if value.BitLen() > packedSize*8 {
		return nil, &ReconstructionError{SplitID: first.SplitID, Have: len(distinct), Need: need, Err: ErrIntegrity}
	}
	packed := value.FillBytes(make([]byte, packedSize))
	secret, sum := packed[:SecretSize], packed[SecretSize:]
	if !bytes.Equal(sum, tag(first.SplitID, secret)) {
		return nil, &ReconstructionError{SplitID: first.SplitID, Have: len(distinct), Need: need, Err: ErrIntegrity}
	}
	return secret, nil
}

// #############################################################################

func tag(id SplitID, secret []byte) []byte {
	msg := make([]byte, 0, len("shamir/tag")+len(id)+len(secret))
	msg = append(msg, "shamir/tag"...)
	msg = append(msg, id[:]...)
	msg = append(msg, secret...)
	h := blake2s.Sum256(msg)
	return h[:tagSize]
}

// evaluate computes f(x) mod p with Horner's rule.
func evaluate(coeffs []*big.Int, x *big.Int) *big.Int {
	y := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		y.Mul(y, x)
		y.Add(y, coeffs[i])
		y.Mod(y, fieldOrder)
	}
	return y
}

// interpolateAtZero returns f(0) for the unique polynomial of degree
// len(shares)-1 through the given points.
func interpolateAtZero(shares []Share) *big.Int {
	sum := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	term := new(big.Int)
	for i, si := range shares {
		num.SetInt64(1)
		den.SetInt64(1)
		xi := int64(si.Index)
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := int64(sj.Index)
			// l_i(0) = prod x_j / (x_j - x_i)
			num.Mul(num, big.NewInt(xj))
			num.Mod(num, fieldOrder)
			den.Mul(den, big.NewInt(xj-xi))
			den.Mod(den, fieldOrder)
		}
		den.ModInverse(den, fieldOrder)
		term.Mul(si.Y, num)
		term.Mul(term, den)
		sum.Add(sum, term)
		sum.Mod(sum, fieldOrder)
	}
	return sum
}
