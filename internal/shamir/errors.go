package shamir

import (
	"errors"
	"fmt"
)

var (
	ErrSecretSize     = fmt.Errorf("shamir: secret must be %d bytes", SecretSize)
	ErrThreshold      = errors.New("shamir: need 2 <= k <= n <= 255")
	ErrTooFewShares   = errors.New("shamir: not enough distinct shares")
	ErrMixedSplits    = errors.New("shamir: shares belong to different splits")
	ErrIntegrity      = errors.New("shamir: reconstructed secret failed integrity check")
	ErrMalformedShare = errors.New("shamir: malformed share")
)

// ReconstructionError reports why a set of shares could not be combined.
type ReconstructionError struct {
	SplitID    SplitID
	Have, Need int
	Err        error
}

func (e *ReconstructionError) Error() string {
	if errors.Is(e.Err, ErrTooFewShares) && e.Need > 0 {
		return fmt.Sprintf("reconstruct %s: %v (have %d, need %d)", e.SplitID, e.Err, e.Have, e.Need)
	}
	return fmt.Sprintf("reconstruct %s: %v", e.SplitID, e.Err)
}

func (e *ReconstructionError) Unwrap() error { return e.Err }
