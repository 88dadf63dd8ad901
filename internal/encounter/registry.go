package encounter

import (
	"sort"
	"time"

	"dimy/internal/shamir"
)

// maxAttempts bounds the failed reconstructions of one split before its
// later shares are ignored.
const maxAttempts = 3

type pending struct {
	firstSeen time.Time
	shares    map[uint8]shamir.Share
	attempts  int
	// usable shares at the last failed attempt
	triedWith int
}

// threshold returns the threshold most held shares carry, the larger one
// on a tie, and how many shares carry it.
func (p *pending) threshold() (k, count int) {
	votes := make(map[uint8]int, 1)
	for _, s := range p.shares {
		votes[s.Threshold]++
	}
	for t, c := range votes {
		if c > count || (c == count && int(t) > k) {
			k, count = int(t), c
		}
	}
	return k, count
}

// Registry groups received shares by split and tells when a split has
// enough distinct shares to be reconstructed. Shares of the node's own
// splits and of splits that were already handled are ignored. It is not
// safe for concurrent use; the node round is sequential.
type Registry struct {
	own     map[shamir.SplitID]time.Time
	done    map[shamir.SplitID]time.Time
	pending map[shamir.SplitID]*pending
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// Own marks id as one of our own splits.
func (r *Registry) Own(id shamir.SplitID, now time.Time) {
	r.own[id] = now
}

// Add records s and reports whether its split is ready for a reconstruction
// attempt: the shares carrying the split's majority threshold reach that
// threshold, and a share arrived since the last failed attempt. A second
// share for an index already held is ignored.
func (r *Registry) Add(s shamir.Share, now time.Time) bool {
	if _, ok := r.own[s.SplitID]; ok {
		return false
	}
	if _, ok := r.done[s.SplitID]; ok {
		return false
	}
	p, ok := r.pending[s.SplitID]
	if !ok {
		p = &pending{firstSeen: now, shares: make(map[uint8]shamir.Share)}
		r.pending[s.SplitID] = p
	}
	if _, dup := p.shares[s.Index]; dup {
		return false
	}
	p.shares[s.Index] = s
	k, count := p.threshold()
	return count >= k && count > p.triedWith
}

// Shares returns the distinct shares held for id that carry its majority
// threshold, ordered by index.
func (r *Registry) Shares(id shamir.SplitID) []shamir.Share {
	p, ok := r.pending[id]
	if !ok {
		return nil
	}
	k, _ := p.threshold()
	out := make([]shamir.Share, 0, len(p.shares))
	for _, s := range p.shares {
		if int(s.Threshold) == k {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Complete drops the shares held for id and ignores its later shares.
func (r *Registry) Complete(id shamir.SplitID, now time.Time) {
	delete(r.pending, id)
	r.done[id] = now
}

// Fail records a failed reconstruction of id. The split waits for more
// shares until it has failed maxAttempts times and is then completed.
func (r *Registry) Fail(id shamir.SplitID, now time.Time) {
	p, ok := r.pending[id]
	if !ok {
		return
	}
	p.attempts++
	if p.attempts >= maxAttempts {
		r.Complete(id, now)
		return
	}
	_, p.triedWith = p.threshold()
}

// Prune forgets everything first seen before cutoff.
func (r *Registry) Prune(cutoff time.Time) {
	for id, p := range r.pending {
		if p.firstSeen.Before(cutoff) {
			delete(r.pending, id)
		}
	}
	for _, m := range []map[shamir.SplitID]time.Time{r.own, r.done} {
		for id, t := range m {
			if t.Before(cutoff) {
				delete(m, id)
			}
		}
	}
}

// Pending returns the number of splits still collecting shares.
func (r *Registry) Pending() int {
	return len(r.pending)
}

func (r *Registry) Reset() {
	r.own = make(map[shamir.SplitID]time.Time)
	r.done = make(map[shamir.SplitID]time.Time)
	r.pending = make(map[shamir.SplitID]*pending)
}
