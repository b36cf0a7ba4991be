package ice

import (
	"sort"
	"time"

	"github.com/wirehole/wirehole/internal/protocol"
)

// PairState tracks one candidate pair through its connectivity check.
type PairState int

const (
	PairWaiting PairState = iota
	PairInProgress
	PairSucceeded
	PairFailed
)

// Pair is a (local, remote) candidate combination undergoing a check.
type Pair struct {
	Local     protocol.Candidate
	Remote    protocol.Candidate
	State     PairState
	Priority  uint64
	LastProbe time.Time
}

// Checklist is the priority-ordered pair list driving connectivity checks.
type Checklist struct {
	pairs []*Pair
}

// Form builds all local x remote pairs, assigns pair priorities, and sorts
// highest first. Pairs start Waiting; with a single component there is no
// frozen stage.
func Form(local, remote *Set, controlling bool) *Checklist {
	cl := &Checklist{}
	for _, lc := range local.All() {
		for _, rc := range remote.All() {
			cl.pairs = append(cl.pairs, &Pair{
				Local:    lc,
				Remote:   rc,
				State:    PairWaiting,
				Priority: PairPriority(lc.Priority, rc.Priority, controlling),
			})
		}
	}
	sort.SliceStable(cl.pairs, func(i, j int) bool { return cl.pairs[i].Priority > cl.pairs[j].Priority })
	return cl
}

// AddRemote extends the checklist with pairs for a newly trickled remote
// candidate, keeping priority order.
func (cl *Checklist) AddRemote(local *Set, rc protocol.Candidate, controlling bool) {
	for _, lc := range local.All() {
		cl.pairs = append(cl.pairs, &Pair{
			Local:    lc,
			Remote:   rc,
			State:    PairWaiting,
			Priority: PairPriority(lc.Priority, rc.Priority, controlling),
		})
	}
	sort.SliceStable(cl.pairs, func(i, j int) bool { return cl.pairs[i].Priority > cl.pairs[j].Priority })
}

// Pairs returns the checklist in priority order.
func (cl *Checklist) Pairs() []*Pair { return cl.pairs }

// MarkProbed records a connectivity check fired toward ep: every waiting or
// already in-progress pair with that remote endpoint moves to InProgress and
// stamps the probe time.
func (cl *Checklist) MarkProbed(ep protocol.Endpoint, now time.Time) {
	for _, p := range cl.pairs {
		if p.Remote.Endpoint != ep {
			continue
		}
		if p.State == PairWaiting || p.State == PairInProgress {
			p.State = PairInProgress
			p.LastProbe = now
		}
	}
}

// Nominate marks the pair whose remote endpoint matches ep as Succeeded and
// fails every other in-progress pair. Returns the nominated pair, or nil if
// ep matches no pair.
func (cl *Checklist) Nominate(ep protocol.Endpoint) *Pair {
	var won *Pair
	for _, p := range cl.pairs {
		if p.Remote.Endpoint == ep && won == nil {
			p.State = PairSucceeded
			won = p
		}
	}
	if won == nil {
		return nil
	}
	for _, p := range cl.pairs {
		if p != won && p.State == PairInProgress {
			p.State = PairFailed
		}
	}
	return won
}
