// Package ice maintains the candidate sets and connectivity-check pairs.
// It follows the RFC 5245 priority model but stops short of full ICE: the
// first pair whose punch succeeds is nominated, with no controlling /
// controlled re-nomination round.
package ice

import (
	"sort"

	"github.com/wirehole/wirehole/internal/protocol"
)

// Type preferences per RFC 5245 §4.1.2.2 (host preferred, relay last).
const (
	prefHost  = 126
	prefPrflx = 110
	prefSrflx = 100
	prefRelay = 0
)

// Priority computes the RFC 5245 candidate priority:
// (type_pref << 24) | (local_pref << 8) | (256 - component).
func Priority(kind protocol.CandidateKind, localPref uint16, component uint8) uint32 {
	var typePref uint32
	switch kind {
	case protocol.CandidateHost:
		typePref = prefHost
	case protocol.CandidatePeerReflexive:
		typePref = prefPrflx
	case protocol.CandidateServerReflexive:
		typePref = prefSrflx
	case protocol.CandidateRelay:
		typePref = prefRelay
	}
	return typePref<<24 | uint32(localPref)<<8 | uint32(256-uint16(component))
}

// PairPriority computes the RFC 5245 §5.7.2 pair priority:
// 2^32 * MIN(G,D) + 2 * MAX(G,D) + (G>D ? 1 : 0), where G is the
// controlling side's candidate priority and D the controlled side's.
func PairPriority(g, d uint32, controlling bool) uint64 {
	if !controlling {
		g, d = d, g
	}
	minP, maxP := uint64(g), uint64(d)
	var tie uint64
	if g > d {
		minP, maxP = uint64(d), uint64(g)
		tie = 1
	}
	return minP<<32 | maxP<<1 | tie
}

// Set is an insertion-ordered, deduplicated candidate list.
type Set struct {
	cands []protocol.Candidate
}

// Add inserts a candidate unless one with the same endpoint and kind is
// already present. Reports whether the set grew.
func (s *Set) Add(c protocol.Candidate) bool {
	for _, have := range s.cands {
		if have.Kind == c.Kind && have.Endpoint == c.Endpoint {
			return false
		}
	}
	s.cands = append(s.cands, c)
	return true
}

// Replace drops every candidate and installs the given list (deduplicated).
// Used for PEER_INFO batches flagged as address updates.
func (s *Set) Replace(cands []protocol.Candidate) {
	s.cands = s.cands[:0]
	for _, c := range cands {
		s.Add(c)
	}
}

// All returns the candidates in insertion order. Callers must not mutate.
func (s *Set) All() []protocol.Candidate { return s.cands }

// Len returns the candidate count.
func (s *Set) Len() int { return len(s.cands) }

// ByPriority returns a copy sorted highest priority first.
func (s *Set) ByPriority() []protocol.Candidate {
	out := append([]protocol.Candidate(nil), s.cands...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Contains reports whether ep matches any candidate endpoint in the set.
func (s *Set) Contains(ep protocol.Endpoint) bool {
	for _, c := range s.cands {
		if c.Endpoint == ep {
			return true
		}
	}
	return false
}
