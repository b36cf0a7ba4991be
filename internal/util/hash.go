// Package util provides shared helpers for the CLI front ends and the
// session layer.
package util

import "hash/fnv"

// ProbeID derives a stable 16-bit request id from a peer id. NAT probe
// acks echo the id back, so a stable value lets a restarted probe accept
// late replies to the previous attempt.
func ProbeID(peerID string) uint16 {
	h := fnv.New32a()
	h.Write([]byte(peerID))
	sum := h.Sum32()
	return uint16(sum>>16) ^ uint16(sum)
}
