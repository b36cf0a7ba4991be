package protocol

// SeqDiff computes a-b over the 16-bit sequence space. The signed result
// orders values correctly across wrap:
//
//	SeqDiff(5, 3)     == 2
//	SeqDiff(1, 65535) == 2
//	SeqDiff(65535, 1) == -2
func SeqDiff(a, b uint16) int16 {
	return int16(a - b)
}

// SeqInWindow reports whether seq lies in [base, base+window) modulo 2^16.
func SeqInWindow(seq, base uint16, window int) bool {
	d := SeqDiff(seq, base)
	return d >= 0 && int(d) < window
}
