// Package fanout computes the gossip fan-out k for a target reliability.
//
// A newcomer introduced to k uniformly sampled peers forms a static random
// k-out overlay. With
//
//	k = ceil(ln(N) + nines*ln(10))
//
// the probability that some peer is unreachable from the introducer is bounded
// by 10^-nines.
package fanout

import "math"

// DefaultFanout is used when no reliability target is configured.
const DefaultFanout = 3

// Compute returns the fan-out for peerCount existing peers.
//
// A nil nines selects the fixed default fan-out, min(peerCount, DefaultFanout).
// Negative nines are treated as zero. The result is always within
// [0, peerCount] and is at least 1 whenever peerCount >= 1.
func Compute(peerCount int, nines *int) int {
	if peerCount <= 1 {
		if peerCount < 0 {
			return 0
		}
		return peerCount
	}
	if nines == nil {
		return min(peerCount, DefaultFanout)
	}

	n := *nines
	if n < 0 {
		n = 0
	}
	k := math.Ceil(math.Log(float64(peerCount)) + float64(n)*math.Ln10)
	if k >= float64(peerCount) {
		return peerCount
	}
	return max(1, int(k))
}

// Source is the randomness used for sampling. *math/rand.Rand and the
// pion/randutil generators satisfy it.
type Source interface {
	Intn(n int) int
}

// Sample returns k distinct indices drawn uniformly from [0, n).
//
// It runs a partial Fisher-Yates shuffle, so every k-subset is equally likely.
// k is clamped to [0, n].
func Sample(src Source, n, k int) []int {
	if n <= 0 || k <= 0 {
		return []int{}
	}
	if k > n {
		k = n
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + src.Intn(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k:k]
}
