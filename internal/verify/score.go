package verify

import "math"

// Cosine returns the cosine similarity of two vectors. Mismatched or empty
// vectors score 0 rather than erroring; an embedding of the wrong shape can
// never accidentally pass a gate.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ClampScore maps a raw similarity into [0,1]. Negative similarities floor
// to 0; the gates never see values outside the unit interval.
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// MatchRatio computes the normalized edit similarity of two strings:
// 2*M / (len(a)+len(b)), where M is the total length of the longest
// matching contiguous blocks (Ratcliff/Obershelp, rune-based). Returns a
// value in [0,1]; two empty strings are identical (1.0).
func MatchRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	m := matchingTotal(ra, rb)
	return 2 * float64(m) / float64(len(ra)+len(rb))
}

// matchingTotal sums the sizes of the matching blocks found by recursively
// splitting around the longest common substring.
func matchingTotal(a, b []rune) int {
	i, j, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingTotal(a[:i], b[:j])
	total += matchingTotal(a[i+size:], b[j+size:])
	return total
}

// longestMatch finds the longest run of runes common to a and b, preferring
// the earliest occurrence in a, then in b.
func longestMatch(a, b []rune) (bestI, bestJ, bestSize int) {
	j2len := make(map[int]int)
	for i := range a {
		newJ2len := make(map[int]int)
		for j := range b {
			if a[i] != b[j] {
				continue
			}
			k := j2len[j-1] + 1
			newJ2len[j] = k
			if k > bestSize {
				bestI, bestJ, bestSize = i-k+1, j-k+1, k
			}
		}
		j2len = newJ2len
	}
	return bestI, bestJ, bestSize
}

// MeanVector returns the arithmetic mean of the given vectors. All vectors
// must share the first vector's length; shorter/longer ones are skipped.
func MeanVector(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	count := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(count))
	}
	return out
}
