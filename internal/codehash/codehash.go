// Package codehash derives four-digit session codes from activity ids.
//
// The recipe is shared by every node that allocates codes, so it must not change:
// each overlapping pair of id bytes becomes a 16-bit word (first byte low, second
// byte high, wrapping on overflow), the words are XOR-folded, and the fold is
// reduced into [0, CodeMax]. Collisions are resolved with Rehash, which steps by
// successive powers of two.
package codehash

import (
	"github.com/google/uuid"

	"playcode-backend/internal/models"
)

const space = models.CodeMax + 1

// Initial returns the first candidate code for an activity.
func Initial(activityID uuid.UUID) models.Code {
	var acc int16
	for i := 0; i < len(activityID)-1; i++ {
		acc ^= word(activityID[i], activityID[i+1])
	}
	return models.Code(abs(int(acc) % space))
}

// Rehash returns the candidate that follows prev after the n-th collision
// (n is zero-based): prev + 2^n, modulo the code space. Negative n is treated as 0.
func Rehash(prev models.Code, n int) models.Code {
	if n < 0 {
		n = 0
	}
	return models.Code(abs((int(prev) + pow2Mod(n)) % space))
}

// word relies on int16 wrap-around: a byte of 0x80 or more shifted into the
// high octet yields a negative word.
func word(lo, hi byte) int16 {
	return int16(lo) + int16(hi)<<8
}

// pow2Mod computes 2^n mod space without overflowing for large attempt counters.
func pow2Mod(n int) int {
	result, base := 1, 2%space
	for n > 0 {
		if n&1 == 1 {
			result = result * base % space
		}
		base = base * base % space
		n >>= 1
	}
	return result
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
