/*
Package bitint provides the power-of-two helpers used to size FFT
workspaces. Both functions are constant time and allocation free.

	fftSize := bitint.NextPowerOfTwo(180) // 256
	padded := !bitint.IsPowerOfTwo(180)  // true
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of two >= size, and 1 for
// size <= 0. Subtracting one first keeps exact powers of two unchanged:
// Len(8-1) = 3 gives 8, where Len(8) = 4 would give 16.
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of two. A power of
// two has a single bit set, so clearing the lowest set bit leaves zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
