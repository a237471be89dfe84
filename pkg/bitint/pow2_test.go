package bitint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-5, 1},
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{18, 32},
		{180, 256},
		{576, 1024},
		{1024, 1024},
		{1025, 2048},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextPowerOfTwo(tt.in), "NextPowerOfTwo(%d)", tt.in)
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 64, 256, 1 << 20} {
		assert.True(t, IsPowerOfTwo(n), "%d", n)
	}
	for _, n := range []int{-8, 0, 3, 18, 180, 1<<20 + 1} {
		assert.False(t, IsPowerOfTwo(n), "%d", n)
	}
}

func BenchmarkNextPowerOfTwo(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = NextPowerOfTwo(i)
	}
}
