package analysis

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emgscope/pkg/utils"
)

// response evaluates |H(e^jω)| at frequency f.
func response(c Coefficients, f, fs float64) float64 {
	z := cmplx.Exp(complex(0, -2*math.Pi*f/fs))
	var num, den complex128
	zk := complex(1, 0)
	for k := range max(len(c.B), len(c.A)) {
		if k < len(c.B) {
			num += complex(c.B[k], 0) * zk
		}
		if k < len(c.A) {
			den += complex(c.A[k], 0) * zk
		}
		zk *= z
	}
	return cmplx.Abs(num / den)
}

func TestButterBandpassKnownCoefficients(t *testing.T) {
	// Order 2 with normalised corners 0.1 and 0.4.
	c, err := ButterBandpass(2, 50, 200, 1000)
	require.NoError(t, err)

	wantB := []float64{0.13110644, 0, -0.26221288, 0, 0.13110644}
	wantA := []float64{1, -2.18065784, 2.02000412, -1.02551085, 0.27221494}
	require.Len(t, c.B, len(wantB))
	require.Len(t, c.A, len(wantA))
	for i := range wantB {
		assert.InDelta(t, wantB[i], c.B[i], 1e-7, "b[%d]", i)
		assert.InDelta(t, wantA[i], c.A[i], 1e-7, "a[%d]", i)
	}
}

func TestButterBandpassResponse(t *testing.T) {
	c, err := ButterBandpass(4, 20, 500, 2000)
	require.NoError(t, err)
	assert.Len(t, c.A, 9)

	tests := []struct {
		freq float64
		want float64
	}{
		{0, 0},
		{20, math.Sqrt2 / 2},
		{100, 1},
		{500, math.Sqrt2 / 2},
		{999, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, response(c, tt.freq, 2000), 1e-6, "f=%.0f Hz", tt.freq)
	}
}

func TestButterBandpassRejectsBadBand(t *testing.T) {
	tests := []struct {
		name      string
		order     int
		low, high float64
	}{
		{"zero order", 0, 20, 500},
		{"inverted", 4, 500, 20},
		{"at nyquist", 4, 20, 1000},
		{"zero low", 4, 0, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ButterBandpass(tt.order, tt.low, tt.high, 2000)
			assert.ErrorIs(t, err, ErrInvalidBand)
		})
	}
}

func TestLFilterZiSteadyState(t *testing.T) {
	c, err := ButterBandpass(2, 50, 200, 1000)
	require.NoError(t, err)
	zi, err := LFilterZi(c)
	require.NoError(t, err)
	require.Len(t, zi, 4)

	// Starting from zi, a unit step stays at the filter's DC gain (zero).
	step := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	y, _ := LFilter(c, step, zi)
	for i, v := range y {
		assert.InDelta(t, 0, v, 1e-9, "y[%d]", i)
	}
}

func TestLFilterMovingAverage(t *testing.T) {
	c := Coefficients{B: []float64{0.5, 0.5}, A: []float64{1}}
	y, zf := LFilter(c, []float64{2, 4, 6}, nil)
	assert.Equal(t, []float64{1, 3, 5}, y)
	assert.Equal(t, []float64{3}, zf)
}

func TestFiltFiltZeroPhase(t *testing.T) {
	c, err := ButterBandpass(4, 20, 500, 2000)
	require.NoError(t, err)

	x := ToFloat64(utils.GenerateSineWave(2000, 2000, 100))
	y, err := FiltFilt(c, x)
	require.NoError(t, err)
	require.Len(t, y, len(x))

	// In-band and zero phase: away from the edges the output tracks the input.
	for i := 200; i < 1800; i++ {
		assert.InDelta(t, x[i], y[i], 0.02, "sample %d", i)
	}
}

func TestFiltFiltRemovesDC(t *testing.T) {
	c, err := ButterBandpass(4, 20, 500, 2000)
	require.NoError(t, err)

	x := make([]float64, 200)
	for i := range x {
		x[i] = 3
	}
	y, err := FiltFilt(c, x)
	require.NoError(t, err)
	for _, v := range y {
		assert.InDelta(t, 0, v, 1e-6)
	}
}

func TestFiltFiltTooShort(t *testing.T) {
	c, err := ButterBandpass(4, 20, 500, 2000)
	require.NoError(t, err)

	// padlen is 3·9 = 27.
	_, err = FiltFilt(c, make([]float64, 27))
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = FiltFilt(c, make([]float64, 28))
	assert.NoError(t, err)
}

func BenchmarkBandpass(b *testing.B) {
	x := ToFloat64(utils.GenerateEMGBurst(4000, 2000, 1000, 3000, 1))
	b.ReportAllocs()
	for b.Loop() {
		if _, err := Bandpass(x, 20, 500, 2000, 4); err != nil {
			b.Fatal(err)
		}
	}
}
