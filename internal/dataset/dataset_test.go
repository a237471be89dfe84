package dataset

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emgscope/internal/protocol"
	"emgscope/pkg/utils"
)

// twoByThree has 2 channels, 3 samples per window and 2 windows.
const twoByThree = `{
  "device_information": {"number_of_biosignal_channels": 2, "sampling_frequency": 1000},
  "biosignal": [
    [[1, 4], [2, 5], [3, 6]],
    [[10, 40], [20, 50], [30, 60]],
    [[9, 9], [9, 9], [9, 9]]
  ]
}`

func TestDecodeJSON(t *testing.T) {
	rec, err := DecodeJSON(strings.NewReader(twoByThree))
	require.NoError(t, err)

	assert.Equal(t, 2, rec.Channels(), "extra channel trimmed")
	assert.Equal(t, 3, rec.SamplesPerWindow())
	assert.Equal(t, 2, rec.Windows())
	assert.Equal(t, 1000.0, rec.SamplingRate())

	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, rec.Series(0))
	assert.Nil(t, rec.Series(2))

	w := rec.Window(1)
	assert.Equal(t, protocol.Shape{Channels: 2, Samples: 3}, w.Shape)
	assert.Equal(t, []float32{4, 5, 6}, w.Channel(0))
	assert.Equal(t, []float32{40, 50, 60}, w.Channel(1))
	assert.Len(t, rec.Blocks(), 2)
}

func TestDecodeJSONMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":         `{"device_information":`,
		"missing device":   `{"biosignal": [[[1]]]}`,
		"missing signal":   `{"device_information": {"number_of_biosignal_channels": 1, "sampling_frequency": 10}}`,
		"too few channels": `{"device_information": {"number_of_biosignal_channels": 2, "sampling_frequency": 10}, "biosignal": [[[1]]]}`,
		"ragged":           `{"device_information": {"number_of_biosignal_channels": 1, "sampling_frequency": 10}, "biosignal": [[[1, 2], [3]]]}`,
		"zero rate":        `{"device_information": {"number_of_biosignal_channels": 1, "sampling_frequency": 0}, "biosignal": [[[1]]]}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeJSON(strings.NewReader(input))
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

func TestSaveLoadJSON(t *testing.T) {
	rec := Synthetic(4, 18, 5, 2000, 1)
	require.NoError(t, rec.Validate())

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, rec.Save(path))

	got, err := Load(path, 18)
	require.NoError(t, err)
	assert.Equal(t, rec.Biosignal, got.Biosignal)
	assert.Equal(t, rec.Device, got.Device)
}

func TestWAVRoundTripIsBitExact(t *testing.T) {
	rec := Synthetic(3, 18, 4, 2000, 7)
	rec.Biosignal[0][0][0] = float32(math.Inf(-1))

	path := filepath.Join(t.TempDir(), "session.wav")
	require.NoError(t, rec.SaveWAV(path))

	got, err := Load(path, 18)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Channels())
	assert.Equal(t, 4, got.Windows())
	assert.Equal(t, 2000.0, got.SamplingRate())
	for c := range 3 {
		want, have := rec.Series(c), got.Series(c)
		require.Len(t, have, len(want))
		for i := range want {
			assert.Equal(t, math.Float32bits(want[i]), math.Float32bits(have[i]))
		}
	}
}

func TestLoadWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file"), 0o644))
	_, err := LoadWAV(path, 18)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestFromBlocks(t *testing.T) {
	rec := Synthetic(2, 4, 3, 500, 3)
	back, err := FromBlocks(rec.Blocks(), 500)
	require.NoError(t, err)
	assert.Equal(t, rec.Biosignal, back.Biosignal)

	_, err = FromBlocks(nil, 500)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestFromSeries(t *testing.T) {
	rec, err := FromSeries([][]float64{{1, 2, 3, 4, 5, 6, 7}, {10, 20, 30, 40, 50, 60, 70}}, 3, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Windows(), "partial window dropped")
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, rec.Series(0))
	assert.Equal(t, []float32{40, 50, 60}, rec.Window(1).Channel(1))

	_, err = FromSeries([][]float64{{1, 2, 3}, {1}}, 3, 1000)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	_, err = FromSeries(nil, 3, 1000)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestSignalModelQueries(t *testing.T) {
	rec, err := DecodeJSON(strings.NewReader(twoByThree))
	require.NoError(t, err)
	m := NewSignalModel(rec, 2000)

	assert.Equal(t, 2, m.Channels())
	assert.Equal(t, 1000.0, m.SamplingRate())
	assert.Equal(t, 6, m.Len())

	// Inclusive on both ends: t = 0.001 .. 0.003.
	ts, vs := m.ChannelData(0, 0.001, 0.003)
	assert.Equal(t, []float64{2, 3, 4}, vs)
	require.Len(t, ts, 3)
	assert.InDelta(t, 0.003, ts[2], 1e-12)

	assert.InDelta(t, math.Sqrt(91.0/6), m.RMS(0), 1e-12)
	assert.Zero(t, m.RMS(5))

	freqs, power := m.Spectrum(1)
	assert.Len(t, freqs, 3)
	assert.Len(t, power, 3)
	assert.InDelta(t, 210.0*210.0, power[0], 1e-6)
}

func TestSignalModelBandpass(t *testing.T) {
	const fs = 2000
	n := 4000
	rec := &Record{
		Device:    DeviceInfo{Channels: 1, SamplingFrequency: fs},
		Biosignal: [][][]float32{make([][]float32, n)},
	}
	sine := utils.GenerateSineWave(n, fs, 100)
	for i := range n {
		rec.Biosignal[0][i] = []float32{sine[i] + 5}
	}
	m := NewSignalModel(rec, fs)

	out, err := m.Bandpass(0, 20, 500, 4)
	require.NoError(t, err)
	require.Len(t, out, n)
	// DC offset removed, passband sine kept.
	for i := 500; i < n-500; i++ {
		assert.InDelta(t, float64(sine[i]), out[i], 0.02, "sample %d", i)
	}

	out, err = m.Bandpass(3, 20, 500, 4)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestOpenSignalModelMissingFile(t *testing.T) {
	m, err := OpenSignalModel(filepath.Join(t.TempDir(), "missing.json"), 18)
	require.Error(t, err)
	require.NotNil(t, m)
	assert.Zero(t, m.Channels())
	assert.Zero(t, m.RMS(0))
	ts, vs := m.ChannelData(0, 0, 1)
	assert.Empty(t, ts)
	assert.Empty(t, vs)
	f, p := m.Spectrum(0)
	assert.Empty(t, f)
	assert.Empty(t, p)
}
