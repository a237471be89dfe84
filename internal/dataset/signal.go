package dataset

import (
	"go.uber.org/zap"

	"emgscope/internal/analysis"
	"emgscope/internal/config"
	"emgscope/internal/log"
)

// SignalModel is the offline view of a record: one continuous series per
// channel with a time axis of i/fs seconds. A model built from a record that
// failed to load has zero channels, and every query on it returns an empty
// result.
type SignalModel struct {
	fs     float64
	data   [][]float64
	record *Record
}

// NewSignalModel builds a model from rec. A nil record gives an empty model
// sampled at fs.
func NewSignalModel(rec *Record, fs float64) *SignalModel {
	m := &SignalModel{fs: fs, record: rec}
	if rec == nil {
		return m
	}
	if rec.SamplingRate() > 0 {
		m.fs = rec.SamplingRate()
	}
	m.data = make([][]float64, rec.Channels())
	for c := range m.data {
		m.data[c] = analysis.ToFloat64(rec.Series(c))
	}
	return m
}

// OpenSignalModel loads path. On failure it returns an empty model along
// with the error so callers can keep going with zero channels.
func OpenSignalModel(path string, samplesPerWindow int) (*SignalModel, error) {
	rec, err := Load(path, samplesPerWindow)
	if err != nil {
		log.L().Error("load record", zap.String("path", path), zap.Error(err))
		return NewSignalModel(nil, config.DefaultSamplingRate), err
	}
	m := NewSignalModel(rec, config.DefaultSamplingRate)
	log.L().Info("record loaded",
		zap.String("path", path),
		zap.Int("channels", m.Channels()),
		zap.Int("samples", m.Len()),
		zap.Float64("fs", m.SamplingRate()))
	return m, nil
}

// Record returns the underlying record, or nil.
func (m *SignalModel) Record() *Record { return m.record }

// Channels returns the number of channels.
func (m *SignalModel) Channels() int { return len(m.data) }

// SamplingRate returns the sampling frequency in Hz.
func (m *SignalModel) SamplingRate() float64 { return m.fs }

// Len returns the samples per channel.
func (m *SignalModel) Len() int {
	if len(m.data) == 0 {
		return 0
	}
	return len(m.data[0])
}

func (m *SignalModel) valid(ch int) bool {
	return ch >= 0 && ch < len(m.data) && len(m.data[ch]) > 0
}

// ChannelData returns the samples of ch whose time lies in [tStart, tEnd]
// along with their times.
func (m *SignalModel) ChannelData(ch int, tStart, tEnd float64) (t, v []float64) {
	if !m.valid(ch) || tEnd < tStart {
		return nil, nil
	}
	for i, x := range m.data[ch] {
		ti := float64(i) / m.fs
		if ti < tStart {
			continue
		}
		if ti > tEnd {
			break
		}
		t = append(t, ti)
		v = append(v, x)
	}
	return t, v
}

// Series returns a copy of the full series of ch.
func (m *SignalModel) Series(ch int) []float64 {
	if !m.valid(ch) {
		return nil
	}
	return append([]float64(nil), m.data[ch]...)
}

// RMS returns the root-mean-square of ch, or 0 for an invalid channel.
func (m *SignalModel) RMS(ch int) float64 {
	if !m.valid(ch) {
		return 0
	}
	return analysis.RMS64(m.data[ch])
}

// Spectrum returns the frequencies and power |X|² of the first n/2 bins of
// the FFT of ch.
func (m *SignalModel) Spectrum(ch int) (freqs, power []float64) {
	if !m.valid(ch) {
		return nil, nil
	}
	return analysis.Spectrum(m.data[ch], m.fs)
}

// Bandpass returns ch filtered forward and backward by a Butterworth
// bandpass of the given order. An invalid channel yields an empty result
// and no error.
func (m *SignalModel) Bandpass(ch int, lowHz, highHz float64, order int) ([]float64, error) {
	if !m.valid(ch) {
		return nil, nil
	}
	return analysis.Bandpass(m.data[ch], lowHz, highHz, m.fs, order)
}
