package dataset

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV format tags written in the fmt chunk.
const (
	WavFormatPCM   = 1
	WavFormatFloat = 3
)

// FloatSample returns the 32-bit integer carrier of v for an IEEE-float WAV
// stream. The encoder writes the value's bits unchanged.
func FloatSample(v float32) int {
	return int(int32(math.Float32bits(v)))
}

// decodeSample converts one decoded WAV sample to float32. IEEE-float
// streams are bit-exact; integer PCM is scaled to [-1, 1).
func decodeSample(s int, format uint16, bitDepth int) float32 {
	if format == WavFormatFloat && bitDepth == 32 {
		return math.Float32frombits(uint32(int32(s)))
	}
	if bitDepth == 8 {
		return float32(s-128) / 128
	}
	return float32(float64(s) / float64(int64(1)<<(bitDepth-1)))
}

// LoadWAV reads an interleaved multi-channel WAV file as a record with
// samplesPerWindow samples per window. Trailing frames that do not fill a
// window are dropped.
func LoadWAV(path string, samplesPerWindow int) (*Record, error) {
	if samplesPerWindow < 1 {
		return nil, fmt.Errorf("samples per window %d", samplesPerWindow)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, malformed("%s: not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, malformed("%s: read PCM: %v", path, err)
	}

	channels := int(dec.NumChans)
	frames := buf.NumFrames()
	windows := frames / samplesPerWindow
	if windows == 0 {
		return nil, malformed("%s: %d frames, need at least %d", path, frames, samplesPerWindow)
	}

	bio := make([][][]float32, channels)
	for c := range bio {
		bio[c] = make([][]float32, samplesPerWindow)
		for s := range bio[c] {
			bio[c][s] = make([]float32, windows)
		}
	}
	bitDepth := int(dec.BitDepth)
	for i := range windows * samplesPerWindow {
		k, s := i/samplesPerWindow, i%samplesPerWindow
		for c := range channels {
			bio[c][s][k] = decodeSample(buf.Data[i*channels+c], dec.WavAudioFormat, bitDepth)
		}
	}

	rec := &Record{
		Device:    DeviceInfo{Channels: channels, SamplingFrequency: float64(dec.SampleRate)},
		Biosignal: bio,
	}
	return rec, rec.Validate()
}

// SaveWAV writes the record as a 32-bit IEEE-float WAV file, one frame per
// sample in window order.
func (r *Record) SaveWAV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	channels := r.Channels()
	enc := wav.NewEncoder(f, int(r.SamplingRate()), 32, channels, WavFormatFloat)

	series := make([][]float32, channels)
	for c := range series {
		series[c] = r.Series(c)
	}
	n := r.SamplesPerWindow() * r.Windows()
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: int(r.SamplingRate())},
		Data:           make([]int, n*channels),
		SourceBitDepth: 32,
	}
	for i := range n {
		for c := range channels {
			buf.Data[i*channels+c] = FloatSample(series[c][i])
		}
	}

	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}
