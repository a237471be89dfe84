// Package dataset loads prerecorded EMG sessions. A Record holds the device
// metadata and the biosignal array indexed [channel][sample][window]; it
// feeds the server simulator (one window per frame) and the offline signal
// model (one continuous series per channel).
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"emgscope/internal/protocol"
)

// ErrMalformedRecord is wrapped by every load error caused by the content of
// a record rather than by I/O.
var ErrMalformedRecord = errors.New("malformed record")

// DeviceInfo is the recording device metadata.
type DeviceInfo struct {
	Channels          int     `json:"number_of_biosignal_channels"`
	SamplingFrequency float64 `json:"sampling_frequency"`
}

// Record is a loaded session. Biosignal is [channel][sample][window] and is
// trimmed to Device.Channels rows.
type Record struct {
	Device    DeviceInfo    `json:"device_information"`
	Biosignal [][][]float32 `json:"biosignal"`
}

// rawRecord detects missing top-level fields.
type rawRecord struct {
	Device    *DeviceInfo   `json:"device_information"`
	Biosignal [][][]float32 `json:"biosignal"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRecord, fmt.Sprintf(format, args...))
}

// Load reads a record from path. ".wav" files are decoded with LoadWAV
// using samplesPerWindow; everything else is parsed as JSON.
func Load(path string, samplesPerWindow int) (*Record, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return LoadWAV(path, samplesPerWindow)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record: %w", err)
	}
	defer f.Close()
	rec, err := DecodeJSON(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// DecodeJSON parses and validates a JSON record.
func DecodeJSON(r io.Reader) (*Record, error) {
	var raw rawRecord
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, malformed("decode: %v", err)
	}
	if raw.Device == nil {
		return nil, malformed("missing device_information")
	}
	if raw.Biosignal == nil {
		return nil, malformed("missing biosignal")
	}
	rec := &Record{Device: *raw.Device, Biosignal: raw.Biosignal}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// EncodeJSON writes the record as JSON.
func (r *Record) EncodeJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(r)
}

// Save writes the record as a JSON file.
func (r *Record) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.EncodeJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Validate checks the metadata and that the biosignal array is rectangular.
// Channels beyond Device.Channels are discarded.
func (r *Record) Validate() error {
	if r.Device.Channels < 1 {
		return malformed("number_of_biosignal_channels %d", r.Device.Channels)
	}
	if r.Device.SamplingFrequency <= 0 {
		return malformed("sampling_frequency %g", r.Device.SamplingFrequency)
	}
	if len(r.Biosignal) < r.Device.Channels {
		return malformed("biosignal has %d channels, device reports %d", len(r.Biosignal), r.Device.Channels)
	}
	r.Biosignal = r.Biosignal[:r.Device.Channels]

	m := len(r.Biosignal[0])
	if m == 0 {
		return malformed("empty biosignal")
	}
	k := len(r.Biosignal[0][0])
	if k == 0 {
		return malformed("biosignal has no windows")
	}
	for c, rows := range r.Biosignal {
		if len(rows) != m {
			return malformed("channel %d has %d samples per window, want %d", c, len(rows), m)
		}
		for s, row := range rows {
			if len(row) != k {
				return malformed("channel %d sample %d has %d windows, want %d", c, s, len(row), k)
			}
		}
	}
	return nil
}

// Channels returns the number of channels.
func (r *Record) Channels() int { return len(r.Biosignal) }

// SamplesPerWindow returns the samples per channel in one window.
func (r *Record) SamplesPerWindow() int {
	if len(r.Biosignal) == 0 {
		return 0
	}
	return len(r.Biosignal[0])
}

// Windows returns the number of windows.
func (r *Record) Windows() int {
	if r.SamplesPerWindow() == 0 {
		return 0
	}
	return len(r.Biosignal[0][0])
}

// SamplingRate returns the device sampling frequency in Hz.
func (r *Record) SamplingRate() float64 { return r.Device.SamplingFrequency }

// Window returns window k as a block of shape (channels, samples).
func (r *Record) Window(k int) protocol.Block {
	shape := protocol.Shape{Channels: r.Channels(), Samples: r.SamplesPerWindow()}
	b := protocol.NewBlock(shape)
	if k < 0 || k >= r.Windows() {
		return b
	}
	for c, rows := range r.Biosignal {
		dst := b.Channel(c)
		for s, row := range rows {
			dst[s] = row[k]
		}
	}
	return b
}

// Blocks returns every window in order.
func (r *Record) Blocks() []protocol.Block {
	out := make([]protocol.Block, r.Windows())
	for k := range out {
		out[k] = r.Window(k)
	}
	return out
}

// Series returns channel c as one continuous time series of length
// samples × windows, window by window.
func (r *Record) Series(c int) []float32 {
	if c < 0 || c >= r.Channels() {
		return nil
	}
	m, k := r.SamplesPerWindow(), r.Windows()
	out := make([]float32, 0, m*k)
	rows := r.Biosignal[c]
	for w := range k {
		for s := range m {
			out = append(out, rows[s][w])
		}
	}
	return out
}

// FromSeries is the inverse of Series: it cuts each channel's time series
// into windows of samplesPerWindow samples. A trailing partial window is
// dropped.
func FromSeries(series [][]float64, samplesPerWindow int, fs float64) (*Record, error) {
	if len(series) == 0 || samplesPerWindow < 1 {
		return nil, malformed("no series")
	}
	windows := len(series[0]) / samplesPerWindow
	bio := make([][][]float32, len(series))
	for c, xs := range series {
		if len(xs)/samplesPerWindow != windows {
			return nil, malformed("channel %d has %d samples, want %d windows", c, len(xs), windows)
		}
		bio[c] = make([][]float32, samplesPerWindow)
		for s := range bio[c] {
			row := make([]float32, windows)
			for k := range row {
				row[k] = float32(xs[k*samplesPerWindow+s])
			}
			bio[c][s] = row
		}
	}
	rec := &Record{
		Device:    DeviceInfo{Channels: len(series), SamplingFrequency: fs},
		Biosignal: bio,
	}
	return rec, rec.Validate()
}

// FromBlocks builds a record from equally shaped blocks, one window each.
func FromBlocks(blocks []protocol.Block, fs float64) (*Record, error) {
	if len(blocks) == 0 {
		return nil, malformed("no blocks")
	}
	shape := blocks[0].Shape
	bio := make([][][]float32, shape.Channels)
	for c := range bio {
		bio[c] = make([][]float32, shape.Samples)
		for s := range bio[c] {
			bio[c][s] = make([]float32, len(blocks))
		}
	}
	for k, b := range blocks {
		if err := b.Validate(shape); err != nil {
			return nil, malformed("block %d: %v", k, err)
		}
		for c := range shape.Channels {
			for s, v := range b.Channel(c) {
				bio[c][s][k] = v
			}
		}
	}
	rec := &Record{
		Device:    DeviceInfo{Channels: shape.Channels, SamplingFrequency: fs},
		Biosignal: bio,
	}
	return rec, rec.Validate()
}
