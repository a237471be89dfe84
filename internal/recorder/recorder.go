// SPDX-License-Identifier: MIT

// Package recorder writes stored EMG blocks to 32-bit IEEE-float WAV files,
// one WAV channel per frame row.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"emgscope/internal/dataset"
	"emgscope/internal/log"
	"emgscope/internal/protocol"
)

// Recorder streams blocks of one shape into a WAV file.
type Recorder struct {
	shape      protocol.Shape
	sampleRate int
	logger     *zap.Logger

	isRecording int32 // atomic flag checked on the hot path

	mu         sync.Mutex // guards the fields below
	path       string
	outputFile *os.File
	wavEncoder *wav.Encoder
	sampleBuf  *audio.IntBuffer // reusable interleaving buffer
	frames     int64
}

// New creates an idle recorder for blocks of shape sampled at sampleRate Hz.
func New(shape protocol.Shape, sampleRate float64) *Recorder {
	return &Recorder{
		shape:      shape,
		sampleRate: int(sampleRate),
		logger:     log.With(zap.String("component", "recorder")),
	}
}

// SessionPath returns a unique file name inside dir.
func SessionPath(dir string) string {
	stamp := time.Now().Format("20060102-150405")
	return filepath.Join(dir, fmt.Sprintf("emg-%s-%s.wav", stamp, uuid.NewString()[:8]))
}

// Start opens filename and begins accepting blocks.
func (r *Recorder) Start(filename string) error {
	if atomic.LoadInt32(&r.isRecording) == 1 {
		return fmt.Errorf("already recording to %s", r.Path())
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.path = filename
	r.outputFile = file
	r.wavEncoder = wav.NewEncoder(file, r.sampleRate, 32, r.shape.Channels, dataset.WavFormatFloat)
	r.sampleBuf = &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: r.shape.Channels,
			SampleRate:  r.sampleRate,
		},
		Data:           make([]int, r.shape.Len()),
		SourceBitDepth: 32,
	}
	r.frames = 0
	r.mu.Unlock()

	atomic.StoreInt32(&r.isRecording, 1)
	r.logger.Info("recording started", zap.String("path", filename), zap.Stringer("shape", r.shape))
	return nil
}

// Recording reports whether Start has been called without Stop.
func (r *Recorder) Recording() bool {
	return atomic.LoadInt32(&r.isRecording) == 1
}

// Path returns the current or last output file.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Frames returns the number of WAV frames written in this session.
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Write appends one block, interleaving its rows into WAV frames. It is a
// no-op while not recording.
func (r *Recorder) Write(b protocol.Block) error {
	if atomic.LoadInt32(&r.isRecording) == 0 {
		return nil
	}
	if err := b.Validate(r.shape); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wavEncoder == nil {
		return nil
	}
	channels, samples := r.shape.Channels, r.shape.Samples
	for c := range channels {
		row := b.Channel(c)
		for s := range samples {
			r.sampleBuf.Data[s*channels+c] = dataset.FloatSample(row[s])
		}
	}
	if err := r.wavEncoder.Write(r.sampleBuf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	r.frames += int64(samples)
	return nil
}

// Stop finalises the WAV header and closes the file.
func (r *Recorder) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.isRecording, 1, 0) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wavEncoder != nil {
		if err := r.wavEncoder.Close(); err != nil {
			return err
		}
		r.wavEncoder = nil
	}

	if r.outputFile != nil {
		if err := r.outputFile.Close(); err != nil {
			return err
		}
		r.outputFile = nil
	}

	r.logger.Info("recording stopped", zap.String("path", r.path), zap.Int64("frames", r.frames))
	return nil
}

// Close stops any recording in progress.
func (r *Recorder) Close() error {
	return r.Stop()
}
