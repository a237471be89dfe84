package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"emgscope/internal/analysis"
	"emgscope/internal/config"
	"emgscope/internal/dataset"
)

// ChannelSummary is the offline summary of one channel.
type ChannelSummary struct {
	Channel     int
	Samples     int
	RMS         float64 // Of the selected time range.
	PeakHz      float64 // Strongest non-DC spectrum bin.
	BandpassRMS float64
}

// Summarize analyses the channels of m selected by opts.
func Summarize(m *dataset.SignalModel, cfg *config.Config, opts AnalyzeOptions) ([]ChannelSummary, error) {
	channels := make([]int, 0, m.Channels())
	if opts.Channel >= 0 {
		if opts.Channel >= m.Channels() {
			return nil, fmt.Errorf("channel %d out of range, record has %d", opts.Channel, m.Channels())
		}
		channels = append(channels, opts.Channel)
	} else {
		for ch := range m.Channels() {
			channels = append(channels, ch)
		}
	}

	end := opts.End
	if end <= 0 {
		end = float64(m.Len()) / m.SamplingRate()
	}

	out := make([]ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		_, vs := m.ChannelData(ch, opts.Start, end)
		s := ChannelSummary{Channel: ch, Samples: len(vs), RMS: analysis.RMS64(vs)}

		freqs, power := analysis.Spectrum(vs, m.SamplingRate())
		best := 0.0
		for i := 1; i < len(power); i++ {
			if power[i] > best {
				best = power[i]
				s.PeakHz = freqs[i]
			}
		}

		filtered, err := m.Bandpass(ch, cfg.Analysis.LowCut, cfg.Analysis.HighCut, cfg.Analysis.Order)
		if err != nil {
			return nil, fmt.Errorf("bandpass channel %d: %w", ch, err)
		}
		s.BandpassRMS = analysis.RMS64(filtered)
		out = append(out, s)
	}
	return out, nil
}

// Analyze loads the record named in opts, prints a per-channel summary to w
// and optionally exports the bandpassed record.
func Analyze(cfg *config.Config, opts AnalyzeOptions, w io.Writer) error {
	m, err := dataset.OpenSignalModel(opts.Path, cfg.Stream.SamplesPerChannel)
	if err != nil {
		return err
	}

	summaries, err := Summarize(m, cfg, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s: %d channels, %d samples, %.1f Hz, %.3f s\n",
		opts.Path, m.Channels(), m.Len(), m.SamplingRate(), float64(m.Len())/m.SamplingRate())
	fmt.Fprintf(w, "bandpass %.1f-%.1f Hz, order %d\n\n",
		cfg.Analysis.LowCut, cfg.Analysis.HighCut, cfg.Analysis.Order)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tSAMPLES\tRMS\tPEAK HZ\tBANDPASS RMS")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%d\t%d\t%.6f\t%.1f\t%.6f\n", s.Channel, s.Samples, s.RMS, s.PeakHz, s.BandpassRMS)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if opts.Export == "" {
		return nil
	}
	if err := Export(m, cfg, opts.Export); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nbandpassed record written to %s\n", opts.Export)
	return nil
}

// Export writes every channel of m, bandpassed, as a record to path. The
// format follows the extension: .wav or JSON otherwise.
func Export(m *dataset.SignalModel, cfg *config.Config, path string) error {
	series := make([][]float64, m.Channels())
	for ch := range series {
		filtered, err := m.Bandpass(ch, cfg.Analysis.LowCut, cfg.Analysis.HighCut, cfg.Analysis.Order)
		if err != nil {
			return fmt.Errorf("bandpass channel %d: %w", ch, err)
		}
		series[ch] = filtered
	}

	spw := cfg.Stream.SamplesPerChannel
	if rec := m.Record(); rec != nil {
		spw = rec.SamplesPerWindow()
	}
	rec, err := dataset.FromSeries(series, spw, m.SamplingRate())
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return rec.SaveWAV(path)
	}
	return rec.Save(path)
}
