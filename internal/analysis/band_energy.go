package analysis

import (
	"math"

	"emgscope/internal/log"
	"emgscope/internal/transport"
)

// FrequencyBand defines the name and frequency range for a power band.
type FrequencyBand struct {
	Name    string
	LowHz   float64
	HighHz  float64
	Power   float64 // Mean power of the bins in the band for the current window.
	numBins int     // Internal counter for normalization
}

// EMGBands returns the conventional surface EMG bands.
func EMGBands() []*FrequencyBand {
	return []*FrequencyBand{
		{Name: "low", LowHz: 20, HighHz: 50},
		{Name: "mid", LowHz: 50, HighHz: 150},
		{Name: "high", LowHz: 150, HighHz: 500},
	}
}

// BandPowerProcessor calculates mean power across frequency bands from the
// latest spectrum and sends a "band_power" message.
type BandPowerProcessor struct {
	transport transport.Transport
	bands     []*FrequencyBand
	provider  SpectrumProvider
}

// NewBandPowerProcessor creates a processor over the given bands, or the
// EMG bands when bands is nil. Bands above Nyquist are clipped.
func NewBandPowerProcessor(t transport.Transport, provider SpectrumProvider, bands []*FrequencyBand) *BandPowerProcessor {
	if provider == nil {
		log.Fatalf("BandPowerProcessor requires a non-nil SpectrumProvider")
	}
	if bands == nil {
		bands = EMGBands()
	}
	nyq := provider.GetSampleRate() / 2
	for _, b := range bands {
		b.HighHz = math.Min(b.HighHz, nyq)
	}
	log.Infof("Analysis: Initializing BandPowerProcessor with %d bands.", len(bands))
	return &BandPowerProcessor{
		transport: t,
		bands:     bands,
		provider:  provider,
	}
}

// Process computes band powers from the provider's latest magnitudes. It is
// called after the spectrum processor has seen the window, so it does not
// take samples itself.
func (p *BandPowerProcessor) Process() map[string]float64 {
	magnitudes := p.provider.GetMagnitudes()
	if len(magnitudes) == 0 {
		return nil
	}

	for _, band := range p.bands {
		band.Power = 0
		band.numBins = 0
	}

	for i, m := range magnitudes {
		freq := p.provider.GetFrequencyForBin(i)
		for _, band := range p.bands {
			if freq >= band.LowHz && freq < band.HighHz {
				band.Power += m * m
				band.numBins++
				break
			}
		}
	}

	result := make(map[string]float64, len(p.bands))
	bandData := map[string]any{"type": "band_power"}
	for _, band := range p.bands {
		if band.numBins > 0 {
			band.Power /= float64(band.numBins)
		}
		result[band.Name] = band.Power
		bandData[band.Name] = band.Power
	}

	if p.transport != nil {
		if err := p.transport.Send(bandData); err != nil {
			log.Warnf("BandPowerProcessor: Error sending band power data: %v", err)
		}
	}
	return result
}

// Bands returns the configured bands.
func (p *BandPowerProcessor) Bands() []*FrequencyBand {
	return p.bands
}
