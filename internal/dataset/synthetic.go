package dataset

import (
	"emgscope/pkg/utils"
)

// Synthetic builds a record of noise with one activation burst per channel,
// the bursts staggered across channels. It stands in for a recording when
// the simulator is started without a dataset.
func Synthetic(channels, samplesPerWindow, windows int, fs float64, seed uint64) *Record {
	total := samplesPerWindow * windows
	bio := make([][][]float32, channels)
	for c := range bio {
		start := (c * total / max(channels, 1)) % max(total, 1)
		end := min(start+total/4, total)
		series := utils.GenerateEMGBurst(total, fs, start, end, seed+uint64(c))

		bio[c] = make([][]float32, samplesPerWindow)
		for s := range bio[c] {
			row := make([]float32, windows)
			for k := range row {
				row[k] = series[k*samplesPerWindow+s]
			}
			bio[c][s] = row
		}
	}
	return &Record{
		Device:    DeviceInfo{Channels: channels, SamplingFrequency: fs},
		Biosignal: bio,
	}
}
