// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"emgscope/internal/analysis"
	"emgscope/internal/log"
	"emgscope/internal/protocol"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug     bool            `yaml:"debug"`     // Enable debug mode (verbose logging).
	LogLevel  string          `yaml:"log_level"` // Logging level (e.g., "debug", "info", "warn", "error").
	LogFile   string          `yaml:"log_file"`  // Log destination while the monitor UI runs.
	Client    ClientConfig    `yaml:"client"`    // Acquisition client settings.
	Stream    StreamConfig    `yaml:"stream"`    // Frame shape and buffering.
	View      ViewConfig      `yaml:"view"`      // Channel query / filter layer.
	Simulator SimulatorConfig `yaml:"simulator"` // Server simulator settings.
	Transport TransportConfig `yaml:"transport"` // Live fan-out (websocket, UDP).
	Recording RecordingConfig `yaml:"recording"` // Session recording.
	Metrics   MetricsConfig   `yaml:"metrics"`   // Prometheus endpoint.
	Analysis  AnalysisConfig  `yaml:"analysis"`  // Offline filtering and spectrum.
}

// ClientConfig holds settings for the TCP acquisition client.
type ClientConfig struct {
	Host           string        `yaml:"host"`            // Data source host.
	Port           int           `yaml:"port"`            // Data source port.
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Per-attempt dial timeout.
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // Read deadline so the loop can observe shutdown.
	MaxAttempts    int           `yaml:"max_attempts"`    // Connect attempts before giving up.
	Backoff        time.Duration `yaml:"backoff"`         // Fixed delay between attempts.
	Framing        string        `yaml:"framing"`         // "reassemble" or "strict".
	QueueSize      int           `yaml:"queue_size"`      // Blocks buffered between receive loop and processor.
}

// StreamConfig holds settings for the stream processor.
type StreamConfig struct {
	Protocol          string  `yaml:"protocol"`            // "broadcast" (32 channels) or "single" (1 channel).
	SamplesPerChannel int     `yaml:"samples_per_channel"` // Samples per channel in one packet.
	RealtimeCapacity  int     `yaml:"realtime_capacity"`   // Packets held for the realtime window.
	RealtimePolicy    string  `yaml:"realtime_policy"`     // "ring" or "drain".
	HistoryCap        int     `yaml:"history_cap"`         // Packets kept in full history (0 for unbounded).
	SamplingRate      float64 `yaml:"sampling_rate"`       // Nominal device rate in Hz for recording and spectra.
}

// ViewConfig holds settings for the view-facing query layer.
type ViewConfig struct {
	RMSWindowSize int           `yaml:"rms_window_size"` // Trailing samples used by the RMS filter.
	Filter        string        `yaml:"filter"`          // "raw" or "rms".
	Channel       int           `yaml:"channel"`         // Initially selected channel.
	Refresh       time.Duration `yaml:"refresh"`         // Period of realtime view updates.
}

// SimulatorConfig holds settings for the replay server.
type SimulatorConfig struct {
	Listen       string        `yaml:"listen"`        // TCP listen address.
	Dataset      string        `yaml:"dataset"`       // Path to a JSON or WAV record.
	SamplingRate float64       `yaml:"sampling_rate"` // Fallback rate when the dataset carries none.
	PausePoll    time.Duration `yaml:"pause_poll"`    // Poll interval while a client is paused.
}

// TransportConfig holds settings related to sending processed data over the network.
type TransportConfig struct {
	WebSocketEnabled bool          `yaml:"websocket_enabled"`  // Serve view updates over websocket.
	WebSocketAddress string        `yaml:"websocket_address"`  // Listen address for the websocket server.
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Send the latest window over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets.
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between sending UDP packets.
}

// RecordingConfig holds settings related to session recording.
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`    // Record every stored block to WAV.
	OutputDir string `yaml:"output_dir"` // Directory for recorded sessions.
}

// MetricsConfig holds settings for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AnalysisConfig holds signal processing parameters.
type AnalysisConfig struct {
	LowCut    float64 `yaml:"lowcut"`     // Bandpass low corner in Hz.
	HighCut   float64 `yaml:"highcut"`    // Bandpass high corner in Hz.
	Order     int     `yaml:"order"`      // Butterworth order.
	FFTWindow string  `yaml:"fft_window"` // Window function for live spectra.
	Spectrum  bool    `yaml:"spectrum"`   // Compute live spectrum and band power.
	Threshold float64 `yaml:"activation_threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Debug:    false,
		LogLevel: "info",
		LogFile:  "emgscope.log",
		Client: ClientConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			ConnectTimeout: DefaultConnectTimeout,
			ReadTimeout:    DefaultReadTimeout,
			MaxAttempts:    DefaultMaxAttempts,
			Backoff:        DefaultBackoff,
			Framing:        DefaultFraming,
			QueueSize:      DefaultQueueSize,
		},
		Stream: StreamConfig{
			Protocol:          DefaultProtocol,
			SamplesPerChannel: DefaultSamplesPerChannel,
			RealtimeCapacity:  DefaultRealtimeCapacity,
			RealtimePolicy:    DefaultRealtimePolicy,
			HistoryCap:        DefaultHistoryCap,
			SamplingRate:      DefaultSamplingRate,
		},
		View: ViewConfig{
			RMSWindowSize: DefaultRMSWindowSize,
			Filter:        DefaultFilter,
			Channel:       DefaultChannel,
			Refresh:       DefaultRefresh,
		},
		Simulator: SimulatorConfig{
			Listen:       DefaultListen,
			SamplingRate: DefaultSamplingRate,
			PausePoll:    DefaultPausePoll,
		},
		Transport: TransportConfig{
			WebSocketEnabled: false,
			WebSocketAddress: "127.0.0.1:8080",
			UDPEnabled:       false,
			UDPTargetAddress: "127.0.0.1:9090",
			UDPSendInterval:  33 * time.Millisecond, // Default ~30Hz.
		},
		Recording: RecordingConfig{
			Enabled:   false,
			OutputDir: "./recordings",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9100",
		},
		Analysis: AnalysisConfig{
			LowCut:    DefaultLowCut,
			HighCut:   DefaultHighCut,
			Order:     DefaultFilterOrder,
			FFTWindow: DefaultFFTWindow,
			Spectrum:  false,
			Threshold: 0.1,
		},
	}
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("emgscope.yaml"). If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		candidates := []string{
			"emgscope.yaml",
			"config.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return &cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks every section and returns the first problem found,
// wrapped in ErrInvalid.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if _, ok := log.ParseLevel(c.LogLevel); !ok {
		return invalid("log_level %q is not a known level", c.LogLevel)
	}

	// Client
	if c.Client.Host == "" {
		return invalid("client.host must be set")
	}
	if c.Client.Port < MinPort || c.Client.Port > MaxPort {
		return invalid("client.port %d out of range", c.Client.Port)
	}
	if c.Client.ConnectTimeout <= 0 || c.Client.ReadTimeout <= 0 {
		return invalid("client timeouts must be positive")
	}
	if c.Client.MaxAttempts < 1 {
		return invalid("client.max_attempts must be at least 1")
	}
	if c.Client.Backoff < 0 {
		return invalid("client.backoff must not be negative")
	}
	if c.Client.Framing != FramingReassemble && c.Client.Framing != FramingStrict {
		return invalid("client.framing %q (want %q or %q)", c.Client.Framing, FramingReassemble, FramingStrict)
	}
	if c.Client.QueueSize < 1 || c.Client.QueueSize > MaxQueueSize {
		return invalid("client.queue_size %d out of range", c.Client.QueueSize)
	}

	// Stream
	if _, err := protocol.ParseVersion(c.Stream.Protocol); err != nil {
		return invalid("stream.protocol: %v", err)
	}
	if c.Stream.SamplesPerChannel < 1 || c.Stream.SamplesPerChannel > MaxSamplesPerFrame {
		return invalid("stream.samples_per_channel %d out of range", c.Stream.SamplesPerChannel)
	}
	if c.Stream.RealtimeCapacity < 1 {
		return invalid("stream.realtime_capacity must be at least 1")
	}
	if c.Stream.RealtimePolicy != PolicyRing && c.Stream.RealtimePolicy != PolicyDrain {
		return invalid("stream.realtime_policy %q (want %q or %q)", c.Stream.RealtimePolicy, PolicyRing, PolicyDrain)
	}
	if c.Stream.HistoryCap < 0 {
		return invalid("stream.history_cap must not be negative")
	}
	if c.Stream.SamplingRate < MinSamplingRate || c.Stream.SamplingRate > MaxSamplingRate {
		return invalid("stream.sampling_rate %.1f out of range", c.Stream.SamplingRate)
	}

	// View
	if c.View.RMSWindowSize < 1 {
		return invalid("view.rms_window_size must be at least 1")
	}
	if f := strings.ToLower(c.View.Filter); f != "raw" && f != "rms" {
		return invalid("view.filter %q (want raw or rms)", c.View.Filter)
	}
	if c.View.Channel < 0 || c.View.Channel >= MaxChannels {
		return invalid("view.channel %d out of range", c.View.Channel)
	}
	if c.View.Refresh <= 0 {
		return invalid("view.refresh must be positive")
	}

	// Simulator
	if c.Simulator.SamplingRate < MinSamplingRate || c.Simulator.SamplingRate > MaxSamplingRate {
		return invalid("simulator.sampling_rate %.1f out of range", c.Simulator.SamplingRate)
	}
	if c.Simulator.PausePoll <= 0 {
		return invalid("simulator.pause_poll must be positive")
	}

	// Transport
	if c.Transport.UDPEnabled {
		if !strings.Contains(c.Transport.UDPTargetAddress, ":") {
			return invalid("transport.udp_target_address %q appears invalid (missing port?)", c.Transport.UDPTargetAddress)
		}
		if c.Transport.UDPSendInterval <= 0 {
			return invalid("transport.udp_send_interval must be positive when UDP is enabled")
		}
	}
	if c.Transport.WebSocketEnabled && c.Transport.WebSocketAddress == "" {
		return invalid("transport.websocket_address must be set when websocket is enabled")
	}

	// Analysis
	if c.Analysis.LowCut <= 0 || c.Analysis.HighCut <= c.Analysis.LowCut {
		return invalid("analysis band %.1f-%.1f Hz is empty", c.Analysis.LowCut, c.Analysis.HighCut)
	}
	if c.Analysis.Order < 1 || c.Analysis.Order > MaxFilterOrder {
		return invalid("analysis.order %d out of range", c.Analysis.Order)
	}
	if _, err := analysis.WindowByName(c.Analysis.FFTWindow); err != nil {
		return invalid("analysis.fft_window: %v", err)
	}

	return nil
}

// applyEnvOverrides applies EMG_* environment variables on top of the
// file (or default) values. Unparseable values are ignored with a log line.
func (cfg *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if val, ok := os.LookupEnv(key); ok {
			*dst = val
			log.Infof("configuration: overriding %s from env: %s", key, val)
		}
	}
	integer := func(key string, dst *int) {
		if val, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				log.Warnf("configuration: ignoring %s=%q: %v", key, val, err)
				return
			}
			*dst = n
			log.Infof("configuration: overriding %s from env: %d", key, n)
		}
	}
	boolean := func(key string, dst *bool) {
		if val, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				log.Warnf("configuration: ignoring %s=%q: %v", key, val, err)
				return
			}
			*dst = b
			log.Infof("configuration: overriding %s from env: %v", key, b)
		}
	}
	duration := func(key string, dst *time.Duration) {
		if val, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				log.Warnf("configuration: ignoring %s=%q: %v", key, val, err)
				return
			}
			*dst = d
			log.Infof("configuration: overriding %s from env: %s", key, d)
		}
	}

	// EMG_{...}
	// These are general overrides.
	boolean("EMG_DEBUG", &cfg.Debug)
	str("EMG_LOG_LEVEL", &cfg.LogLevel)
	str("EMG_LOG_FILE", &cfg.LogFile)

	// EMG_CLIENT_{...}
	str("EMG_CLIENT_HOST", &cfg.Client.Host)
	integer("EMG_CLIENT_PORT", &cfg.Client.Port)
	str("EMG_CLIENT_FRAMING", &cfg.Client.Framing)
	duration("EMG_CLIENT_READ_TIMEOUT", &cfg.Client.ReadTimeout)

	// EMG_STREAM_{...}
	str("EMG_STREAM_PROTOCOL", &cfg.Stream.Protocol)
	str("EMG_STREAM_REALTIME_POLICY", &cfg.Stream.RealtimePolicy)
	integer("EMG_STREAM_HISTORY_CAP", &cfg.Stream.HistoryCap)

	// EMG_SIMULATOR_{...}
	str("EMG_SIMULATOR_LISTEN", &cfg.Simulator.Listen)
	str("EMG_SIMULATOR_DATASET", &cfg.Simulator.Dataset)

	// EMG_UDP_{...}
	// These are specific to the transport layer.
	boolean("EMG_UDP_ENABLED", &cfg.Transport.UDPEnabled)
	str("EMG_UDP_TARGET_ADDRESS", &cfg.Transport.UDPTargetAddress)
	duration("EMG_UDP_SEND_INTERVAL", &cfg.Transport.UDPSendInterval)

	// EMG_METRICS_{...}
	boolean("EMG_METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("EMG_METRICS_ADDRESS", &cfg.Metrics.Address)
}
