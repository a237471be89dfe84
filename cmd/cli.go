package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"emgscope/internal/config"
	"emgscope/pkg/build"
)

// Commands selectable on the command line. Monitor is the default.
const (
	CommandMonitor = "monitor"
	CommandServe   = "serve"
	CommandAnalyze = "analyze"
	CommandVersion = "version"
)

// ServeOptions holds the serve command's flags.
type ServeOptions struct {
	Synthetic bool   // Generate a record instead of loading one.
	Channels  int    // Synthetic channel count.
	Windows   int    // Synthetic window count.
	Seed      uint64 // Synthetic noise seed.
	NoLoop    bool   // Stop each client after the last window.
	Console   bool   // Read p/q commands from stdin.
}

// AnalyzeOptions holds the analyze command's flags.
type AnalyzeOptions struct {
	Path    string
	Channel int     // -1 analyses every channel.
	Start   float64 // Seconds, inclusive.
	End     float64 // Seconds, inclusive; 0 means the end of the record.
	Export  string  // Write the bandpassed record here (.json or .wav).
}

// Invocation is the parsed command line.
type Invocation struct {
	Command  string
	Config   *config.Config
	Headless bool // Monitor without the TUI.
	Serve    ServeOptions
	Analyze  AnalyzeOptions
}

// flagValues collects the flags that override configuration values.
type flagValues struct {
	configPath string
	verbose    bool
	logLevel   string
	logFile    string

	host     string
	port     int
	protocol string
	samples  int
	channel  int
	filter   string
	policy   string

	record    bool
	outputDir string
	websocket string
	udp       string
	metrics   string

	listen       string
	dataset      string
	samplingRate float64

	lowcut  float64
	highcut float64
	order   int
}

// ParseArgs parses args (without the program name) into an Invocation.
// It returns a nil Invocation and no error when only help was requested.
func ParseArgs(args []string) (*Invocation, error) {
	buildInfo := build.GetBuildFlags()
	inv := &Invocation{}
	var fv flagValues

	load := func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(fv.configPath)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd.Flags(), &fv, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		inv.Config = cfg
		return nil
	}

	rootCmd := &cobra.Command{
		Use:               buildInfo.Name,
		Short:             buildInfo.Description,
		Version:           buildInfo.Version,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: load,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.Command = CommandMonitor
			return nil
		},
	}

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// Monitor command
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Connect to an EMG source and show the live monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.Command = CommandMonitor
			return nil
		},
	}
	monitorCmd.Flags().BoolVar(&inv.Headless, "headless", false,
		"Run without the terminal UI, logging status changes instead")
	monitorCmd.Flags().BoolVarP(&fv.record, "record", "r", false,
		"Record every stored block to a WAV file")
	monitorCmd.Flags().StringVarP(&fv.outputDir, "output-dir", "o", "",
		"Directory for recorded sessions")
	monitorCmd.Flags().StringVar(&fv.websocket, "websocket", "",
		"Serve live updates over websocket on this address")
	monitorCmd.Flags().StringVar(&fv.udp, "udp", "",
		"Send the live window over UDP to this address")
	monitorCmd.Flags().StringVar(&fv.policy, "policy", "",
		"Realtime read policy (ring or drain)")
	rootCmd.AddCommand(monitorCmd)

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Replay a recorded session over TCP like the acquisition device",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.Command = CommandServe
			if inv.Config.Simulator.Dataset == "" && !inv.Serve.Synthetic {
				return fmt.Errorf("serve needs --dataset or --synthetic")
			}
			return nil
		},
	}
	serveCmd.Flags().StringVar(&fv.listen, "listen", "", "TCP listen address")
	serveCmd.Flags().StringVarP(&fv.dataset, "dataset", "d", "", "JSON or WAV record to replay")
	serveCmd.Flags().Float64Var(&fv.samplingRate, "sampling-rate", 0,
		"Sampling rate in Hz when the record carries none")
	serveCmd.Flags().BoolVar(&inv.Serve.Synthetic, "synthetic", false, "Replay a generated record")
	serveCmd.Flags().IntVar(&inv.Serve.Channels, "synthetic-channels", 8, "Channels of the generated record")
	serveCmd.Flags().IntVar(&inv.Serve.Windows, "synthetic-windows", 2000, "Windows of the generated record")
	serveCmd.Flags().Uint64Var(&inv.Serve.Seed, "seed", 1, "Noise seed of the generated record")
	serveCmd.Flags().BoolVar(&inv.Serve.NoLoop, "no-loop", false, "Close clients after the last window")
	serveCmd.Flags().BoolVar(&inv.Serve.Console, "console", false,
		"Read commands from stdin: p toggles pause, q quits")
	rootCmd.AddCommand(serveCmd)

	// Analyze command
	analyzeCmd := &cobra.Command{
		Use:   "analyze <record>",
		Short: "Summarise a recorded session: RMS, spectrum peak and bandpass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.Command = CommandAnalyze
			inv.Analyze.Path = args[0]
			return nil
		},
	}
	analyzeCmd.Flags().IntVar(&inv.Analyze.Channel, "channel", -1, "Channel to analyse, -1 for all")
	analyzeCmd.Flags().Float64Var(&inv.Analyze.Start, "start", 0, "Start time in seconds")
	analyzeCmd.Flags().Float64Var(&inv.Analyze.End, "end", 0, "End time in seconds, 0 for the whole record")
	analyzeCmd.Flags().StringVar(&inv.Analyze.Export, "export", "", "Write the bandpassed record (.json or .wav)")
	analyzeCmd.Flags().Float64Var(&fv.lowcut, "lowcut", 0, "Bandpass low corner in Hz")
	analyzeCmd.Flags().Float64Var(&fv.highcut, "highcut", 0, "Bandpass high corner in Hz")
	analyzeCmd.Flags().IntVar(&fv.order, "order", 0, "Butterworth order")
	rootCmd.AddCommand(analyzeCmd)

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.Command = CommandVersion
			return nil
		},
	})

	// Configuration file and logging
	rootCmd.PersistentFlags().StringVarP(&fv.configPath, "config", "C", "",
		"YAML configuration file (default emgscope.yaml or config.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&fv.verbose, "verbose", "v", false,
		"Show verbose output")
	rootCmd.PersistentFlags().StringVar(&fv.logLevel, "log-level", "",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&fv.logFile, "log-file", "",
		"Log file used while the monitor UI runs (empty logs errors to stderr)")
	rootCmd.PersistentFlags().StringVar(&fv.metrics, "metrics", "",
		"Serve Prometheus metrics on this address")

	// Data source and frame layout
	rootCmd.PersistentFlags().StringVarP(&fv.host, "host", "H", config.DefaultHost,
		"Data source host")
	rootCmd.PersistentFlags().IntVarP(&fv.port, "port", "p", config.DefaultPort,
		"Data source port")
	rootCmd.PersistentFlags().StringVar(&fv.protocol, "protocol", config.DefaultProtocol,
		"Frame protocol: broadcast (32 channels) or single (1 channel)")
	rootCmd.PersistentFlags().IntVarP(&fv.samples, "samples", "s", config.DefaultSamplesPerChannel,
		"Samples per channel in one frame")
	rootCmd.PersistentFlags().IntVarP(&fv.channel, "channel-select", "c", config.DefaultChannel,
		"Initially selected channel (0-31)")
	rootCmd.PersistentFlags().StringVarP(&fv.filter, "filter", "f", config.DefaultFilter,
		"View filter: raw or rms")

	// Execute the CLI
	if args == nil {
		args = []string{}
	}
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	if inv.Command == "" {
		return nil, nil
	}
	return inv, nil
}

// applyFlags copies every explicitly set flag over the loaded configuration,
// so file and environment values survive unless the user overrides them.
func applyFlags(fs *pflag.FlagSet, fv *flagValues, cfg *config.Config) error {
	set := fs.Changed

	if set("verbose") && fv.verbose {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	if set("log-level") {
		cfg.LogLevel = strings.ToLower(fv.logLevel)
	}
	if set("log-file") {
		cfg.LogFile = fv.logFile
	}
	if set("metrics") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = fv.metrics
	}

	if set("host") {
		cfg.Client.Host = fv.host
	}
	if set("port") {
		cfg.Client.Port = fv.port
		if !set("listen") {
			cfg.Simulator.Listen = fmt.Sprintf("%s:%d", cfg.Client.Host, fv.port)
		}
	}
	if set("protocol") {
		cfg.Stream.Protocol = strings.ToLower(fv.protocol)
	}
	if set("samples") {
		cfg.Stream.SamplesPerChannel = fv.samples
	}
	if set("channel-select") {
		cfg.View.Channel = fv.channel
	}
	if set("filter") {
		cfg.View.Filter = strings.ToLower(fv.filter)
	}
	if set("policy") {
		cfg.Stream.RealtimePolicy = strings.ToLower(fv.policy)
	}

	if set("record") {
		cfg.Recording.Enabled = fv.record
	}
	if set("output-dir") {
		cfg.Recording.OutputDir = fv.outputDir
	}
	if set("websocket") {
		cfg.Transport.WebSocketEnabled = true
		cfg.Transport.WebSocketAddress = fv.websocket
	}
	if set("udp") {
		cfg.Transport.UDPEnabled = true
		cfg.Transport.UDPTargetAddress = fv.udp
	}

	if set("listen") {
		cfg.Simulator.Listen = fv.listen
	}
	if set("dataset") {
		cfg.Simulator.Dataset = fv.dataset
	}
	if set("sampling-rate") {
		if fv.samplingRate <= 0 {
			return fmt.Errorf("%w: sampling rate must be positive", config.ErrInvalid)
		}
		cfg.Simulator.SamplingRate = fv.samplingRate
		cfg.Stream.SamplingRate = fv.samplingRate
	}

	if set("lowcut") {
		cfg.Analysis.LowCut = fv.lowcut
	}
	if set("highcut") {
		cfg.Analysis.HighCut = fv.highcut
	}
	if set("order") {
		cfg.Analysis.Order = fv.order
	}
	return nil
}
