package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"emgscope/internal/config"
	"emgscope/internal/dataset"
	"emgscope/internal/event"
	"emgscope/internal/log"
	"emgscope/internal/metrics"
	"emgscope/internal/simulator"
)

// LoadServeRecord returns the record the serve command replays. A loaded
// record must match the configured samples per channel.
func LoadServeRecord(cfg *config.Config, opts ServeOptions) (*dataset.Record, error) {
	if opts.Synthetic {
		return dataset.Synthetic(opts.Channels, cfg.Stream.SamplesPerChannel, opts.Windows,
			cfg.Simulator.SamplingRate, opts.Seed), nil
	}
	rec, err := dataset.Load(cfg.Simulator.Dataset, cfg.Stream.SamplesPerChannel)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cfg.Simulator.Dataset, err)
	}
	// Clients read fixed-size frames, so a record with a different window
	// would be misframed on every read.
	if got, want := rec.SamplesPerWindow(), cfg.Stream.SamplesPerChannel; got != want {
		return nil, fmt.Errorf("load %s: %w: %d samples per window, stream expects %d",
			cfg.Simulator.Dataset, dataset.ErrMalformedRecord, got, want)
	}
	return rec, nil
}

// Serve runs the simulator until ctx is done or, with a console, until q is
// read from console.
func Serve(ctx context.Context, cfg *config.Config, opts ServeOptions, console io.Reader) error {
	logger := log.With(zap.String("component", "serve"))

	rec, err := LoadServeRecord(cfg, opts)
	if err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()
	statuses, unsub := bus.Subscribe(event.DefaultBuffer)
	defer unsub()
	go func() {
		for ev := range statuses {
			if st, ok := ev.(event.Status); ok {
				logger.Info(st.Message)
			}
		}
	}()

	simOpts := simulator.OptionsFromConfig(cfg)
	simOpts.Loop = !opts.NoLoop

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		simOpts.Registerer = reg
		metricsServer = metrics.NewServer(cfg.Metrics.Address, reg)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer metricsServer.Stop()
	}

	server, err := simulator.New(rec, simOpts, bus)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Stop()

	if opts.Console && console != nil {
		go runConsole(console, server, cancel)
	}

	<-ctx.Done()
	return nil
}

// runConsole reads one command per line: p toggles the global pause and q
// stops the server.
func runConsole(r io.Reader, server *simulator.Server, quit context.CancelFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "p", "pause":
			server.TogglePause()
		case "q", "quit":
			quit()
			return
		}
	}
}
