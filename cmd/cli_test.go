package cmd

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emgscope/internal/config"
	"emgscope/internal/dataset"
	"emgscope/internal/protocol"
	"emgscope/pkg/utils"
)

// inTempDir keeps LoadConfig from picking up a config file in the package
// directory.
func inTempDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestParseArgsDefaultsToMonitor(t *testing.T) {
	inTempDir(t)
	inv, err := ParseArgs(nil)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, CommandMonitor, inv.Command)
	assert.Equal(t, config.DefaultPort, inv.Config.Client.Port)
	assert.Equal(t, config.DefaultProtocol, inv.Config.Stream.Protocol)
}

func TestParseArgsMonitorFlags(t *testing.T) {
	inTempDir(t)
	inv, err := ParseArgs([]string{"monitor", "--headless", "-H", "10.0.0.7", "-p", "5555",
		"--protocol", "single", "-c", "3", "-f", "rms", "--policy", "drain",
		"-r", "-o", "out", "--websocket", "127.0.0.1:8181", "--metrics", "127.0.0.1:9200"})
	require.NoError(t, err)

	cfg := inv.Config
	assert.True(t, inv.Headless)
	assert.Equal(t, "10.0.0.7", cfg.Client.Host)
	assert.Equal(t, 5555, cfg.Client.Port)
	assert.Equal(t, protocol.Single, cfg.Version())
	assert.Equal(t, 3, cfg.View.Channel)
	assert.Equal(t, "rms", cfg.View.Filter)
	assert.Equal(t, config.PolicyDrain, cfg.Stream.RealtimePolicy)
	assert.True(t, cfg.Recording.Enabled)
	assert.Equal(t, "out", cfg.Recording.OutputDir)
	assert.True(t, cfg.Transport.WebSocketEnabled)
	assert.Equal(t, "127.0.0.1:8181", cfg.Transport.WebSocketAddress)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestParseArgsConfigFileThenFlags(t *testing.T) {
	inTempDir(t)
	path := filepath.Join(t.TempDir(), "emg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  host: 192.168.1.20\n  port: 7000\n"), 0o644))

	inv, err := ParseArgs([]string{"--config", path, "-p", "7001"})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", inv.Config.Client.Host, "file value kept")
	assert.Equal(t, 7001, inv.Config.Client.Port, "flag wins")
}

func TestParseArgsRejectsInvalid(t *testing.T) {
	inTempDir(t)
	_, err := ParseArgs([]string{"-c", "40"})
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = ParseArgs([]string{"--protocol", "triple"})
	assert.Error(t, err)

	_, err = ParseArgs([]string{"serve"})
	assert.ErrorContains(t, err, "--dataset or --synthetic")

	_, err = ParseArgs([]string{"analyze"})
	assert.Error(t, err)
}

func TestParseArgsServeAndAnalyze(t *testing.T) {
	inTempDir(t)
	inv, err := ParseArgs([]string{"serve", "--synthetic", "--synthetic-channels", "4",
		"--listen", "127.0.0.1:0", "--sampling-rate", "1000", "--no-loop"})
	require.NoError(t, err)
	assert.Equal(t, CommandServe, inv.Command)
	assert.True(t, inv.Serve.Synthetic)
	assert.Equal(t, 4, inv.Serve.Channels)
	assert.True(t, inv.Serve.NoLoop)
	assert.Equal(t, "127.0.0.1:0", inv.Config.Simulator.Listen)
	assert.Equal(t, 1000.0, inv.Config.Simulator.SamplingRate)

	inv, err = ParseArgs([]string{"analyze", "rec.json", "--channel", "2", "--lowcut", "30", "--export", "x.wav"})
	require.NoError(t, err)
	assert.Equal(t, CommandAnalyze, inv.Command)
	assert.Equal(t, "rec.json", inv.Analyze.Path)
	assert.Equal(t, 2, inv.Analyze.Channel)
	assert.Equal(t, 30.0, inv.Config.Analysis.LowCut)
	assert.Equal(t, "x.wav", inv.Analyze.Export)

	inv, err = ParseArgs([]string{"version"})
	require.NoError(t, err)
	assert.Equal(t, CommandVersion, inv.Command)
}

func TestParseArgsHelp(t *testing.T) {
	inTempDir(t)
	inv, err := ParseArgs([]string{"--help"})
	require.NoError(t, err)
	assert.Nil(t, inv)
}

// sineRecord has two channels: a 50 Hz and a 120 Hz sine.
func sineRecord(t *testing.T) *dataset.Record {
	t.Helper()
	const fs, n = 1000, 1800
	a := utils.GenerateSineWave(n, fs, 50)
	b := utils.GenerateSineWave(n, fs, 120)
	series := make([][]float64, 2)
	for i := range n {
		series[0] = append(series[0], float64(a[i]))
		series[1] = append(series[1], float64(b[i]))
	}
	rec, err := dataset.FromSeries(series, 18, fs)
	require.NoError(t, err)
	return rec
}

func TestAnalyze(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	require.NoError(t, sineRecord(t).Save(path))

	cfg := config.Default()
	cfg.Analysis.LowCut, cfg.Analysis.HighCut = 20, 200
	export := filepath.Join(dir, "filtered.wav")

	var out bytes.Buffer
	require.NoError(t, Analyze(&cfg, AnalyzeOptions{Path: path, Channel: -1, Export: export}, &out))

	text := out.String()
	assert.Contains(t, text, "2 channels, 1800 samples, 1000.0 Hz")
	assert.Contains(t, text, "BANDPASS RMS")
	assert.Contains(t, text, "bandpassed record written to")

	got, err := dataset.Load(export, 18)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Channels())
	assert.Equal(t, 100, got.Windows())
}

func TestSummarize(t *testing.T) {
	cfg := config.Default()
	m := dataset.NewSignalModel(sineRecord(t), 1000)

	sums, err := Summarize(m, &cfg, AnalyzeOptions{Channel: -1})
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.InDelta(t, 50, sums[0].PeakHz, 1)
	assert.InDelta(t, 120, sums[1].PeakHz, 1)
	assert.InDelta(t, 1/1.41421356, sums[0].RMS, 0.01)

	sums, err = Summarize(m, &cfg, AnalyzeOptions{Channel: 1, Start: 0.5, End: 0.9})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 401, sums[0].Samples)

	_, err = Summarize(m, &cfg, AnalyzeOptions{Channel: 5})
	assert.Error(t, err)
}

func TestLoadServeRecordChecksWindowSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wide.json")
	require.NoError(t, dataset.Synthetic(4, 20, 5, 2000, 1).Save(path))

	cfg := config.Default()
	cfg.Simulator.Dataset = path

	_, err := LoadServeRecord(&cfg, ServeOptions{})
	require.ErrorIs(t, err, dataset.ErrMalformedRecord)
	assert.ErrorContains(t, err, "20 samples per window, stream expects 18")

	cfg.Stream.SamplesPerChannel = 20
	rec, err := LoadServeRecord(&cfg, ServeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 20, rec.SamplesPerWindow())
}

func TestServeSyntheticWithConsole(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Simulator.Listen = addr
	opts := ServeOptions{Synthetic: true, Channels: 2, Windows: 10, Seed: 1, Console: true}

	consoleR, consoleW := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), &cfg, opts, consoleR) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	buf := make([]byte, cfg.FrameBytes())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	_, err = io.WriteString(consoleW, strings.Join([]string{"p", "q"}, "\n")+"\n")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop on q")
	}
}
