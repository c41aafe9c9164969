package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/junction/internal/config"
	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/monitoring"
	"github.com/banshee-data/junction/internal/occupancy"
	"github.com/banshee-data/junction/internal/serialmux"
	"github.com/banshee-data/junction/internal/status"
	"github.com/banshee-data/junction/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestFlagDefaults(t *testing.T) {
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"config", *configPath, ""},
		{"dev", *devMode, false},
		{"listen", *listen, ""},
		{"port", *port, ""},
		{"db", *dbPath, ""},
		{"version", *showVersion, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultListen, cfg.GetListen())

	path := testutil.WriteTempFile(t, "junction.json", `{"lane_weights":[1,1,1]}`)
	_, err = loadConfig(path)
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg, err = loadConfig(filepath.Join("..", "..", config.DefaultConfigPath))
	require.NoError(t, err)
	assert.Equal(t, "junction.db", cfg.GetDBPath())
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := &config.Config{}
	applyFlagOverrides(cfg, "", "", "")
	assert.Equal(t, config.DefaultSerialPort, cfg.GetSerialPort())
	assert.Equal(t, "", cfg.GetDBPath())

	applyFlagOverrides(cfg, "/dev/ttyS1", ":9000", "x.db")
	assert.Equal(t, "/dev/ttyS1", cfg.GetSerialPort())
	assert.Equal(t, ":9000", cfg.GetListen())
	assert.Equal(t, "x.db", cfg.GetDBPath())
}

func TestNewSource(t *testing.T) {
	ctx := context.Background()

	occ, err := newSource(&config.Config{}, true).Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, devOccupancy, occ)

	_, err = newSource(&config.Config{}, false).Counts(ctx)
	assert.True(t, errors.Is(err, occupancy.ErrUnavailable))

	cfg := &config.Config{Occupancy: config.OccupancySourceConfig{URL: "http://127.0.0.1:1/counts"}}
	_, ok := newSource(cfg, false).(*occupancy.HTTPSource)
	assert.True(t, ok)
}

func TestNewApp_BadSerialPort(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetSerialPort(filepath.Join(t.TempDir(), "no-such-tty"))
	_, err := newApp(cfg, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open serial port")
}

func TestApp_DevModeRunsCycle(t *testing.T) {
	cfg, err := config.Parse([]byte(`{"startup_delay":"0s","settle_delay":"1ms","ready_timeout":"5s","ready_token":"GO"}`))
	require.NoError(t, err)
	cfg.SetDBPath(testutil.TempDBPath(t))

	a, err := newApp(cfg, true)
	require.NoError(t, err)

	snaps, unsubscribe := a.board.Subscribe(64)
	defer unsubscribe()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.serve(ctx, ln) }()

	deadline := time.After(10 * time.Second)
	var actuating status.Snapshot
wait:
	for {
		select {
		case s := <-snaps:
			if s.Phase == status.PhaseActuating {
				actuating = s
				break wait
			}
		case <-deadline:
			cancel()
			t.Fatal("no ACTUATING snapshot from the simulated junction")
		}
	}

	// Vision is non-zero, so fallback_on_zero ignores the simulated presence.
	assert.Equal(t, lane.Durations{6, 2, 0, 4}, actuating.Program.Durations)
	assert.Equal(t, uint64(1), actuating.Seq)
	assert.False(t, actuating.Degraded)

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/status")
	require.NoError(t, err)
	var got status.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, uint64(1), got.Seq)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}

	n, err := a.store.CycleCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a.Close()
}

func TestRun_ClosesAppOnFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg, err := config.Parse([]byte(`{"startup_delay":"0s"}`))
	require.NoError(t, err)
	cfg.SetDBPath(testutil.TempDBPath(t))
	cfg.SetListen(busy.Addr().String())

	a, err := newApp(cfg, true)
	require.NoError(t, err)

	err = run(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")

	assert.Error(t, a.store.Ping(), "database should be closed")
	assert.ErrorIs(t, a.device.SendLine("Times,0,0,0,0"), serialmux.ErrClosed)
}
