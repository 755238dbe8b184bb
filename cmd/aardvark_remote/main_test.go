package main

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/aardvark/config"
	"github.com/timzifer/aardvark/drivers/sim"
	"github.com/timzifer/aardvark/library"
)

func writeConfig(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, "sim", cfg.Library.Driver)
	require.Equal(t, ":8270", cfg.Server.Listen)
	require.Empty(t, cfg.Source)
}

func TestApplyReloadUpdatesLibraryDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aardvark.cue")
	writeConfig(t, path, "library: i2c_bitrate: 100\n")
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	drv, err := sim.New(cfg.Sim, zerolog.Nop())
	require.NoError(t, err)
	lib, err := library.New(drv, cfg.Library)
	require.NoError(t, err)

	writeConfig(t, path, "library: {\n\ti2c_bitrate: 400\n\tspi_mode: 0\n}\n")
	next, err := applyReload(cfg, lib, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 400, next.Library.I2CBitrate)
	require.Equal(t, 400, lib.Defaults().I2CBitrate)
	require.Equal(t, 0, lib.Defaults().SPIMode)

	writeConfig(t, path, "library: spi_mode: 9\n")
	_, err = applyReload(next, lib, zerolog.Nop())
	require.Error(t, err)
	require.Equal(t, 400, lib.Defaults().I2CBitrate, "defaults stay when the reload is invalid")
}

func TestDriverRegistryKnowsBothDrivers(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	registry, err := newDriverRegistry(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, []string{"periph", "sim"}, registry.Names())

	drv, err := registry.Open("sim")
	require.NoError(t, err)
	require.Equal(t, sim.DriverName, drv.Name())
}

func TestNewTelemetryCollector(t *testing.T) {
	_, gatherer, err := newTelemetryCollector(config.TelemetryConfig{})
	require.NoError(t, err)
	require.Nil(t, gatherer)

	_, gatherer, err = newTelemetryCollector(config.TelemetryConfig{Enabled: true, Provider: "Prometheus"})
	require.NoError(t, err)
	require.NotNil(t, gatherer)

	_, _, err = newTelemetryCollector(config.TelemetryConfig{Enabled: true, Provider: "statsd"})
	require.Error(t, err)
}

func TestExecuteHealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer ts.Close()

	require.NoError(t, executeHealthCheck(ts.Listener.Addr().String()))

	_, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	require.NoError(t, executeHealthCheck(":"+port))
	require.Error(t, executeHealthCheck("not an address"))
}

func TestExecuteConfigCheck(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	require.Equal(t, 0, executeConfigCheck(cfg))

	cfg.Library.Driver = "usb"
	require.Equal(t, 1, executeConfigCheck(cfg))
}
