package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/aardvark/adapter"
	"github.com/timzifer/aardvark/config"
	"github.com/timzifer/aardvark/drivers/periph"
	"github.com/timzifer/aardvark/drivers/sim"
	"github.com/timzifer/aardvark/internal/logging"
	"github.com/timzifer/aardvark/internal/reload"
	"github.com/timzifer/aardvark/library"
	"github.com/timzifer/aardvark/remote"
	"github.com/timzifer/aardvark/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file (.cue, .json, .yaml); schema defaults when empty")
	listen := flag.String("listen", "", "Listen address, overrides server.listen")
	healthcheck := flag.Bool("healthcheck", false, "Query the health endpoint of a running server and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	if *healthcheck {
		if err := executeHealthCheck(cfg.Server.Listen); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("remote server stopped with error")
	}
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(path) == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	collector, gatherer, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		collector, gatherer = telemetry.Noop(), nil
	}

	drivers, err := newDriverRegistry(cfg, logger)
	if err != nil {
		return err
	}
	driver, err := drivers.Open(cfg.Library.Driver)
	if err != nil {
		return fmt.Errorf("open driver: %w", err)
	}

	lib, err := library.New(driver, cfg.Library,
		library.WithLogger(logger.With().Str("component", "library").Logger()),
		library.WithCollector(collector),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := lib.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close adapters")
		}
	}()

	opts := []remote.Option{
		remote.WithLogger(logger),
		remote.WithCollector(collector),
		remote.WithAllowStop(cfg.Server.AllowStop),
	}
	if gatherer != nil {
		opts = append(opts, remote.WithMetrics(gatherer))
	}
	srv, err := remote.NewServer(lib, opts...)
	if err != nil {
		return err
	}

	if cfg.HotReload {
		watcher, err := reload.NewWatcher(cfg)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		go watchConfig(ctx, watcher, cfg, lib, collector, logger)
	}

	logger.Info().Str("driver", driver.Name()).Str("listen", cfg.Server.Listen).Msg("starting aardvark remote server")
	return srv.ListenAndServe(ctx, cfg.Server.Listen)
}

// watchConfig polls the configuration source once per second and applies
// library defaults from changed files. Other settings need a restart.
func watchConfig(ctx context.Context, watcher *reload.Watcher, cfg *config.Config, lib *library.Library, collector telemetry.Collector, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	current := cfg
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changes, err := watcher.Check()
		if err != nil {
			logger.Error().Err(err).Msg("failed to check configuration changes")
			continue
		}
		if len(changes) == 0 {
			continue
		}
		next, err := applyReload(current, lib, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to reload configuration")
			continue
		}
		if err := watcher.Update(next); err != nil {
			logger.Error().Err(err).Msg("failed to update watcher state")
		}
		for _, file := range changes {
			collector.IncHotReload(file)
		}
		current = next
	}
}

func applyReload(current *config.Config, lib *library.Library, logger zerolog.Logger) (*config.Config, error) {
	next, err := loadConfig(current.Source)
	if err != nil {
		return nil, err
	}
	if err := lib.SetDefaults(next.Library); err != nil {
		return nil, err
	}
	if next.Library.Driver != current.Library.Driver {
		logger.Warn().Str("driver", next.Library.Driver).Msg("driver change takes effect after restart")
	}
	if next.Server != current.Server {
		logger.Warn().Msg("server settings take effect after restart")
	}
	logger.Info().
		Int("i2c_bitrate", next.Library.I2CBitrate).
		Int("spi_bitrate", next.Library.SPIBitrate).
		Int("spi_mode", next.Library.SPIMode).
		Msg("configuration reloaded")
	return next, nil
}

func newDriverRegistry(cfg *config.Config, logger zerolog.Logger) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()
	if err := registry.Register(sim.DriverName, sim.NewFactory(cfg.Sim, logger.With().Str("driver", sim.DriverName).Logger())); err != nil {
		return nil, err
	}
	if err := registry.Register(periph.DriverName, periph.NewFactory(cfg.Periph, logger.With().Str("driver", periph.DriverName).Logger())); err != nil {
		return nil, err
	}
	return registry, nil
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, prometheus.Gatherer, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil, nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, nil, err
		}
		return collector, prometheus.DefaultGatherer, nil
	default:
		return telemetry.Noop(), nil, fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func executeHealthCheck(listen string) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func executeConfigCheck(cfg *config.Config) int {
	source := cfg.Source
	if source == "" {
		source = "<defaults>"
	}
	fmt.Printf("Configuration %s\n", source)
	fmt.Printf("  Driver: %s\n", cfg.Library.Driver)
	fmt.Printf("  I2C bitrate: %d kHz\n", cfg.Library.I2CBitrate)
	fmt.Printf("  SPI bitrate: %d kHz\n", cfg.Library.SPIBitrate)
	fmt.Printf("  SPI mode: %d\n", cfg.Library.SPIMode)
	fmt.Printf("  Listen: %s\n", cfg.Server.Listen)

	drivers, err := newDriverRegistry(cfg, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	known := false
	for _, name := range drivers.Names() {
		if strings.EqualFold(name, cfg.Library.Driver) {
			known = true
		}
	}
	if !known {
		fmt.Fprintf(os.Stderr, "configuration invalid: unknown driver %q (available: %s)\n", cfg.Library.Driver, strings.Join(drivers.Names(), ", "))
		return 1
	}

	switch strings.ToLower(cfg.Library.Driver) {
	case sim.DriverName:
		if _, err := sim.New(cfg.Sim, zerolog.Nop()); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return 1
		}
		fmt.Printf("  Simulated adapters: %d\n", max(len(cfg.Sim.Adapters), 1))
	case periph.DriverName:
		fmt.Printf("  I2C buses: %s\n", strings.Join(cfg.Periph.I2CBus, ", "))
		fmt.Printf("  SPI ports: %s\n", strings.Join(cfg.Periph.SPIPort, ", "))
	}

	fmt.Println("Configuration check completed successfully.")
	return 0
}
