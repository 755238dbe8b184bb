// Package library implements the Aardvark keywords: opening, selecting and
// closing adapters, configuring them and performing I2C and SPI transfers.
//
// Keywords log through the logger stored in the context (zerolog.Ctx) so a
// caller can capture the messages of a single keyword run. Without one the
// library logger is used.
package library

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/aardvark/adapter"
	"github.com/timzifer/aardvark/args"
	"github.com/timzifer/aardvark/config"
	"github.com/timzifer/aardvark/runtime/connections"
	"github.com/timzifer/aardvark/telemetry"
)

const maxI2CAddress = 0x3ff

// Library owns the adapter cache and the defaults applied to new adapters.
// Keyword methods are not safe for concurrent use; the cache and defaults are.
type Library struct {
	driver    adapter.Driver
	cache     *connections.Cache[adapter.Device]
	logger    zerolog.Logger
	collector telemetry.Collector

	mu       sync.RWMutex
	defaults config.LibraryConfig
}

// Option customises a Library.
type Option func(*Library)

// WithLogger provides the logger used when the context carries none.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Library) {
		l.logger = logger
	}
}

// WithCollector installs a telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(l *Library) {
		if collector != nil {
			l.collector = collector
		}
	}
}

// New creates a library opening adapters through driver.
func New(driver adapter.Driver, defaults config.LibraryConfig, opts ...Option) (*Library, error) {
	if driver == nil {
		return nil, errors.New("library: driver must not be nil")
	}
	l := &Library{
		driver:    driver,
		cache:     connections.NewCache[adapter.Device](),
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if err := l.SetDefaults(defaults); err != nil {
		return nil, err
	}
	return l, nil
}

// SetDefaults replaces the bitrates and SPI mode applied to adapters opened
// from now on. Zero bitrates fall back to 100 kHz.
func (l *Library) SetDefaults(defaults config.LibraryConfig) error {
	if defaults.I2CBitrate == 0 {
		defaults.I2CBitrate = 100
	}
	if defaults.SPIBitrate == 0 {
		defaults.SPIBitrate = 100
	}
	if defaults.I2CBitrate < 0 || defaults.SPIBitrate < 0 {
		return fmt.Errorf("library: bitrates must be positive (i2c %d, spi %d)", defaults.I2CBitrate, defaults.SPIBitrate)
	}
	if !adapter.SPIMode(defaults.SPIMode).Valid() {
		return fmt.Errorf("library: invalid spi mode %d", defaults.SPIMode)
	}
	l.mu.Lock()
	l.defaults = defaults
	l.mu.Unlock()
	return nil
}

// Defaults returns the settings applied to new adapters.
func (l *Library) Defaults() config.LibraryConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.defaults
}

// Driver returns the driver adapters are opened with.
func (l *Library) Driver() adapter.Driver {
	return l.driver
}

// CurrentIndex returns the index of the selected adapter, 0 if none.
func (l *Library) CurrentIndex() int {
	return l.cache.CurrentIndex()
}

// Close closes every open adapter. It is the teardown counterpart of New.
func (l *Library) Close() error {
	err := l.cache.CloseAll()
	l.collector.SetOpenAdapters(0)
	return err
}

func (l *Library) log(ctx context.Context) *zerolog.Logger {
	if logger := zerolog.Ctx(ctx); logger.GetLevel() != zerolog.Disabled {
		return logger
	}
	return &l.logger
}

func (l *Library) current() (adapter.Device, error) {
	dev, _, err := l.cache.Current()
	return dev, err
}

// OpenAdapter opens the adapter identified by portOrSerial, applies the
// default configuration and registers it under the optional alias. Text
// containing a dash is a serial number (NNNN-NNNNNN), anything else a port.
// The new adapter becomes current and its index is returned.
func (l *Library) OpenAdapter(ctx context.Context, portOrSerial args.Value, alias string) (int, error) {
	req, err := openRequest(portOrSerial)
	if err != nil {
		return 0, err
	}
	if req.Serial != "" {
		l.log(ctx).Info().Msgf("Opening Aardvark adapter with serial %s", req.Serial)
	} else {
		l.log(ctx).Info().Msgf("Opening Aardvark adapter on port %d", req.Port)
	}

	dev, err := l.driver.Open(ctx, req)
	if err != nil {
		return 0, err
	}
	if err := l.configure(ctx, dev, l.Defaults()); err != nil {
		_ = dev.Close()
		return 0, err
	}
	index, err := l.cache.Register(dev, alias)
	if err != nil {
		_ = dev.Close()
		return 0, err
	}
	l.collector.SetOpenAdapters(l.cache.Open())
	return index, nil
}

func openRequest(v args.Value) (adapter.OpenRequest, error) {
	if text, ok := v.AsText(); ok && strings.Contains(text, "-") {
		return adapter.OpenRequest{Serial: strings.TrimSpace(text)}, nil
	}
	port, err := args.ParseInteger(v, 10)
	if err != nil {
		return adapter.OpenRequest{}, err
	}
	if port < 0 {
		return adapter.OpenRequest{}, fmt.Errorf("invalid port %d", port)
	}
	return adapter.OpenRequest{Port: int(port)}, nil
}

// configure applies the defaults to a freshly opened device. Settings the
// device does not support are skipped with a warning.
func (l *Library) configure(ctx context.Context, dev adapter.Device, defaults config.LibraryConfig) error {
	steps := []struct {
		name  string
		apply func() error
	}{
		{"i2c bitrate", func() error { _, err := dev.SetI2CBitrate(defaults.I2CBitrate); return err }},
		{"spi bitrate", func() error { _, err := dev.SetSPIBitrate(defaults.SPIBitrate); return err }},
		{"enable i2c", func() error { return dev.EnableI2C(true) }},
		{"enable spi", func() error { return dev.EnableSPI(true) }},
		{"spi mode", func() error { return dev.ConfigureSPI(adapter.SPIMode(defaults.SPIMode)) }},
	}
	for _, step := range steps {
		err := step.apply()
		if err == nil {
			continue
		}
		if errors.Is(err, adapter.ErrNotSupported) {
			l.log(ctx).Warn().Err(err).Str("setting", step.name).Msg("adapter setting skipped")
			continue
		}
		return err
	}
	return nil
}

// SwitchAdapter selects a previously opened adapter by alias or index and
// returns the index that was current before. 0 means none was.
func (l *Library) SwitchAdapter(ctx context.Context, indexOrAlias args.Value) (int, error) {
	ref := indexOrAlias.String()
	previous, err := l.cache.Switch(ref)
	if err != nil {
		return 0, err
	}
	l.log(ctx).Info().Msgf("Switched to Aardvark adapter %s (previous index %d).", ref, previous)
	return previous, nil
}

// CloseAllAdapters closes every open adapter, empties the cache and resets
// the index counter so the next adapter opened gets index 1 again.
func (l *Library) CloseAllAdapters(ctx context.Context) error {
	l.log(ctx).Info().Msg("Closing all Aardvark adapters.")
	return l.Close()
}

// CloseAdapter closes the current adapter. Its index is not handed out again
// until CloseAllAdapters and it can no longer be selected.
func (l *Library) CloseAdapter(ctx context.Context) error {
	index := l.cache.CurrentIndex()
	if index == 0 {
		return connections.ErrNoConnection
	}
	l.log(ctx).Info().Msgf("Closing Aardvark adapter %d.", index)
	_, err := l.cache.Close()
	l.collector.SetOpenAdapters(l.cache.Open())
	return err
}

func parseBitrate(v args.Value) (int, error) {
	khz, err := args.ParseInteger(v, 0)
	if err != nil {
		return 0, err
	}
	if khz <= 0 || khz > 1<<31-1 {
		return 0, fmt.Errorf("invalid bitrate %d kHz", khz)
	}
	return int(khz), nil
}

// SetI2CBitrate sets the I2C bitrate of the current adapter in kHz and
// returns the bitrate the adapter actually uses.
func (l *Library) SetI2CBitrate(ctx context.Context, khz args.Value) (int, error) {
	requested, err := parseBitrate(khz)
	if err != nil {
		return 0, err
	}
	dev, err := l.current()
	if err != nil {
		return 0, err
	}
	actual, err := dev.SetI2CBitrate(requested)
	if err != nil {
		return 0, err
	}
	l.log(ctx).Info().Msgf("I2C bitrate set to %d kHz.", actual)
	return actual, nil
}

// SetSPIBitrate sets the SPI bitrate of the current adapter in kHz and
// returns the bitrate the adapter actually uses.
func (l *Library) SetSPIBitrate(ctx context.Context, khz args.Value) (int, error) {
	requested, err := parseBitrate(khz)
	if err != nil {
		return 0, err
	}
	dev, err := l.current()
	if err != nil {
		return 0, err
	}
	actual, err := dev.SetSPIBitrate(requested)
	if err != nil {
		return 0, err
	}
	l.log(ctx).Info().Msgf("SPI bitrate set to %d kHz.", actual)
	return actual, nil
}

// EnableI2CPullups enables or disables the I2C pullup resistors.
func (l *Library) EnableI2CPullups(ctx context.Context, enable bool) error {
	dev, err := l.current()
	if err != nil {
		return err
	}
	if enable {
		l.log(ctx).Info().Msg("Enabling I2C pullup resistors.")
	} else {
		l.log(ctx).Info().Msg("Disabling I2C pullup resistors.")
	}
	return dev.SetI2CPullups(enable)
}

// EnableTargetPower enables or disables the target power supply.
func (l *Library) EnableTargetPower(ctx context.Context, enable bool) error {
	dev, err := l.current()
	if err != nil {
		return err
	}
	if enable {
		l.log(ctx).Info().Msg("Enabling target power.")
	} else {
		l.log(ctx).Info().Msg("Disabling target power.")
	}
	return dev.SetTargetPower(enable)
}

func parseAddress(v args.Value) (uint16, error) {
	addr, err := args.ParseInteger(v, 0)
	if err != nil {
		return 0, err
	}
	if addr < 0 || addr > maxI2CAddress {
		return 0, fmt.Errorf("invalid i2c address 0x%x", addr)
	}
	return uint16(addr), nil
}

func parseLength(v args.Value) (int, error) {
	n, err := args.ParseInteger(v, 0)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 1<<16 {
		return 0, fmt.Errorf("invalid length %d", n)
	}
	return int(n), nil
}

func parseData(values []args.Value) ([]byte, error) {
	ns, err := args.DataArguments(values)
	if err != nil {
		return nil, err
	}
	return args.Bytes(ns)
}

// I2CMasterRead reads length bytes from the I2C target at address.
func (l *Library) I2CMasterRead(ctx context.Context, address, length args.Value) ([]byte, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	n, err := parseLength(length)
	if err != nil {
		return nil, err
	}
	dev, err := l.current()
	if err != nil {
		return nil, err
	}
	data, err := dev.I2CRead(ctx, addr, n)
	if err != nil {
		return nil, err
	}
	l.collector.AddTransferredBytes("i2c", "read", len(data))
	l.log(ctx).Info().Msgf("Read %d bytes from %02xh: %s", n, addr, FormatBytes(data))
	return data, nil
}

// I2CMasterWrite writes data to the I2C target at address. Data is a single
// byte, a whitespace separated list of bytes, a list, or one byte per argument.
func (l *Library) I2CMasterWrite(ctx context.Context, address args.Value, data ...args.Value) error {
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	payload, err := parseData(data)
	if err != nil {
		return err
	}
	dev, err := l.current()
	if err != nil {
		return err
	}
	l.log(ctx).Info().Msgf("Writing %d bytes to %02xh: %s", len(payload), addr, FormatBytes(payload))
	if err := dev.I2CWrite(ctx, addr, payload); err != nil {
		return err
	}
	l.collector.AddTransferredBytes("i2c", "write", len(payload))
	return nil
}

// I2CMasterWriteRead writes data to the I2C target at address and then reads
// length bytes from it.
func (l *Library) I2CMasterWriteRead(ctx context.Context, address, length args.Value, data ...args.Value) ([]byte, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	n, err := parseLength(length)
	if err != nil {
		return nil, err
	}
	payload, err := parseData(data)
	if err != nil {
		return nil, err
	}
	dev, err := l.current()
	if err != nil {
		return nil, err
	}
	l.log(ctx).Info().Msgf("Writing %d bytes to %02xh: %s", len(payload), addr, FormatBytes(payload))
	read, err := dev.I2CWriteRead(ctx, addr, payload, n)
	if err != nil {
		return nil, err
	}
	l.collector.AddTransferredBytes("i2c", "write", len(payload))
	l.collector.AddTransferredBytes("i2c", "read", len(read))
	l.log(ctx).Info().Msgf("Read %d bytes from %02xh: %s", n, addr, FormatBytes(read))
	return read, nil
}

// SPITransfer clocks data out on the SPI bus and returns the bytes read back,
// which are as many as were written.
func (l *Library) SPITransfer(ctx context.Context, data ...args.Value) ([]byte, error) {
	payload, err := parseData(data)
	if err != nil {
		return nil, err
	}
	dev, err := l.current()
	if err != nil {
		return nil, err
	}
	l.log(ctx).Info().Msgf("Writing %d bytes: %s", len(payload), FormatBytes(payload))
	read, err := dev.SPITransfer(ctx, payload)
	if err != nil {
		return nil, err
	}
	l.collector.AddTransferredBytes("spi", "write", len(payload))
	l.collector.AddTransferredBytes("spi", "read", len(read))
	l.log(ctx).Info().Msgf("Read %d bytes: %s", len(read), FormatBytes(read))
	return read, nil
}

// FormatBytes renders data as lowercase two digit hex values separated by spaces.
func FormatBytes(data []byte) string {
	var b strings.Builder
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		if v < 0x10 {
			b.WriteByte('0')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 16))
	}
	return b.String()
}
