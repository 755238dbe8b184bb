// Package periph drives I2C buses and SPI ports of the host through
// periph.io. Adapter port N maps to entry N of the configured bus lists.
package periph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/timzifer/aardvark/adapter"
	"github.com/timzifer/aardvark/config"
)

// DriverName is the name the driver is registered under.
const DriverName = "periph"

type openers struct {
	init    func() error
	openI2C func(name string) (i2c.BusCloser, error)
	openSPI func(name string) (spi.PortCloser, error)
}

func hostOpeners() openers {
	return openers{
		init: func() error {
			_, err := host.Init()
			return err
		},
		openI2C: i2creg.Open,
		openSPI: spireg.Open,
	}
}

// Driver opens host buses as adapters.
type Driver struct {
	cfg     config.PeriphConfig
	logger  zerolog.Logger
	openers openers

	initOnce sync.Once
	initErr  error

	mu   sync.Mutex
	open map[int]*Device
}

// New creates a driver using the host's registered buses.
func New(cfg config.PeriphConfig, logger zerolog.Logger) *Driver {
	return newDriver(cfg, logger, hostOpeners())
}

func newDriver(cfg config.PeriphConfig, logger zerolog.Logger, o openers) *Driver {
	return &Driver{cfg: cfg, logger: logger, openers: o, open: make(map[int]*Device)}
}

// NewFactory returns a factory for adapter registries.
func NewFactory(cfg config.PeriphConfig, logger zerolog.Logger) adapter.Factory {
	return func() (adapter.Driver, error) {
		return New(cfg, logger), nil
	}
}

// Name implements adapter.Driver.
func (d *Driver) Name() string { return DriverName }

// Open implements adapter.Driver.
func (d *Driver) Open(ctx context.Context, req adapter.OpenRequest) (adapter.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Serial != "" {
		return nil, fmt.Errorf("%w: host buses have no serial numbers (%s)", adapter.ErrDeviceNotFound, req)
	}
	d.initOnce.Do(func() {
		if err := d.openers.init(); err != nil {
			d.initErr = fmt.Errorf("periph: initialise host drivers: %w", err)
		}
	})
	if d.initErr != nil {
		return nil, d.initErr
	}

	i2cName := lookup(d.cfg.I2CBus, req.Port)
	spiName := lookup(d.cfg.SPIPort, req.Port)
	if i2cName == "" && spiName == "" {
		return nil, fmt.Errorf("%w: %s", adapter.ErrDeviceNotFound, req)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.open[req.Port]; busy {
		return nil, fmt.Errorf("%w: port %d", adapter.ErrBusy, req.Port)
	}

	dev := &Device{driver: d, port: req.Port, mode: spi.Mode0}
	if i2cName != "" {
		bus, err := d.openers.openI2C(i2cName)
		if err != nil {
			return nil, fmt.Errorf("periph: open i2c bus %s: %w", i2cName, err)
		}
		dev.bus = bus
	}
	if spiName != "" {
		port, err := d.openers.openSPI(spiName)
		if err != nil {
			if dev.bus != nil {
				_ = dev.bus.Close()
			}
			return nil, fmt.Errorf("periph: open spi port %s: %w", spiName, err)
		}
		dev.spiPort = port
	}
	d.open[req.Port] = dev
	d.logger.Debug().Int("port", req.Port).Str("i2c", i2cName).Str("spi", spiName).Msg("periph adapter opened")
	return dev, nil
}

func (d *Driver) release(dev *Device) {
	d.mu.Lock()
	if d.open[dev.port] == dev {
		delete(d.open, dev.port)
	}
	d.mu.Unlock()
}

func lookup(names []string, port int) string {
	if port < 0 || port >= len(names) {
		return ""
	}
	return names[port]
}

// Device is a pair of host buses opened as one adapter.
type Device struct {
	driver *Driver
	port   int

	mu         sync.Mutex
	bus        i2c.BusCloser
	spiPort    spi.PortCloser
	spiConn    spi.Conn
	spiKHz     int
	mode       spi.Mode
	i2cEnabled bool
	spiEnabled bool
	closed     bool
}

var errNoI2C = fmt.Errorf("%w: no i2c bus configured for this port", adapter.ErrNotSupported)
var errNoSPI = fmt.Errorf("%w: no spi port configured for this port", adapter.ErrNotSupported)

// SetI2CBitrate implements adapter.Device.
func (d *Device) SetI2CBitrate(khz int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, adapter.ErrClosed
	}
	if d.bus == nil {
		return 0, errNoI2C
	}
	if khz <= 0 {
		return 0, fmt.Errorf("periph: invalid i2c bitrate %d kHz", khz)
	}
	if err := d.bus.SetSpeed(physic.Frequency(khz) * physic.KiloHertz); err != nil {
		return 0, fmt.Errorf("periph: set i2c speed: %w", err)
	}
	return khz, nil
}

// SetSPIBitrate implements adapter.Device. The bitrate is applied when the
// port is connected on the first transfer and cannot change afterwards.
func (d *Device) SetSPIBitrate(khz int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, adapter.ErrClosed
	}
	if d.spiPort == nil {
		return 0, errNoSPI
	}
	if khz <= 0 {
		return 0, fmt.Errorf("periph: invalid spi bitrate %d kHz", khz)
	}
	if d.spiConn != nil && khz != d.spiKHz {
		return 0, errors.New("periph: spi bitrate cannot change after the first transfer")
	}
	d.spiKHz = khz
	return khz, nil
}

// EnableI2C implements adapter.Device.
func (d *Device) EnableI2C(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return adapter.ErrClosed
	}
	if enable && d.bus == nil {
		return errNoI2C
	}
	d.i2cEnabled = enable
	return nil
}

// EnableSPI implements adapter.Device.
func (d *Device) EnableSPI(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return adapter.ErrClosed
	}
	if enable && d.spiPort == nil {
		return errNoSPI
	}
	d.spiEnabled = enable
	return nil
}

// ConfigureSPI implements adapter.Device.
func (d *Device) ConfigureSPI(mode adapter.SPIMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return adapter.ErrClosed
	}
	if d.spiPort == nil {
		return errNoSPI
	}
	if !mode.Valid() {
		return fmt.Errorf("periph: invalid spi mode %d", mode)
	}
	m := spi.Mode(mode)
	if d.spiConn != nil && m != d.mode {
		return errors.New("periph: spi mode cannot change after the first transfer")
	}
	d.mode = m
	return nil
}

// SetI2CPullups implements adapter.Device. Host buses have fixed pullups.
func (d *Device) SetI2CPullups(bool) error {
	return fmt.Errorf("%w: i2c pullups", adapter.ErrNotSupported)
}

// SetTargetPower implements adapter.Device. Host buses cannot switch target power.
func (d *Device) SetTargetPower(bool) error {
	return fmt.Errorf("%w: target power", adapter.ErrNotSupported)
}

func (d *Device) i2cBus(ctx context.Context) (i2c.Bus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.closed {
		return nil, adapter.ErrClosed
	}
	if d.bus == nil {
		return nil, errNoI2C
	}
	if !d.i2cEnabled {
		return nil, errors.New("periph: i2c interface disabled")
	}
	return d.bus, nil
}

// I2CRead implements adapter.Device.
func (d *Device) I2CRead(ctx context.Context, addr uint16, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bus, err := d.i2cBus(ctx)
	if err != nil {
		return nil, err
	}
	r := make([]byte, length)
	if err := bus.Tx(addr, nil, r); err != nil {
		return nil, err
	}
	return r, nil
}

// I2CWrite implements adapter.Device.
func (d *Device) I2CWrite(ctx context.Context, addr uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bus, err := d.i2cBus(ctx)
	if err != nil {
		return err
	}
	return bus.Tx(addr, data, nil)
}

// I2CWriteRead implements adapter.Device. The write and the read are issued
// as one transaction with a repeated start.
func (d *Device) I2CWriteRead(ctx context.Context, addr uint16, data []byte, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bus, err := d.i2cBus(ctx)
	if err != nil {
		return nil, err
	}
	r := make([]byte, length)
	if err := bus.Tx(addr, data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SPITransfer implements adapter.Device.
func (d *Device) SPITransfer(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, adapter.ErrClosed
	}
	if d.spiPort == nil {
		return nil, errNoSPI
	}
	if !d.spiEnabled {
		return nil, errors.New("periph: spi interface disabled")
	}
	if d.spiConn == nil {
		khz := d.spiKHz
		if khz <= 0 {
			khz = 100
		}
		c, err := d.spiPort.Connect(physic.Frequency(khz)*physic.KiloHertz, d.mode, 8)
		if err != nil {
			return nil, fmt.Errorf("periph: connect spi port: %w", err)
		}
		d.spiConn = c
		d.spiKHz = khz
	}
	r := make([]byte, len(data))
	if err := d.spiConn.Tx(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Close implements adapter.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return adapter.ErrClosed
	}
	d.closed = true
	var errs []error
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close i2c bus: %w", err))
		}
	}
	if d.spiPort != nil {
		if err := d.spiPort.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close spi port: %w", err))
		}
	}
	d.mu.Unlock()
	d.driver.release(d)
	return errors.Join(errs...)
}
