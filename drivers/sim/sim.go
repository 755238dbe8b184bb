// Package sim implements simulated host adapters. Every adapter carries a set
// of virtual I2C targets backed by register memory and answers SPI transfers
// with the previously clocked frame, which is enough to exercise keyword
// suites without hardware attached.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/aardvark/adapter"
	"github.com/timzifer/aardvark/config"
)

const (
	// DriverName is the name the driver is registered under.
	DriverName = "sim"

	defaultSerial = "2237-000001"
	defaultTarget = 0x50

	minI2CBitrate = 1
	maxI2CBitrate = 800
	minSPIBitrate = 125
	maxSPIBitrate = 8000

	fillByte = 0xff
)

// Driver opens simulated adapters.
type Driver struct {
	logger zerolog.Logger

	mu       sync.Mutex
	adapters []config.SimAdapterConfig
	open     map[int]*Device
}

// New builds a driver for the configured adapters. Without configured
// adapters a single adapter on port 0 with an EEPROM-like target at 0x50 is
// provided.
func New(cfg config.SimConfig, logger zerolog.Logger) (*Driver, error) {
	adapters := append([]config.SimAdapterConfig(nil), cfg.Adapters...)
	if len(adapters) == 0 {
		adapters = []config.SimAdapterConfig{{
			Port:    0,
			Serial:  defaultSerial,
			Targets: []config.SimTargetConfig{{Address: defaultTarget, Size: 256}},
		}}
	}
	for _, a := range adapters {
		for _, t := range a.Targets {
			if t.Address < 0 || t.Address > 0x7f {
				return nil, fmt.Errorf("sim: adapter %d: invalid target address 0x%02x", a.Port, t.Address)
			}
			if t.Size <= 0 || len(t.Data) > t.Size {
				return nil, fmt.Errorf("sim: adapter %d: target 0x%02x: invalid size %d", a.Port, t.Address, t.Size)
			}
		}
	}
	return &Driver{
		logger:   logger,
		adapters: adapters,
		open:     make(map[int]*Device),
	}, nil
}

// NewFactory returns a factory for adapter registries.
func NewFactory(cfg config.SimConfig, logger zerolog.Logger) adapter.Factory {
	return func() (adapter.Driver, error) {
		return New(cfg, logger)
	}
}

// Name implements adapter.Driver.
func (d *Driver) Name() string { return DriverName }

// Open implements adapter.Driver.
func (d *Driver) Open(ctx context.Context, req adapter.OpenRequest) (adapter.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var found *config.SimAdapterConfig
	for i := range d.adapters {
		a := &d.adapters[i]
		if (req.Serial != "" && a.Serial == req.Serial) || (req.Serial == "" && a.Port == req.Port) {
			found = a
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrDeviceNotFound, req)
	}
	if _, busy := d.open[found.Port]; busy {
		return nil, fmt.Errorf("%w: port %d", adapter.ErrBusy, found.Port)
	}

	dev := newDevice(d, *found)
	d.open[found.Port] = dev
	d.logger.Debug().Int("port", found.Port).Str("serial", found.Serial).Msg("sim adapter opened")
	return dev, nil
}

// Device returns the open device on port, if any.
func (d *Driver) Device(port int) (*Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.open[port]
	return dev, ok
}

// OpenPorts returns the ports of all open devices in ascending order.
func (d *Driver) OpenPorts() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ports := make([]int, 0, len(d.open))
	for port := range d.open {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

func (d *Driver) release(dev *Device) {
	d.mu.Lock()
	if d.open[dev.port] == dev {
		delete(d.open, dev.port)
	}
	d.mu.Unlock()
	d.logger.Debug().Int("port", dev.port).Msg("sim adapter closed")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
