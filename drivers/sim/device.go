package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/timzifer/aardvark/adapter"
	"github.com/timzifer/aardvark/config"
)

var (
	errI2CDisabled = errors.New("sim: i2c interface disabled")
	errSPIDisabled = errors.New("sim: spi interface disabled")
)

type target struct {
	mem []byte
	ptr int
}

func (t *target) write(data []byte) {
	if len(data) == 0 {
		return
	}
	t.ptr = int(data[0]) % len(t.mem)
	for _, b := range data[1:] {
		t.mem[t.ptr] = b
		t.ptr = (t.ptr + 1) % len(t.mem)
	}
}

func (t *target) read(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = t.mem[t.ptr]
		t.ptr = (t.ptr + 1) % len(t.mem)
	}
	return out
}

// State is a snapshot of the configuration of a simulated device.
type State struct {
	Port        int
	Serial      string
	I2CBitrate  int
	SPIBitrate  int
	I2CEnabled  bool
	SPIEnabled  bool
	SPIMode     adapter.SPIMode
	Pullups     bool
	TargetPower bool
	Closed      bool
}

// Device is one open simulated adapter.
type Device struct {
	driver *Driver
	port   int
	serial string

	mu      sync.Mutex
	state   State
	targets map[uint16]*target
	spiLast []byte
}

func newDevice(driver *Driver, cfg config.SimAdapterConfig) *Device {
	targets := make(map[uint16]*target, len(cfg.Targets))
	for _, t := range cfg.Targets {
		mem := make([]byte, t.Size)
		for i := range mem {
			mem[i] = fillByte
		}
		for i, v := range t.Data {
			mem[i] = byte(v)
		}
		targets[uint16(t.Address)] = &target{mem: mem}
	}
	return &Device{
		driver:  driver,
		port:    cfg.Port,
		serial:  cfg.Serial,
		state:   State{Port: cfg.Port, Serial: cfg.Serial, SPIMode: adapter.SPIMode0},
		targets: targets,
	}
}

// State returns a snapshot of the device configuration.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Memory returns a copy of the register memory of the target at addr.
func (d *Device) Memory(addr uint16) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.targets[addr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), t.mem...), true
}

func (d *Device) check() error {
	if d.state.Closed {
		return adapter.ErrClosed
	}
	return nil
}

// SetI2CBitrate implements adapter.Device.
func (d *Device) SetI2CBitrate(khz int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	d.state.I2CBitrate = clamp(khz, minI2CBitrate, maxI2CBitrate)
	return d.state.I2CBitrate, nil
}

// SetSPIBitrate implements adapter.Device.
func (d *Device) SetSPIBitrate(khz int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	d.state.SPIBitrate = clamp(khz, minSPIBitrate, maxSPIBitrate)
	return d.state.SPIBitrate, nil
}

// EnableI2C implements adapter.Device.
func (d *Device) EnableI2C(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.state.I2CEnabled = enable
	return nil
}

// EnableSPI implements adapter.Device.
func (d *Device) EnableSPI(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.state.SPIEnabled = enable
	return nil
}

// ConfigureSPI implements adapter.Device.
func (d *Device) ConfigureSPI(mode adapter.SPIMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if !mode.Valid() {
		return fmt.Errorf("sim: invalid spi mode %d", mode)
	}
	d.state.SPIMode = mode
	return nil
}

// SetI2CPullups implements adapter.Device.
func (d *Device) SetI2CPullups(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.state.Pullups = enable
	return nil
}

// SetTargetPower implements adapter.Device.
func (d *Device) SetTargetPower(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.state.TargetPower = enable
	return nil
}

func (d *Device) i2cTarget(ctx context.Context, addr uint16) (*target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.check(); err != nil {
		return nil, err
	}
	if !d.state.I2CEnabled {
		return nil, errI2CDisabled
	}
	t, ok := d.targets[addr]
	if !ok {
		return nil, fmt.Errorf("%w: address 0x%02x", adapter.ErrNACK, addr)
	}
	return t, nil
}

// I2CRead implements adapter.Device.
func (d *Device) I2CRead(ctx context.Context, addr uint16, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("sim: invalid read length %d", length)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.i2cTarget(ctx, addr)
	if err != nil {
		return nil, err
	}
	return t.read(length), nil
}

// I2CWrite implements adapter.Device.
func (d *Device) I2CWrite(ctx context.Context, addr uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.i2cTarget(ctx, addr)
	if err != nil {
		return err
	}
	t.write(data)
	return nil
}

// I2CWriteRead implements adapter.Device.
func (d *Device) I2CWriteRead(ctx context.Context, addr uint16, data []byte, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("sim: invalid read length %d", length)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.i2cTarget(ctx, addr)
	if err != nil {
		return nil, err
	}
	t.write(data)
	return t.read(length), nil
}

// SPITransfer implements adapter.Device. The returned frame is the previous
// frame clocked out, padded with 0xff.
func (d *Device) SPITransfer(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	if !d.state.SPIEnabled {
		return nil, errSPIDisabled
	}
	out := make([]byte, len(data))
	for i := range out {
		if i < len(d.spiLast) {
			out[i] = d.spiLast[i]
		} else {
			out[i] = fillByte
		}
	}
	d.spiLast = append(d.spiLast[:0], data...)
	return out, nil
}

// Close implements adapter.Device. Closing twice returns adapter.ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.state.Closed {
		d.mu.Unlock()
		return adapter.ErrClosed
	}
	d.state.Closed = true
	d.mu.Unlock()
	d.driver.release(d)
	return nil
}
