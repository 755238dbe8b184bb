// Package adapter defines the boundary between the keyword library and the
// drivers that talk to I2C/SPI host adapters.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotSupported is returned by devices lacking a requested feature.
	ErrNotSupported = errors.New("operation not supported by adapter")
	// ErrDeviceNotFound is returned when no adapter matches an open request.
	ErrDeviceNotFound = errors.New("adapter not found")
	// ErrBusy is returned when the requested adapter is already open.
	ErrBusy = errors.New("adapter busy")
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("adapter closed")
	// ErrNACK is returned when an I2C target does not acknowledge.
	ErrNACK = errors.New("i2c target did not acknowledge")
)

// SPIMode is the clock polarity/phase combination used for SPI transfers.
type SPIMode int

const (
	SPIMode0 SPIMode = iota
	SPIMode1
	SPIMode2
	SPIMode3
)

// Valid reports whether m is one of the four SPI modes.
func (m SPIMode) Valid() bool {
	return m >= SPIMode0 && m <= SPIMode3
}

// OpenRequest identifies the adapter to open. A non-empty Serial takes
// precedence over Port.
type OpenRequest struct {
	Port   int
	Serial string
}

func (r OpenRequest) String() string {
	if r.Serial != "" {
		return "serial " + r.Serial
	}
	return fmt.Sprintf("port %d", r.Port)
}

// Driver opens adapters.
type Driver interface {
	Name() string
	Open(ctx context.Context, req OpenRequest) (Device, error)
}

// Device is one open host adapter. Implementations do not need to be safe for
// concurrent use; callers serialize access.
type Device interface {
	// SetI2CBitrate sets the I2C bitrate in kHz and returns the bitrate
	// actually configured.
	SetI2CBitrate(khz int) (int, error)
	// SetSPIBitrate sets the SPI bitrate in kHz and returns the bitrate
	// actually configured.
	SetSPIBitrate(khz int) (int, error)
	EnableI2C(enable bool) error
	EnableSPI(enable bool) error
	ConfigureSPI(mode SPIMode) error
	SetI2CPullups(enable bool) error
	SetTargetPower(enable bool) error

	I2CRead(ctx context.Context, addr uint16, length int) ([]byte, error)
	I2CWrite(ctx context.Context, addr uint16, data []byte) error
	I2CWriteRead(ctx context.Context, addr uint16, data []byte, length int) ([]byte, error)
	// SPITransfer clocks data out and returns the same number of bytes read back.
	SPITransfer(ctx context.Context, data []byte) ([]byte, error)

	Close() error
}

// Factory constructs a driver.
type Factory func() (Driver, error)

// Registry maps driver names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Names are case-insensitive.
func (r *Registry) Register(name string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return errors.New("driver name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("driver %s: factory must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("driver %s already registered", key)
	}
	r.factories[key] = factory
	return nil
}

// Open constructs the driver registered under name.
func (r *Registry) Open(name string) (Driver, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	factory := r.factories[key]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("no driver registered for %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return factory()
}

// Names returns the registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
