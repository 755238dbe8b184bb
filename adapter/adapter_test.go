package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubDriver struct{ name string }

func (d stubDriver) Name() string { return d.name }

func (d stubDriver) Open(context.Context, OpenRequest) (Device, error) {
	return nil, ErrDeviceNotFound
}

func TestRegistryOpensByName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("Sim", func() (Driver, error) { return stubDriver{name: "sim"}, nil }))
	require.NoError(t, reg.Register("periph", func() (Driver, error) { return nil, errors.New("no host") }))

	drv, err := reg.Open(" SIM ")
	require.NoError(t, err)
	require.Equal(t, "sim", drv.Name())

	_, err = reg.Open("periph")
	require.EqualError(t, err, "no host")

	_, err = reg.Open("usb")
	require.ErrorContains(t, err, "available: periph, sim")
	require.Equal(t, []string{"periph", "sim"}, reg.Names())
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	reg := NewRegistry()
	factory := func() (Driver, error) { return stubDriver{}, nil }
	require.Error(t, reg.Register(" ", factory))
	require.Error(t, reg.Register("sim", nil))
	require.NoError(t, reg.Register("sim", factory))
	require.Error(t, reg.Register("SIM", factory))
}

func TestOpenRequestString(t *testing.T) {
	require.Equal(t, "port 2", OpenRequest{Port: 2}.String())
	require.Equal(t, "serial 2237-000001", OpenRequest{Serial: "2237-000001"}.String())
}

func TestSPIModeValid(t *testing.T) {
	require.True(t, SPIMode3.Valid())
	require.False(t, SPIMode(4).Valid())
	require.False(t, SPIMode(-1).Valid())
}
