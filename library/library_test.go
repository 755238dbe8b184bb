package library

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/aardvark/adapter"
	"github.com/timzifer/aardvark/args"
	"github.com/timzifer/aardvark/config"
	"github.com/timzifer/aardvark/drivers/sim"
	"github.com/timzifer/aardvark/runtime/connections"
)

type recordingCollector struct {
	bytes map[string]int
	open  int
}

func (r *recordingCollector) IncHotReload(string)                          {}
func (r *recordingCollector) ObserveKeyword(string, string, time.Duration) {}
func (r *recordingCollector) AddTransferredBytes(bus, direction string, count int) {
	if r.bytes == nil {
		r.bytes = make(map[string]int)
	}
	r.bytes[bus+"/"+direction] += count
}
func (r *recordingCollector) SetOpenAdapters(count int) { r.open = count }

func newSimLibrary(t *testing.T, opts ...Option) (*Library, *sim.Driver) {
	t.Helper()
	drv, err := sim.New(config.SimConfig{Adapters: []config.SimAdapterConfig{
		{Port: 0, Serial: "2237-000001", Targets: []config.SimTargetConfig{{Address: 0x50, Size: 16, Data: []int{0x10, 0x11, 0x12}}}},
		{Port: 1, Serial: "2237-000002"},
	}}, zerolog.Nop())
	require.NoError(t, err)
	lib, err := New(drv, config.LibraryConfig{Driver: sim.DriverName, I2CBitrate: 100, SPIBitrate: 1000, SPIMode: 3}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib, drv
}

// captureContext returns a context whose logger writes bare messages to buf.
func captureContext(buf *bytes.Buffer) context.Context {
	logger := zerolog.New(buf).Level(zerolog.InfoLevel)
	return logger.WithContext(context.Background())
}

func messages(buf *bytes.Buffer) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		idx := strings.Index(line, `"message":"`)
		if idx < 0 {
			continue
		}
		msg := line[idx+len(`"message":"`):]
		out = append(out, msg[:strings.LastIndex(msg, `"`)])
	}
	return out
}

func TestNewRejectsInvalidDefaults(t *testing.T) {
	drv, err := sim.New(config.SimConfig{}, zerolog.Nop())
	require.NoError(t, err)
	_, err = New(nil, config.LibraryConfig{})
	require.Error(t, err)
	_, err = New(drv, config.LibraryConfig{SPIMode: 5})
	require.Error(t, err)

	lib, err := New(drv, config.LibraryConfig{})
	require.NoError(t, err)
	require.Equal(t, 100, lib.Defaults().I2CBitrate)
	require.Equal(t, 100, lib.Defaults().SPIBitrate)
}

func TestOpenAdapterAppliesDefaults(t *testing.T) {
	lib, drv := newSimLibrary(t)
	var buf bytes.Buffer
	ctx := captureContext(&buf)

	index, err := lib.OpenAdapter(ctx, args.Text("0"), "")
	require.NoError(t, err)
	require.Equal(t, 1, index)
	require.Equal(t, []string{"Opening Aardvark adapter on port 0"}, messages(&buf))

	dev, ok := drv.Device(0)
	require.True(t, ok)
	state := dev.State()
	require.Equal(t, 100, state.I2CBitrate)
	require.Equal(t, 1000, state.SPIBitrate)
	require.True(t, state.I2CEnabled)
	require.True(t, state.SPIEnabled)
	require.Equal(t, adapter.SPIMode3, state.SPIMode)
}

func TestOpenAdapterBySerial(t *testing.T) {
	lib, drv := newSimLibrary(t)
	var buf bytes.Buffer
	ctx := captureContext(&buf)

	index, err := lib.OpenAdapter(ctx, args.Text("2237-000002"), "second")
	require.NoError(t, err)
	require.Equal(t, 1, index)
	require.Equal(t, []string{"Opening Aardvark adapter with serial 2237-000002"}, messages(&buf))
	require.Equal(t, []int{1}, drv.OpenPorts())
}

func TestOpenAdapterFailures(t *testing.T) {
	lib, drv := newSimLibrary(t)
	ctx := context.Background()

	_, err := lib.OpenAdapter(ctx, args.Text("zero"), "")
	require.ErrorIs(t, err, args.ErrParse)
	_, err = lib.OpenAdapter(ctx, args.Int(9), "")
	require.ErrorIs(t, err, adapter.ErrDeviceNotFound)

	_, err = lib.OpenAdapter(ctx, args.Int(0), "board")
	require.NoError(t, err)
	_, err = lib.OpenAdapter(ctx, args.Int(0), "")
	require.ErrorIs(t, err, adapter.ErrBusy)

	_, err = lib.OpenAdapter(ctx, args.Int(1), "Board")
	require.ErrorIs(t, err, connections.ErrAliasInUse)
	require.Equal(t, []int{0}, drv.OpenPorts(), "device must be closed when registering fails")
}

func TestSwitchAdapter(t *testing.T) {
	lib, _ := newSimLibrary(t)
	ctx := context.Background()

	first, err := lib.OpenAdapter(ctx, args.Int(0), "left")
	require.NoError(t, err)
	second, err := lib.OpenAdapter(ctx, args.Int(1), "right")
	require.NoError(t, err)
	require.Equal(t, 2, second)
	require.Equal(t, 2, lib.CurrentIndex())

	var buf bytes.Buffer
	previous, err := lib.SwitchAdapter(captureContext(&buf), args.Text("left"))
	require.NoError(t, err)
	require.Equal(t, second, previous)
	require.Equal(t, first, lib.CurrentIndex())
	require.Equal(t, []string{"Switched to Aardvark adapter left (previous index 2)."}, messages(&buf))

	previous, err = lib.SwitchAdapter(ctx, args.Int(2))
	require.NoError(t, err)
	require.Equal(t, first, previous)

	_, err = lib.SwitchAdapter(ctx, args.Text("middle"))
	require.ErrorIs(t, err, connections.ErrNotFound)
	require.EqualError(t, err, "Non-existing index or alias 'middle'.")
	require.Equal(t, 2, lib.CurrentIndex())
}

func TestCloseAdapterAndCloseAll(t *testing.T) {
	collector := &recordingCollector{}
	lib, drv := newSimLibrary(t, WithCollector(collector))
	ctx := context.Background()

	require.ErrorIs(t, lib.CloseAdapter(ctx), connections.ErrNoConnection)

	_, err := lib.OpenAdapter(ctx, args.Int(0), "")
	require.NoError(t, err)
	_, err = lib.OpenAdapter(ctx, args.Int(1), "")
	require.NoError(t, err)
	require.Equal(t, 2, collector.open)

	var buf bytes.Buffer
	require.NoError(t, lib.CloseAdapter(captureContext(&buf)))
	require.Equal(t, []string{"Closing Aardvark adapter 2."}, messages(&buf))
	require.Equal(t, []int{0}, drv.OpenPorts())
	require.Equal(t, 1, collector.open)

	_, err = lib.SwitchAdapter(ctx, args.Int(2))
	require.ErrorIs(t, err, connections.ErrClosed)

	buf.Reset()
	require.NoError(t, lib.CloseAllAdapters(captureContext(&buf)))
	require.Equal(t, []string{"Closing all Aardvark adapters."}, messages(&buf))
	require.Empty(t, drv.OpenPorts())
	require.Equal(t, 0, collector.open)

	index, err := lib.OpenAdapter(ctx, args.Int(1), "")
	require.NoError(t, err)
	require.Equal(t, 1, index, "indexes restart after closing all adapters")
}

func TestKeywordsWithoutAdapter(t *testing.T) {
	lib, _ := newSimLibrary(t)
	ctx := context.Background()

	_, err := lib.SetI2CBitrate(ctx, args.Int(100))
	require.EqualError(t, err, "No open connection.")
	_, err = lib.I2CMasterRead(ctx, args.Int(0x50), args.Int(1))
	require.ErrorIs(t, err, connections.ErrNoConnection)
	require.ErrorIs(t, lib.I2CMasterWrite(ctx, args.Int(0x50), args.Int(1)), connections.ErrNoConnection)
	_, err = lib.SPITransfer(ctx, args.Int(1))
	require.ErrorIs(t, err, connections.ErrNoConnection)
	require.ErrorIs(t, lib.EnableTargetPower(ctx, true), connections.ErrNoConnection)
}

func TestBitratesAndSwitches(t *testing.T) {
	lib, drv := newSimLibrary(t)
	ctx := context.Background()
	_, err := lib.OpenAdapter(ctx, args.Int(0), "")
	require.NoError(t, err)

	var buf bytes.Buffer
	khz, err := lib.SetI2CBitrate(captureContext(&buf), args.Text("0x190"))
	require.NoError(t, err)
	require.Equal(t, 400, khz)
	khz, err = lib.SetSPIBitrate(captureContext(&buf), args.Int(50))
	require.NoError(t, err)
	require.Equal(t, 125, khz, "bitrate is clamped by the adapter")
	_, err = lib.SetSPIBitrate(ctx, args.Int(0))
	require.Error(t, err)

	require.NoError(t, lib.EnableI2CPullups(captureContext(&buf), true))
	require.NoError(t, lib.EnableTargetPower(captureContext(&buf), false))
	require.Equal(t, []string{
		"I2C bitrate set to 400 kHz.",
		"SPI bitrate set to 125 kHz.",
		"Enabling I2C pullup resistors.",
		"Disabling target power.",
	}, messages(&buf))

	dev, _ := drv.Device(0)
	require.True(t, dev.State().Pullups)
	require.False(t, dev.State().TargetPower)
}

func TestI2CTransfers(t *testing.T) {
	collector := &recordingCollector{}
	lib, drv := newSimLibrary(t, WithCollector(collector))
	_, err := lib.OpenAdapter(context.Background(), args.Int(0), "")
	require.NoError(t, err)

	var buf bytes.Buffer
	ctx := captureContext(&buf)

	require.NoError(t, lib.I2CMasterWrite(ctx, args.Text("0x50"), args.Text("0x04 0xaa 0xbb")))
	dev, _ := drv.Device(0)
	mem, _ := dev.Memory(0x50)
	require.Equal(t, []byte{0xaa, 0xbb}, mem[4:6])

	data, err := lib.I2CMasterWriteRead(ctx, args.Int(0x50), args.Int(3), args.Int(0))
	require.NoError(t, err)
	require.Equal(t, []byte{0x10, 0x11, 0x12}, data)

	data, err = lib.I2CMasterRead(ctx, args.Int(0x50), args.Text("2"))
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xaa}, data)

	require.Equal(t, []string{
		"Writing 3 bytes to 50h: 04 aa bb",
		"Writing 1 bytes to 50h: 00",
		"Read 3 bytes from 50h: 10 11 12",
		"Read 2 bytes from 50h: ff aa",
	}, messages(&buf))
	require.Equal(t, 4, collector.bytes["i2c/write"])
	require.Equal(t, 5, collector.bytes["i2c/read"])

	_, err = lib.I2CMasterRead(ctx, args.Int(0x51), args.Int(1))
	require.ErrorIs(t, err, adapter.ErrNACK)
}

func TestI2CArgumentValidation(t *testing.T) {
	lib, _ := newSimLibrary(t)
	ctx := context.Background()
	_, err := lib.OpenAdapter(ctx, args.Int(0), "")
	require.NoError(t, err)

	_, err = lib.I2CMasterRead(ctx, args.Int(0x50), args.Int(-1))
	require.Error(t, err)
	_, err = lib.I2CMasterRead(ctx, args.Int(0x800), args.Int(1))
	require.Error(t, err)
	require.ErrorIs(t, lib.I2CMasterWrite(ctx, args.Int(0x50), args.Text("0x100")), args.ErrParse)
	require.ErrorIs(t, lib.I2CMasterWrite(ctx, args.Text("fifty"), args.Int(1)), args.ErrParse)
	require.ErrorIs(t, lib.I2CMasterWrite(ctx, args.Int(0x50), args.Bool(true)), args.ErrType)
}

func TestSPITransfer(t *testing.T) {
	collector := &recordingCollector{}
	lib, _ := newSimLibrary(t, WithCollector(collector))
	_, err := lib.OpenAdapter(context.Background(), args.Int(1), "")
	require.NoError(t, err)

	var buf bytes.Buffer
	ctx := captureContext(&buf)

	out, err := lib.SPITransfer(ctx, args.Int(0x10), args.Int(0x12), args.Int(0x13))
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xff, 0xff}, out)

	out, err = lib.SPITransfer(ctx, args.Ints(1, 2))
	require.NoError(t, err)
	require.Equal(t, []byte{0x10, 0x12}, out)

	require.Equal(t, []string{
		"Writing 3 bytes: 10 12 13",
		"Read 3 bytes: ff ff ff",
		"Writing 2 bytes: 01 02",
		"Read 2 bytes: 10 12",
	}, messages(&buf))
	require.Equal(t, 5, collector.bytes["spi/write"])
	require.Equal(t, 5, collector.bytes["spi/read"])
}

func TestLoggerFallback(t *testing.T) {
	var buf bytes.Buffer
	lib, _ := newSimLibrary(t, WithLogger(zerolog.New(&buf)))
	_, err := lib.OpenAdapter(context.Background(), args.Int(0), "")
	require.NoError(t, err)
	require.Equal(t, []string{"Opening Aardvark adapter on port 0"}, messages(&buf))
}

func TestSetDefaultsAffectsNewAdapters(t *testing.T) {
	lib, drv := newSimLibrary(t)
	require.NoError(t, lib.SetDefaults(config.LibraryConfig{I2CBitrate: 400, SPIBitrate: 2000, SPIMode: 0}))
	_, err := lib.OpenAdapter(context.Background(), args.Int(1), "")
	require.NoError(t, err)
	dev, _ := drv.Device(1)
	require.Equal(t, 400, dev.State().I2CBitrate)
	require.Equal(t, 2000, dev.State().SPIBitrate)
	require.Equal(t, adapter.SPIMode0, dev.State().SPIMode)
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "", FormatBytes(nil))
	require.Equal(t, "00 0a ff", FormatBytes([]byte{0x00, 0x0a, 0xff}))
}
