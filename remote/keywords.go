package remote

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/timzifer/aardvark/args"
	"github.com/timzifer/aardvark/library"
)

const libraryIntro = `Keyword library for Total Phase Aardvark I2C/SPI host adapters.

Adapters are opened with ` + "`Open Aardvark Adapter`" + ` and kept in a cache, so
several adapters can be used in one suite and selected by index or alias.
Numbers can be given as integers or as strings with a 0x, 0o or 0b prefix.`

type param struct {
	name     string
	def      *args.Value
	defText  string
	variadic bool
}

func required(name string) param { return param{name: name} }

func optional(name string, def args.Value, text string) param {
	return param{name: name, def: &def, defText: text}
}

func variadic(name string) param { return param{name: name, variadic: true} }

// spec renders the parameter the way the remote protocol lists arguments.
func (p param) spec() string {
	switch {
	case p.variadic:
		return "*" + p.name
	case p.def != nil:
		return p.name + "=" + p.defText
	default:
		return p.name
	}
}

type keyword struct {
	name   string
	params []param
	doc    string
	tags   []string
	run    func(ctx context.Context, c *call) (any, error)
}

func (k *keyword) argSpecs() []string {
	specs := make([]string, len(k.params))
	for i, p := range k.params {
		specs[i] = p.spec()
	}
	return specs
}

// call holds the arguments of one keyword run bound to parameter names.
type call struct {
	values map[string]args.Value
	rest   []args.Value
}

func (c *call) value(name string) args.Value { return c.values[name] }

func (c *call) text(name string) string {
	v := c.values[name]
	if text, ok := v.AsText(); ok {
		return strings.TrimSpace(text)
	}
	return v.String()
}

func (c *call) bool(name string) (bool, error) { return args.ParseBool(c.values[name]) }

func bind(params []param, positional []args.Value, named map[string]args.Value) (*call, error) {
	c := &call{values: make(map[string]args.Value, len(params))}
	declared := make(map[string]bool, len(params))
	i := 0
	for _, p := range params {
		if p.variadic {
			c.rest = append(c.rest, positional[i:]...)
			i = len(positional)
			continue
		}
		declared[p.name] = true
		if i < len(positional) {
			if _, dup := named[p.name]; dup {
				return nil, fmt.Errorf("got multiple values for argument '%s'", p.name)
			}
			c.values[p.name] = positional[i]
			i++
			continue
		}
		if v, ok := named[p.name]; ok {
			c.values[p.name] = v
			continue
		}
		if p.def != nil {
			c.values[p.name] = *p.def
			continue
		}
		return nil, fmt.Errorf("missing value for argument '%s'", p.name)
	}
	if i < len(positional) {
		return nil, fmt.Errorf("expected at most %d arguments, got %d", i, len(positional))
	}
	for name := range named {
		if !declared[name] {
			return nil, fmt.Errorf("got an unexpected argument '%s'", name)
		}
	}
	return c, nil
}

// toValue converts a decoded XML-RPC value into a keyword argument.
func toValue(v any) (args.Value, error) {
	switch val := v.(type) {
	case nil:
		return args.Text(""), nil
	case string:
		return args.Text(val), nil
	case int64:
		return args.Int(val), nil
	case bool:
		return args.Bool(val), nil
	case float64:
		if val != math.Trunc(val) || math.Abs(val) > math.MaxInt64 {
			return args.Value{}, fmt.Errorf("%w: non-integral number %v", args.ErrType, val)
		}
		return args.Int(int64(val)), nil
	case []byte:
		ns := make([]int64, len(val))
		for i, b := range val {
			ns[i] = int64(b)
		}
		return args.Ints(ns...), nil
	case []any:
		items := make([]args.Value, 0, len(val))
		for _, item := range val {
			converted, err := toValue(item)
			if err != nil {
				return args.Value{}, err
			}
			items = append(items, converted)
		}
		return args.List(items...), nil
	default:
		return args.Value{}, fmt.Errorf("%w: unsupported argument of type %T", args.ErrType, v)
	}
}

func toValues(raw []any) ([]args.Value, error) {
	out := make([]args.Value, 0, len(raw))
	for _, v := range raw {
		converted, err := toValue(v)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

// normalizeName folds a keyword name so "I2C Master Read", "i2c_master_read"
// and "I2c MasterRead" are the same keyword.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r == ' ' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func libraryKeywords(lib *library.Library) []*keyword {
	enableTargetPower := func(ctx context.Context, c *call) (any, error) {
		enable, err := c.bool("enable")
		if err != nil {
			return nil, err
		}
		return nil, lib.EnableTargetPower(ctx, enable)
	}
	targetPowerDoc := "Enable (or disable) the target power."

	return []*keyword{
		{
			name:   "open_aardvark_adapter",
			params: []param{optional("port_or_serial", args.Int(0), "0"), optional("alias", args.Text(""), "None")},
			doc: `Opens a new Aardvark host adapter and returns its index.

The adapter is identified by port or by serial number. Port 0 is used by
default, which is enough when only one adapter is connected. A serial number
must be given as NNNN-NNNNNN, anything else is taken as the port.

Open adapters are cached. Use ` + "`Switch Aardvark Adapter`" + ` with the returned index
or the given ` + "`alias`" + ` to go back to them. Indexes start at 1 and are reset by
` + "`Close All Aardvark Adapters`" + `.`,
			run: func(ctx context.Context, c *call) (any, error) {
				return lib.OpenAdapter(ctx, c.value("port_or_serial"), c.text("alias"))
			},
		},
		{
			name:   "switch_aardvark_adapter",
			params: []param{required("index_or_alias")},
			doc: `Switches to an open adapter by index or alias.

Returns the index of the adapter that was active before, 0 if there was none.`,
			run: func(ctx context.Context, c *call) (any, error) {
				return lib.SwitchAdapter(ctx, c.value("index_or_alias"))
			},
		},
		{
			name: "close_all_aardvark_adapters",
			doc: `Closes all open adapters and empties the adapter cache.

Use it in a suite or test teardown when several adapters are open. Indexes
returned by ` + "`Open Aardvark Adapter`" + ` start at 1 again afterwards.`,
			run: func(ctx context.Context, c *call) (any, error) {
				return nil, lib.CloseAllAdapters(ctx)
			},
		},
		{
			name: "close_adapter",
			doc: `Closes the current adapter.

Use ` + "`Close All Aardvark Adapters`" + ` to make sure every open adapter is closed.`,
			run: func(ctx context.Context, c *call) (any, error) {
				return nil, lib.CloseAdapter(ctx)
			},
		},
		{
			name:   "set_i2c_bitrate",
			params: []param{required("bitrate")},
			doc: `Sets the I2C bitrate of the current adapter in kHz.

Returns the bitrate the adapter actually uses. The default for new adapters
comes from the server configuration.`,
			run: func(ctx context.Context, c *call) (any, error) {
				return lib.SetI2CBitrate(ctx, c.value("bitrate"))
			},
		},
		{
			name:   "set_spi_bitrate",
			params: []param{required("bitrate")},
			doc: `Sets the SPI bitrate of the current adapter in kHz.

Returns the bitrate the adapter actually uses. The default for new adapters
comes from the server configuration.`,
			run: func(ctx context.Context, c *call) (any, error) {
				return lib.SetSPIBitrate(ctx, c.value("bitrate"))
			},
		},
		{
			name:   "enable_i2c_pullups",
			params: []param{optional("enable", args.Bool(true), "True")},
			doc:    "Enable (or disable) the I2C pullup resistors.",
			run: func(ctx context.Context, c *call) (any, error) {
				enable, err := c.bool("enable")
				if err != nil {
					return nil, err
				}
				return nil, lib.EnableI2CPullups(ctx, enable)
			},
		},
		{
			name:   "enable_traget_power",
			params: []param{optional("enable", args.Bool(true), "True")},
			doc:    targetPowerDoc + "\n\nKept for suites written against the misspelled name, use `Enable Target Power`.",
			tags:   []string{"deprecated"},
			run:    enableTargetPower,
		},
		{
			name:   "enable_target_power",
			params: []param{optional("enable", args.Bool(true), "True")},
			doc:    targetPowerDoc,
			run:    enableTargetPower,
		},
		{
			name:   "i2c_master_read",
			params: []param{required("address"), optional("length", args.Int(1), "1")},
			doc: `Performs an I2C master read.

Reads ` + "`length`" + ` bytes from the target at ` + "`address`" + ` and returns them as a
list of integers.`,
			run: func(ctx context.Context, c *call) (any, error) {
				return lib.I2CMasterRead(ctx, c.value("address"), c.value("length"))
			},
		},
		{
			name:   "i2c_master_write",
			params: []param{required("address"), variadic("data")},
			doc: `Performs an I2C master write.

Writes ` + "`data`" + ` to the target at ` + "`address`" + `. Data is a single byte, a
whitespace separated list of bytes, a list, or one byte per argument.
Strings are parsed according to their prefix, 0x denotes a hexadecimal number.

Examples:
| I2C Master Write | 0xa4 | 0x10           |
| I2C Master Write | 0xa4 | 0x10 0x12 0x13 |
| I2C Master Write | 0xa4 | 0x10 | 0x12 | 0x13 |`,
			run: func(ctx context.Context, c *call) (any, error) {
				return nil, lib.I2CMasterWrite(ctx, c.value("address"), c.rest...)
			},
		},
		{
			name:   "i2c_master_write_read",
			params: []param{required("address"), required("length"), variadic("data")},
			doc: `Performs an I2C master write followed by a read.

Writes ` + "`data`" + ` to the target and then reads ` + "`length`" + ` bytes from it. See
` + "`I2C Master Read`" + ` and ` + "`I2C Master Write`" + ` for the argument formats.

Examples:
| I2C Master Write Read | 0xa4 | 1 | 0x10           |
| I2C Master Write Read | 0xa4 | 1 | 0x10 0x12 0x13 |
| I2C Master Write Read | 0xa4 | 1 | 0x10 | 0x12 | 0x13 |`,
			run: func(ctx context.Context, c *call) (any, error) {
				return lib.I2CMasterWriteRead(ctx, c.value("address"), c.value("length"), c.rest...)
			},
		},
		{
			name:   "spi_transfer",
			params: []param{variadic("data")},
			doc: `Performs an SPI transfer.

Clocks ` + "`data`" + ` out on the SPI bus and returns the bytes read back, which are
as many as were written. Send dummy bytes to read more than you write.

Examples:
| SPI Transfer | 0x10           |
| SPI Transfer | 0x10 0x12 0x13 |
| ${ret}=      | SPI Transfer   | 0x10 | 0x12 | 0x13 | # ${ret} holds 3 bytes |`,
			run: func(ctx context.Context, c *call) (any, error) {
				return lib.SPITransfer(ctx, c.rest...)
			},
		},
	}
}
