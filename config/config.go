package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// LibraryConfig holds the defaults applied to every adapter opened by the library.
type LibraryConfig struct {
	Driver     string `json:"driver"`
	I2CBitrate int    `json:"i2c_bitrate"`
	SPIBitrate int    `json:"spi_bitrate"`
	SPIMode    int    `json:"spi_mode"`
}

// ServerConfig configures the remote keyword server.
type ServerConfig struct {
	Listen    string `json:"listen"`
	AllowStop bool   `json:"allow_stop"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url"`
	Labels  map[string]string `json:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `json:"level"`
	Format string     `json:"format"`
	Loki   LokiConfig `json:"loki"`
}

// TelemetryConfig toggles metric collection.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider"`
}

// SimTargetConfig describes a virtual I2C target attached to a simulated adapter.
type SimTargetConfig struct {
	Address int   `json:"address"`
	Size    int   `json:"size"`
	Data    []int `json:"data"`
}

// SimAdapterConfig describes one simulated adapter.
type SimAdapterConfig struct {
	Port    int               `json:"port"`
	Serial  string            `json:"serial"`
	Targets []SimTargetConfig `json:"targets"`
}

// SimConfig configures the simulation driver.
type SimConfig struct {
	Adapters []SimAdapterConfig `json:"adapters"`
}

// PeriphConfig maps adapter ports to host bus names for the periph driver.
// Port N uses entry N of each list.
type PeriphConfig struct {
	I2CBus  []string `json:"i2c_bus"`
	SPIPort []string `json:"spi_port"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Library   LibraryConfig   `json:"library"`
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry"`
	HotReload bool            `json:"hot_reload"`
	Sim       SimConfig       `json:"sim"`
	Periph    PeriphConfig    `json:"periph"`

	// Source is the file the configuration was loaded from, if any.
	Source string `json:"-"`
}

// Default returns the configuration with every field set to its schema default.
func Default() (*Config, error) {
	return Decode("defaults.cue", nil)
}

// Load reads, validates and decodes the configuration file at path. The file
// format is selected by extension: .yaml/.yml are YAML, everything else is
// parsed as CUE (which includes JSON).
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Decode(abs, raw)
	if err != nil {
		return nil, err
	}
	cfg.Source = abs
	return cfg, nil
}

// Decode validates raw against the configuration schema and decodes it. The
// filename selects the format and is used in error messages.
func Decode(filename string, raw []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	var doc cue.Value
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		var data map[string]interface{}
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", filename, err)
		}
		if data == nil {
			data = map[string]interface{}{}
		}
		doc = ctx.Encode(data)
	default:
		doc = ctx.CompileBytes(raw, cue.Filename(filename))
	}
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("parse config %s: %s", filename, details(err))
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate config %s: %s", filename, details(err))
	}
	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", filename, err)
	}
	return &cfg, nil
}

func details(err error) string {
	return strings.TrimSpace(cueerrors.Details(err, nil))
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Logging.Loki.Enabled && strings.TrimSpace(c.Logging.Loki.URL) == "" {
		return errors.New("logging.loki.url is required when loki is enabled")
	}
	seenPorts := make(map[int]struct{}, len(c.Sim.Adapters))
	seenSerials := make(map[string]struct{}, len(c.Sim.Adapters))
	for _, a := range c.Sim.Adapters {
		if _, dup := seenPorts[a.Port]; dup {
			return fmt.Errorf("sim: duplicate adapter port %d", a.Port)
		}
		seenPorts[a.Port] = struct{}{}
		if a.Serial != "" {
			if _, dup := seenSerials[a.Serial]; dup {
				return fmt.Errorf("sim: duplicate adapter serial %s", a.Serial)
			}
			seenSerials[a.Serial] = struct{}{}
		}
		seenTargets := make(map[int]struct{}, len(a.Targets))
		for _, target := range a.Targets {
			if _, dup := seenTargets[target.Address]; dup {
				return fmt.Errorf("sim: adapter %d: duplicate target address 0x%02x", a.Port, target.Address)
			}
			seenTargets[target.Address] = struct{}{}
			if len(target.Data) > target.Size {
				return fmt.Errorf("sim: adapter %d: target 0x%02x: %d bytes of data exceed size %d", a.Port, target.Address, len(target.Data), target.Size)
			}
		}
	}
	return nil
}
