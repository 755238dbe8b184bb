package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if cfg.Library.Driver != "sim" {
		t.Fatalf("expected sim driver, got %q", cfg.Library.Driver)
	}
	if cfg.Library.I2CBitrate != 100 || cfg.Library.SPIBitrate != 100 {
		t.Fatalf("unexpected bitrates: %+v", cfg.Library)
	}
	if cfg.Library.SPIMode != 3 {
		t.Fatalf("expected spi mode 3, got %d", cfg.Library.SPIMode)
	}
	if cfg.Server.Listen != ":8270" {
		t.Fatalf("unexpected listen address %q", cfg.Server.Listen)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if len(cfg.Sim.Adapters) != 0 {
		t.Fatalf("expected no sim adapters, got %d", len(cfg.Sim.Adapters))
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `library:
  i2c_bitrate: 400
  spi_mode: 0
server:
  listen: "127.0.0.1:9000"
sim:
  adapters:
    - port: 0
      serial: "2237-123456"
      targets:
        - address: 0x50
          size: 16
          data: [1, 2, 3]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Library.I2CBitrate != 400 {
		t.Fatalf("expected i2c bitrate 400, got %d", cfg.Library.I2CBitrate)
	}
	if cfg.Library.SPIBitrate != 100 {
		t.Fatalf("expected default spi bitrate, got %d", cfg.Library.SPIBitrate)
	}
	if cfg.Library.SPIMode != 0 {
		t.Fatalf("expected spi mode 0, got %d", cfg.Library.SPIMode)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen %q", cfg.Server.Listen)
	}
	if len(cfg.Sim.Adapters) != 1 {
		t.Fatalf("expected 1 adapter, got %d", len(cfg.Sim.Adapters))
	}
	target := cfg.Sim.Adapters[0].Targets[0]
	if target.Address != 0x50 || target.Size != 16 || len(target.Data) != 3 {
		t.Fatalf("unexpected target: %+v", target)
	}
	if cfg.Source != path {
		t.Fatalf("expected source %q, got %q", path, cfg.Source)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadCUE(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.cue")
	content := `library: {
	driver:      "periph"
	spi_bitrate: 1000
}
periph: i2c_bus: ["1"]
logging: format: "text"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Library.Driver != "periph" || cfg.Library.SPIBitrate != 1000 {
		t.Fatalf("unexpected library config: %+v", cfg.Library)
	}
	if len(cfg.Periph.I2CBus) != 1 || cfg.Periph.I2CBus[0] != "1" {
		t.Fatalf("unexpected periph config: %+v", cfg.Periph)
	}
	if cfg.Logging.Format != "text" {
		t.Fatalf("unexpected format %q", cfg.Logging.Format)
	}
}

func TestLoadEmptyYAMLUsesDefaults(t *testing.T) {
	cfg, err := Decode("empty.yaml", nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Library.I2CBitrate != 100 {
		t.Fatalf("expected default bitrate, got %d", cfg.Library.I2CBitrate)
	}
}

func TestDecodeRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"negative bitrate": "library:\n  i2c_bitrate: -1\n",
		"bad spi mode":     "library:\n  spi_mode: 5\n",
		"unknown field":    "libary:\n  i2c_bitrate: 1\n",
		"bad serial":       "sim:\n  adapters:\n    - port: 0\n      serial: abc\n",
		"bad level":        "logging:\n  level: loud\n",
		"target data":      "sim:\n  adapters:\n    - port: 0\n      targets:\n        - address: 0x50\n          data: [256]\n",
	}
	for name, content := range cases {
		if _, err := Decode("config.yaml", []byte(content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeReportsParseErrors(t *testing.T) {
	_, err := Decode("config.cue", []byte("library: {"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config.cue") {
		t.Fatalf("expected filename in error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	cfg.Sim.Adapters = []SimAdapterConfig{{Port: 0}, {Port: 0}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate port error")
	}

	cfg.Sim.Adapters = []SimAdapterConfig{{Port: 0, Targets: []SimTargetConfig{{Address: 0x50, Size: 2, Data: []int{1, 2, 3}}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected oversized data error")
	}

	cfg.Sim.Adapters = nil
	cfg.Logging.Loki.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected loki url error")
	}
}

func TestSourceFiles(t *testing.T) {
	if files := SourceFiles(&Config{}); len(files) != 0 {
		t.Fatalf("expected no files, got %v", files)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	files := SourceFiles(&Config{Source: path})
	if len(files) != 1 || files[0] != path {
		t.Fatalf("unexpected files %v", files)
	}
}
