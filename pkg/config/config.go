// Package config carries the operational knobs of the tracing subsystem.
// Trace semantics are controlled entirely through the hook API; the
// values here only size buffers and name output paths.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds tracer tuning values. The zero value is not usable; start
// from Default.
type Config struct {
	// OutputDir receives trace%06d.bin sub-trace files and LOG.txt.
	OutputDir string `yaml:"output_dir"`

	// InstructionBudget ends the single-step session once this many
	// instructions have been traced.
	InstructionBudget uint64 `yaml:"instruction_budget"`

	// ProgressInterval controls how often the recorder logs progress,
	// in instructions.
	ProgressInterval uint64 `yaml:"progress_interval"`

	// PacketBufferSize is the packet arena capacity in bytes.
	PacketBufferSize uint32 `yaml:"packet_buffer_size"`

	// ArenaPath receives the saved packet arena when a single-step
	// session ends.
	ArenaPath string `yaml:"arena_path"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		OutputDir:         "vutrace_output",
		InstructionBudget: 200_000_000,
		ProgressInterval:  1_000_000,
		PacketBufferSize:  256 << 20,
		ArenaPath:         "vutrace_output/host.trace.zst",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.InstructionBudget == 0 {
		return fmt.Errorf("instruction_budget must be positive")
	}
	if c.ProgressInterval == 0 {
		return fmt.Errorf("progress_interval must be positive")
	}
	if c.PacketBufferSize < 1<<20 {
		return fmt.Errorf("packet_buffer_size must be at least 1 MiB")
	}
	return nil
}
