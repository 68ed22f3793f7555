package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if cfg != Default() {
		t.Errorf("got %+v, want the default config", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vutrace.yaml")
	data := "output_dir: traces\ninstruction_budget: 1000\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.OutputDir != "traces" {
		t.Errorf("output dir is %q, want %q", cfg.OutputDir, "traces")
	}
	if cfg.InstructionBudget != 1000 {
		t.Errorf("instruction budget is %d, want 1000", cfg.InstructionBudget)
	}
	// Untouched fields keep their defaults.
	if cfg.PacketBufferSize != Default().PacketBufferSize {
		t.Errorf("packet buffer size is %d, want the default", cfg.PacketBufferSize)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"malformed yaml", "output_dir: [\n"},
		{"empty output dir", "output_dir: \"\"\n"},
		{"zero budget", "instruction_budget: 0\n"},
		{"tiny packet buffer", "packet_buffer_size: 512\n"},
	}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), "vutrace.yaml")
		if err := os.WriteFile(path, []byte(tc.data), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}
