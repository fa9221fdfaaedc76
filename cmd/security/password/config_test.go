package password

import "testing"

func TestDefaultConfig_Check(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if err := cfg.Check(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Policy.MinLength != 8 {
		t.Fatalf("min length = %d, want 8", cfg.Policy.MinLength)
	}
}

func TestConfigCheck_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min above max", func(c *Config) { c.Policy.MinLength = 20; c.Policy.MaxLength = 10 }},
		{"zero min", func(c *Config) { c.Policy.MinLength = 0 }},
		{"tiny memory", func(c *Config) { c.Params.MemoryKiB = 1024 }},
		{"zero iterations", func(c *Config) { c.Params.Iterations = 0 }},
		{"zero parallelism", func(c *Config) { c.Params.Parallelism = 0 }},
		{"short salt", func(c *Config) { c.Params.SaltLength = 4 }},
		{"long key", func(c *Config) { c.Params.KeyLength = 128 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Check(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
