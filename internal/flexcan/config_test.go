package flexcan

import (
	"errors"
	"testing"
	"time"
)

func TestQueueCapacity(t *testing.T) {
	tests := []struct{ weight, want int }{
		{0, 0}, {1, 8}, {2, 16}, {3, 32}, {8, 64}, {DefaultWeight, 128}, {16, 128}, {17, 256},
	}
	for _, tc := range tests {
		if got := QueueCapacity(tc.weight); got != tc.want {
			t.Fatalf("QueueCapacity(%d) = %d, want %d", tc.weight, got, tc.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := testConfig("imx6q")
	cfg.Name = ""
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Name != "can0" || cfg.Weight != DefaultWeight || cfg.PollInterval != time.Millisecond {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.BitTiming.Bitrate != 125000 {
		t.Fatalf("bitrate = %d", cfg.BitTiming.Bitrate)
	}
}

func TestConfigDerivesBitrate(t *testing.T) {
	cfg := testConfig("imx28")
	cfg.BitTiming.Bitrate = 0
	cfg.BitTiming.BRP = 3 // 30MHz / (3*16)
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BitTiming.Bitrate != 625000 {
		t.Fatalf("derived bitrate = %d", cfg.BitTiming.Bitrate)
	}
}

func TestConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"weight", func(c *Config) { c.Weight = -1 }},
		{"brp", func(c *Config) { c.BitTiming.BRP = 0 }},
		{"pseg2", func(c *Config) { c.BitTiming.PhaseSeg2 = 1 }},
		{"sjw", func(c *Config) { c.BitTiming.SJW = 5 }},
		{"mismatch", func(c *Config) { c.BitTiming.Bitrate = 500000 }},
		{"noBitrate", func(c *Config) { c.ClockHz = 0; c.BitTiming.Bitrate = 0 }},
		{"modes", func(c *Config) { c.CtrlMode = CtrlModeLoopback | CtrlModeListenOnly }},
		{"restart", func(c *Config) { c.RestartDelay = -time.Second }},
	}
	for _, tc := range tests {
		cfg := testConfig("imx6q")
		tc.mod(&cfg)
		if err := cfg.validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestLookupDevType(t *testing.T) {
	dt, err := LookupDevType("IMX6Q")
	if err != nil || !dt.Has(FeatureV10) || !dt.Has(FeatureErr005829) || dt.Has(FeatureBrokenErrState) {
		t.Fatalf("imx6q = %+v, %v", dt, err)
	}
	dt, _ = LookupDevType("p1010")
	if !dt.Has(FeatureBrokenErrState) {
		t.Fatalf("p1010 should have broken err state")
	}
	if _, err := LookupDevType("mcp2515"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if len(DevTypeNames()) != 3 {
		t.Fatalf("names = %v", DevTypeNames())
	}
}

// Doubling the bitrate halves the freeze window.
func TestFreezeBudgetScalesInversely(t *testing.T) {
	rates := []uint32{10000, 20000, 50000, 100000, 125000, 250000, 500000}
	for _, b := range rates {
		if FreezeBudget(2*b)*2 != FreezeBudget(b) {
			t.Fatalf("bitrate %d: budget %v, doubled %v", b, FreezeBudget(b), FreezeBudget(2*b))
		}
		if FreezePolls(b) != int(10_000_000/b) {
			t.Fatalf("bitrate %d: polls %d", b, FreezePolls(b))
		}
	}
	if FreezePolls(20_000_000) != 1 {
		t.Fatalf("very high bitrates still poll once")
	}
}
