package telemetry

import (
	"context"
	"testing"
)

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"

	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if Environment() != "staging" {
		t.Fatalf("expected lower-cased environment, got %q", Environment())
	}
	if p.Meter("test") == nil {
		t.Fatal("expected a meter even when disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q)=%q want %q", in, got, want)
		}
	}
}

func TestOrderAttributes(t *testing.T) {
	attrs := OrderAttributes("test", "BNBUSDT", "BUY", "filled")
	if len(attrs) != 4 || attrs[3].Value.AsString() != "filled" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}
