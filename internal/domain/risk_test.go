package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewRiskConfig(t *testing.T) {
	tests := []struct {
		name     string
		capital  string
		riskPct  string
		drawdown string
		wantErr  bool
	}{
		{"valid", "10000", "1", "20", false},
		{"risk at cap", "10000", "5", "0", false},
		{"risk above cap", "10000", "5.1", "0", true},
		{"zero capital", "0", "1", "0", true},
		{"negative risk", "10000", "-1", "0", true},
		{"negative drawdown", "10000", "1", "-5", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRiskConfig(dec(t, tc.capital), dec(t, tc.riskPct), dec(t, tc.drawdown))
			if tc.wantErr && !errors.Is(err, ErrInvalidRiskConfig) {
				t.Fatalf("got %v, want ErrInvalidRiskConfig", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMaxRiskAmount(t *testing.T) {
	cfg, err := NewRiskConfig(dec(t, "10000"), dec(t, "1"), decimal.Decimal{})
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.MaxRiskAmount(); !got.Equal(dec(t, "100")) {
		t.Errorf("max risk = %s, want 100", got)
	}
}

// The worked example: $10k capital, 1% risk, entry $95,000, stop $93,500.
// Distance $1,500 → raw size 100/1500 = 0.0666..., floored to the 0.0001
// quantity step.
func TestCalculatePositionSize(t *testing.T) {
	cfg, err := NewRiskConfig(dec(t, "10000"), dec(t, "1"), decimal.Decimal{})
	if err != nil {
		t.Fatal(err)
	}
	dist, err := NewStopDistance(dec(t, "95000"), dec(t, "93500"), SideLong)
	if err != nil {
		t.Fatal(err)
	}

	qty, err := CalculatePositionSize(cfg, DefaultSizingLimits(), dist)
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(dec(t, "0.0666")) {
		t.Errorf("size = %s, want 0.0666", qty)
	}

	// Loss at the stop never exceeds the risk amount.
	loss := qty.Mul(dist.Distance)
	if loss.GreaterThan(cfg.MaxRiskAmount()) {
		t.Errorf("loss at stop %s exceeds max risk %s", loss, cfg.MaxRiskAmount())
	}
}

func TestCalculatePositionSizeRejectsBand(t *testing.T) {
	cfg, _ := NewRiskConfig(dec(t, "10000"), dec(t, "1"), decimal.Decimal{})
	dist, err := NewStopDistance(dec(t, "100000"), dec(t, "99950"), SideLong)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CalculatePositionSize(cfg, DefaultSizingLimits(), dist); !errors.Is(err, ErrInvalidStopDistance) {
		t.Fatalf("got %v, want ErrInvalidStopDistance", err)
	}
}

func TestCalculatePositionSizeNotionalBounds(t *testing.T) {
	cfg, _ := NewRiskConfig(dec(t, "100"), dec(t, "1"), decimal.Decimal{})
	dist, err := NewStopDistance(dec(t, "95000"), dec(t, "90000"), SideLong)
	if err != nil {
		t.Fatal(err)
	}

	// $1 risk over a $5,000 distance rounds to zero at the 0.0001 step.
	if _, err := CalculatePositionSize(cfg, DefaultSizingLimits(), dist); !errors.Is(err, ErrPositionSizing) {
		t.Fatalf("got %v, want ErrPositionSizing", err)
	}

	// A max-notional ceiling below the computed notional is rejected too.
	big, _ := NewRiskConfig(dec(t, "1000000"), dec(t, "1"), decimal.Decimal{})
	limits := DefaultSizingLimits()
	limits.MaxNotional = dec(t, "1000")
	if _, err := CalculatePositionSize(big, limits, dist); !errors.Is(err, ErrPositionSizing) {
		t.Fatalf("got %v, want ErrPositionSizing", err)
	}
}

func TestMarginRequired(t *testing.T) {
	got := MarginRequired(dec(t, "0.1"), dec(t, "95000"))
	if !got.Equal(dec(t, "950")) {
		t.Errorf("margin = %s, want 950", got)
	}
}
