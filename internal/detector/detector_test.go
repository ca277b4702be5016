package detector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/domain"
)

func tick(t *testing.T, symbol, price string) domain.Tick {
	t.Helper()
	return domain.Tick{Symbol: symbol, Price: decimal.RequireFromString(price), At: time.Now().UTC()}
}

func TestBreakoutLong(t *testing.T) {
	pos := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong)
	d, err := NewBreakout(pos, map[string]string{"trigger": "95000", "stop": "93500"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Below the trigger: silent.
	sig, err := d.OnTick(ctx, tick(t, "BTCUSDT", "94900"))
	if err != nil || sig != nil {
		t.Fatalf("below trigger: sig=%v err=%v", sig, err)
	}

	// Crossing fires once, with the live price as entry.
	sig, err = d.OnTick(ctx, tick(t, "BTCUSDT", "95010"))
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil {
		t.Fatal("no signal at trigger cross")
	}
	if !sig.EntryPrice.Equal(decimal.RequireFromString("95010")) {
		t.Errorf("entry = %s, want 95010", sig.EntryPrice)
	}
	if !sig.StopPrice.Equal(decimal.RequireFromString("93500")) {
		t.Errorf("stop = %s, want 93500", sig.StopPrice)
	}
	if sig.PositionID != pos.ID || sig.Side != domain.SideLong {
		t.Errorf("signal = %+v", sig)
	}

	// Never fires twice.
	sig, err = d.OnTick(ctx, tick(t, "BTCUSDT", "96000"))
	if err != nil || sig != nil {
		t.Fatalf("second cross: sig=%v err=%v", sig, err)
	}
}

func TestBreakoutShort(t *testing.T) {
	pos := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideShort)
	d, err := NewBreakout(pos, map[string]string{"trigger": "95000", "stop": "96500"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if sig, _ := d.OnTick(ctx, tick(t, "BTCUSDT", "95100")); sig != nil {
		t.Fatal("short fired above trigger")
	}
	sig, err := d.OnTick(ctx, tick(t, "BTCUSDT", "94990"))
	if err != nil || sig == nil {
		t.Fatalf("short did not fire: sig=%v err=%v", sig, err)
	}
}

func TestBreakoutIgnoresOtherSymbols(t *testing.T) {
	pos := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong)
	d, err := NewBreakout(pos, map[string]string{"trigger": "95000", "stop": "93500"})
	if err != nil {
		t.Fatal(err)
	}
	if sig, _ := d.OnTick(context.Background(), tick(t, "ETHUSDT", "99999")); sig != nil {
		t.Fatal("fired on another symbol")
	}
}

func TestBreakoutRejectsBadParams(t *testing.T) {
	pos := domain.NewPosition(domain.NewID(), "BTCUSDT", domain.SideLong)
	cases := []map[string]string{
		{"trigger": "95000"},                      // missing stop
		{"trigger": "x", "stop": "93500"},         // bad trigger
		{"trigger": "95000", "stop": "96000"},     // stop above long entry
		{"trigger": "-1", "stop": "93500"},        // negative trigger
		{"trigger": "95000", "stop": "95000"},     // stop equals trigger
	}
	for _, params := range cases {
		if _, err := NewBreakout(pos, params); err == nil {
			t.Errorf("params %v accepted", params)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("breakout", NewBreakout)

	if _, ok := r.Get("breakout"); !ok {
		t.Fatal("registered factory not found")
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("unknown factory found")
	}
	if names := r.List(); len(names) != 1 || names[0] != "breakout" {
		t.Errorf("List = %v", names)
	}
}
