package strategy

import (
	"testing"
	"time"
)

func rebalanceInput(now time.Time) RebalanceInput {
	return RebalanceInput{
		Now:             now,
		Price:           110,
		Lower:           95,
		Upper:           105,
		PositionValue:   1000,
		OutOfRangeSince: now.Add(-2 * time.Minute),
	}
}

func TestEvaluateRebalanceReasons(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testConfig()

	cases := []struct {
		name   string
		mutate func(*RebalanceInput)
		reason string
	}{
		{"bounds", func(in *RebalanceInput) { in.Lower = 0 }, "bounds_unavailable"},
		{"price", func(in *RebalanceInput) { in.Price = 0 }, "price_unavailable"},
		{"in range", func(in *RebalanceInput) { in.Price = 100 }, "in_range"},
		{"upper bound inclusive", func(in *RebalanceInput) { in.Price = 105 }, "in_range"},
		{"hysteresis", func(in *RebalanceInput) { in.Price = 105.1 }, "hysteresis_guard"},
		{"timer", func(in *RebalanceInput) { in.OutOfRangeSince = time.Time{} }, "out_of_range_timer_missing"},
		{"wait", func(in *RebalanceInput) { in.OutOfRangeSince = now.Add(-30 * time.Second) }, "out_of_range_wait"},
		{"cooldown", func(in *RebalanceInput) { in.CooldownUntil = now.Add(time.Second) }, "cooldown"},
		{"max", func(in *RebalanceInput) { in.RebalancesLastHour = cfg.Rebalance.MaxPerHour }, "max_rebalances"},
		{"go", func(*RebalanceInput) {}, "out_of_range_rebalance"},
	}
	for _, tc := range cases {
		in := rebalanceInput(now)
		tc.mutate(&in)
		got := EvaluateRebalance(cfg, in)
		if got.Reason != tc.reason {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.reason, got.Reason)
		}
		if got.Rebalance != (tc.reason == "out_of_range_rebalance") {
			t.Fatalf("%s: unexpected rebalance flag %v", tc.name, got.Rebalance)
		}
	}
}

func TestEvaluateRebalanceCostFilter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testConfig()
	cfg.CostFilter.Enabled = true
	cfg.CostFilter.FixedCostQuote = 50
	cfg.CostFilter.MaxPayback = time.Hour

	got := EvaluateRebalance(cfg, rebalanceInput(now))
	if got.Rebalance || got.Reason != "cost_filter" {
		t.Fatalf("expected cost_filter rejection, got %+v", got)
	}
	if got.Cost.Reason != "fee_rate_zero" {
		t.Fatalf("expected fee_rate_zero, got %s", got.Cost.Reason)
	}

	in := rebalanceInput(now)
	in.OutOfRangeSince = now.Add(-11 * time.Minute)
	got = EvaluateRebalance(cfg, in)
	if !got.Rebalance || got.Cost.Reason != "force_rebalance" {
		t.Fatalf("expected forced rebalance, got %+v", got)
	}
}

func TestOutOfRangeDeviation(t *testing.T) {
	if got := OutOfRangeDeviation(90, 100, 110); !approxEqual(got, 0.1) {
		t.Fatalf("expected 0.1, got %f", got)
	}
	if got := OutOfRangeDeviation(121, 100, 110); !approxEqual(got, 0.1) {
		t.Fatalf("expected 0.1, got %f", got)
	}
	if got := OutOfRangeDeviation(105, 100, 110); got != 0 {
		t.Fatalf("expected 0 in range, got %f", got)
	}
}
