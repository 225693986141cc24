package backtest

import (
	"math"
	"testing"
)

func TestMapKPISectionProbing(t *testing.T) {
	payload := map[string]any{
		"equity": []any{1.0, 2.0},
		"summary": map[string]any{
			"totalTrades":  12.0,
			"profitFactor": 2.4,
			"max_dd":       -0.31,
			"pnl":          88.5,
		},
	}
	k := MapKPI(payload)
	if k.TotalTrades != 12 {
		t.Fatalf("TotalTrades = %d, want 12", k.TotalTrades)
	}
	if k.ProfitFactor != 2.4 {
		t.Fatalf("ProfitFactor = %v, want 2.4", k.ProfitFactor)
	}
	if k.MaxDrawdown != -0.31 {
		t.Fatalf("MaxDrawdown = %v, want -0.31", k.MaxDrawdown)
	}
	if k.TotalPnl != 88.5 {
		t.Fatalf("TotalPnl = %v, want 88.5", k.TotalPnl)
	}
}

func TestMapKPIFallsBackToTopLevel(t *testing.T) {
	payload := map[string]any{
		"total_trades":  "42",
		"profit_factor": 1.1,
	}
	k := MapKPI(payload)
	if k.TotalTrades != 42 {
		t.Fatalf("string-typed count should coerce, got %d", k.TotalTrades)
	}
	if k.ProfitFactor != 1.1 {
		t.Fatalf("ProfitFactor = %v", k.ProfitFactor)
	}
}

func TestMapKPIPrefersEarlierSection(t *testing.T) {
	payload := map[string]any{
		"statistics": map[string]any{"trades": 5.0},
		"summary":    map[string]any{"trades": 99.0},
	}
	if k := MapKPI(payload); k.TotalTrades != 5 {
		t.Fatalf("statistics should win over summary, got %d", k.TotalTrades)
	}
}

func TestMapKPINeverProducesNaN(t *testing.T) {
	payload := map[string]any{
		"statistics": map[string]any{
			"profit_factor": math.NaN(),
			"max_drawdown":  math.Inf(1),
			"total_pnl":     "not-a-number",
		},
	}
	k := MapKPI(payload)
	if k.ProfitFactor != 0 || k.MaxDrawdown != 0 || k.TotalPnl != 0 {
		t.Fatalf("non-finite inputs must map to 0, got %+v", k)
	}
}

func TestMapKPIEmptyAndNilPayload(t *testing.T) {
	zero := KPI{}
	if k := MapKPI(nil); k != zero {
		t.Fatalf("nil payload should yield zero KPI, got %+v", k)
	}
	if k := MapKPI(map[string]any{}); k != zero {
		t.Fatalf("empty payload should yield zero KPI, got %+v", k)
	}
}

func TestMapKPIAliasSkipsUnparseableValue(t *testing.T) {
	// first alias present but unusable: keep scanning the alias list
	payload := map[string]any{
		"total_trades": "n/a",
		"trades":       3.0,
	}
	if k := MapKPI(payload); k.TotalTrades != 3 {
		t.Fatalf("unparseable alias should be skipped, got %d", k.TotalTrades)
	}
}
