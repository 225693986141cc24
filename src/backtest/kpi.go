package backtest

// KPI 归一化 —— 后端结果字段命名不统一（snake_case / camelCase / 缩写），
// 这里用显式别名表逐字段提取并做数值强转；任何缺失/非法/非有限值一律回落为 0，
// 展示层永远拿不到 NaN。

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// KPI —— 展示层摘要指标
type KPI struct {
	TotalTrades  int     `json:"totalTrades"`
	ProfitFactor float64 `json:"profitFactor"`
	MaxDrawdown  float64 `json:"maxDrawdown"`
	TotalPnl     float64 `json:"totalPnl"`
}

// 指标可能藏在哪个子对象里（按序探测，最后回落到顶层）
var kpiSections = []string{"statistics", "summary", "metrics", "kpi"}

var (
	aliasTotalTrades  = []string{"total_trades", "totalTrades", "trades", "num_trades", "numTrades"}
	aliasProfitFactor = []string{"profit_factor", "profitFactor", "pf"}
	aliasMaxDrawdown  = []string{"max_drawdown", "maxDrawdown", "max_dd", "dd"}
	aliasTotalPnl     = []string{"total_pnl", "totalPnl", "total_pnl_usd", "pnl", "profit"}
)

// MapKPI —— 从任意形状的结果载荷推导 KPI；nil 载荷等价于空对象
func MapKPI(payload map[string]any) KPI {
	src := locateKPISection(payload)
	return KPI{
		TotalTrades:  int(pickNumber(src, aliasTotalTrades)),
		ProfitFactor: pickNumber(src, aliasProfitFactor),
		MaxDrawdown:  pickNumber(src, aliasMaxDrawdown),
		TotalPnl:     pickNumber(src, aliasTotalPnl),
	}
}

func locateKPISection(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	for _, key := range kpiSections {
		if sub, ok := payload[key].(map[string]any); ok {
			return sub
		}
	}
	return payload
}

// pickNumber —— 按别名顺序取第一个能强转成有限数的值
func pickNumber(m map[string]any, aliases []string) float64 {
	for _, k := range aliases {
		v, ok := m[k]
		if !ok {
			continue
		}
		if f, ok := toFinite(v); ok {
			return f
		}
	}
	return 0
}

func toFinite(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
