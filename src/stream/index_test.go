package stream

import (
	"encoding/json"
	"testing"
)

func TestParseCandlePayloadObjectForm(t *testing.T) {
	raw := json.RawMessage(`{"candles":[
		{"ts":1000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":10},
		{"t":2000,"o":1.5,"h":2.5,"l":1.0,"c":2.0,"v":12}
	]}`)
	rows := ParseCandlePayload(raw, "ETHUSDT", "15m")
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[0].Timestamp != 1000 || rows[0].Close != 1.5 {
		t.Fatalf("row0 = %+v", rows[0])
	}
	if rows[1].Timestamp != 2000 || rows[1].Open != 1.5 {
		t.Fatalf("row1 = %+v", rows[1])
	}
	if rows[0].Symbol != "ETHUSDT" || rows[0].TF != "15m" {
		t.Fatalf("defaults not applied: %+v", rows[0])
	}
}

func TestParseCandlePayloadArrayForm(t *testing.T) {
	raw := json.RawMessage(`[["3000","1","2","0.5","1.5","7"],[4000,2,3,1,2.5,8]]`)
	rows := ParseCandlePayload(raw, "BTCUSDT", "1h")
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[0].Timestamp != 3000 || rows[0].Volume != 7 {
		t.Fatalf("string row not coerced: %+v", rows[0])
	}
	if rows[1].Close != 2.5 {
		t.Fatalf("row1 = %+v", rows[1])
	}
}

func TestParseCandlePayloadSortsAndDedups(t *testing.T) {
	raw := json.RawMessage(`[
		{"ts":2000,"close":2},
		{"ts":1000,"close":1},
		{"ts":2000,"close":9}
	]`)
	rows := ParseCandlePayload(raw, "ETHUSDT", "15m")
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[0].Timestamp != 1000 || rows[1].Timestamp != 2000 {
		t.Fatalf("not ascending: %+v", rows)
	}
	if rows[1].Close != 9 {
		t.Fatalf("later duplicate should win, close = %v", rows[1].Close)
	}
}

func TestParseCandlePayloadGarbage(t *testing.T) {
	if rows := ParseCandlePayload(json.RawMessage(`"nope"`), "X", "1m"); rows != nil {
		t.Fatalf("garbage should yield nil, got %v", rows)
	}
	if rows := ParseCandlePayload(json.RawMessage(`{"other":1}`), "X", "1m"); rows != nil {
		t.Fatalf("missing array should yield nil, got %v", rows)
	}
}

func TestMergeAndDispatchIncremental(t *testing.T) {
	f := New(Config{Symbol: "ETHUSDT", Timeframe: "15m"})
	var got [][]Candle
	f.OnCandle(func(arr []Candle) { got = append(got, arr) })

	mk := func(ts int64) Candle {
		return Candle{Timestamp: ts, Symbol: "ETHUSDT", TF: "15m", Close: float64(ts)}
	}

	f.mergeAndDispatch([]Candle{mk(100), mk(200)})
	f.mergeAndDispatch([]Candle{mk(100), mk(200), mk(300)}) // 只有 200/300 再次下发

	if len(got) != 2 {
		t.Fatalf("dispatch batches = %d, want 2", len(got))
	}
	second := got[1]
	for _, c := range second {
		if c.Timestamp < 200 {
			t.Fatalf("old candle %d re-dispatched", c.Timestamp)
		}
	}
	if second[len(second)-1].Timestamp != 300 {
		t.Fatalf("newest candle missing: %+v", second)
	}
}

func TestFeedCloseIsIdempotentUnderConcurrentReads(t *testing.T) {
	f := New(Config{Symbol: "ETHUSDT", Timeframe: "15m"})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = f.IsConnected()
		}
		close(done)
	}()

	f.Close()
	f.Close() // second close must not panic
	<-done

	if f.IsConnected() {
		t.Fatalf("closed feed must report disconnected")
	}
}

func TestFeedEnvelopeRouting(t *testing.T) {
	f := New(Config{Symbol: "ETHUSDT", Timeframe: "15m"})

	var candles []Candle
	var trades []Trade
	f.OnCandle(func(arr []Candle) { candles = append(candles, arr...) })
	f.OnTrade(func(tr Trade) { trades = append(trades, tr) })

	f.handleWSData("candle", json.RawMessage(`{"ts":5000,"open":1,"close":2}`))
	f.handleWSData("trade", json.RawMessage(`{"price":123.4,"size":0.5,"side":"buy","ts":5001}`))
	f.handleWSData("unknown", json.RawMessage(`{}`))

	if len(candles) != 1 || candles[0].Timestamp != 5000 {
		t.Fatalf("candle not routed: %+v", candles)
	}
	if len(trades) != 1 || trades[0].Price != 123.4 || trades[0].Side != "buy" {
		t.Fatalf("trade not routed: %+v", trades)
	}
}
