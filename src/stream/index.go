package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

//////////////////////////////////////////////////////////////////////
// ============================ 数据结构 ============================ //
//////////////////////////////////////////////////////////////////////

// Candle —— K线（升序：旧->新）
type Candle struct {
	Timestamp int64   `json:"ts"`     // Unix ms
	Open      float64 `json:"open"`   // 开盘
	High      float64 `json:"high"`   // 最高
	Low       float64 `json:"low"`    // 最低
	Close     float64 `json:"close"`  // 收盘
	Volume    float64 `json:"volume"` // 成交量
	Symbol    string  `json:"symbol"` // 品种
	TF        string  `json:"tf"`     // 周期：1m/5m/15m/1h/4h/1d
}

// Trade —— 逐笔成交
type Trade struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"` // buy/sell
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Ts     int64   `json:"ts"`
}

// Ticker —— 最新报价快照
type Ticker struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Ts     int64   `json:"ts"`
}

// wsEnvelope —— 后端推送信封：{"type":"candle|trade|ticker","data":{...}}
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CandleFetcher —— HTTP 降级通道（由 REST 客户端实现）
type CandleFetcher interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) (json.RawMessage, error)
}

//////////////////////////////////////////////////////////////////////
// ============================ Feed 客户端 ========================= //
//////////////////////////////////////////////////////////////////////

// Config —— 实时行情通道配置
type Config struct {
	WSURL        string        // 后端 WS 地址；为空则只走 HTTP 轮询
	Symbol       string        // 订阅品种
	Timeframe    string        // 订阅周期
	Fetcher      CandleFetcher // HTTP 降级；nil 表示无降级通道
	PollInterval time.Duration // 降级轮询间隔；<=0 取 5s
	MaxReconnect int           // WS 最大重连次数；<=0 取 10
}

// Feed —— 实时行情通道：WS 优先，失败退化为 HTTP 轮询
type Feed struct {
	cfg Config

	// ---------- WS ----------
	wsConn           *websocket.Conn
	wsRunning        bool
	wsReconnecting   bool
	wsReconnectCount int

	wsWriteMu sync.Mutex
	wsCloseCh chan struct{}

	// Worker：避免在读循环里做重活
	wsMsgCh   chan []byte
	workersWg sync.WaitGroup

	// ---------- 降级 ----------
	pollOnce sync.Once // 轮询只启动一次

	// ---------- 去重 ----------
	// 最后一根已下发K线的 ts；key = symbol+"_"+tf
	lastTs sync.Map

	// ---------- 回调 ----------
	candleHandlers []func([]Candle)
	tradeHandlers  []func(Trade)
	tickerHandlers []func(Ticker)

	// ---------- 控制 ----------
	mu   sync.RWMutex
	done chan struct{}
}

func New(cfg Config) *Feed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 10
	}
	return &Feed{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start —— 尝试建立 WS；失败且配置了 Fetcher 时自动切换 HTTP 轮询。
// 两条通道都不可用才返回错误。
func (f *Feed) Start() error {
	if f.cfg.WSURL != "" {
		if err := f.connectWS(); err == nil {
			return nil
		} else {
			log.Printf("⚠️ WS连接失败，尝试HTTP轮询: %v", err)
		}
	}
	if f.cfg.Fetcher == nil {
		return fmt.Errorf("实时通道不可用：WS失败且无HTTP降级")
	}
	f.startPollingOnce()
	return nil
}

//////////////////////////////////////////////////////////////////////
// ======================== WebSocket 管理 ========================= //
//////////////////////////////////////////////////////////////////////

// connectWS —— 幂等
func (f *Feed) connectWS() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.wsRunning && f.wsConn != nil {
		return nil
	}

	dialer := *websocket.DefaultDialer // 复用全局默认（可能含代理设置）
	log.Printf("📡 连接 WebSocket: %s", f.cfg.WSURL)
	conn, _, err := dialer.Dial(f.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("WebSocket 连接失败: %v", err)
	}

	// 旧连接的关闭信号
	if f.wsCloseCh != nil {
		select {
		case <-f.wsCloseCh:
		default:
			close(f.wsCloseCh)
		}
	}
	f.wsCloseCh = make(chan struct{})

	f.wsConn = conn
	f.wsRunning = true
	f.wsReconnectCount = 0

	// 心跳超时刷新
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if f.wsMsgCh == nil {
		f.wsMsgCh = make(chan []byte, 256)
		f.workersWg.Add(1)
		go f.wsWorker()
	}

	go f.readWSLoop(f.wsCloseCh)
	go f.keepWSAlive(f.wsCloseCh)

	log.Println("✅ WebSocket 连接成功")
	return nil
}

func (f *Feed) readWSLoop(closeCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ WS消息处理panic: %v", r)
		}
	}()

	for {
		f.mu.RLock()
		conn := f.wsConn
		running := f.wsRunning
		f.mu.RUnlock()
		if !running || conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			if f.wsConn != nil {
				_ = f.wsConn.Close()
				f.wsConn = nil
			}
			stillRunning := f.wsRunning
			f.mu.Unlock()

			if stillRunning {
				go f.reconnectWS()
			}
			time.Sleep(time.Second)
			continue
		}

		select {
		case f.wsMsgCh <- msg:
		default:
			log.Printf("⚠️ WS消息队列已满，丢弃一条")
		}

		select {
		case <-closeCh:
			return
		default:
		}
	}
}

func (f *Feed) wsWorker() {
	defer f.workersWg.Done()
	for msg := range f.wsMsgCh {
		var env wsEnvelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Data == nil {
			continue
		}
		f.handleWSData(env.Type, env.Data)
	}
}

func (f *Feed) keepWSAlive(closeCh <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.mu.RLock()
			conn := f.wsConn
			running := f.wsRunning
			f.mu.RUnlock()
			if !running || conn == nil {
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			f.wsWriteMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, deadline)
			f.wsWriteMu.Unlock()
			if err != nil {
				log.Printf("⚠️ WS心跳失败: %v", err)
				go f.reconnectWS()
			}
		case <-closeCh:
			return
		}
	}
}

// 重连；连续失败超过上限后切 HTTP 轮询
func (f *Feed) reconnectWS() {
	f.mu.Lock()
	if !f.wsRunning || f.wsReconnecting {
		f.mu.Unlock()
		return
	}
	if f.wsReconnectCount >= f.cfg.MaxReconnect {
		f.mu.Unlock()
		if f.cfg.Fetcher != nil {
			log.Printf("⚠️ WS重连超过%d次，切换HTTP轮询", f.cfg.MaxReconnect)
			f.startPollingOnce()
		}
		return
	}
	f.wsReconnecting = true
	f.wsReconnectCount++
	count := f.wsReconnectCount
	f.mu.Unlock()

	delay := time.Duration(count) * 2 * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	log.Printf("🔄 %d秒后重连WebSocket (第%d次)...", delay/time.Second, count)
	time.Sleep(delay)

	err := f.connectWS()

	f.mu.Lock()
	f.wsReconnecting = false
	f.mu.Unlock()

	if err != nil {
		log.Printf("❌ 重连失败: %v", err)
		go f.reconnectWS()
	}
}

//////////////////////////////////////////////////////////////////////
// ============================ WS 数据路由 ========================= //
//////////////////////////////////////////////////////////////////////

func (f *Feed) handleWSData(typ string, data json.RawMessage) {
	switch typ {
	case "candle", "kline":
		var m map[string]any
		if json.Unmarshal(data, &m) != nil {
			return
		}
		c, ok := candleFromMap(m, f.cfg.Symbol, f.cfg.Timeframe)
		if !ok {
			return
		}
		f.mergeAndDispatch([]Candle{c})

	case "trade":
		var m map[string]any
		if json.Unmarshal(data, &m) != nil {
			return
		}
		f.dispatchTrade(Trade{
			Symbol: pickStr(m, f.cfg.Symbol, "symbol", "instId"),
			Side:   pickStr(m, "", "side"),
			Price:  pickNum(m, "price", "px", "p"),
			Size:   pickNum(m, "size", "sz", "qty"),
			Ts:     int64(pickNum(m, "ts", "t", "time", "timestamp")),
		})

	case "ticker":
		var m map[string]any
		if json.Unmarshal(data, &m) != nil {
			return
		}
		f.dispatchTicker(Ticker{
			Symbol: pickStr(m, f.cfg.Symbol, "symbol", "instId"),
			Last:   pickNum(m, "last", "price", "close", "c"),
			Bid:    pickNum(m, "bid", "bidPx"),
			Ask:    pickNum(m, "ask", "askPx"),
			Ts:     int64(pickNum(m, "ts", "t", "time", "timestamp")),
		})
	}
}

//////////////////////////////////////////////////////////////////////
// ============================ HTTP 降级 =========================== //
//////////////////////////////////////////////////////////////////////

func (f *Feed) startPollingOnce() {
	f.pollOnce.Do(func() {
		go f.pollLoop()
	})
}

// pollLoop —— 定期拉最后 N 根，去重后增量下发
func (f *Feed) pollLoop() {
	t := time.NewTicker(f.cfg.PollInterval)
	defer t.Stop()
	log.Printf("🔄 启动HTTP轮询：%s %s, 间隔%v", f.cfg.Symbol, f.cfg.Timeframe, f.cfg.PollInterval)
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			raw, err := f.cfg.Fetcher.Candles(ctx, f.cfg.Symbol, f.cfg.Timeframe, 50)
			cancel()
			if err != nil {
				continue
			}
			rows := ParseCandlePayload(raw, f.cfg.Symbol, f.cfg.Timeframe)
			if len(rows) > 0 {
				f.mergeAndDispatch(rows)
			}
		case <-f.done:
			return
		}
	}
}

// Backfill —— 启动时回补一段历史（走 HTTP），初始化缓存/图表
func (f *Feed) Backfill(ctx context.Context, limit int) ([]Candle, error) {
	if f.cfg.Fetcher == nil {
		return nil, fmt.Errorf("无HTTP通道，无法回补")
	}
	if limit <= 0 {
		limit = 300
	}
	raw, err := f.cfg.Fetcher.Candles(ctx, f.cfg.Symbol, f.cfg.Timeframe, limit)
	if err != nil {
		return nil, err
	}
	rows := ParseCandlePayload(raw, f.cfg.Symbol, f.cfg.Timeframe)
	if len(rows) > 0 {
		f.lastTs.Store(seriesKey(f.cfg.Symbol, f.cfg.Timeframe), rows[len(rows)-1].Timestamp)
		f.dispatchCandle(rows)
	}
	return rows, nil
}

// mergeAndDispatch —— 基于 lastTs 做增量：只下发比上次更新的K线。
// 同 ts 的重推（未闭合K刷新）也下发，由缓存层按 ts 覆盖。
func (f *Feed) mergeAndDispatch(rows []Candle) {
	if len(rows) == 0 {
		return
	}
	key := seriesKey(rows[0].Symbol, rows[0].TF)
	last := int64(-1)
	if v, ok := f.lastTs.Load(key); ok {
		last, _ = v.(int64)
	}

	incr := make([]Candle, 0, len(rows))
	for _, c := range rows {
		if c.Timestamp >= last {
			incr = append(incr, c)
		}
	}
	if len(incr) == 0 {
		return
	}
	f.lastTs.Store(key, incr[len(incr)-1].Timestamp)
	f.dispatchCandle(incr)
}

//////////////////////////////////////////////////////////////////////
// ============================== 回调 ============================= //
//////////////////////////////////////////////////////////////////////

func (f *Feed) OnCandle(handler func([]Candle)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candleHandlers = append(f.candleHandlers, handler)
}
func (f *Feed) OnTrade(handler func(Trade)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeHandlers = append(f.tradeHandlers, handler)
}
func (f *Feed) OnTicker(handler func(Ticker)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerHandlers = append(f.tickerHandlers, handler)
}

func (f *Feed) dispatchCandle(arr []Candle) {
	f.mu.RLock()
	hs := append([]func([]Candle){}, f.candleHandlers...)
	f.mu.RUnlock()
	for _, h := range hs {
		h(arr)
	}
}
func (f *Feed) dispatchTrade(t Trade) {
	f.mu.RLock()
	hs := append([]func(Trade){}, f.tradeHandlers...)
	f.mu.RUnlock()
	for _, h := range hs {
		h(t)
	}
}
func (f *Feed) dispatchTicker(t Ticker) {
	f.mu.RLock()
	hs := append([]func(Ticker){}, f.tickerHandlers...)
	f.mu.RUnlock()
	for _, h := range hs {
		h(t)
	}
}

//////////////////////////////////////////////////////////////////////
// ============================ 解析工具 ============================ //
//////////////////////////////////////////////////////////////////////

// ParseCandlePayload —— 容忍两种载荷形状：
//  1. {"candles":[...]} 或 {"data":[...]}
//  2. 顶层数组
//
// 每个元素可以是对象（字段名多种拼法）或数组 [ts,o,h,l,c,v]。
// 返回升序去重后的K线；解析不了的元素直接跳过。
func ParseCandlePayload(raw json.RawMessage, symbol, tf string) []Candle {
	var arr []json.RawMessage
	if json.Unmarshal(raw, &arr) != nil {
		var wrap map[string]json.RawMessage
		if json.Unmarshal(raw, &wrap) != nil {
			return nil
		}
		for _, key := range []string{"candles", "data", "rows"} {
			if v, ok := wrap[key]; ok && json.Unmarshal(v, &arr) == nil {
				break
			}
		}
	}
	if len(arr) == 0 {
		return nil
	}

	out := make([]Candle, 0, len(arr))
	for _, item := range arr {
		var m map[string]any
		if json.Unmarshal(item, &m) == nil {
			if c, ok := candleFromMap(m, symbol, tf); ok {
				out = append(out, c)
			}
			continue
		}
		var row []any
		if json.Unmarshal(item, &row) == nil {
			if c, ok := candleFromRow(row, symbol, tf); ok {
				out = append(out, c)
			}
		}
	}
	return dedupAsc(out)
}

func candleFromMap(m map[string]any, symbol, tf string) (Candle, bool) {
	ts := int64(pickNum(m, "ts", "t", "time", "timestamp"))
	if ts <= 0 {
		return Candle{}, false
	}
	return Candle{
		Timestamp: ts,
		Open:      pickNum(m, "open", "o"),
		High:      pickNum(m, "high", "h"),
		Low:       pickNum(m, "low", "l"),
		Close:     pickNum(m, "close", "c"),
		Volume:    pickNum(m, "volume", "vol", "v"),
		Symbol:    pickStr(m, symbol, "symbol", "instId"),
		TF:        pickStr(m, tf, "tf", "timeframe"),
	}, true
}

func candleFromRow(row []any, symbol, tf string) (Candle, bool) {
	if len(row) < 6 {
		return Candle{}, false
	}
	ts := int64(asNum(row[0]))
	if ts <= 0 {
		return Candle{}, false
	}
	return Candle{
		Timestamp: ts,
		Open:      asNum(row[1]),
		High:      asNum(row[2]),
		Low:       asNum(row[3]),
		Close:     asNum(row[4]),
		Volume:    asNum(row[5]),
		Symbol:    symbol,
		TF:        tf,
	}, true
}

func pickNum(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f := asNum(v); f != 0 {
				return f
			}
		}
	}
	return 0
}

func pickStr(m map[string]any, def string, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return def
}

func asNum(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	}
	return 0
}

// 去重并按 ts 升序（同 ts 后写覆盖前写）
func dedupAsc(in []Candle) []Candle {
	if len(in) <= 1 {
		return in
	}
	type kv struct {
		ts int64
		i  int
	}
	tmp := make([]kv, len(in))
	for i := range in {
		tmp[i] = kv{ts: in[i].Timestamp, i: i}
	}
	for i := 1; i < len(tmp); i++ {
		j := i
		for j > 0 && tmp[j-1].ts > tmp[j].ts {
			tmp[j-1], tmp[j] = tmp[j], tmp[j-1]
			j--
		}
	}
	out := make([]Candle, 0, len(in))
	var lastTs int64 = -1
	for _, p := range tmp {
		k := in[p.i]
		if k.Timestamp == lastTs {
			out[len(out)-1] = k
			continue
		}
		out = append(out, k)
		lastTs = k.Timestamp
	}
	return out
}

func seriesKey(symbol, tf string) string { return symbol + "_" + tf }

//////////////////////////////////////////////////////////////////////
// ============================ 运行控制 ============================ //
//////////////////////////////////////////////////////////////////////

// IsConnected —— WS是否连接
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.wsRunning && f.wsConn != nil
}

// Close —— 释放
func (f *Feed) Close() {
	f.mu.Lock()
	f.wsRunning = false
	if f.wsCloseCh != nil {
		select {
		case <-f.wsCloseCh:
		default:
			close(f.wsCloseCh)
		}
	}
	if f.wsConn != nil {
		_ = f.wsConn.Close()
		f.wsConn = nil
	}
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	if f.wsMsgCh != nil {
		close(f.wsMsgCh)
		f.wsMsgCh = nil
	}
	f.mu.Unlock()

	f.workersWg.Wait()
	log.Println("👋 行情通道已关闭")
}
