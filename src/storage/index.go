package storage

// Storage —— 数据存储层（K 线缓存 / 回测历史）
// =============================================================================
// 1) K线内存缓存：按 品种 × 周期 管理环形缓冲，线程安全，供 LIVE 视图与
//    /api/candles 就近读取；
// 2) 回测历史：每个到达终态的任务写一行结构化 JSON Lines（.jsonl，按日滚动）；
// 3) 可选 Postgres 落库（history.dsn 非空时启用），供 /api/history 查询。

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// ===================== 轻量公共类型 =====================

// Candle —— 基础 K 线结构（避免与其它层循环依赖）
type Candle struct {
	Symbol string  `json:"symbol"`
	TF     string  `json:"tf"` // 1m/5m/15m/1h/4h/1d
	T      int64   `json:"t"`  // Unix 毫秒
	O      float64 `json:"o"`
	H      float64 `json:"h"`
	L      float64 `json:"l"`
	C      float64 `json:"c"`
	V      float64 `json:"v"`
}

// RunRecord —— 一次到达终态的回测任务
type RunRecord struct {
	JobID        string    `json:"job_id"`
	Strategy     string    `json:"strategy"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	Status       string    `json:"status"` // done|error
	TotalTrades  int       `json:"total_trades"`
	ProfitFactor float64   `json:"profit_factor"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	TotalPnl     float64   `json:"total_pnl"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// ===================== 引擎总控 =====================

type Config struct {
	DataDir string // 数据目录（JSONL 历史）

	MaxBarsPerSeries int // 单序列最大缓存根数（环形缓冲容量）

	HistoryDSN string // Postgres DSN；为空则不启用落库
}

func (c *Config) withDefaults() Config {
	q := *c
	if q.DataDir == "" {
		q.DataDir = "./data"
	}
	if q.MaxBarsPerSeries == 0 {
		q.MaxBarsPerSeries = 5000
	}
	return q
}

// Engine —— 对外聚合对象：Candles + Runs (+ History)
type Engine struct {
	Candles *CandleStore
	Runs    *RunLogger
	History *HistoryDB // 可能为 nil（未配置 DSN）
}

func NewEngine(cfg Config) (*Engine, error) {
	c := cfg.withDefaults()
	_ = os.MkdirAll(c.DataDir, 0o755)
	eng := &Engine{
		Candles: NewCandleStore(c.MaxBarsPerSeries),
		Runs:    NewRunLogger(c.DataDir, "runs.jsonl"),
	}
	if c.HistoryDSN != "" {
		db, err := OpenHistoryDB(c.HistoryDSN)
		if err != nil {
			return nil, err
		}
		eng.History = db
	}
	return eng, nil
}

// Record —— 终态任务统一入口：先写 JSONL，再尽力落库
func (e *Engine) Record(r RunRecord) error {
	if err := e.Runs.Append(r); err != nil {
		return err
	}
	if e.History != nil {
		return e.History.Insert(r)
	}
	return nil
}

// Recent —— 优先从库里读；未配置 DSN 时回落到 JSONL 尾部
func (e *Engine) Recent(n int) ([]RunRecord, error) {
	if e.History != nil {
		return e.History.Recent(n)
	}
	return e.Runs.Tail(n)
}

func (e *Engine) Close() error {
	err1 := e.Runs.Close()
	var err2 error
	if e.History != nil {
		err2 = e.History.Close()
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// ===================== Candle 内存缓存（环形，多键） =====================

type CandleStore struct {
	mu       sync.RWMutex
	series   map[string]*cSeries // key: symbol|tf
	capacity int
}

func NewCandleStore(maxBars int) *CandleStore {
	return &CandleStore{
		series:   make(map[string]*cSeries),
		capacity: maxBars,
	}
}

func (s *CandleStore) key(symbol, tf string) string { return symbol + "|" + tf }

// Append —— 追加一根 K 线（同时间戳覆盖“最新一根”）
func (s *CandleStore) Append(k Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(k.Symbol, k.TF)
	seq := s.series[key]
	if seq == nil {
		seq = newCSeries(s.capacity)
		s.series[key] = seq
	}
	seq.push(k)
}

// AppendBatch —— 批量追加（按时间升序更好）
func (s *CandleStore) AppendBatch(arr []Candle) {
	for _, k := range arr {
		s.Append(k)
	}
}

// Get —— 取最近 n 根（不足则全量），返回“时间升序”
func (s *CandleStore) Get(symbol, tf string, n int) []Candle {
	s.mu.RLock()
	seq := s.series[s.key(symbol, tf)]
	s.mu.RUnlock()
	if seq == nil || seq.count == 0 {
		return nil
	}
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	if n <= 0 || n > seq.count {
		n = seq.count
	}
	out := make([]Candle, n)
	start := seq.count - n
	for i := 0; i < n; i++ {
		out[i] = seq.getAscUnsafe(start + i)
	}
	return out
}

// Last —— 取最新一根（存在返回 true）
func (s *CandleStore) Last(symbol, tf string) (Candle, bool) {
	s.mu.RLock()
	seq := s.series[s.key(symbol, tf)]
	s.mu.RUnlock()
	if seq == nil || seq.count == 0 {
		return Candle{}, false
	}
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.getAscUnsafe(seq.count - 1), true
}

// —— 单序列：环形缓冲 ——

type cSeries struct {
	mu     sync.RWMutex
	data   []Candle
	cap    int
	count  int
	idx    int
	lastTS int64 // 最新一根的时间戳（覆盖同 ts）
}

func newCSeries(capacity int) *cSeries {
	if capacity < 128 {
		capacity = 128
	}
	return &cSeries{data: make([]Candle, capacity), cap: capacity}
}

func (s *cSeries) push(k Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// 同时间戳：覆盖“最后一根”
	if s.count > 0 && s.lastTS == k.T {
		s.data[s.lastPosUnsafe()] = k
		return
	}
	if s.count < s.cap {
		s.data[s.count] = k
		s.count++
	} else {
		s.data[s.idx] = k
		s.idx = (s.idx + 1) % s.cap
	}
	s.lastTS = k.T
}

func (s *cSeries) lastPosUnsafe() int {
	if s.count < s.cap {
		return s.count - 1
	}
	return (s.idx - 1 + s.cap) % s.cap
}

// getAscUnsafe(i) —— 第 i 条（从 0 最旧到 count-1 最新）；调用方需持锁
func (s *cSeries) getAscUnsafe(i int) Candle {
	if s.count == 0 {
		return Candle{}
	}
	if i < 0 {
		i = 0
	}
	if i >= s.count {
		i = s.count - 1
	}
	if s.count < s.cap {
		return s.data[i]
	}
	return s.data[(s.idx+i)%s.cap]
}

// ===================== 回测历史（JSON Lines，按日滚动） =====================

type RunLogger struct {
	mu       sync.Mutex
	dir      string
	baseName string
	file     *os.File
	writer   *bufio.Writer
	dayMark  string
}

func NewRunLogger(dir, filename string) *RunLogger {
	if filename == "" {
		filename = "runs.jsonl"
	}
	_ = os.MkdirAll(dir, 0o755)
	return &RunLogger{dir: dir, baseName: filename}
}

func (t *RunLogger) Append(r RunRecord) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.rotateIfNeeded(); err != nil {
		return err
	}
	if _, err := t.writer.Write(b); err != nil {
		return err
	}
	return t.writer.Flush()
}

// Tail —— 读取当日文件的最近 N 条记录
func (t *RunLogger) Tail(n int) ([]RunRecord, error) {
	if n <= 0 {
		n = 50
	}
	path := filepath.Join(t.dir, t.activeNameForDay(time.Now().Format("20060102")))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]RunRecord, 0, len(lines))
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		var r RunRecord
		if json.Unmarshal([]byte(ln), &r) == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *RunLogger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer != nil {
		_ = t.writer.Flush()
	}
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

func (t *RunLogger) activeNameForDay(day string) string {
	base := strings.TrimSuffix(t.baseName, filepath.Ext(t.baseName))
	ext := filepath.Ext(t.baseName)
	return fmt.Sprintf("%s_%s%s", base, day, ext)
}

func (t *RunLogger) rotateIfNeeded() error {
	nowDay := time.Now().Format("20060102")
	if t.file != nil && nowDay == t.dayMark {
		return nil
	}
	if t.file != nil {
		_ = t.writer.Flush()
		_ = t.file.Close()
		t.writer = nil
		t.file = nil
	}
	path := filepath.Join(t.dir, t.activeNameForDay(nowDay))
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	t.file = f
	t.writer = bufio.NewWriterSize(f, 64*1024)
	t.dayMark = nowDay
	return nil
}

// ===================== Postgres 落库（可选） =====================

const historySchema = `
CREATE TABLE IF NOT EXISTS backtest_runs (
	id            BIGSERIAL PRIMARY KEY,
	job_id        TEXT NOT NULL,
	strategy      TEXT NOT NULL DEFAULT '',
	symbol        TEXT NOT NULL DEFAULT '',
	timeframe     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	total_trades  INTEGER NOT NULL DEFAULT 0,
	profit_factor DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_drawdown  DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_pnl     DOUBLE PRECISION NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	finished_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_backtest_runs_finished_at ON backtest_runs (finished_at DESC);
`

type HistoryDB struct {
	db *sql.DB
}

func OpenHistoryDB(dsn string) (*HistoryDB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开历史库失败: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化历史表失败: %w", err)
	}
	return &HistoryDB{db: db}, nil
}

func (h *HistoryDB) Insert(r RunRecord) error {
	_, err := h.db.Exec(`
		INSERT INTO backtest_runs
			(job_id, strategy, symbol, timeframe, status,
			 total_trades, profit_factor, max_drawdown, total_pnl, error, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.JobID, r.Strategy, r.Symbol, r.Timeframe, r.Status,
		r.TotalTrades, r.ProfitFactor, r.MaxDrawdown, r.TotalPnl, r.Error, r.FinishedAt)
	return err
}

func (h *HistoryDB) Recent(n int) ([]RunRecord, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := h.db.Query(`
		SELECT job_id, strategy, symbol, timeframe, status,
		       total_trades, profit_factor, max_drawdown, total_pnl, error, finished_at
		FROM backtest_runs
		ORDER BY finished_at DESC
		LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.JobID, &r.Strategy, &r.Symbol, &r.Timeframe, &r.Status,
			&r.TotalTrades, &r.ProfitFactor, &r.MaxDrawdown, &r.TotalPnl, &r.Error, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (h *HistoryDB) Close() error { return h.db.Close() }
