package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"Dash/src/backtest"
	"Dash/src/client"
	"Dash/src/config"
	"Dash/src/metrics"
	"Dash/src/server"
	"Dash/src/storage"
	"Dash/src/stream"
)

// ==================== Entry Point ====================
//
// Dashboard gateway service: owns the mode/backtest state machine,
// keeps a live candle cache fed over WS (HTTP polling fallback), and
// serves the dashboard UI through a gin REST API plus a push channel.

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("❌ 配置加载失败: %v", err)
	}
	log.Printf("🚀 %s 启动 (env=%s, addr=%s)", cfg.App.Name, cfg.App.Env, cfg.Server.Addr)

	// ---------- storage ----------
	store, err := storage.NewEngine(storage.Config{
		DataDir:          cfg.App.DataDir,
		MaxBarsPerSeries: cfg.Market.CacheBars,
		HistoryDSN:       cfg.History.DSN,
	})
	if err != nil {
		log.Fatalf("❌ 存储初始化失败: %v", err)
	}
	defer store.Close()
	if store.History != nil {
		log.Println("✅ 回测历史落库已启用 (postgres)")
	}

	// ---------- backend client ----------
	api := client.New(cfg.Backend.BaseURL, cfg.Backend.Timeout())
	adapter := NewBackendAdapter(api)

	// ---------- controller ----------
	// srv is assigned below; OnChange fires only after serving starts.
	var srv *server.Server
	recorder := newRunRecorder(store)

	ctrl := backtest.NewController(backtest.Config{
		Backend:          adapter,
		BasePollInterval: cfg.Backend.PollBase(),
		MaxPollInterval:  cfg.Backend.PollMax(),
		OnChange: func(snap backtest.Snapshot) {
			if srv != nil {
				srv.BroadcastState(snap)
			}
			recorder.observe(snap)
		},
	})
	defer ctrl.Close()

	// ---------- live feed ----------
	feed := stream.New(stream.Config{
		WSURL:     cfg.Backend.WSURL,
		Symbol:    cfg.Market.Symbol,
		Timeframe: cfg.Market.Timeframe,
		Fetcher:   api,
	})
	feed.OnCandle(func(arr []stream.Candle) {
		rows := make([]storage.Candle, 0, len(arr))
		for _, k := range arr {
			rows = append(rows, storage.Candle{
				Symbol: k.Symbol, TF: k.TF, T: k.Timestamp,
				O: k.Open, H: k.High, L: k.Low, C: k.Close, V: k.Volume,
			})
		}
		store.Candles.AppendBatch(rows)
		metrics.AddFeedCandles(len(rows))
		if srv != nil {
			srv.BroadcastCandles(arr)
		}
	})
	if err := feed.Start(); err != nil {
		log.Printf("⚠️ 行情通道不可用（仅影响 LIVE 视图）: %v", err)
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := feed.Backfill(ctx, cfg.Market.CacheBars); err != nil {
				log.Printf("⚠️ K线回补失败: %v", err)
			}
		}()
	}
	defer feed.Close()

	// ---------- HTTP server ----------
	gin.SetMode(gin.ReleaseMode)
	srv = server.New(server.Options{
		Controller:       ctrl,
		Backend:          api,
		Store:            store,
		FeedConnected:    feed.IsConnected,
		AllowedOrigins:   cfg.Server.Origins(),
		DefaultSymbol:    cfg.Market.Symbol,
		DefaultTimeframe: cfg.Market.Timeframe,
	})
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("📡 HTTP 服务监听 %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// ---------- shutdown ----------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("👋 收到信号 %v，开始退出", sig)
	case err := <-errCh:
		log.Printf("❌ HTTP 服务异常: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP 关闭超时: %v", err)
	}
	log.Println("✅ 退出完成")
}

// ==================== Run Recorder ====================

// runRecorder persists each finished job exactly once. A job reaches a
// terminal snapshot more than once (done, then done+KPI after the result
// is materialized), so it keys on jobID+status+hasKPI transitions.
type runRecorder struct {
	mu    sync.Mutex
	store *storage.Engine
	seen  map[string]bool
}

func newRunRecorder(store *storage.Engine) *runRecorder {
	return &runRecorder{store: store, seen: make(map[string]bool)}
}

func (r *runRecorder) observe(snap backtest.Snapshot) {
	job := snap.Job
	if !job.Status.Terminal() || job.ID == "" {
		return
	}
	// done without a materialized result yet: wait for the KPI snapshot
	if job.Status == backtest.StatusDone && job.KPI == nil {
		return
	}

	key := fmt.Sprintf("%s|%s", job.ID, job.Status)
	r.mu.Lock()
	if r.seen[key] {
		r.mu.Unlock()
		return
	}
	r.seen[key] = true
	r.mu.Unlock()

	metrics.IncJobOutcome(string(job.Status))

	rec := storage.RunRecord{
		JobID:      job.ID,
		Status:     string(job.Status),
		Error:      job.Error,
		FinishedAt: time.Now().UTC(),
	}
	if p := snap.LastParams; p != nil {
		rec.Strategy = p.Strategy
		rec.Symbol = p.Symbol
		rec.Timeframe = p.Timeframe
	}
	if k := job.KPI; k != nil {
		rec.TotalTrades = k.TotalTrades
		rec.ProfitFactor = k.ProfitFactor
		rec.MaxDrawdown = k.MaxDrawdown
		rec.TotalPnl = k.TotalPnl
	}
	if err := r.store.Record(rec); err != nil {
		log.Printf("⚠️ 回测历史写入失败: %v", err)
	}
}
