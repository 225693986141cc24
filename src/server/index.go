package server

// HTTP/WS 服务层 —— 仪表盘前端的唯一入口
// =============================================================================
// REST（gin）：
//   GET  /healthz                 存活探针
//   GET  /metrics                 Prometheus 暴露
//   GET  /api/status              后端连通性探测
//   GET  /api/state               当前模式 + 任务快照
//   POST /api/mode                切换模式 {"mode":"live|test|backtest"}
//   POST /api/backtest/run        提交回测
//   POST /api/backtest/cancel     取消当前任务
//   POST /api/backtest/retry      用上次参数重跑
//   GET  /api/backtest/state      任务快照（/api/state 的别名）
//   GET  /api/candles             K线：本地缓存优先，不足时透传后端
//   GET  /api/equity              权益曲线（透传）
//   POST /api/assistant           AI 助手（注入当前交易上下文）
//   POST /api/ml/score            ML 打分（后端不可用时返回安全默认值）
//   GET  /api/history             最近完成的回测记录
// WS：
//   GET  /ws                      状态/行情推送；信封 {"type":..., "data":...}

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Dash/src/backtest"
	"Dash/src/client"
	"Dash/src/metrics"
	"Dash/src/storage"
)

// Options —— 依赖注入；除 Controller 外均可为 nil（对应端点返回 503）
type Options struct {
	Controller *backtest.Controller
	Backend    *client.Client
	Store      *storage.Engine

	// 行情通道连通性（健康检查用）；nil 表示未接入
	FeedConnected func() bool

	AllowedOrigins   []string // WS Origin 白名单；空 = 全放行（仅限 dev）
	DefaultSymbol    string
	DefaultTimeframe string
}

type Server struct {
	opt Options
	hub *Hub
	eng *gin.Engine
}

func New(opt Options) *Server {
	s := &Server{
		opt: opt,
		hub: newHub(),
	}
	go s.hub.run()

	r := gin.New()
	r.Use(gin.Recovery(), s.countRequests())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/status", s.handleBackendStatus)
		api.GET("/state", s.handleState)
		api.POST("/mode", s.handleSetMode)

		api.POST("/backtest/run", s.handleRun)
		api.POST("/backtest/cancel", s.handleCancel)
		api.POST("/backtest/retry", s.handleRetry)
		api.GET("/backtest/state", s.handleState)

		api.GET("/candles", s.handleCandles)
		api.GET("/equity", s.handleEquity)
		api.POST("/assistant", s.handleAssistant)
		api.POST("/ml/score", s.handleMLScore)
		api.GET("/history", s.handleHistory)
	}

	r.GET("/ws", s.handleWS)

	s.eng = r
	return s
}

// Handler —— 交给 http.Server 使用
func (s *Server) Handler() http.Handler { return s.eng }

// ===================== 推送 =====================

// BroadcastState —— 状态机快照变更推送（由控制器 OnChange 驱动）
func (s *Server) BroadcastState(snap backtest.Snapshot) {
	s.hub.broadcast("state", snap)
}

// BroadcastCandles —— 行情增量推送
func (s *Server) BroadcastCandles(arr any) {
	s.hub.broadcast("candles", arr)
}

// ===================== 基础端点 =====================

func (s *Server) handleHealth(c *gin.Context) {
	feed := "disabled"
	if s.opt.FeedConnected != nil {
		if s.opt.FeedConnected() {
			feed = "connected"
		} else {
			feed = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"feed":       feed,
		"ws_clients": s.hub.count(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

// handleBackendStatus —— 后端连通性探测（透传其 /api/status）
func (s *Server) handleBackendStatus(c *gin.Context) {
	if s.opt.Backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no backend configured"})
		return
	}
	out, err := s.opt.Backend.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"status": "unreachable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": out})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.opt.Controller.Snapshot())
}

func (s *Server) handleSetMode(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	mode := s.opt.Controller.SetMode(body.Mode)
	metrics.IncModeSwitch(string(mode))
	c.JSON(http.StatusOK, s.opt.Controller.Snapshot())
}

// ===================== 回测操作 =====================

func (s *Server) handleRun(c *gin.Context) {
	var p backtest.RunParams
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if p.Symbol == "" {
		p.Symbol = s.opt.DefaultSymbol
	}
	if p.Timeframe == "" {
		p.Timeframe = s.opt.DefaultTimeframe
	}
	s.opt.Controller.RunBacktest(p)
	c.JSON(http.StatusAccepted, s.opt.Controller.Snapshot())
}

func (s *Server) handleCancel(c *gin.Context) {
	s.opt.Controller.CancelBacktest()
	metrics.IncJobOutcome("cancelled")
	c.JSON(http.StatusOK, s.opt.Controller.Snapshot())
}

func (s *Server) handleRetry(c *gin.Context) {
	s.opt.Controller.RetryBacktest()
	c.JSON(http.StatusAccepted, s.opt.Controller.Snapshot())
}

// ===================== 行情 / 权益 =====================

// handleCandles —— 缓存命中直接返回；不足或未命中透传后端
func (s *Server) handleCandles(c *gin.Context) {
	symbol := c.DefaultQuery("symbol", s.opt.DefaultSymbol)
	tf := c.DefaultQuery("timeframe", s.opt.DefaultTimeframe)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "300"))
	if limit <= 0 {
		limit = 300
	}

	if s.opt.Store != nil {
		if rows := s.opt.Store.Candles.Get(symbol, tf, limit); len(rows) >= limit {
			c.JSON(http.StatusOK, gin.H{"candles": rows, "source": "cache"})
			return
		}
	}
	if s.opt.Backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no backend configured"})
		return
	}
	raw, err := s.opt.Backend.Candles(c.Request.Context(), symbol, tf, limit)
	if err != nil {
		s.proxyError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (s *Server) handleEquity(c *gin.Context) {
	if s.opt.Backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no backend configured"})
		return
	}
	raw, err := s.opt.Backend.Equity(c.Request.Context())
	if err != nil {
		s.proxyError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// ===================== 助手 / ML =====================

// handleAssistant —— 前端只发消息；交易上下文（模式/品种/KPI/结果）由服务端注入
func (s *Server) handleAssistant(c *gin.Context) {
	if s.opt.Backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no backend configured"})
		return
	}
	var req client.AssistantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages is required"})
		return
	}

	snap := s.opt.Controller.Snapshot()
	req.Context.Mode = string(snap.Mode)
	if req.Context.Symbol == "" {
		req.Context.Symbol = s.opt.DefaultSymbol
	}
	if req.Context.Timeframe == "" {
		req.Context.Timeframe = s.opt.DefaultTimeframe
	}
	if snap.Job.KPI != nil {
		req.Context.Metrics = map[string]any{
			"totalTrades":  snap.Job.KPI.TotalTrades,
			"profitFactor": snap.Job.KPI.ProfitFactor,
			"maxDrawdown":  snap.Job.KPI.MaxDrawdown,
			"totalPnl":     snap.Job.KPI.TotalPnl,
		}
	}
	if snap.Job.Result != nil {
		req.Context.BacktestResult = snap.Job.Result
	}

	out, err := s.opt.Backend.Assistant(c.Request.Context(), req)
	if err != nil {
		s.proxyError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// handleMLScore —— 打分失败不阻塞界面：回安全默认值
func (s *Server) handleMLScore(c *gin.Context) {
	if s.opt.Backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no backend configured"})
		return
	}
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	out, err := s.opt.Backend.MLScore(c.Request.Context(), req)
	if err != nil {
		log.Printf("⚠️ ML打分失败，返回默认值: %v", err)
		c.JSON(http.StatusOK, client.MLScoreResponse{
			Output: client.MLScoreOutput{
				SignalQuality: 0,
				RiskScore:     0.5,
				Confidence:    0,
				Tags:          []string{"unavailable"},
				Explain:       []string{"scoring service unavailable"},
			},
		})
		return
	}
	c.JSON(http.StatusOK, out)
}

// ===================== 历史 =====================

func (s *Server) handleHistory(c *gin.Context) {
	if s.opt.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no storage configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := s.opt.Store.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []storage.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": rows})
}

// ===================== 错误与中间件 =====================

// proxyError —— 后端结构化错误按原状态码透传；网络层故障 502
func (s *Server) proxyError(c *gin.Context, err error) {
	var aerr *client.APIError
	if errors.As(err, &aerr) {
		c.JSON(aerr.StatusCode, gin.H{"error": aerr.Message, "request_id": aerr.RequestID})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.IncAPIRequest(path, strconv.Itoa(c.Writer.Status()))
	}
}

// ===================== WebSocket Hub =====================

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	events     chan []byte
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan []byte, 256),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.AddWSClient()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			metrics.RemoveWSClient()

		case msg := <-h.events:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// 慢客户端：丢弃本条而不是阻塞整个 hub
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) broadcast(typ string, data any) {
	b, err := json.Marshal(wsEnvelope{Type: typ, Data: data})
	if err != nil {
		return
	}
	select {
	case h.events <- b:
	default:
		log.Printf("⚠️ WS广播队列已满，丢弃一条 (%s)", typ)
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

func (s *Server) handleWS(c *gin.Context) {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- cl

	// 新客户端先收到一份当前快照
	if b, err := json.Marshal(wsEnvelope{Type: "state", Data: s.opt.Controller.Snapshot()}); err == nil {
		select {
		case cl.send <- b:
		default:
		}
	}

	go cl.writePump()
	go cl.readPump()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opt.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // 非浏览器客户端
	}
	for _, allowed := range s.opt.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// readPump —— 只为探测断开与响应 ping/pong；入站消息一律忽略
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
