package config

// 配置（Config）层 —— 交易仪表盘服务
//
// 设计目标：
// 1) 支持 YAML 文件 + 环境变量（ENV）覆盖；
// 2) 提供合理的默认值，开箱可用（后端默认指向本机回环地址）；
// 3) 加入严格校验（Validate），在启动时尽早发现问题；
// 4) 依赖轻量，仅使用 yaml.v3。
//
// 常用环境变量（统一前缀：DASH_）：
//   DASH_APP_NAME=dashboard
//   DASH_APP_ENV=dev                  # dev|staging|prod
//   DASH_APP_DATA_DIR=./data
//
//   DASH_BACKEND_BASE_URL=http://127.0.0.1:8000
//   DASH_BACKEND_WS_URL=ws://127.0.0.1:8000/ws
//   DASH_BACKEND_TIMEOUT_MS=15000
//   DASH_BACKEND_POLL_BASE_MS=2000    # 状态轮询基础间隔
//   DASH_BACKEND_POLL_MAX_MS=30000    # 退避封顶
//
//   DASH_MARKET_SYMBOL=ETHUSDT
//   DASH_MARKET_TIMEFRAME=15m         # 1m|5m|15m|30m|1h|4h|1d
//   DASH_MARKET_CACHE_BARS=5000
//
//   DASH_HISTORY_DSN=postgres://...   # 空 = 不落库，仅写 JSONL
//
//   DASH_SERVER_ADDR=:8080
//   DASH_SERVER_ALLOWED_ORIGINS=http://localhost:3000
//
//   DASH_LOG_LEVEL=info               # debug|info|warn|error

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 根配置结构体（导出字段便于 YAML 反序列化）
type Config struct {
	App     AppConfig     `yaml:"app"`
	Backend BackendConfig `yaml:"backend"`
	Market  MarketConfig  `yaml:"market"`
	History HistoryConfig `yaml:"history"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// 应用基础配置
type AppConfig struct {
	Name    string `yaml:"name"`    // 应用名
	Env     string `yaml:"env"`     // 环境：dev|staging|prod
	DataDir string `yaml:"dataDir"` // 数据目录（运行日志/缓存）
}

// 后端配置（回测/行情/助手的远端服务）
type BackendConfig struct {
	BaseURL    string `yaml:"baseURL"`    // REST 基地址
	WSURL      string `yaml:"wsURL"`      // 实时推送 WS 地址
	TimeoutMs  int    `yaml:"timeoutMs"`  // 单请求超时（毫秒）
	PollBaseMs int    `yaml:"pollBaseMs"` // 任务状态轮询基础间隔
	PollMaxMs  int    `yaml:"pollMaxMs"`  // 指数退避封顶
}

// 行情配置（LIVE 模式的默认视图）
type MarketConfig struct {
	Symbol    string `yaml:"symbol"`    // 默认品种，如 ETHUSDT
	Timeframe string `yaml:"timeframe"` // K 线周期：1m|5m|15m|30m|1h|4h|1d
	CacheBars int    `yaml:"cacheBars"` // 单序列内存缓存根数
}

// 历史记录配置（已完成回测的落库）
type HistoryConfig struct {
	DSN string `yaml:"dsn"` // Postgres DSN；为空则只写本地 JSONL
}

// 对外服务配置
type ServerConfig struct {
	Addr           string `yaml:"addr"`           // 监听地址，如 :8080
	AllowedOrigins string `yaml:"allowedOrigins"` // WS 允许的 Origin（逗号分隔）
}

// 日志配置
type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// ===================== 对外 API =====================

// Default 返回带默认值的配置
func Default() Config {
	return Config{
		App: AppConfig{
			Name:    "dashboard",
			Env:     "dev",
			DataDir: "./data",
		},
		Backend: BackendConfig{
			BaseURL:    "http://127.0.0.1:8000",
			WSURL:      "ws://127.0.0.1:8000/ws",
			TimeoutMs:  15000,
			PollBaseMs: 2000,
			PollMaxMs:  30000,
		},
		Market: MarketConfig{
			Symbol:    "ETHUSDT",
			Timeframe: "15m",
			CacheBars: 5000,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: "http://localhost:3000,http://127.0.0.1:3000",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load 按优先顺序读取 YAML，并应用 ENV 覆盖与校验。
// 说明：
//   - paths 为空时会尝试：./configs/dashboard.yaml、./config.yaml、./dashboard.yaml
//   - 若找不到任何文件，则仅用默认值 + 环境变量。
func Load(paths ...string) (*Config, error) {
	c := Default()

	if len(paths) == 0 {
		paths = []string{
			"./configs/dashboard.yaml",
			"./config.yaml",
			"./dashboard.yaml",
		}
	}

	var used string
	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(p) {
			abs, _ = filepath.Abs(p)
		}
		if fi, err := os.Stat(abs); err == nil && !fi.IsDir() {
			b, err := os.ReadFile(abs)
			if err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("解析 YAML 失败: %w", err)
			}
			used = abs
			break
		}
	}
	if used != "" {
		fmt.Printf("📄 使用配置文件: %s\n", used)
	} else {
		fmt.Println("⚠️ 未找到配置文件，使用默认值 + 环境变量")
	}

	c.applyEnv("DASH_")

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Origins —— 逗号分隔的 Origin 白名单拆成切片；空串返回 nil
func (s ServerConfig) Origins() []string {
	var out []string
	for _, p := range strings.Split(s.AllowedOrigins, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Timeout / PollBase / PollMax —— 毫秒字段的便捷换算
func (b BackendConfig) Timeout() time.Duration  { return time.Duration(b.TimeoutMs) * time.Millisecond }
func (b BackendConfig) PollBase() time.Duration { return time.Duration(b.PollBaseMs) * time.Millisecond }
func (b BackendConfig) PollMax() time.Duration  { return time.Duration(b.PollMaxMs) * time.Millisecond }

// Validate 对配置进行一致性与边界校验。
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app.name 不能为空")
	}
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	switch strings.ToLower(c.App.Env) {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("app.env 无效: %s (允许: dev|staging|prod)", c.App.Env)
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "./data"
	}

	// Backend
	if c.Backend.BaseURL == "" {
		return errors.New("backend.baseURL 不能为空")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend.baseURL 无效: %s", c.Backend.BaseURL)
	}
	if c.Backend.WSURL != "" && !strings.HasPrefix(c.Backend.WSURL, "ws://") && !strings.HasPrefix(c.Backend.WSURL, "wss://") {
		return fmt.Errorf("backend.wsURL 无效: %s", c.Backend.WSURL)
	}
	if c.Backend.TimeoutMs <= 0 {
		c.Backend.TimeoutMs = 15000
	}
	if c.Backend.PollBaseMs <= 0 {
		c.Backend.PollBaseMs = 2000
	}
	if c.Backend.PollMaxMs < c.Backend.PollBaseMs {
		return errors.New("backend.pollMaxMs 不能小于 pollBaseMs")
	}

	// Market
	if c.Market.Symbol == "" {
		return errors.New("market.symbol 不能为空")
	}
	allowedTF := map[string]bool{"1m": true, "5m": true, "15m": true, "30m": true, "1h": true, "4h": true, "1d": true}
	if !allowedTF[strings.ToLower(c.Market.Timeframe)] {
		return fmt.Errorf("market.timeframe 无效: %s", c.Market.Timeframe)
	}
	if c.Market.CacheBars <= 0 {
		c.Market.CacheBars = 5000
	}

	// Server
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
		if c.Logging.Level == "" {
			c.Logging.Level = "info"
		}
	default:
		return fmt.Errorf("logging.level 无效: %s", c.Logging.Level)
	}
	return nil
}

// ===================== 环境变量覆盖 =====================

// applyEnv 读取以 prefix 开头的环境变量并覆盖配置。
func (c *Config) applyEnv(prefix string) {
	// App
	c.App.Name = pickStr(os.Getenv(prefix+"APP_NAME"), c.App.Name)
	c.App.Env = pickStr(os.Getenv(prefix+"APP_ENV"), c.App.Env)
	c.App.DataDir = pickStr(os.Getenv(prefix+"APP_DATA_DIR"), c.App.DataDir)

	// Backend
	c.Backend.BaseURL = pickStr(os.Getenv(prefix+"BACKEND_BASE_URL"), c.Backend.BaseURL)
	c.Backend.WSURL = pickStr(os.Getenv(prefix+"BACKEND_WS_URL"), c.Backend.WSURL)
	c.Backend.TimeoutMs = pickInt(os.Getenv(prefix+"BACKEND_TIMEOUT_MS"), c.Backend.TimeoutMs)
	c.Backend.PollBaseMs = pickInt(os.Getenv(prefix+"BACKEND_POLL_BASE_MS"), c.Backend.PollBaseMs)
	c.Backend.PollMaxMs = pickInt(os.Getenv(prefix+"BACKEND_POLL_MAX_MS"), c.Backend.PollMaxMs)

	// Market
	c.Market.Symbol = pickStr(os.Getenv(prefix+"MARKET_SYMBOL"), c.Market.Symbol)
	c.Market.Timeframe = pickStr(os.Getenv(prefix+"MARKET_TIMEFRAME"), c.Market.Timeframe)
	c.Market.CacheBars = pickInt(os.Getenv(prefix+"MARKET_CACHE_BARS"), c.Market.CacheBars)

	// History
	c.History.DSN = pickStr(os.Getenv(prefix+"HISTORY_DSN"), c.History.DSN)

	// Server
	c.Server.Addr = pickStr(os.Getenv(prefix+"SERVER_ADDR"), c.Server.Addr)
	c.Server.AllowedOrigins = pickStr(os.Getenv(prefix+"SERVER_ALLOWED_ORIGINS"), c.Server.AllowedOrigins)

	// Logging
	c.Logging.Level = pickStr(os.Getenv(prefix+"LOG_LEVEL"), c.Logging.Level)
}

// ===================== 小工具函数 =====================

func pickStr(env, cur string) string {
	if strings.TrimSpace(env) != "" {
		return strings.TrimSpace(env)
	}
	return cur
}

func pickInt(env string, cur int) int {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	if v, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
		return v
	}
	return cur
}
