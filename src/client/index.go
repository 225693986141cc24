package client

// 后端 API 客户端 —— 仪表盘与交易后端之间唯一的 HTTP 通道
// =============================================================================
// 覆盖端点：
//   POST /api/backtest/run            提交回测任务
//   GET  /api/backtest/status/{id}    任务状态
//   GET  /api/backtest/result/{id}    完整结果载荷
//   GET  /api/candles                 K 线（HTTP 降级通道）
//   GET  /api/equity                  权益曲线
//   POST /api/assistant               AI 助手
//   POST /api/ml/score                ML 打分
//   GET  /api/status                  后端健康
// 错误响应可能是任意 JSON 或纯文本：统一提取 {error|message|detail} 与
// {request_id|requestId}，包装成 *APIError；其余错误视为网络层故障。
// 每个出站请求都带 X-Request-ID（uuid），便于与后端日志对账。

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 15 * time.Second

// APIError —— 后端明确返回的非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s)", e.Message, e.RequestID)
	}
	return e.Message
}

type Client struct {
	baseURL string
	hc      *http.Client
}

// New —— 复用全局默认传输栈（与环境代理设置兼容）
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var hc *http.Client
	if dt, ok := http.DefaultTransport.(*http.Transport); ok {
		hc = &http.Client{Timeout: timeout, Transport: dt.Clone()}
	} else {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

// ===================== 回测任务 =====================

type RunRequest struct {
	Strategy       string         `json:"strategy"`
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	InitialBalance float64        `json:"initial_balance"`
	Start          string         `json:"start,omitempty"`
	End            string         `json:"end,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

type RunResponse struct {
	JobID  string
	Status string
}

type StatusResponse struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error"`
}

func (c *Client) RunBacktest(ctx context.Context, req RunRequest) (RunResponse, error) {
	var raw map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/api/backtest/run", nil, req, &raw); err != nil {
		return RunResponse{}, err
	}
	// job_id / jobId 两种拼法都见过
	return RunResponse{
		JobID:  firstString(raw, "job_id", "jobId"),
		Status: firstString(raw, "status"),
	}, nil
}

func (c *Client) JobStatus(ctx context.Context, jobID string) (StatusResponse, error) {
	var out StatusResponse
	path := "/api/backtest/status/" + url.PathEscape(jobID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return StatusResponse{}, err
	}
	return out, nil
}

// JobResult —— 结果载荷形状由后端自定义；畸形 JSON 按空对象处理，绝不上抛
func (c *Client) JobResult(ctx context.Context, jobID string) (map[string]any, error) {
	path := "/api/backtest/result/" + url.PathEscape(jobID)
	data, err := c.doRaw(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if json.Unmarshal(data, &payload) != nil || payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// ===================== 行情 / 权益 =====================

func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if timeframe != "" {
		q.Set("timeframe", timeframe)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRaw(ctx, http.MethodGet, "/api/candles", q, nil)
}

func (c *Client) Equity(ctx context.Context) (json.RawMessage, error) {
	return c.doRaw(ctx, http.MethodGet, "/api/equity", nil, nil)
}

// ===================== 助手 / ML =====================

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// TradingContext —— 随提问附带的仪表盘上下文
type TradingContext struct {
	Mode           string         `json:"mode"`
	Symbol         string         `json:"symbol,omitempty"`
	Timeframe      string         `json:"timeframe,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	BacktestResult map[string]any `json:"backtestResult,omitempty"`
}

type AssistantRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Messages  []ChatMessage  `json:"messages"`
	Context   TradingContext `json:"context"`
}

type AssistantAction struct {
	Type    string         `json:"type"`
	Label   string         `json:"label"`
	Payload map[string]any `json:"payload,omitempty"`
}

type AssistantResponse struct {
	Answer  string            `json:"answer"`
	Actions []AssistantAction `json:"actions"`
}

func (c *Client) Assistant(ctx context.Context, req AssistantRequest) (AssistantResponse, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	var out AssistantResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/assistant", nil, req, &out); err != nil {
		return AssistantResponse{}, err
	}
	return out, nil
}

type MLScoreOutput struct {
	SignalQuality float64  `json:"signalQuality"`
	RiskScore     float64  `json:"riskScore"`
	Confidence    float64  `json:"confidence"`
	Tags          []string `json:"tags"`
	Explain       []string `json:"explain"`
}

type MLScoreResponse struct {
	Output        MLScoreOutput  `json:"output"`
	FeatureVector map[string]any `json:"featureVector,omitempty"`
}

func (c *Client) MLScore(ctx context.Context, req map[string]any) (MLScoreResponse, error) {
	var out MLScoreResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/ml/score", nil, req, &out); err != nil {
		return MLScoreResponse{}, err
	}
	return out, nil
}

// ===================== 健康 =====================

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ===================== 请求底座 =====================

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body, out any) error {
	data, err := c.doRaw(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, q url.Values, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// parseAPIError —— 尽力从错误响应体提取结构化信息
func parseAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Message: fmt.Sprintf("HTTP %d", status)}
	var m map[string]any
	if json.Unmarshal(body, &m) == nil {
		if s := firstString(m, "error", "message", "detail"); s != "" {
			e.Message = s
		}
		e.RequestID = firstString(m, "request_id", "requestId")
		return e
	}
	if txt := strings.TrimSpace(string(body)); txt != "" {
		e.Message = txt
	}
	return e
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch x := v.(type) {
			case string:
				if strings.TrimSpace(x) != "" {
					return strings.TrimSpace(x)
				}
			case float64:
				return strconv.FormatFloat(x, 'f', -1, 64)
			}
		}
	}
	return ""
}
