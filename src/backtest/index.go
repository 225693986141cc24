package backtest

// 回测任务控制层 —— 仪表盘的核心状态机
// =============================================================================
// 1) 模式控制：LIVE / TEST / BACKTEST 互斥；每次切换取消上一模式的全部在途请求；
// 2) 任务启动：提交远端回测任务，保存 job_id 与初始状态；
// 3) 状态轮询：轮询直至终态；网络抖动指数退避（2s 起步，×1.5，封顶 30s）；
// 4) 结果物化：status=done 后拉取完整结果并归一化为 KPI；
// 5) 两个代数计数器（modeVersion / runVersion）识别并静默丢弃过期的异步回调。
//
// 共享可变状态只有一份 Job 记录与两个计数器，全部由同一把锁保护；
// 每个异步完成点都必须在持锁后重新校验代数，再写状态。

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Dash/src/metrics"
)

// ===================== 模式与状态 =====================

// Mode —— 互斥的运行模式
type Mode string

const (
	ModeLive     Mode = "live"
	ModeTest     Mode = "test"
	ModeBacktest Mode = "backtest"
)

// ParseMode —— 大小写不敏感；无法识别的输入回落到 LIVE，绝不报错
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return ModeLive
	case "test":
		return ModeTest
	case "backtest":
		return ModeBacktest
	default:
		return ModeLive
	}
}

// Status —— 任务生命周期
type Status string

const (
	StatusIdle    Status = "idle"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Active —— 仍在后端执行中（需要轮询）
func (s Status) Active() bool { return s == StatusQueued || s == StatusRunning }

// Terminal —— 终态：不再轮询
func (s Status) Terminal() bool { return s == StatusDone || s == StatusError }

// parseStatus —— 后端状态字段缺失/未知时按 queued 处理
func parseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StatusRunning
	case "done":
		return StatusDone
	case "error":
		return StatusError
	default:
		return StatusQueued
	}
}

// ===================== 后端契约 =====================

// RunParams —— 透传给后端 run 接口的启动参数
type RunParams struct {
	Strategy       string         `json:"strategy"`
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	InitialBalance float64        `json:"initial_balance"`
	Start          string         `json:"start,omitempty"`
	End            string         `json:"end,omitempty"`
	Extra          map[string]any `json:"params,omitempty"`
}

// RunAck —— run 接口成功响应；JobID 为空视为提交失败
type RunAck struct {
	JobID  string
	Status string
}

// StatusReply —— status 接口响应
type StatusReply struct {
	Status   string
	Progress float64
	Error    string
}

// RemoteError —— 后端明确返回的非 2xx 响应（权威失败，不自动重试）
type RemoteError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *RemoteError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s)", e.Message, e.RequestID)
	}
	return e.Message
}

// Backend —— 远端回测服务；实现见根目录 backend_adapter.go
type Backend interface {
	RunBacktest(ctx context.Context, p RunParams) (RunAck, error)
	JobStatus(ctx context.Context, jobID string) (StatusReply, error)
	JobResult(ctx context.Context, jobID string) (map[string]any, error)
}

// ===================== 任务记录与快照 =====================

// Job —— 一次回测任务的完整客户端视图
type Job struct {
	ID       string         `json:"jobId"`
	Status   Status         `json:"status"`
	Progress float64        `json:"progress"`
	Result   map[string]any `json:"result,omitempty"`
	KPI      *KPI           `json:"kpi,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Snapshot —— 对外只读视图（WS 推送 / REST 查询共用）
type Snapshot struct {
	Mode        Mode       `json:"mode"`
	ModeVersion uint64     `json:"modeVersion"`
	RunVersion  uint64     `json:"runVersion"`
	Job         Job        `json:"job"`
	LastParams  *RunParams `json:"lastParams,omitempty"`
}

// ===================== 控制器 =====================

const (
	defaultBasePoll = 2 * time.Second
	defaultMaxPoll  = 30 * time.Second
	backoffFactor   = 1.5
)

type Config struct {
	Backend Backend

	// 轮询节奏（零值取默认：2s / 30s）
	BasePollInterval time.Duration
	MaxPollInterval  time.Duration

	// 每次状态变更后在锁外回调（WS 广播、指标、历史落库）
	OnChange func(Snapshot)
}

type Controller struct {
	backend  Backend
	basePoll time.Duration
	maxPoll  time.Duration
	onChange func(Snapshot)

	mu          sync.Mutex
	mode        Mode
	modeVersion uint64
	runVersion  uint64
	job         Job
	lastParams  RunParams
	haveParams  bool

	launchCancel context.CancelFunc
	pollCancel   context.CancelFunc
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		backend:  cfg.Backend,
		basePoll: cfg.BasePollInterval,
		maxPoll:  cfg.MaxPollInterval,
		onChange: cfg.OnChange,
		mode:     ModeLive,
		job:      Job{Status: StatusIdle},
	}
	if c.basePoll <= 0 {
		c.basePoll = defaultBasePoll
	}
	if c.maxPoll <= 0 {
		c.maxPoll = defaultMaxPoll
	}
	return c
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SetMode —— 唯一允许清掉其它模式状态的入口。
// 无论模式是否真的改变：取消在途请求与退避定时、递增 modeVersion；
// 切向非 BACKTEST 模式时重置 Job；同模式重进（backtest→backtest）
// 保留任务并恢复轮询会话。
func (c *Controller) SetMode(raw string) Mode {
	next := ParseMode(raw)

	c.mu.Lock()
	c.cancelInflightLocked()
	c.modeVersion++
	if next != ModeBacktest {
		c.job = Job{Status: StatusIdle}
	}
	c.mode = next
	// 处于回测且任务仍活跃（同模式重进）：恢复轮询会话
	if next == ModeBacktest && c.job.ID != "" && c.job.Status.Active() {
		c.startPollLocked(c.job.ID)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return next
}

// RunBacktest —— 提交新任务。已有确认活跃的任务时为 no-op（每模式至多一个）；
// 上一次提交尚未得到应答时则取而代之（旧应答按代数作废）。
func (c *Controller) RunBacktest(p RunParams) {
	c.mu.Lock()
	if c.job.Status.Active() && c.launchCancel == nil {
		c.mu.Unlock()
		return
	}
	if c.launchCancel != nil {
		c.launchCancel()
		c.launchCancel = nil
	}
	c.runVersion++
	thisRun := c.runVersion
	thisMode := c.modeVersion
	c.lastParams = p
	c.haveParams = true
	c.job = Job{ID: c.job.ID, Status: StatusQueued}

	ctx, cancel := context.WithCancel(context.Background())
	c.launchCancel = cancel
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	go c.launch(ctx, p, thisRun, thisMode)
}

// CancelBacktest —— 仅对活跃任务生效：作废在途响应并整体回到 Idle。
func (c *Controller) CancelBacktest() {
	c.mu.Lock()
	if !c.job.Status.Active() {
		c.mu.Unlock()
		return
	}
	c.cancelInflightLocked()
	c.runVersion++
	c.job = Job{Status: StatusIdle}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// RetryBacktest —— 清掉错误并用上一次的参数原样重跑。
func (c *Controller) RetryBacktest() {
	c.mu.Lock()
	if !c.haveParams {
		c.mu.Unlock()
		return
	}
	p := c.lastParams
	c.job.Error = ""
	c.mu.Unlock()

	c.RunBacktest(p)
}

// Close —— 组件拆除：取消全部在途工作并作废未落地的回调。
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelInflightLocked()
	c.modeVersion++
	c.runVersion++
	c.mu.Unlock()
}

// ===================== 内部：启动 =====================

func (c *Controller) launch(ctx context.Context, p RunParams, thisRun, thisMode uint64) {
	ack, err := c.backend.RunBacktest(ctx, p)

	c.mu.Lock()
	if ctx.Err() != nil || c.runVersion != thisRun || c.modeVersion != thisMode {
		// 已被新启动 / 取消 / 模式切换取代：静默丢弃
		c.mu.Unlock()
		return
	}
	c.launchCancel = nil

	switch {
	case err != nil:
		c.job.Status = StatusError
		c.job.Error = describeError(err)
	case strings.TrimSpace(ack.JobID) == "":
		c.job.Status = StatusError
		c.job.Error = "backend did not return a job id"
	default:
		c.job.ID = ack.JobID
		st := parseStatus(ack.Status)
		c.job.Status = st
		if st.Active() {
			c.startPollLocked(ack.JobID)
		} else if st == StatusDone {
			// 后端同步完成：跳过轮询，直接物化结果
			mctx, cancel := context.WithCancel(context.Background())
			c.pollCancel = cancel
			go c.materialize(mctx, ack.JobID, thisMode, thisRun)
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// ===================== 内部：轮询会话 =====================

func (c *Controller) startPollLocked(jobID string) {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	go c.pollLoop(ctx, jobID, c.modeVersion, c.runVersion)
}

func (c *Controller) pollLoop(ctx context.Context, jobID string, thisMode, thisRun uint64) {
	retry := c.basePoll
	for {
		rep, err := c.backend.JobStatus(ctx, jobID)

		c.mu.Lock()
		if ctx.Err() != nil || c.modeVersion != thisMode || c.runVersion != thisRun {
			// 响应到达前模式已切换或任务已被取代：丢弃并终止会话
			c.mu.Unlock()
			return
		}

		if err != nil {
			var rerr *RemoteError
			if errors.As(err, &rerr) {
				// 服务端权威拒绝 —— 终态，不再重试
				metrics.IncPoll("fatal")
				c.job.Status = StatusError
				c.job.Error = rerr.Error()
				c.pollCancel = nil
				snap := c.snapshotLocked()
				c.mu.Unlock()
				c.notify(snap)
				return
			}
			// 网络抖动 —— 先等当前退避值，再按 ×1.5 增长
			metrics.IncPoll("transient")
			d := retry
			retry = nextPollDelay(retry, c.maxPoll)
			c.mu.Unlock()
			if !sleepCtx(ctx, d) {
				return
			}
			continue
		}

		metrics.IncPoll("ok")
		st := parseStatus(rep.Status)
		c.job.Status = st
		if rep.Progress > 0 {
			c.job.Progress = normalizeProgress(rep.Progress)
			metrics.SetJobProgress(c.job.Progress)
		}

		switch st {
		case StatusDone:
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.notify(snap)
			c.materialize(ctx, jobID, thisMode, thisRun)
			return
		case StatusError:
			if rep.Error != "" {
				c.job.Error = rep.Error
			} else {
				c.job.Error = "backtest failed"
			}
			c.pollCancel = nil
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.notify(snap)
			return
		default:
			// 健康响应：退避复位，满频续轮
			retry = c.basePoll
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.notify(snap)
			if !sleepCtx(ctx, c.basePoll) {
				return
			}
		}
	}
}

// ===================== 内部：结果物化 =====================

func (c *Controller) materialize(ctx context.Context, jobID string, thisMode, thisRun uint64) {
	payload, err := c.backend.JobResult(ctx, jobID)

	c.mu.Lock()
	// done 状态下允许再次启动（Active 门槛不拦 Done），所以这里必须
	// 同时校验 runVersion：旧任务的结果不得落进新一轮的记录
	if ctx.Err() != nil || c.modeVersion != thisMode || c.runVersion != thisRun {
		c.mu.Unlock()
		return
	}
	c.pollCancel = nil
	if err != nil {
		// 结果拉取失败：状态保持 done，原因挂在 error 上（见 DESIGN.md）
		c.job.Error = "result fetch failed: " + describeError(err)
	} else {
		k := MapKPI(payload)
		c.job.Result = payload
		c.job.KPI = &k
		c.job.Error = ""
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// ===================== 小工具 =====================

func (c *Controller) cancelInflightLocked() {
	if c.launchCancel != nil {
		c.launchCancel()
		c.launchCancel = nil
	}
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Mode:        c.mode,
		ModeVersion: c.modeVersion,
		RunVersion:  c.runVersion,
		Job:         c.job,
	}
	if c.haveParams {
		p := c.lastParams
		s.LastParams = &p
	}
	return s
}

func (c *Controller) notify(s Snapshot) {
	if c.onChange != nil {
		c.onChange(s)
	}
}

// nextPollDelay —— 第 N 次重试等待 min(base·1.5^(N-1), max)（先用后乘）
func nextPollDelay(cur, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > max {
		return max
	}
	return next
}

// normalizeProgress —— 后端既可能报百分比也可能报 0~1 比例
func normalizeProgress(p float64) float64 {
	if p > 0 && p <= 1 {
		p *= 100
	}
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func describeError(err error) string {
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		return rerr.Error()
	}
	return err.Error()
}
