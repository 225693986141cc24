package backtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend lets each test script the remote side.
type fakeBackend struct {
	mu       sync.Mutex
	runFn    func(p RunParams) (RunAck, error)
	statusFn func(jobID string) (StatusReply, error)
	resultFn func(jobID string) (map[string]any, error)

	statusCalls int64
}

func (f *fakeBackend) RunBacktest(_ context.Context, p RunParams) (RunAck, error) {
	f.mu.Lock()
	fn := f.runFn
	f.mu.Unlock()
	if fn == nil {
		return RunAck{JobID: "job-1", Status: "queued"}, nil
	}
	return fn(p)
}

func (f *fakeBackend) JobStatus(_ context.Context, jobID string) (StatusReply, error) {
	atomic.AddInt64(&f.statusCalls, 1)
	f.mu.Lock()
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return StatusReply{Status: "done", Progress: 100}, nil
	}
	return fn(jobID)
}

func (f *fakeBackend) JobResult(_ context.Context, jobID string) (map[string]any, error) {
	f.mu.Lock()
	fn := f.resultFn
	f.mu.Unlock()
	if fn == nil {
		return map[string]any{"statistics": map[string]any{"total_trades": 1}}, nil
	}
	return fn(jobID)
}

func (f *fakeBackend) setStatusFn(fn func(jobID string) (StatusReply, error)) {
	f.mu.Lock()
	f.statusFn = fn
	f.mu.Unlock()
}

func (f *fakeBackend) setRunFn(fn func(p RunParams) (RunAck, error)) {
	f.mu.Lock()
	f.runFn = fn
	f.mu.Unlock()
}

func newTestController(fb *fakeBackend) (*Controller, chan Snapshot) {
	snaps := make(chan Snapshot, 128)
	c := NewController(Config{
		Backend:          fb,
		BasePollInterval: 5 * time.Millisecond,
		MaxPollInterval:  40 * time.Millisecond,
		OnChange: func(s Snapshot) {
			select {
			case snaps <- s:
			default:
			}
		},
	})
	return c, snaps
}

func waitSnap(t *testing.T, ch <-chan Snapshot, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot")
			return Snapshot{}
		}
	}
}

func TestParseModeDefaultsToLive(t *testing.T) {
	cases := map[string]Mode{
		"live":      ModeLive,
		"LIVE":      ModeLive,
		" Backtest": ModeBacktest,
		"test":      ModeTest,
		"paper":     ModeLive,
		"":          ModeLive,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Fatalf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseStatusDefaultsToQueued(t *testing.T) {
	if got := parseStatus("bogus"); got != StatusQueued {
		t.Fatalf("unknown status should parse as queued, got %v", got)
	}
	if got := parseStatus("DONE"); got != StatusDone {
		t.Fatalf("status parse should be case-insensitive, got %v", got)
	}
}

func TestRunToDoneMaterializesKPI(t *testing.T) {
	fb := &fakeBackend{}
	var polls int64
	fb.setStatusFn(func(string) (StatusReply, error) {
		if atomic.AddInt64(&polls, 1) < 3 {
			return StatusReply{Status: "running", Progress: 0.4}, nil
		}
		return StatusReply{Status: "done", Progress: 1}, nil
	})
	fb.resultFn = func(string) (map[string]any, error) {
		return map[string]any{
			"statistics": map[string]any{
				"total_trades":  7,
				"profit_factor": 1.8,
				"max_drawdown":  -0.12,
				"total_pnl":     420.5,
			},
		}, nil
	}

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{Strategy: "sma", Symbol: "ETHUSDT"})

	s := waitSnap(t, snaps, func(s Snapshot) bool {
		return s.Job.Status == StatusDone && s.Job.KPI != nil
	})
	if s.Job.KPI.TotalTrades != 7 || s.Job.KPI.ProfitFactor != 1.8 {
		t.Fatalf("unexpected KPI: %+v", s.Job.KPI)
	}
	if s.Job.Error != "" {
		t.Fatalf("done job should carry no error, got %q", s.Job.Error)
	}
	if s.Job.Progress != 100 {
		t.Fatalf("fractional progress should normalize to percent, got %v", s.Job.Progress)
	}
}

func TestRunIsNoOpWhileJobConfirmedActive(t *testing.T) {
	fb := &fakeBackend{}
	fb.setStatusFn(func(string) (StatusReply, error) {
		return StatusReply{Status: "running", Progress: 10}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{Strategy: "a"})

	s := waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusRunning })
	firstRun := s.RunVersion

	c.RunBacktest(RunParams{Strategy: "b"})
	if got := c.Snapshot(); got.RunVersion != firstRun {
		t.Fatalf("re-run against a confirmed active job must be a no-op, version %d -> %d",
			firstRun, got.RunVersion)
	}
	if got := c.Snapshot(); got.LastParams.Strategy != "a" {
		t.Fatalf("no-op run must not overwrite params, got %q", got.LastParams.Strategy)
	}
}

func TestSecondLaunchSupersedesUnackedFirst(t *testing.T) {
	fb := &fakeBackend{}
	release := make(chan struct{})
	var calls int64
	fb.setRunFn(func(p RunParams) (RunAck, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			<-release // first submission hangs until after the second lands
			return RunAck{JobID: "stale-job", Status: "queued"}, nil
		}
		return RunAck{JobID: "fresh-job", Status: "running"}, nil
	})
	fb.setStatusFn(func(string) (StatusReply, error) {
		return StatusReply{Status: "running", Progress: 50}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{Strategy: "first"})
	c.RunBacktest(RunParams{Strategy: "second"})

	waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.ID == "fresh-job" })
	close(release)

	time.Sleep(30 * time.Millisecond)
	if got := c.Snapshot(); got.Job.ID != "fresh-job" {
		t.Fatalf("stale submission response must be discarded, job id = %q", got.Job.ID)
	}
}

func TestModeSwitchDiscardsInflightAndResetsJob(t *testing.T) {
	fb := &fakeBackend{}
	fb.setStatusFn(func(string) (StatusReply, error) {
		return StatusReply{Status: "running", Progress: 30}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{Strategy: "x"})
	waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusRunning })

	c.SetMode("live")
	s := c.Snapshot()
	if s.Mode != ModeLive {
		t.Fatalf("mode = %v, want live", s.Mode)
	}
	if s.Job.Status != StatusIdle || s.Job.ID != "" {
		t.Fatalf("leaving backtest must reset the job, got %+v", s.Job)
	}

	before := atomic.LoadInt64(&fb.statusCalls)
	time.Sleep(60 * time.Millisecond)
	if after := atomic.LoadInt64(&fb.statusCalls); after != before {
		t.Fatalf("poll session must stop after a mode switch (%d -> %d calls)", before, after)
	}
}

func TestLeavingBacktestClearsResult(t *testing.T) {
	fb := &fakeBackend{}
	c, snaps := newTestController(fb)
	defer c.Close()

	c.SetMode("backtest")
	c.RunBacktest(RunParams{Strategy: "keep"})
	waitSnap(t, snaps, func(s Snapshot) bool {
		return s.Job.Status == StatusDone && s.Job.KPI != nil
	})

	c.SetMode("live")
	c.SetMode("backtest")
	if s := c.Snapshot(); s.Job.Status != StatusIdle {
		t.Fatalf("job after leave/re-enter should be idle, got %v", s.Job.Status)
	}
}

func TestSameModeReentryResumesPolling(t *testing.T) {
	fb := &fakeBackend{}
	fb.setStatusFn(func(string) (StatusReply, error) {
		return StatusReply{Status: "running", Progress: 20}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{})
	waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusRunning })

	// backtest -> backtest keeps the active job and restarts the poll session
	c.SetMode("backtest")
	if s := c.Snapshot(); s.Job.Status != StatusRunning {
		t.Fatalf("same-mode re-entry must keep the active job, got %v", s.Job.Status)
	}
	before := atomic.LoadInt64(&fb.statusCalls)
	time.Sleep(60 * time.Millisecond)
	if after := atomic.LoadInt64(&fb.statusCalls); after <= before {
		t.Fatalf("poll session should resume after re-entry (%d -> %d calls)", before, after)
	}
}

func TestRemoteErrorDuringPollIsTerminal(t *testing.T) {
	fb := &fakeBackend{}
	fb.setStatusFn(func(string) (StatusReply, error) {
		return StatusReply{}, &RemoteError{StatusCode: 404, Message: "job not found", RequestID: "req-9"}
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{})

	s := waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusError })
	if !strings.Contains(s.Job.Error, "job not found") || !strings.Contains(s.Job.Error, "req-9") {
		t.Fatalf("error should carry message and request id, got %q", s.Job.Error)
	}

	before := atomic.LoadInt64(&fb.statusCalls)
	time.Sleep(60 * time.Millisecond)
	if after := atomic.LoadInt64(&fb.statusCalls); after != before {
		t.Fatalf("authoritative rejection must not be retried (%d -> %d calls)", before, after)
	}
}

func TestTransientErrorsAreRetriedUntilDone(t *testing.T) {
	fb := &fakeBackend{}
	var polls int64
	fb.setStatusFn(func(string) (StatusReply, error) {
		n := atomic.AddInt64(&polls, 1)
		if n <= 2 {
			return StatusReply{}, errors.New("connection refused")
		}
		return StatusReply{Status: "done", Progress: 100}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{})

	waitSnap(t, snaps, func(s Snapshot) bool {
		return s.Job.Status == StatusDone && s.Job.KPI != nil
	})
	if got := atomic.LoadInt64(&polls); got < 3 {
		t.Fatalf("expected at least 3 poll attempts, got %d", got)
	}
}

func TestCancelStopsPollingAndGoesIdle(t *testing.T) {
	fb := &fakeBackend{}
	fb.setStatusFn(func(string) (StatusReply, error) {
		return StatusReply{Status: "running", Progress: 10}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{})
	waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusRunning })

	c.CancelBacktest()
	if s := c.Snapshot(); s.Job.Status != StatusIdle {
		t.Fatalf("cancel should reset to idle, got %v", s.Job.Status)
	}

	before := atomic.LoadInt64(&fb.statusCalls)
	time.Sleep(60 * time.Millisecond)
	if after := atomic.LoadInt64(&fb.statusCalls); after != before {
		t.Fatalf("poll session must stop after cancel (%d -> %d calls)", before, after)
	}
}

func TestCancelWithoutActiveJobIsNoOp(t *testing.T) {
	fb := &fakeBackend{}
	c, _ := newTestController(fb)
	defer c.Close()

	before := c.Snapshot()
	c.CancelBacktest()
	after := c.Snapshot()
	if before.RunVersion != after.RunVersion {
		t.Fatalf("cancel with no active job must not bump the run version")
	}
}

func TestEmptyJobIDIsFailure(t *testing.T) {
	fb := &fakeBackend{}
	fb.setRunFn(func(RunParams) (RunAck, error) {
		return RunAck{JobID: "  ", Status: "queued"}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{})

	s := waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusError })
	if !strings.Contains(s.Job.Error, "job id") {
		t.Fatalf("unexpected error message: %q", s.Job.Error)
	}
}

func TestRetryReusesLastParams(t *testing.T) {
	fb := &fakeBackend{}
	var gotParams atomic.Value
	fail := int64(1)
	fb.setRunFn(func(p RunParams) (RunAck, error) {
		gotParams.Store(p)
		if atomic.LoadInt64(&fail) == 1 {
			return RunAck{}, &RemoteError{StatusCode: 500, Message: "boom"}
		}
		return RunAck{JobID: "job-2", Status: "done"}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{Strategy: "grid", Symbol: "BTCUSDT", InitialBalance: 1000})
	waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusError })

	atomic.StoreInt64(&fail, 0)
	c.RetryBacktest()
	waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusDone })

	p, _ := gotParams.Load().(RunParams)
	if p.Strategy != "grid" || p.Symbol != "BTCUSDT" || p.InitialBalance != 1000 {
		t.Fatalf("retry must resend the original params, got %+v", p)
	}
}

func TestRerunDiscardsSupersededResultFetch(t *testing.T) {
	fb := &fakeBackend{}
	release := make(chan struct{})
	var fetches int64
	fb.resultFn = func(jobID string) (map[string]any, error) {
		if atomic.AddInt64(&fetches, 1) == 1 {
			<-release // first job's result fetch hangs until the re-run is underway
			return map[string]any{
				"statistics": map[string]any{"total_trades": 99.0, "profit_factor": 9.9},
			}, nil
		}
		return map[string]any{}, nil
	}
	var runs int64
	fb.setRunFn(func(RunParams) (RunAck, error) {
		if atomic.AddInt64(&runs, 1) == 1 {
			return RunAck{JobID: "job-1", Status: "done"}, nil
		}
		return RunAck{JobID: "job-2", Status: "running"}, nil
	})
	fb.setStatusFn(func(string) (StatusReply, error) {
		return StatusReply{Status: "running", Progress: 5}, nil
	})

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")

	// first run acks done synchronously, leaving its result fetch in flight
	c.RunBacktest(RunParams{Strategy: "first"})
	waitSnap(t, snaps, func(s Snapshot) bool { return s.Job.Status == StatusDone })

	// a done job is not active, so a re-run is legal while the fetch hangs
	c.RunBacktest(RunParams{Strategy: "second"})
	waitSnap(t, snaps, func(s Snapshot) bool {
		return s.Job.ID == "job-2" && s.Job.Status == StatusRunning
	})

	close(release)
	time.Sleep(30 * time.Millisecond)

	s := c.Snapshot()
	if s.Job.ID != "job-2" || s.Job.Status != StatusRunning {
		t.Fatalf("new run clobbered by stale result: %+v", s.Job)
	}
	if s.Job.KPI != nil || s.Job.Result != nil {
		t.Fatalf("superseded job's result must be discarded, got kpi=%+v", s.Job.KPI)
	}
}

func TestResultFetchFailureKeepsDone(t *testing.T) {
	fb := &fakeBackend{}
	fb.resultFn = func(string) (map[string]any, error) {
		return nil, errors.New("read: connection reset")
	}

	c, snaps := newTestController(fb)
	defer c.Close()
	c.SetMode("backtest")
	c.RunBacktest(RunParams{})

	s := waitSnap(t, snaps, func(s Snapshot) bool {
		return s.Job.Status == StatusDone && s.Job.Error != ""
	})
	if !strings.Contains(s.Job.Error, "result fetch failed") {
		t.Fatalf("unexpected error: %q", s.Job.Error)
	}
	if s.Job.KPI != nil {
		t.Fatalf("KPI must stay empty when the result fetch fails")
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second

	want := []time.Duration{
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
	}
	cur := base
	for i, w := range want {
		cur = nextPollDelay(cur, max)
		if cur != w {
			t.Fatalf("step %d: delay = %v, want %v", i, cur, w)
		}
	}
	for i := 0; i < 20; i++ {
		cur = nextPollDelay(cur, max)
	}
	if cur != max {
		t.Fatalf("backoff must cap at %v, got %v", max, cur)
	}
}

func TestNormalizeProgress(t *testing.T) {
	cases := map[float64]float64{
		0.5:  50,
		1:    100,
		42:   42,
		100:  100,
		250:  100,
		-3:   0,
	}
	for in, want := range cases {
		if got := normalizeProgress(in); got != want {
			t.Fatalf("normalizeProgress(%v) = %v, want %v", in, got, want)
		}
	}
}
