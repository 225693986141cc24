// Package metrics – Prometheus metrics for the dashboard service.
//
// Exposes the primary series the service updates during operation:
//   - dash_mode_switches_total{mode}     – Mode switches (live|test|backtest)
//   - dash_backtest_jobs_total{outcome}  – Finished jobs (done|error|cancelled)
//   - dash_poll_requests_total{result}   – Status poll attempts (ok|transient|fatal)
//   - dash_job_progress                  – Progress of the current job (0..100)
//   - dash_ws_clients                    – Connected dashboard WS clients (gauge)
//   - dash_feed_candles_total            – Candles received from the live feed
//   - dash_api_requests_total{path,code} – Dashboard API traffic
//
// Registered in init() and served by the gin router at /metrics
// (Prometheus text exposition format).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxModeSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dash_mode_switches_total",
			Help: "Mode switches by target mode",
		},
		[]string{"mode"}, // live|test|backtest
	)

	mtxJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dash_backtest_jobs_total",
			Help: "Backtest jobs by terminal outcome",
		},
		[]string{"outcome"}, // done|error|cancelled
	)

	mtxPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dash_poll_requests_total",
			Help: "Job status poll attempts by result",
		},
		[]string{"result"}, // ok|transient|fatal
	)

	mtxProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dash_job_progress",
			Help: "Progress of the current backtest job (0..100)",
		},
	)

	mtxWSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dash_ws_clients",
			Help: "Connected dashboard WebSocket clients",
		},
	)

	mtxFeedCandles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dash_feed_candles_total",
			Help: "Candles received from the live market feed",
		},
	)

	mtxAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dash_api_requests_total",
			Help: "Dashboard API requests by path and status code",
		},
		[]string{"path", "code"},
	)
)

func init() {
	prometheus.MustRegister(mtxModeSwitches, mtxJobs, mtxPolls)
	prometheus.MustRegister(mtxProgress, mtxWSClients, mtxFeedCandles)
	prometheus.MustRegister(mtxAPIRequests)
}

// Helper setters used by main.go and the HTTP layer.
func IncModeSwitch(mode string)     { mtxModeSwitches.WithLabelValues(mode).Inc() }
func IncJobOutcome(outcome string)  { mtxJobs.WithLabelValues(outcome).Inc() }
func IncPoll(result string)         { mtxPolls.WithLabelValues(result).Inc() }
func SetJobProgress(p float64)      { mtxProgress.Set(p) }
func AddWSClient()                  { mtxWSClients.Inc() }
func RemoveWSClient()               { mtxWSClients.Dec() }
func AddFeedCandles(n int)          { mtxFeedCandles.Add(float64(n)) }
func IncAPIRequest(path, code string) {
	mtxAPIRequests.WithLabelValues(path, code).Inc()
}
