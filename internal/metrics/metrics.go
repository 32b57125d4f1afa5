// ============================================================================
// Budget Optimizer Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露優化服務的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - optimizer_scenarios_created_total: 建立的情境數
//      - optimizer_scenarios_deleted_total: 刪除的情境數
//      - optimizer_trials_total{state}: 已記錄的 trial 數（completed/failed）
//      - optimizer_jobs_finished_total{status}: 結束的任務數
//
//   2. 分佈 (Histogram):
//      - optimizer_trial_duration_seconds: 單一 trial 從提案到寫入的耗時
//
//   3. 瞬時值 (Gauge):
//      - optimizer_jobs_running: 執行中的任務數
//      - optimizer_best_objective{study}: 每個 Study 目前最佳的預測營收
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成的 trial
//   rate(optimizer_trials_total{state="completed"}[1m])
//
//   # 失敗率
//   rate(optimizer_trials_total{state="failed"}[5m]) / rate(optimizer_trials_total[5m])
//
// HTTP 端點:
//   /metrics，預設端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Collector Prometheus 指標收集器
//
// 同時實作 optimizer.Observer 與 jobmanager.Observer
type Collector struct {
	scenariosCreated prometheus.Counter
	scenariosDeleted prometheus.Counter
	trials           *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec

	trialDuration prometheus.Histogram

	jobsRunning   prometheus.Gauge
	bestObjective *prometheus.GaugeVec

	gatherer prometheus.Gatherer

	mu   sync.Mutex
	best map[string]float64 // 每個 Study 的最佳值，避免 gauge 被較差的值覆蓋
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		scenariosCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_scenarios_created_total",
			Help: "Total number of scenarios accepted",
		}),
		scenariosDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_scenarios_deleted_total",
			Help: "Total number of scenarios deleted",
		}),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optimizer_trials_total",
			Help: "Total number of trials recorded, by final state",
		}, []string{"state"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optimizer_jobs_finished_total",
			Help: "Total number of optimization jobs that ended, by status",
		}, []string{"status"}),
		trialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optimizer_trial_duration_seconds",
			Help:    "Time from proposal to stored trial in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optimizer_jobs_running",
			Help: "Current number of running optimization jobs",
		}),
		bestObjective: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optimizer_best_objective",
			Help: "Best predicted revenue found so far, per study",
		}, []string{"study"}),
		best: make(map[string]float64),
	}

	reg.MustRegister(
		c.scenariosCreated,
		c.scenariosDeleted,
		c.trials,
		c.jobsFinished,
		c.trialDuration,
		c.jobsRunning,
		c.bestObjective,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordScenarioCreated 記錄情境被接受
func (c *Collector) RecordScenarioCreated() {
	c.scenariosCreated.Inc()
}

// RecordScenarioDeleted 記錄情境刪除，並移除該 Study 的最佳值
func (c *Collector) RecordScenarioDeleted(study string) {
	c.scenariosDeleted.Inc()

	c.mu.Lock()
	delete(c.best, study)
	c.mu.Unlock()
	c.bestObjective.DeleteLabelValues(study)
}

// ObserveTrial 記錄一個已寫入的 trial
func (c *Collector) ObserveTrial(trial types.Trial, elapsed time.Duration) {
	c.trials.WithLabelValues(string(trial.State)).Inc()
	c.trialDuration.Observe(elapsed.Seconds())

	if trial.State != types.TrialCompleted || trial.Value == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.best[trial.StudyName]; ok && cur >= *trial.Value {
		return
	}
	c.best[trial.StudyName] = *trial.Value
	c.bestObjective.WithLabelValues(trial.StudyName).Set(*trial.Value)
}

// JobStarted 任務開始執行
func (c *Collector) JobStarted(string) {
	c.jobsRunning.Inc()
}

// JobFinished 任務結束
func (c *Collector) JobFinished(_ string, status types.JobStatus) {
	c.jobsRunning.Dec()
	c.jobsFinished.WithLabelValues(string(status)).Inc()
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，直到 ctx 取消
//
// 參數：
//   - ctx: 取消時關閉伺服器
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉時為 nil
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
