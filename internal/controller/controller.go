// ============================================================================
// Budget Optimizer 控制器 - 服務門面
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 實作服務對外的操作，協調各模組
//
// 架構設計:
//   Controller 不持有任何優化狀態，只負責把請求轉成各模組的呼叫：
//   - scenario.Validator: 解析並驗證情境
//   - trialstore.Store: 唯一的持久化來源（Study、Trial、設定列）
//   - jobmanager.JobManager: 每個情境一個獨立任務
//   - revenue.Model: 預測營收，每個任務建立自己的 Evaluator
//   - optimizer.Engine: 任務主體，在 worker 中執行
//
// 建立流程 (Create):
//   1. Validate      - 失敗直接回傳 ValidationError，無副作用
//   2. jm.Create     - 名稱唯一性檢查（登錄表 + Trial Store）
//   3. CreateStudy   - 失敗時 Discard 任務
//   4. SaveSettings  - 失敗時刪除 Study 並 Discard 任務
//   5. job.Start     - 啟動 worker
//
// 刪除流程 (Delete):
//   Stop(terminate + join) → DeleteStudy，確保沒有 worker 寫入已刪除的 Study
//
// 恢復流程 (Resume):
//   從設定列重建情境，既有 Trial 餵給 sampler，繼續直到 Study 達到 max_trials
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/budget-optimizer/internal/jobmanager"
	"github.com/ChuLiYu/budget-optimizer/internal/metrics"
	"github.com/ChuLiYu/budget-optimizer/internal/optimizer"
	"github.com/ChuLiYu/budget-optimizer/internal/revenue"
	"github.com/ChuLiYu/budget-optimizer/internal/scenario"
	"github.com/ChuLiYu/budget-optimizer/internal/trialstore"
	"github.com/ChuLiYu/budget-optimizer/internal/worker"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Store     trialstore.Store    // 必填
	Model     *revenue.Model      // 必填
	Validator *scenario.Validator // 預設 types.DefaultChannels

	Optimizer optimizer.Options // 零值使用預設
	CacheSize int               // 每個任務的預測快取大小

	Metrics        *metrics.Collector   // 可選
	Clock          clock.Clock          // 可選，預設牆鐘
	TracerProvider trace.TracerProvider // 可選
	Logger         *slog.Logger         // 預設 slog.Default()
}

// Controller 服務門面
type Controller struct {
	store     trialstore.Store
	model     *revenue.Model
	validator *scenario.Validator
	jobs      *jobmanager.JobManager

	opts      optimizer.Options
	cacheSize int
	metrics   *metrics.Collector
	clock     clock.Clock
	tracer    trace.TracerProvider
	log       *slog.Logger
	startTime time.Time
}

// Stats 服務狀態統計
type Stats struct {
	Uptime  string         `json:"uptime"`
	Studies int            `json:"studies"`
	Jobs    map[string]int `json:"jobs"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - cfg: Controller 配置
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 配置錯誤（缺少依賴，或接受的通路不在模型中）
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Model == nil {
		return nil, errors.New("controller: store and model are required")
	}
	validator := cfg.Validator
	if validator == nil {
		validator = scenario.NewValidator(nil)
	}

	// 每個接受的通路都必須能被模型評估
	known := make(map[types.ChannelName]bool)
	for _, name := range cfg.Model.Channels() {
		known[name] = true
	}
	for _, spec := range validator.Channels() {
		if !known[spec.Name] {
			return nil, fmt.Errorf("controller: channel %q is not part of model %q", spec.Name, cfg.Model.Name())
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		store:     cfg.Store,
		model:     cfg.Model,
		validator: validator,
		opts:      cfg.Optimizer,
		cacheSize: cfg.CacheSize,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		tracer:    cfg.TracerProvider,
		log:       logger.With("component", "controller"),
		startTime: time.Now(),
	}

	jmCfg := jobmanager.Config{
		Runner:  c.runner,
		Studies: cfg.Store,
		Logger:  logger,
	}
	if cfg.Metrics != nil {
		jmCfg.Observer = cfg.Metrics
	}
	c.jobs = jobmanager.NewJobManager(jmCfg)
	return c, nil
}

// runner 產生在 worker 中執行的優化任務
func (c *Controller) runner(sc types.Scenario) worker.Task {
	return func(ctx context.Context, ready func()) error {
		eval, err := c.model.NewEvaluator(c.cacheSize)
		if err != nil {
			return err
		}
		engCfg := optimizer.Config{
			Scenario:       sc,
			Options:        c.opts,
			Objective:      eval.Evaluate,
			Sink:           c.store,
			Clock:          c.clock,
			Logger:         c.log.With("component", "optimizer"),
			TracerProvider: c.tracer,
		}
		if c.metrics != nil {
			engCfg.Observer = c.metrics
		}
		engine, err := optimizer.New(engCfg)
		if err != nil {
			return err
		}
		ready()

		study, err := c.store.LoadStudy(ctx, sc.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load study history: %w", err)
		}
		res, err := engine.Run(ctx, study.Trials)
		c.log.Debug("optimization job finished",
			"study", sc.Name, "reason", res.Reason, "evaluated", res.Evaluated,
			"cached_predictions", eval.CacheLen())
		return err
	}
}

// Create 解析、驗證並建立情境，然後啟動它的任務
//
// 參數：
//   - data: 情境的 JSON wire 物件
//
// 返回值：
//   - types.Scenario: 驗證後的情境
//   - error: ValidationError / AlreadyExists / PersistenceUnavailable
func (c *Controller) Create(ctx context.Context, data []byte) (types.Scenario, error) {
	sc, err := c.validator.ValidateJSON(data)
	if err != nil {
		return types.Scenario{}, err
	}
	if err := c.CreateScenario(ctx, sc); err != nil {
		return types.Scenario{}, err
	}
	return sc, nil
}

// CreateScenario 建立已驗證的情境並啟動任務
func (c *Controller) CreateScenario(ctx context.Context, sc types.Scenario) error {
	// 1. 登錄任務（尚未啟動），同時檢查名稱唯一性
	job, err := c.jobs.Create(ctx, sc)
	if err != nil {
		return err
	}

	// 2. 建立 Study
	if err := c.store.CreateStudy(ctx, sc.Name); err != nil {
		c.jobs.Discard(sc.Name)
		return err
	}

	// 3. 保存設定列
	if err := c.store.SaveSettings(ctx, sc.Settings()); err != nil {
		c.rollback(sc.Name)
		return err
	}

	// 4. 啟動
	if err := job.Start(); err != nil {
		c.rollback(sc.Name)
		return fmt.Errorf("start job: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordScenarioCreated()
	}
	c.log.Info("scenario created",
		"study", sc.Name,
		"job_id", job.ID(),
		"channels", len(sc.Channels),
		"max_trials", sc.MaxTrials,
		"timeout_minutes", sc.TimeoutMinutes)
	return nil
}

func (c *Controller) rollback(name string) {
	c.jobs.Discard(name)
	if err := c.store.DeleteStudy(context.Background(), name); err != nil {
		c.log.Error("rollback of study failed", "study", name, "error", err)
	}
}

// List 所有 Study 名稱；儲存層不可用時回傳空列表
func (c *Controller) List(ctx context.Context) []string {
	return c.store.ListStudies(ctx)
}

// Get 載入完整 Study
func (c *Controller) Get(ctx context.Context, name string) (*types.Study, error) {
	return c.store.LoadStudy(ctx, name)
}

// BestTrial 目前最佳的已完成 Trial；尚無時回傳 nil
func (c *Controller) BestTrial(ctx context.Context, name string) (*types.Trial, error) {
	return trialstore.BestTrial(ctx, c.store, name)
}

// Settings 建立情境時保存的設定列
func (c *Controller) Settings(ctx context.Context, name string) (types.ScenarioSettings, error) {
	return c.store.LoadSettings(ctx, name)
}

// Delete 終止並等待任務，然後刪除 Study
//
// 返回值：
//   - error: Study 不存在時為 types.ErrNotFound
func (c *Controller) Delete(ctx context.Context, name string) error {
	stopped, err := c.jobs.Stop(name)
	if err != nil {
		return fmt.Errorf("stop job %q: %w", name, err)
	}
	if err := c.store.DeleteStudy(ctx, name); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.RecordScenarioDeleted(name)
	}
	c.log.Info("scenario deleted", "study", name, "job_stopped", stopped)
	return nil
}

// Predict 直接呼叫營收模型
func (c *Controller) Predict(ctx context.Context, alloc types.Allocation) (float64, error) {
	return c.model.Predict(ctx, alloc)
}

// Contributions 各通路的營收分解
func (c *Controller) Contributions(ctx context.Context, alloc types.Allocation) (revenue.Breakdown, error) {
	return c.model.Contributions(ctx, alloc)
}

// JobStatus 任務狀態，含最近一次失敗（非阻塞輪詢）
func (c *Controller) JobStatus(name string) (jobmanager.Info, error) {
	job, err := c.jobs.Get(name)
	if err != nil {
		return jobmanager.Info{}, err
	}
	return job.Info(), nil
}

// Jobs 所有任務的狀態
func (c *Controller) Jobs() []jobmanager.Info {
	return c.jobs.List()
}

// Resume 以保存的設定為既有 Study 重新啟動任務
//
// 已結束的任務會先移出登錄表；仍在執行的任務回傳 ErrDuplicateJob
func (c *Controller) Resume(ctx context.Context, name string) error {
	if job, err := c.jobs.Get(name); err == nil {
		if !job.Status().IsTerminal() {
			return fmt.Errorf("%w: %q is still running", jobmanager.ErrDuplicateJob, name)
		}
		if _, err := c.jobs.Stop(name); err != nil {
			return err
		}
	}

	settings, err := c.store.LoadSettings(ctx, name)
	if err != nil {
		return err
	}
	job, err := c.jobs.CreateForExisting(ctx, settings.Scenario())
	if err != nil {
		return err
	}
	if err := job.Start(); err != nil {
		c.jobs.Discard(name)
		return fmt.Errorf("start job: %w", err)
	}
	c.log.Info("scenario resumed", "study", name, "job_id", job.ID())
	return nil
}

// ResumeAll 恢復所有未達 max_trials 且沒有執行中任務的 Study
//
// 返回值：
//   - int: 恢復的任務數
//   - error: 最後一個恢復失敗的錯誤（其他 Study 仍會嘗試）
func (c *Controller) ResumeAll(ctx context.Context) (int, error) {
	var (
		resumed int
		lastErr error
	)
	for _, name := range c.store.ListStudies(ctx) {
		if job, err := c.jobs.Get(name); err == nil && !job.Status().IsTerminal() {
			continue
		}
		settings, err := c.store.LoadSettings(ctx, name)
		if err != nil {
			c.log.Warn("study has no settings, skipping resume", "study", name, "error", err)
			lastErr = err
			continue
		}
		study, err := c.store.LoadStudy(ctx, name)
		if err != nil {
			lastErr = err
			continue
		}
		if len(study.Trials) >= settings.MaxTrials {
			continue
		}
		if err := c.Resume(ctx, name); err != nil {
			c.log.Error("resume failed", "study", name, "error", err)
			lastErr = err
			continue
		}
		resumed++
	}
	return resumed, lastErr
}

// Stats 服務狀態統計
func (c *Controller) Stats(ctx context.Context) Stats {
	return Stats{
		Uptime:  time.Since(c.startTime).Truncate(time.Second).String(),
		Studies: len(c.store.ListStudies(ctx)),
		Jobs:    c.jobs.Stats(),
	}
}

// Shutdown 終止並等待所有任務；Trial Store 由呼叫端關閉
func (c *Controller) Shutdown(ctx context.Context) error {
	c.log.Info("stopping controller...")
	return c.jobs.Shutdown(ctx)
}
