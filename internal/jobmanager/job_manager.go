// ============================================================================
// Budget Optimizer 任務管理器 - Job Supervisor
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 以情境名稱為 key 的任務登錄表，負責建立、終止、等待任務
//
// 設計理念:
//   1. jobs map - 服務生命週期內所有啟動過的任務（直到刪除或關閉）
//   2. 每個任務一個獨立 worker（goroutine + tomb），彼此不共享記憶體
//   3. 唯一共享的可變資源是持久化的 Trial Store
//
// 名稱唯一性:
//   Create 時若登錄表已有同名任務，或 Trial Store 已有同名 Study，回傳
//   types.ErrAlreadyExists
//
// 刪除順序:
//   Stop(name) = Terminate + Join + 移出登錄表；呼叫端之後才能刪除 Study，
//   確保不會有進行中的寫入指向已刪除的 Study
//
// 並發安全:
//   - 使用 sync.RWMutex 保護登錄表
//   - Terminate/Join 在鎖外進行，避免阻塞查詢
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/budget-optimizer/internal/worker"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務名稱重複
	ErrDuplicateJob = fmt.Errorf("job already exists: %w", types.ErrAlreadyExists)
	// 任務不存在
	ErrJobNotFound = fmt.Errorf("job not found: %w", types.ErrNotFound)
	// 管理器已關閉
	ErrShutdown = errors.New("job manager is shut down")
)

// StudyLookup 查詢 Trial Store 是否已有同名 Study
type StudyLookup interface {
	HasStudy(ctx context.Context, name string) (bool, error)
}

// Runner 為情境產生 worker 要執行的任務主體
type Runner func(sc types.Scenario) worker.Task

// Config JobManager 設定
type Config struct {
	Runner   Runner
	Studies  StudyLookup  // 可選
	Observer Observer     // 可選
	Logger   *slog.Logger // 預設 slog.Default()
}

// JobManager 任務登錄表
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	shutdown bool

	runner   Runner
	studies  StudyLookup
	observer Observer
	log      *slog.Logger
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager(cfg Config) *JobManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobManager{
		jobs:     make(map[string]*Job),
		runner:   cfg.Runner,
		studies:  cfg.Studies,
		observer: cfg.Observer,
		log:      logger.With("component", "jobmanager"),
	}
}

// Create 建立（但不啟動）情境的任務
func (jm *JobManager) Create(ctx context.Context, sc types.Scenario) (*Job, error) {
	return jm.create(ctx, sc, true)
}

// CreateForExisting 為既有 Study 建立任務（恢復用），只檢查登錄表
func (jm *JobManager) CreateForExisting(ctx context.Context, sc types.Scenario) (*Job, error) {
	return jm.create(ctx, sc, false)
}

func (jm *JobManager) create(ctx context.Context, sc types.Scenario, checkStore bool) (*Job, error) {
	if jm.runner == nil {
		return nil, errors.New("job manager has no runner")
	}
	jm.mu.RLock()
	err := jm.admitLocked(sc.Name)
	jm.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// 查詢 Trial Store 時不持有登錄表的鎖，Get/List 不會被 I/O 擋住
	if checkStore && jm.studies != nil {
		exists, err := jm.studies.HasStudy(ctx, sc.Name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: study %q", types.ErrAlreadyExists, sc.Name)
		}
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	// 查詢期間可能有同名任務或關閉請求搶先
	if err := jm.admitLocked(sc.Name); err != nil {
		return nil, err
	}
	job := newJob(sc, jm.runner(sc), jm.observer, jm.log)
	jm.jobs[sc.Name] = job
	return job, nil
}

func (jm *JobManager) admitLocked(name string) error {
	if jm.shutdown {
		return ErrShutdown
	}
	if _, ok := jm.jobs[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, name)
	}
	return nil
}

// Discard 移除尚未啟動的任務（例如建立 Study 失敗時）
func (jm *JobManager) Discard(name string) {
	jm.mu.Lock()
	job, ok := jm.jobs[name]
	if !ok || job.worker.Started() {
		jm.mu.Unlock()
		return
	}
	delete(jm.jobs, name)
	jm.mu.Unlock()

	job.Terminate()
}

// Get 依名稱取得任務
func (jm *JobManager) Get(name string) (*Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	return job, nil
}

// Stop 終止並等待任務結束，然後移出登錄表。不存在時回傳 false
func (jm *JobManager) Stop(name string) (bool, error) {
	jm.mu.RLock()
	job, ok := jm.jobs[name]
	jm.mu.RUnlock()
	if !ok {
		return false, nil
	}

	job.Terminate()
	err := job.Join()

	jm.mu.Lock()
	if jm.jobs[name] == job {
		delete(jm.jobs, name)
	}
	jm.mu.Unlock()

	if err != nil && !errors.Is(err, types.ErrWorkerFailure) {
		return true, err
	}
	return true, nil
}

// Shutdown 同時終止並等待所有任務；之後拒絕新的任務
func (jm *JobManager) Shutdown(ctx context.Context) error {
	jm.mu.Lock()
	jm.shutdown = true
	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job)
	}
	jm.jobs = make(map[string]*Job)
	jm.mu.Unlock()

	var g errgroup.Group
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			job.Terminate()
			if err := job.Join(); err != nil {
				jm.log.Warn("job ended with failure during shutdown", "study", job.Name(), "error", err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		jm.log.Info("all jobs stopped", "count", len(jobs))
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
}

// List 所有任務的狀態，依名稱排序
func (jm *JobManager) List() []Info {
	jm.mu.RLock()
	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job)
	}
	jm.mu.RUnlock()

	infos := make([]Info, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, job.Info())
	}
	sort.Slice(infos, func(i, k int) bool { return infos[i].Name < infos[k].Name })
	return infos
}

// Stats 各狀態的任務數量
func (jm *JobManager) Stats() map[string]int {
	stats := map[string]int{
		string(types.JobPending):    0,
		string(types.JobRunning):    0,
		string(types.JobDone):       0,
		string(types.JobFailed):     0,
		string(types.JobTerminated): 0,
	}
	for _, info := range jm.List() {
		stats[string(info.Status)]++
	}
	return stats
}
