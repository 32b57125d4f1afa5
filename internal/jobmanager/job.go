package jobmanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/budget-optimizer/internal/worker"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Observer 接收任務生命週期事件（例如 metrics）
type Observer interface {
	JobStarted(name string)
	JobFinished(name string, status types.JobStatus)
}

// Info 任務狀態快照，供查詢介面使用
type Info struct {
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Status    types.JobStatus `json:"status"`
	Failure   string          `json:"failure,omitempty"`
	Trace     string          `json:"trace,omitempty"`
	CreatedAt int64           `json:"created_at"` // Unix 毫秒
}

// Job 一個情境的優化任務：包裝一個獨立的 worker
//
// 狀態轉換:
//
//	Pending ──Start + ready──▶ Running ──▶ Done | Failed | Terminated
//	Pending ──Terminate──▶ Terminated
type Job struct {
	id        string
	scenario  types.Scenario
	worker    *worker.Worker
	createdAt time.Time
	observer  Observer
	log       *slog.Logger

	mu       sync.Mutex
	status   types.JobStatus // 終止後固定
	finished chan struct{}   // 終止狀態確定後關閉
	once     sync.Once
}

func newJob(sc types.Scenario, task worker.Task, observer Observer, logger *slog.Logger) *Job {
	id := uuid.NewString()
	return &Job{
		id:        id,
		scenario:  sc,
		worker:    worker.New(id, task),
		createdAt: time.Now(),
		observer:  observer,
		log:       logger.With("study", sc.Name, "job_id", id),
		finished:  make(chan struct{}),
	}
}

// Name 情境名稱
func (j *Job) Name() string { return j.scenario.Name }

// ID 本次執行的唯一識別碼
func (j *Job) ID() string { return j.id }

// Scenario 任務的情境
func (j *Job) Scenario() types.Scenario { return j.scenario }

// Start 啟動 worker，並在背景等待其結束以記錄終止狀態
func (j *Job) Start() error {
	if err := j.worker.Start(); err != nil {
		return err
	}
	if j.observer != nil {
		j.observer.JobStarted(j.Name())
	}
	j.log.Info("job started")

	go func() {
		err := j.worker.Wait()
		j.finish(err)
	}()
	return nil
}

// finish 決定終止狀態，只執行一次
func (j *Job) finish(err error) {
	j.once.Do(func() {
		var status types.JobStatus
		switch {
		case err != nil:
			status = types.JobFailed
		case j.worker.Interrupted() || !j.worker.Started():
			status = types.JobTerminated
		default:
			status = types.JobDone
		}

		j.mu.Lock()
		j.status = status
		j.mu.Unlock()
		defer close(j.finished)

		if status == types.JobFailed {
			attrs := []any{"error", err}
			if f := j.worker.PollFailure(); f != nil {
				attrs = append(attrs, "trace", f.Trace)
			}
			j.log.Error("job failed", attrs...)
		} else {
			j.log.Info("job finished", "status", status)
		}
		if j.observer != nil && j.worker.Started() {
			j.observer.JobFinished(j.Name(), status)
		}
	})
}

// Status 目前狀態
func (j *Job) Status() types.JobStatus {
	j.mu.Lock()
	status := j.status
	j.mu.Unlock()
	if status.IsTerminal() {
		return status
	}

	switch {
	case !j.worker.Started() && j.worker.Killed():
		return types.JobTerminated
	case j.worker.IsReady():
		return types.JobRunning
	default:
		return types.JobPending
	}
}

// PollFailure 非阻塞地讀取最近一次失敗
func (j *Job) PollFailure() *worker.Failure {
	return j.worker.PollFailure()
}

// Terminate 要求任務停止；可重複呼叫
func (j *Job) Terminate() {
	j.worker.Kill()
	if !j.worker.Started() {
		j.finish(nil)
	}
}

// Join 等待任務完全結束（含終止狀態記錄）
func (j *Job) Join() error {
	if !j.worker.Started() {
		return nil
	}
	err := j.worker.Wait()
	<-j.finished
	return err
}

// Done 終止狀態確定後關閉；未啟動的任務在 Terminate 後關閉
func (j *Job) Done() <-chan struct{} {
	return j.finished
}

// Info 狀態快照
func (j *Job) Info() Info {
	info := Info{
		Name:      j.Name(),
		ID:        j.id,
		Status:    j.Status(),
		CreatedAt: j.createdAt.UnixMilli(),
	}
	if f := j.PollFailure(); f != nil {
		info.Failure = f.Error()
		info.Trace = f.Trace
	}
	return info
}
