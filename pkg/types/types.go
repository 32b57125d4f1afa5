// Package types 定義了 budget-optimizer 系統中使用的核心領域模型
package types

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// ChannelName 行銷通路名稱（例如 olv、paid_search）
type ChannelName string

// TotalBudget 總預算在設定列中使用的保留名稱
const TotalBudget ChannelName = "total_budget"

// Unit 預算金額單位
type Unit string

// 定義預算單位常數
const (
	UnitThousands Unit = "$K"  // 千元（預設）
	UnitMillions  Unit = "$MM" // 百萬元
)

// ChannelSpec 描述一個可接受的通路：標準名稱與原始顯示名稱
type ChannelSpec struct {
	Name  ChannelName `json:"name" yaml:"name"`   // 標準名稱，也是 wire 上的 key
	Alias string      `json:"alias" yaml:"alias"` // 顯示名稱（例如 "Online Video"）
}

// DefaultChannels 預設接受的通路集合
var DefaultChannels = []ChannelSpec{
	{Name: "olv", Alias: "Online Video"},
	{Name: "paid_search", Alias: "Paid Search"},
}

// BudgetRange 單一通路（或總預算）的預算設定
type BudgetRange struct {
	Unit          Unit    `json:"unit"`           // 金額單位
	InitialBudget float64 `json:"initial_budget"` // 目前花費
	LowerBound    float64 `json:"lower_bound"`    // 下限（含）
	UpperBound    float64 `json:"upper_bound"`    // 上限（含）
}

// Contains 判斷數值是否落在區間內（含端點，允許浮點誤差）
func (r BudgetRange) Contains(v float64) bool {
	const eps = 1e-9
	tol := eps * math.Max(1, math.Abs(v))
	return v >= r.LowerBound-tol && v <= r.UpperBound+tol
}

// ChannelBudget 通路名稱與其預算設定
type ChannelBudget struct {
	Name ChannelName `json:"name"`
	BudgetRange
}

// Scenario 已驗證的預算情境，驗證後不可變
type Scenario struct {
	Name           string          `json:"name"`            // 情境名稱，同時也是 Study 的名稱
	Channels       []ChannelBudget `json:"channels"`        // 依接受通路順序排列
	TotalBudget    BudgetRange     `json:"total_budget"`    // 總預算區間
	TimeoutMinutes int             `json:"timeout_minutes"` // 牆鐘時間上限（分鐘）
	MaxTrials      int             `json:"max_trials"`      // Study 內 Trial 數量上限
}

// Channel 依名稱查詢通路設定
func (s Scenario) Channel(name ChannelName) (BudgetRange, bool) {
	for _, c := range s.Channels {
		if c.Name == name {
			return c.BudgetRange, true
		}
	}
	return BudgetRange{}, false
}

// Settings 產生情境的設定列（總預算一列，加上每個通路一列）
func (s Scenario) Settings() ScenarioSettings {
	rows := make([]ChannelSetting, 0, len(s.Channels)+1)
	rows = append(rows, ChannelSetting{StudyName: s.Name, Channel: TotalBudget, BudgetRange: s.TotalBudget})
	for _, c := range s.Channels {
		rows = append(rows, ChannelSetting{StudyName: s.Name, Channel: c.Name, BudgetRange: c.BudgetRange})
	}
	return ScenarioSettings{
		Name:           s.Name,
		TimeoutMinutes: s.TimeoutMinutes,
		MaxTrials:      s.MaxTrials,
		Rows:           rows,
	}
}

// ChannelSetting 每個 (study, channel) 的設定列
type ChannelSetting struct {
	StudyName string      `json:"study_name"`
	Channel   ChannelName `json:"channel"`
	BudgetRange
}

// ScenarioSettings 情境建立時保存的完整設定，用於查詢與恢復
type ScenarioSettings struct {
	Name           string           `json:"name"`
	TimeoutMinutes int              `json:"timeout_minutes"`
	MaxTrials      int              `json:"max_trials"`
	Rows           []ChannelSetting `json:"rows"`
}

// Scenario 由設定列重建情境（total_budget 列以外的列依原順序成為通路）
func (s ScenarioSettings) Scenario() Scenario {
	sc := Scenario{
		Name:           s.Name,
		TimeoutMinutes: s.TimeoutMinutes,
		MaxTrials:      s.MaxTrials,
	}
	for _, row := range s.Rows {
		if row.Channel == TotalBudget {
			sc.TotalBudget = row.BudgetRange
			continue
		}
		sc.Channels = append(sc.Channels, ChannelBudget{Name: row.Channel, BudgetRange: row.BudgetRange})
	}
	return sc
}

// Allocation 每個通路的預算分配
type Allocation map[ChannelName]float64

// Sum 分配總額
func (a Allocation) Sum() float64 {
	total := 0.0
	for _, v := range a {
		total += v
	}
	return total
}

// Clone 複製分配
func (a Allocation) Clone() Allocation {
	out := make(Allocation, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Key 產生穩定的字串表示（依通路名稱排序），用於快取
func (a Allocation) Key() string {
	names := make([]string, 0, len(a))
	for k := range a {
		names = append(names, string(k))
	}
	sort.Strings(names)

	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(a[ChannelName(n)], 'g', -1, 64))
	}
	return b.String()
}

// TrialState Trial 狀態
type TrialState string

// 定義 Trial 狀態常數
const (
	TrialRunning   TrialState = "running"   // 評估中
	TrialCompleted TrialState = "completed" // 評估成功，有目標值
	TrialFailed    TrialState = "failed"    // 評估失敗，無目標值
)

// Trial 一次評估紀錄，寫入後不再修改
type Trial struct {
	StudyName  string     `json:"study_name"`
	Number     int        `json:"number"`                    // Study 內的序號，從 1 開始
	Allocation Allocation `json:"allocation"`                // 評估的分配
	Value      *float64   `json:"objective_value,omitempty"` // 目標值（預測營收）
	State      TrialState `json:"state"`
	Error      string     `json:"error,omitempty"` // 失敗原因

	// 時間（Unix 毫秒）
	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// Study 情境的持久化 Trial 集合
type Study struct {
	Name      string  `json:"name"`
	CreatedAt int64   `json:"created_at"` // Unix 毫秒
	Trials    []Trial `json:"trials"`     // 依序號遞增排列
}

// BestTrial 回傳目標值最大的已完成 Trial；同值時取序號最小者。
// 沒有已完成 Trial 時回傳 nil。
func (s *Study) BestTrial() *Trial {
	var best *Trial
	for i := range s.Trials {
		t := &s.Trials[i]
		if t.State != TrialCompleted || t.Value == nil {
			continue
		}
		if best == nil || *t.Value > *best.Value {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// CountByState 統計各狀態的 Trial 數量
func (s *Study) CountByState() map[TrialState]int {
	counts := make(map[TrialState]int, 3)
	for _, t := range s.Trials {
		counts[t.State]++
	}
	return counts
}

// JobStatus 優化任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	JobPending    JobStatus = "pending"    // 已建立，尚未進入優化迴圈
	JobRunning    JobStatus = "running"    // 優化迴圈執行中
	JobDone       JobStatus = "done"       // 正常結束（達到上限或時間）
	JobFailed     JobStatus = "failed"     // 未預期錯誤結束
	JobTerminated JobStatus = "terminated" // 被終止
)

// IsTerminal 是否為終止狀態
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed || s == JobTerminated
}
