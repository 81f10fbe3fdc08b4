package domain

import "time"

// RunMode 运行模式
type RunMode string

const (
	ModeFirst       RunMode = "first"       // 全量
	ModeIncremental RunMode = "incremental" // 增量
	ModeRefresh     RunMode = "refresh"     // 单项刷新
	ModeEvent       RunMode = "event"       // 事件触发
	ModeRecreate    RunMode = "recreate"    // 重建集合
)

// ItemFailure 单项失败
type ItemFailure struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// RunReport 一次运行的汇总
type RunReport struct {
	RunID      string    `json:"run_id"`
	Mode       RunMode   `json:"mode"`
	Alias      string    `json:"alias"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Fetched = Succeeded + NotFound + Failed + Skipped
	Fetched    int `json:"fetched"`
	Succeeded  int `json:"succeeded"`
	NotFound   int `json:"not_found"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`

	Indexed     int `json:"indexed"`
	IndexFailed int `json:"index_failed"`
	Deleted     int `json:"deleted"`

	Failures      []ItemFailure    `json:"failures,omitempty"`
	IndexFailures []DocumentResult `json:"index_failures,omitempty"`

	// Generation 本次运行完成迁移后别名绑定的代
	Generation *CollectionGeneration `json:"generation,omitempty"`
	Cancelled  bool                  `json:"cancelled"`
	Error      string                `json:"error,omitempty"`
}

// Duration 运行时长
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Result 结果分类，用于指标与事件
func (r *RunReport) Result() string {
	switch {
	case r.Error != "":
		return "failed"
	case r.Cancelled:
		return "cancelled"
	case r.Failed > 0 || r.IndexFailed > 0:
		return "partial"
	default:
		return "ok"
	}
}
