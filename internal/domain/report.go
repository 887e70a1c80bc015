package domain

import (
	"encoding/json"
	"time"
)

const (
	StatusHarvested = "harvested"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

const (
	ErrCodeDatasetSchema     = "dataset_schema"
	ErrCodeNotFound          = "not_found"
	ErrCodeMissingFields     = "missing_fields"
	ErrCodeTimeout           = "timeout"
	ErrCodeTransport         = "transport"
	ErrCodeRecordSkipped     = "record_skipped"
	ErrCodeIOFailed          = "io_failed"
	ErrCodeTargetConflict    = "target_conflict"
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissingPath = "config_missing_path"
)

// RunReport 是对外稳定输出（report.json / stdout JSON）的结构。
//
// 注意：报告只记录“数量与种类”，不记录失败标题清单（丢弃策略不变，
// 失败的标题不出现在任何产物里）。
type RunReport struct {
	Path string `json:"path"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Titles int `json:"titles"` // 去重（与 limit）后进入 harvest 的标题数
	Tuples int `json:"tuples"` // 折叠产出的观测元组数
	Genres int `json:"genres"` // accumulator 桶数

	Summary  ReportSummary  `json:"summary"`
	Failures map[string]int `json:"failures"` // error_code -> 次数（仅 failed 条目）

	// 致命错误（config/dataset）时非空；此时 Summary 通常为零值。
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

type ReportSummary struct {
	Harvested int `json:"harvested"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) Failures 保证非 nil（JSON 输出 {} 而不是 null；map 序列化按键排序，天然稳定）
// 3) summary.failed 由 Failures 求和得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	if r.Failures == nil {
		r.Failures = map[string]int{}
	}

	failed := 0
	for _, n := range r.Failures {
		failed += n
	}
	r.Summary.Failed = failed
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
// 当前只是透传 encoding/json 的默认行为。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
