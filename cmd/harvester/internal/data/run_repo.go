package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
)

const memoryRunHistory = 100

// RunPO 运行历史持久化对象
type RunPO struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Mode       string    `gorm:"size:20;not null;index:idx_mode"`
	Alias      string    `gorm:"size:128;not null"`
	Result     string    `gorm:"size:20;not null"`
	StartedAt  time.Time `gorm:"not null;index:idx_started"`
	FinishedAt time.Time
	Report     string `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

// TableName 表名
func (RunPO) TableName() string {
	return "harvest_runs"
}

// RunRepo 运行历史仓储
type RunRepo struct {
	data *Data
	log  *log.Helper

	mu     sync.Mutex
	memory []*domain.RunReport
}

// NewRunRepo 创建运行历史仓储
func NewRunRepo(data *Data, logger log.Logger) domain.RunRepository {
	return &RunRepo{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "data/run")),
	}
}

// Save 保存运行报告
func (r *RunRepo) Save(ctx context.Context, report *domain.RunReport) error {
	if r.data.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.memory = append(r.memory, report)
		if len(r.memory) > memoryRunHistory {
			r.memory = r.memory[len(r.memory)-memoryRunHistory:]
		}
		return nil
	}

	po, err := toRunPO(report)
	if err != nil {
		return err
	}
	if err := r.data.db.WithContext(ctx).Save(po).Error; err != nil {
		r.log.Errorf("failed to save run %s: %v", report.RunID, err)
		return err
	}
	return nil
}

// ListRecent 按开始时间倒序返回最近的运行
func (r *RunRepo) ListRecent(ctx context.Context, limit int) ([]*domain.RunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	if r.data.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		out := make([]*domain.RunReport, 0, limit)
		for i := len(r.memory) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, r.memory[i])
		}
		return out, nil
	}

	var pos []RunPO
	if err := r.data.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&pos).Error; err != nil {
		r.log.Errorf("failed to list runs: %v", err)
		return nil, err
	}
	out := make([]*domain.RunReport, 0, len(pos))
	for _, po := range pos {
		var report domain.RunReport
		if err := json.Unmarshal([]byte(po.Report), &report); err != nil {
			r.log.Warnf("skip corrupt run %s: %v", po.ID, err)
			continue
		}
		out = append(out, &report)
	}
	return out, nil
}

func toRunPO(report *domain.RunReport) (*RunPO, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	return &RunPO{
		ID:         report.RunID,
		Mode:       string(report.Mode),
		Alias:      report.Alias,
		Result:     report.Result(),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Report:     string(body),
	}, nil
}
