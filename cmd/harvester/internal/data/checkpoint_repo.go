package data

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pkgharvest/cmd/harvester/internal/domain"
)

// CheckpointPO 增量检查点持久化对象
type CheckpointPO struct {
	Name      string    `gorm:"primaryKey;size:128"`
	At        time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName 表名
func (CheckpointPO) TableName() string {
	return "harvest_checkpoints"
}

// CheckpointRepo 检查点仓储
type CheckpointRepo struct {
	data *Data
	log  *log.Helper

	mu     sync.Mutex
	memory map[string]time.Time
}

// NewCheckpointRepo 创建检查点仓储
func NewCheckpointRepo(data *Data, logger log.Logger) domain.CheckpointRepository {
	return &CheckpointRepo{
		data:   data,
		log:    log.NewHelper(log.With(logger, "module", "data/checkpoint")),
		memory: make(map[string]time.Time),
	}
}

// Get 读取检查点，不存在时返回零值
func (r *CheckpointRepo) Get(ctx context.Context, name string) (time.Time, error) {
	if r.data.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.memory[name], nil
	}

	var po CheckpointPO
	err := r.data.db.WithContext(ctx).Where("name = ?", name).First(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		r.log.Errorf("failed to get checkpoint %s: %v", name, err)
		return time.Time{}, err
	}
	return po.At, nil
}

// Save 写入检查点
func (r *CheckpointRepo) Save(ctx context.Context, name string, at time.Time) error {
	if r.data.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.memory[name] = at
		return nil
	}

	po := &CheckpointPO{Name: name, At: at.UTC()}
	err := r.data.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"at", "updated_at"}),
	}).Create(po).Error
	if err != nil {
		r.log.Errorf("failed to save checkpoint %s: %v", name, err)
	}
	return err
}
