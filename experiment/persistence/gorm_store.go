package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/internal/database"
	"github.com/BaSui01/abflow/types"
)

// =============================================================================
// 🗄️ GORM 模型
// =============================================================================

// ExperimentModel experiments 表
type ExperimentModel struct {
	Name           string             `gorm:"primaryKey;size:128"`
	Description    string             `gorm:"size:512"`
	Status         string             `gorm:"size:16;not null;index"`
	VariantNames   []string           `gorm:"serializer:json;type:text;not null"`
	VariantWeights map[string]float64 `gorm:"serializer:json;type:text"`
	StartedAt      time.Time          `gorm:"not null"`
	ConcludedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName 表名
func (ExperimentModel) TableName() string { return "experiments" }

// AssignmentModel experiment_assignments 表，(experiment_name, subject_id) 唯一
type AssignmentModel struct {
	ID             string     `gorm:"primaryKey;size:36"`
	ExperimentName string     `gorm:"size:128;not null;uniqueIndex:idx_assignment_subject,priority:1"`
	SubjectID      string     `gorm:"size:255;not null;uniqueIndex:idx_assignment_subject,priority:2"`
	Variant        string     `gorm:"size:128;not null"`
	AssignedAt     time.Time  `gorm:"not null"`
	Converted      bool       `gorm:"not null"`
	ConvertedAt    *time.Time
}

// TableName 表名
func (AssignmentModel) TableName() string { return "experiment_assignments" }

func experimentToModel(exp *experiment.Experiment) *ExperimentModel {
	return &ExperimentModel{
		Name:           exp.Name,
		Description:    exp.Description,
		Status:         string(exp.Status),
		VariantNames:   append([]string(nil), exp.VariantNames...),
		VariantWeights: copyWeights(exp.VariantWeights),
		StartedAt:      exp.StartedAt,
		ConcludedAt:    exp.ConcludedAt,
		CreatedAt:      exp.CreatedAt,
		UpdatedAt:      exp.UpdatedAt,
	}
}

func (m *ExperimentModel) toExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		Name:           m.Name,
		Description:    m.Description,
		Status:         experiment.Status(m.Status),
		VariantNames:   m.VariantNames,
		VariantWeights: m.VariantWeights,
		StartedAt:      m.StartedAt,
		ConcludedAt:    m.ConcludedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func assignmentToModel(a *experiment.Assignment) *AssignmentModel {
	return &AssignmentModel{
		ID:             a.ID,
		ExperimentName: a.ExperimentName,
		SubjectID:      a.SubjectID,
		Variant:        a.Variant,
		AssignedAt:     a.AssignedAt,
		Converted:      a.Converted,
		ConvertedAt:    a.ConvertedAt,
	}
}

func (m *AssignmentModel) toAssignment() *experiment.Assignment {
	return &experiment.Assignment{
		ID:             m.ID,
		ExperimentName: m.ExperimentName,
		SubjectID:      m.SubjectID,
		Variant:        m.Variant,
		AssignedAt:     m.AssignedAt,
		Converted:      m.Converted,
		ConvertedAt:    m.ConvertedAt,
	}
}

// =============================================================================
// 🎯 GormStore
// =============================================================================

// updateRetries 实验更新事务遇到死锁时的重试次数
const updateRetries = 3

// GormStore 基于 GORM 的实验存储，支持 sqlite / postgres / mysql
type GormStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGormStore 创建 GORM 存储
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "gorm_store")),
	}
}

func (s *GormStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

// AutoMigrate 按模型建表与唯一索引
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.db(ctx).AutoMigrate(&ExperimentModel{}, &AssignmentModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	s.logger.Info("schema migrated", zap.String("dialect", s.pool.Dialect()))
	return nil
}

// Ping 检查数据库连接
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PoolStats 连接池统计，供指标上报
func (s *GormStore) PoolStats() (dialect string, stats database.PoolStats) {
	return s.pool.Dialect(), s.pool.GetStats()
}

// Close 关闭连接池
func (s *GormStore) Close() error {
	return s.pool.Close()
}

// GetExperiment 获取实验
func (s *GormStore) GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error) {
	var m ExperimentModel
	if err := s.db(ctx).Where("name = ?", name).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, experiment.ErrExperimentNotFound
		}
		return nil, types.NewStorageUnavailableError("get experiment", err)
	}
	return m.toExperiment(), nil
}

// ListExperiments 按名称排序列出实验
func (s *GormStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	var models []ExperimentModel
	if err := s.db(ctx).Order("name").Find(&models).Error; err != nil {
		return nil, types.NewStorageUnavailableError("list experiments", err)
	}
	out := make([]*experiment.Experiment, 0, len(models))
	for i := range models {
		out = append(out, models[i].toExperiment())
	}
	return out, nil
}

// CreateExperiment 创建实验
func (s *GormStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := s.db(ctx).Create(experimentToModel(exp)).Error; err != nil {
		if database.IsDuplicateKeyError(err) {
			return experiment.ErrExperimentExists
		}
		return types.NewStorageUnavailableError("create experiment", err)
	}
	return nil
}

// UpdateExperiment 条件更新：WHERE name = ? AND status = expected
func (s *GormStore) UpdateExperiment(ctx context.Context, exp *experiment.Experiment, expected experiment.Status) error {
	model := experimentToModel(exp)
	err := s.pool.WithTransactionRetry(ctx, updateRetries, func(tx *gorm.DB) error {
		res := tx.Model(model).
			Where("status = ?", string(expected)).
			Select("*").Omit("name", "created_at").
			Updates(model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		// 未命中：实验不存在、状态已变，或 MySQL 对未变化的行返回 0
		var cur ExperimentModel
		if err := tx.Select("status").Where("name = ?", exp.Name).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return experiment.ErrExperimentNotFound
			}
			return err
		}
		if cur.Status != string(expected) {
			return experiment.ErrStatusConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, experiment.ErrExperimentNotFound) || errors.Is(err, experiment.ErrStatusConflict) {
			return err
		}
		return types.NewStorageUnavailableError("update experiment", err)
	}
	return nil
}

// GetAssignment 获取分配记录
func (s *GormStore) GetAssignment(ctx context.Context, experimentName, subjectID string) (*experiment.Assignment, error) {
	var m AssignmentModel
	err := s.db(ctx).
		Where("experiment_name = ? AND subject_id = ?", experimentName, subjectID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, experiment.ErrAssignmentNotFound
		}
		return nil, types.NewStorageUnavailableError("get assignment", err)
	}
	return m.toAssignment(), nil
}

// CreateAssignment 插入分配记录，唯一索引冲突映射为 ErrDuplicateAssignment
func (s *GormStore) CreateAssignment(ctx context.Context, a *experiment.Assignment) error {
	if err := s.db(ctx).Create(assignmentToModel(a)).Error; err != nil {
		if database.IsDuplicateKeyError(err) {
			return experiment.ErrDuplicateAssignment
		}
		return types.NewStorageUnavailableError("create assignment", err)
	}
	return nil
}

// MarkConverted 条件更新 converted=false 的记录，影响行数决定是否首次转化
func (s *GormStore) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (bool, error) {
	res := s.db(ctx).Model(&AssignmentModel{}).
		Where("id = ? AND converted = ?", assignmentID, false).
		Updates(map[string]any{"converted": true, "converted_at": at})
	if res.Error != nil {
		return false, types.NewStorageUnavailableError("mark converted", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := s.db(ctx).Model(&AssignmentModel{}).Where("id = ?", assignmentID).Count(&count).Error; err != nil {
		return false, types.NewStorageUnavailableError("mark converted", err)
	}
	if count == 0 {
		return false, experiment.ErrAssignmentNotFound
	}
	return false, nil
}

// ListAssignments 列出实验的分配记录
func (s *GormStore) ListAssignments(ctx context.Context, experimentName string) ([]*experiment.Assignment, error) {
	var models []AssignmentModel
	err := s.db(ctx).
		Where("experiment_name = ?", experimentName).
		Order("assigned_at, subject_id").
		Find(&models).Error
	if err != nil {
		return nil, types.NewStorageUnavailableError("list assignments", err)
	}
	out := make([]*experiment.Assignment, 0, len(models))
	for i := range models {
		out = append(out, models[i].toAssignment())
	}
	return out, nil
}

func copyWeights(w map[string]float64) map[string]float64 {
	if w == nil {
		return nil
	}
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
