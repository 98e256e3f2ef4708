package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Manager 实验生命周期管理。状态在每次调用时从存储读取，不做缓存。
type Manager struct {
	repo   ExperimentRepository
	now    func() time.Time
	logger *zap.Logger
}

// NewManager 创建生命周期管理器
func NewManager(repo ExperimentRepository, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:   repo,
		now:    time.Now,
		logger: logger.With(zap.String("component", "experiment_manager")),
	}
}

// WithClock 替换时钟（用于测试）
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// Create 创建实验，未指定状态时默认为 ACTIVE
func (m *Manager) Create(ctx context.Context, exp *Experiment) (*Experiment, error) {
	if exp == nil {
		return nil, fmt.Errorf("%w: nil experiment", ErrInvalidExperiment)
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}

	c := exp.Clone()
	now := m.now()
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Status == StatusConcluded {
		return nil, fmt.Errorf("%w: cannot create a concluded experiment", ErrInvalidTransition)
	}
	c.StartedAt = now
	c.ConcludedAt = nil
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := m.repo.CreateExperiment(ctx, c); err != nil {
		return nil, err
	}

	m.logger.Info("实验已创建",
		zap.String("experiment", c.Name),
		zap.String("status", string(c.Status)),
		zap.Strings("variants", c.VariantNames),
	)
	return c.Clone(), nil
}

// Get 获取实验
func (m *Manager) Get(ctx context.Context, name string) (*Experiment, error) {
	return m.repo.GetExperiment(ctx, name)
}

// List 列出全部实验
func (m *Manager) List(ctx context.Context) ([]*Experiment, error) {
	return m.repo.ListExperiments(ctx)
}

// Pause ACTIVE → PAUSED
func (m *Manager) Pause(ctx context.Context, name string) (*Experiment, error) {
	return m.transition(ctx, name, StatusPaused)
}

// Resume PAUSED → ACTIVE
func (m *Manager) Resume(ctx context.Context, name string) (*Experiment, error) {
	return m.transition(ctx, name, StatusActive)
}

// Conclude 进入终态，之后不再接受分配与转化，历史记录仍可读取
func (m *Manager) Conclude(ctx context.Context, name string) (*Experiment, error) {
	return m.transition(ctx, name, StatusConcluded)
}

func (m *Manager) transition(ctx context.Context, name string, next Status) (*Experiment, error) {
	exp, err := m.repo.GetExperiment(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exp.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, exp.Status, next)
	}

	prev := exp.Status
	now := m.now()
	exp.Status = next
	exp.UpdatedAt = now
	if next == StatusConcluded {
		exp.ConcludedAt = &now
	}

	if err := m.repo.UpdateExperiment(ctx, exp, prev); err != nil {
		return nil, err
	}

	m.logger.Info("实验状态变更",
		zap.String("experiment", name),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	return exp, nil
}

// UpdateWeights 调整权重。已有分配不受影响，仅作用于新受试者。
func (m *Manager) UpdateWeights(ctx context.Context, name string, weights map[string]float64) (*Experiment, error) {
	exp, err := m.repo.GetExperiment(ctx, name)
	if err != nil {
		return nil, err
	}
	if exp.Status == StatusConcluded {
		return nil, fmt.Errorf("%w: experiment %s is concluded", ErrInvalidTransition, name)
	}
	if err := ValidateWeights(weights, exp.VariantNames); err != nil {
		return nil, err
	}
	read := exp.Status

	exp.VariantWeights = make(map[string]float64, len(weights))
	for k, v := range weights {
		exp.VariantWeights[k] = v
	}
	exp.UpdatedAt = m.now()

	// 读取后若实验被并发结束，写入会因状态不符而失败，终态不会被覆盖
	if err := m.repo.UpdateExperiment(ctx, exp, read); err != nil {
		return nil, err
	}

	m.logger.Info("实验权重已更新",
		zap.String("experiment", name),
		zap.Any("weights", weights),
	)
	return exp, nil
}

// Seed 从配置导入实验定义，已存在的实验保持不变。返回新建数量。
func (m *Manager) Seed(ctx context.Context, exps []*Experiment) (int, error) {
	created := 0
	for _, exp := range exps {
		if exp == nil {
			continue
		}
		if _, err := m.Create(ctx, exp); err != nil {
			if errors.Is(err, ErrExperimentExists) {
				m.logger.Debug("实验已存在，跳过导入", zap.String("experiment", exp.Name))
				continue
			}
			return created, fmt.Errorf("seed experiment %s: %w", exp.Name, err)
		}
		created++
	}
	return created, nil
}
