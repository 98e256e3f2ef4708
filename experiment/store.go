package experiment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrExperimentNotFound  = errors.New("experiment not found")
	ErrExperimentExists    = errors.New("experiment already exists")
	ErrAssignmentNotFound  = errors.New("assignment not found")
	ErrDuplicateAssignment = errors.New("assignment already exists for subject")
	ErrInvalidExperiment   = errors.New("invalid experiment")
	ErrNoVariants          = errors.New("experiment has no variants")
	ErrInvalidWeights      = errors.New("invalid variant weights")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidPlan         = errors.New("invalid sample size plan")
	ErrStatusConflict      = errors.New("experiment status changed concurrently")
)

// Registry 实验定义的只读来源
type Registry interface {
	// GetExperiment 不存在时返回 ErrExperimentNotFound
	GetExperiment(ctx context.Context, name string) (*Experiment, error)
}

// ExperimentLister 列出全部实验
type ExperimentLister interface {
	ListExperiments(ctx context.Context) ([]*Experiment, error)
}

// ExperimentRepository 可写的实验定义存储
type ExperimentRepository interface {
	Registry
	ExperimentLister
	// CreateExperiment 同名实验已存在时返回 ErrExperimentExists
	CreateExperiment(ctx context.Context, exp *Experiment) error
	// UpdateExperiment 仅当存储中的状态仍为 expected 时写入。
	// 不存在时返回 ErrExperimentNotFound，状态已被并发修改时返回 ErrStatusConflict。
	UpdateExperiment(ctx context.Context, exp *Experiment, expected Status) error
}

// AssignmentStore 分配记录存储。
// 实现必须对 (ExperimentName, SubjectID) 施加唯一约束。
type AssignmentStore interface {
	// GetAssignment 不存在时返回 ErrAssignmentNotFound
	GetAssignment(ctx context.Context, experimentName, subjectID string) (*Assignment, error)
	// CreateAssignment 违反唯一约束时返回 ErrDuplicateAssignment
	CreateAssignment(ctx context.Context, a *Assignment) error
	// MarkConverted 条件更新 converted=false → true。
	// 返回 false 表示记录已转化，调用方视为无操作。
	MarkConverted(ctx context.Context, assignmentID string, at time.Time) (bool, error)
	// ListAssignments 返回实验的全部分配记录
	ListAssignments(ctx context.Context, experimentName string) ([]*Assignment, error)
}

// Store 同时承载实验定义与分配记录的存储后端
type Store interface {
	ExperimentRepository
	AssignmentStore
	Close() error
}
