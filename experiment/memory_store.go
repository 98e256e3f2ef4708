package experiment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 内存存储（用于测试和单实例场景）
type MemoryStore struct {
	experiments map[string]*Experiment
	assignments map[string]map[string]*Assignment // experimentName -> subjectID -> assignment
	byID        map[string]*Assignment
	mu          sync.RWMutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*Experiment),
		assignments: make(map[string]map[string]*Assignment),
		byID:        make(map[string]*Assignment),
	}
}

// GetExperiment 获取实验
func (s *MemoryStore) GetExperiment(ctx context.Context, name string) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[name]
	if !ok {
		return nil, ErrExperimentNotFound
	}
	return exp.Clone(), nil
}

// ListExperiments 按名称排序列出实验
func (s *MemoryStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	experiments := make([]*Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		experiments = append(experiments, exp.Clone())
	}
	sort.Slice(experiments, func(i, j int) bool { return experiments[i].Name < experiments[j].Name })
	return experiments, nil
}

// CreateExperiment 创建实验
func (s *MemoryStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.Name]; ok {
		return ErrExperimentExists
	}
	s.experiments[exp.Name] = exp.Clone()
	return nil
}

// UpdateExperiment 在锁内比较状态后覆盖
func (s *MemoryStore) UpdateExperiment(ctx context.Context, exp *Experiment, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.experiments[exp.Name]
	if !ok {
		return ErrExperimentNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	s.experiments[exp.Name] = exp.Clone()
	return nil
}

// GetAssignment 获取分配记录
func (s *MemoryStore) GetAssignment(ctx context.Context, experimentName, subjectID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if subjects, ok := s.assignments[experimentName]; ok {
		if a, ok := subjects[subjectID]; ok {
			return a.Clone(), nil
		}
	}
	return nil, ErrAssignmentNotFound
}

// CreateAssignment 插入分配记录，(实验, 受试者) 已存在时返回 ErrDuplicateAssignment
func (s *MemoryStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subjects := s.assignments[a.ExperimentName]
	if subjects == nil {
		subjects = make(map[string]*Assignment)
		s.assignments[a.ExperimentName] = subjects
	}
	if _, ok := subjects[a.SubjectID]; ok {
		return ErrDuplicateAssignment
	}

	stored := a.Clone()
	subjects[a.SubjectID] = stored
	s.byID[a.ID] = stored
	return nil
}

// MarkConverted 条件更新转化标记
func (s *MemoryStore) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[assignmentID]
	if !ok {
		return false, ErrAssignmentNotFound
	}
	if a.Converted {
		return false, nil
	}
	a.Converted = true
	t := at
	a.ConvertedAt = &t
	return true, nil
}

// ListAssignments 列出实验的分配记录，按分配时间排序
func (s *MemoryStore) ListAssignments(ctx context.Context, experimentName string) ([]*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjects := s.assignments[experimentName]
	out := make([]*Assignment, 0, len(subjects))
	for _, a := range subjects {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].AssignedAt.Before(out[j].AssignedAt)
	})
	return out, nil
}

// Close 内存存储无需释放资源
func (s *MemoryStore) Close() error { return nil }

// AssignmentCount 按变体统计分配数（用于测试）
func (s *MemoryStore) AssignmentCount(experimentName string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, a := range s.assignments[experimentName] {
		counts[a.Variant]++
	}
	return counts
}

// ConversionCount 按变体统计转化数（用于测试）
func (s *MemoryStore) ConversionCount(experimentName string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, a := range s.assignments[experimentName] {
		if a.Converted {
			counts[a.Variant]++
		}
	}
	return counts
}
