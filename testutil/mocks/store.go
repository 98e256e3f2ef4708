// =============================================================================
// 🗄️ MockStore - 实验存储模拟实现
// =============================================================================
// 包装 experiment.MemoryStore，支持按操作注入错误和调用计数
//
// 使用方法:
//
//	store := mocks.NewMockStore().WithError(mocks.OpCreateAssignment, errBoom)
//	engine := experiment.NewEngine(store, store, logger)
//	assert.Equal(t, 1, store.Calls(mocks.OpCreateAssignment))
// =============================================================================
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/abflow/experiment"
)

// Op 存储操作名
type Op string

const (
	OpGetExperiment    Op = "get_experiment"
	OpListExperiments  Op = "list_experiments"
	OpCreateExperiment Op = "create_experiment"
	OpUpdateExperiment Op = "update_experiment"
	OpGetAssignment    Op = "get_assignment"
	OpCreateAssignment Op = "create_assignment"
	OpMarkConverted    Op = "mark_converted"
	OpListAssignments  Op = "list_assignments"
	OpPing             Op = "ping"
)

// MockStore 是 experiment.Store 的模拟实现
type MockStore struct {
	*experiment.MemoryStore

	mu     sync.Mutex
	errs   map[Op]error
	calls  map[Op]int
	closed bool
}

var _ experiment.Store = (*MockStore)(nil)

// NewMockStore 创建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		MemoryStore: experiment.NewMemoryStore(),
		errs:        make(map[Op]error),
		calls:       make(map[Op]int),
	}
}

// WithError 令 op 返回 err，err 为 nil 时恢复正常
func (m *MockStore) WithError(op Op, err error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
	} else {
		m.errs[op] = err
	}
	return m
}

// Calls 返回 op 的调用次数
func (m *MockStore) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Closed 是否已调用 Close
func (m *MockStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockStore) record(op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	return m.errs[op]
}

// =============================================================================
// 🎯 experiment.Store 实现
// =============================================================================

func (m *MockStore) GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error) {
	if err := m.record(OpGetExperiment); err != nil {
		return nil, err
	}
	return m.MemoryStore.GetExperiment(ctx, name)
}

func (m *MockStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	if err := m.record(OpListExperiments); err != nil {
		return nil, err
	}
	return m.MemoryStore.ListExperiments(ctx)
}

func (m *MockStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := m.record(OpCreateExperiment); err != nil {
		return err
	}
	return m.MemoryStore.CreateExperiment(ctx, exp)
}

func (m *MockStore) UpdateExperiment(ctx context.Context, exp *experiment.Experiment, expected experiment.Status) error {
	if err := m.record(OpUpdateExperiment); err != nil {
		return err
	}
	return m.MemoryStore.UpdateExperiment(ctx, exp, expected)
}

func (m *MockStore) GetAssignment(ctx context.Context, experimentName, subjectID string) (*experiment.Assignment, error) {
	if err := m.record(OpGetAssignment); err != nil {
		return nil, err
	}
	return m.MemoryStore.GetAssignment(ctx, experimentName, subjectID)
}

func (m *MockStore) CreateAssignment(ctx context.Context, a *experiment.Assignment) error {
	if err := m.record(OpCreateAssignment); err != nil {
		return err
	}
	return m.MemoryStore.CreateAssignment(ctx, a)
}

func (m *MockStore) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (bool, error) {
	if err := m.record(OpMarkConverted); err != nil {
		return false, err
	}
	return m.MemoryStore.MarkConverted(ctx, assignmentID, at)
}

func (m *MockStore) ListAssignments(ctx context.Context, experimentName string) ([]*experiment.Assignment, error) {
	if err := m.record(OpListAssignments); err != nil {
		return nil, err
	}
	return m.MemoryStore.ListAssignments(ctx, experimentName)
}

// Ping 健康检查，可通过 OpPing 注入失败
func (m *MockStore) Ping(ctx context.Context) error {
	return m.record(OpPing)
}

// Close 标记已关闭
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
