// =============================================================================
// 🧪 实验测试数据
// =============================================================================
// 预置实验定义与分配数据写入辅助
//
// 使用方法:
//
//	exp := fixtures.TrialLength()
//	fixtures.Populate(t, store, exp.Name, "control", 100, 20)
// =============================================================================
package fixtures

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/abflow/experiment"
)

// TrialLength 三变体实验，权重 34/33/33
func TrialLength() *experiment.Experiment {
	return &experiment.Experiment{
		Name:           "trial_length",
		Description:    "14 vs 21 vs 30 day trial",
		Status:         experiment.StatusActive,
		VariantNames:   []string{"control", "variant_a", "variant_b"},
		VariantWeights: map[string]float64{"control": 34, "variant_a": 33, "variant_b": 33},
	}
}

// Checkout 两变体实验，未配置权重（均分）
func Checkout() *experiment.Experiment {
	return &experiment.Experiment{
		Name:         "checkout",
		Status:       experiment.StatusActive,
		VariantNames: []string{"control", "one_page"},
	}
}

// Experiment 以给定变体构造活跃实验，第一个变体为对照组
func Experiment(name string, variants ...string) *experiment.Experiment {
	return &experiment.Experiment{
		Name:         name,
		Status:       experiment.StatusActive,
		VariantNames: variants,
	}
}

// AssignmentWriter Populate 需要的最小存储能力
type AssignmentWriter interface {
	CreateAssignment(ctx context.Context, a *experiment.Assignment) error
	MarkConverted(ctx context.Context, assignmentID string, at time.Time) (bool, error)
}

// Populate 为 variant 写入 count 条分配，其中前 converted 条已转化。
// 受试者 ID 形如 "<variant>-<i>"。
func Populate(t testing.TB, store AssignmentWriter, experimentName, variant string, count, converted int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < count; i++ {
		a := experiment.NewAssignment(experimentName, fmt.Sprintf("%s-%d", variant, i), variant, now)
		if err := store.CreateAssignment(ctx, a); err != nil {
			t.Fatalf("create assignment: %v", err)
		}
		if i < converted {
			if _, err := store.MarkConverted(ctx, a.ID, now); err != nil {
				t.Fatalf("mark converted: %v", err)
			}
		}
	}
}
