package experiment

import (
	"fmt"
	"math"
	"time"
)

// Status 实验状态
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusConcluded Status = "CONCLUDED"
)

// ControlVariant 未找到实验时返回的默认变体
const ControlVariant = "control"

// MaxTotalWeight 权重以百分点计，累计不得超过 100
const MaxTotalWeight = 100.0

// weightEpsilon 容忍浮点累加误差
const weightEpsilon = 1e-9

// Valid 判断状态是否合法
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusConcluded:
		return true
	}
	return false
}

// CanTransitionTo 状态机：ACTIVE ⇄ PAUSED，二者均可进入终态 CONCLUDED
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusPaused || next == StatusConcluded
	case StatusPaused:
		return next == StatusActive || next == StatusConcluded
	default:
		return false
	}
}

// Experiment 实验定义
type Experiment struct {
	Name           string             `json:"name" yaml:"name"`
	Description    string             `json:"description,omitempty" yaml:"description"`
	Status         Status             `json:"status" yaml:"status"`
	VariantNames   []string           `json:"variant_names" yaml:"variants"`
	VariantWeights map[string]float64 `json:"variant_weights,omitempty" yaml:"weights"`
	StartedAt      time.Time          `json:"started_at" yaml:"-"`
	ConcludedAt    *time.Time         `json:"concluded_at,omitempty" yaml:"-"`
	CreatedAt      time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time          `json:"updated_at" yaml:"-"`
}

// Control 返回对照组名称（声明顺序的第一个变体）
func (e *Experiment) Control() string {
	if len(e.VariantNames) == 0 {
		return ControlVariant
	}
	return e.VariantNames[0]
}

// HasVariant 判断变体是否已声明
func (e *Experiment) HasVariant(name string) bool {
	for _, v := range e.VariantNames {
		if v == name {
			return true
		}
	}
	return false
}

// IsActive 仅 ACTIVE 状态允许新分配与转化记录
func (e *Experiment) IsActive() bool {
	return e.Status == StatusActive
}

// Allocation 以当前权重构建分配表
func (e *Experiment) Allocation() Allocation {
	return BuildAllocation(e.VariantWeights, e.VariantNames)
}

// Validate 在创建或调权时校验实验定义
func (e *Experiment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidExperiment)
	}
	if len(e.VariantNames) == 0 {
		return fmt.Errorf("%w: experiment %s", ErrNoVariants, e.Name)
	}
	if e.Status != "" && !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidExperiment, e.Status)
	}

	seen := make(map[string]struct{}, len(e.VariantNames))
	for _, v := range e.VariantNames {
		if v == "" {
			return fmt.Errorf("%w: empty variant name", ErrInvalidExperiment)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("%w: duplicate variant %s", ErrInvalidExperiment, v)
		}
		seen[v] = struct{}{}
	}

	return ValidateWeights(e.VariantWeights, e.VariantNames)
}

// ValidateWeights 校验权重表：键必须是已声明变体，非负，累计不超过 100
func ValidateWeights(weights map[string]float64, variantNames []string) error {
	declared := make(map[string]struct{}, len(variantNames))
	for _, v := range variantNames {
		declared[v] = struct{}{}
	}

	var total float64
	for name, w := range weights {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("%w: unknown variant %s", ErrInvalidWeights, name)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: variant %s has non-finite weight", ErrInvalidWeights, name)
		}
		if w < 0 {
			return fmt.Errorf("%w: variant %s has negative weight", ErrInvalidWeights, name)
		}
		total += w
	}
	if total > MaxTotalWeight+weightEpsilon {
		return fmt.Errorf("%w: total weight %.2f exceeds %.0f", ErrInvalidWeights, total, MaxTotalWeight)
	}
	return nil
}

// Clone 深拷贝，存储层与注册表返回副本以避免共享可变状态
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	c := *e
	c.VariantNames = append([]string(nil), e.VariantNames...)
	if e.VariantWeights != nil {
		c.VariantWeights = make(map[string]float64, len(e.VariantWeights))
		for k, v := range e.VariantWeights {
			c.VariantWeights[k] = v
		}
	}
	if e.ConcludedAt != nil {
		t := *e.ConcludedAt
		c.ConcludedAt = &t
	}
	return &c
}
