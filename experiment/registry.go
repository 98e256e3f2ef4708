package experiment

import (
	"context"
	"fmt"
	"sort"
)

// StaticRegistry 由配置文件加载的只读注册表
type StaticRegistry struct {
	experiments map[string]*Experiment
}

// NewStaticRegistry 校验并注册实验定义，未设置状态的实验视为 ACTIVE
func NewStaticRegistry(exps ...*Experiment) (*StaticRegistry, error) {
	r := &StaticRegistry{experiments: make(map[string]*Experiment, len(exps))}
	for _, exp := range exps {
		if exp == nil {
			continue
		}
		if err := exp.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.experiments[exp.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrExperimentExists, exp.Name)
		}
		c := exp.Clone()
		if c.Status == "" {
			c.Status = StatusActive
		}
		r.experiments[c.Name] = c
	}
	return r, nil
}

// GetExperiment 获取实验副本
func (r *StaticRegistry) GetExperiment(ctx context.Context, name string) (*Experiment, error) {
	exp, ok := r.experiments[name]
	if !ok {
		return nil, ErrExperimentNotFound
	}
	return exp.Clone(), nil
}

// ListExperiments 按名称排序列出实验
func (r *StaticRegistry) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	out := make([]*Experiment, 0, len(r.experiments))
	for _, exp := range r.experiments {
		out = append(out, exp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
