package experiment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VariantStats 单个变体的聚合统计
type VariantStats struct {
	Variant        string  `json:"variant"`
	Count          int     `json:"count"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Counts 转换为检验输入
func (v VariantStats) Counts() Counts {
	return Counts{Count: v.Count, Conversions: v.Conversions}
}

// Report 实验显著性报告（派生数据，不持久化）
type Report struct {
	Experiment       string                  `json:"experiment"`
	Status           Status                  `json:"status"`
	Control          string                  `json:"control"`
	TotalAssignments int                     `json:"total_assignments"`
	Variants         []VariantStats          `json:"variants"`
	Significance     map[string]Significance `json:"significance"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// Stats 按名称查找变体统计
func (r *Report) Stats(variant string) (VariantStats, bool) {
	for _, v := range r.Variants {
		if v.Variant == variant {
			return v, true
		}
	}
	return VariantStats{}, false
}

// AnySignificant 是否存在显著的实验组
func (r *Report) AnySignificant() bool {
	for _, s := range r.Significance {
		if s.Significant {
			return true
		}
	}
	return false
}

// AggregatorOption 聚合器选项
type AggregatorOption func(*Aggregator)

// WithAggregatorRecorder 设置指标出口
func WithAggregatorRecorder(r Recorder) AggregatorOption {
	return func(a *Aggregator) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithAggregatorClock 设置时钟
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithConcurrency 设置 ReportAll 的并发度
func WithConcurrency(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// Aggregator 结果聚合器
type Aggregator struct {
	registry    Registry
	store       AssignmentStore
	recorder    Recorder
	now         func() time.Time
	concurrency int
	logger      *zap.Logger
}

// NewAggregator 创建结果聚合器
func NewAggregator(registry Registry, store AssignmentStore, logger *zap.Logger, opts ...AggregatorOption) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		registry:    registry,
		store:       store,
		recorder:    NopRecorder{},
		now:         time.Now,
		concurrency: 4,
		logger:      logger.With(zap.String("component", "results_aggregator")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Report 读取实验的全部分配记录，按变体分组并逐个与对照组做显著性检验。
// 对照组没有样本时 Significance 为空表。
func (a *Aggregator) Report(ctx context.Context, experimentName string) (*Report, error) {
	exp, err := a.registry.GetExperiment(ctx, experimentName)
	if err != nil {
		return nil, fmt.Errorf("load experiment %s: %w", experimentName, err)
	}

	assignments, err := a.store.ListAssignments(ctx, experimentName)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", experimentName, err)
	}

	report := Build(exp, assignments)
	report.GeneratedAt = a.now()

	a.recorder.RecordReport(experimentName, report.AnySignificant())
	a.logger.Debug("生成实验报告",
		zap.String("experiment", experimentName),
		zap.Int("assignments", report.TotalAssignments),
		zap.Int("significance", len(report.Significance)),
	)
	return report, nil
}

// ReportAll 并发生成全部实验的报告，结果按实验名排序
func (a *Aggregator) ReportAll(ctx context.Context, lister ExperimentLister) ([]*Report, error) {
	exps, err := lister.ListExperiments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}

	reports := make([]*Report, len(exps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, exp := range exps {
		g.Go(func() error {
			r, err := a.Report(gctx, exp.Name)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Experiment < reports[j].Experiment })
	return reports, nil
}

// Build 由分配记录构建报告。
// 变体顺序：先按声明顺序，再按名称追加历史上出现但已不在声明中的变体。
func Build(exp *Experiment, assignments []*Assignment) *Report {
	groups := make(map[string]*VariantStats, len(exp.VariantNames))
	for _, name := range exp.VariantNames {
		groups[name] = &VariantStats{Variant: name}
	}

	var extra []string
	for _, as := range assignments {
		g, ok := groups[as.Variant]
		if !ok {
			g = &VariantStats{Variant: as.Variant}
			groups[as.Variant] = g
			extra = append(extra, as.Variant)
		}
		g.Count++
		if as.Converted {
			g.Conversions++
		}
	}
	sort.Strings(extra)

	order := append(append([]string(nil), exp.VariantNames...), extra...)
	variants := make([]VariantStats, 0, len(order))
	for _, name := range order {
		g := groups[name]
		g.ConversionRate = g.Counts().Rate()
		variants = append(variants, *g)
	}

	control := exp.Control()
	report := &Report{
		Experiment:       exp.Name,
		Status:           exp.Status,
		Control:          control,
		TotalAssignments: len(assignments),
		Variants:         variants,
		Significance:     make(map[string]Significance),
	}

	ctrl := groups[control]
	if ctrl == nil || ctrl.Count == 0 {
		return report
	}
	for _, v := range variants {
		if v.Variant == control {
			continue
		}
		report.Significance[v.Variant] = Evaluate(ctrl.Counts(), v.Counts())
	}
	return report
}
