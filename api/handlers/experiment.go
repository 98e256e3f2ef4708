package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/types"
)

// =============================================================================
// 🧪 实验 Handler
// =============================================================================

// Assigner 分配与转化入口，由 experiment.Engine 实现
type Assigner interface {
	Assign(ctx context.Context, subjectID, experimentName string) experiment.Result
	RecordConversion(ctx context.Context, subjectID, experimentName string)
}

// Lifecycle 运营侧实验管理，由 experiment.Manager 实现
type Lifecycle interface {
	Create(ctx context.Context, exp *experiment.Experiment) (*experiment.Experiment, error)
	Get(ctx context.Context, name string) (*experiment.Experiment, error)
	List(ctx context.Context) ([]*experiment.Experiment, error)
	Pause(ctx context.Context, name string) (*experiment.Experiment, error)
	Resume(ctx context.Context, name string) (*experiment.Experiment, error)
	Conclude(ctx context.Context, name string) (*experiment.Experiment, error)
	UpdateWeights(ctx context.Context, name string, weights map[string]float64) (*experiment.Experiment, error)
}

// Reporter 报告生成，由 experiment.Aggregator 实现
type Reporter interface {
	Report(ctx context.Context, experimentName string) (*experiment.Report, error)
	ReportAll(ctx context.Context, lister experiment.ExperimentLister) ([]*experiment.Report, error)
}

// ExperimentHandler 实验相关 HTTP 处理器
type ExperimentHandler struct {
	assigner  Assigner
	lifecycle Lifecycle
	reporter  Reporter
	lister    experiment.ExperimentLister
	logger    *zap.Logger
}

// AssignRequest 分配/转化请求
type AssignRequest struct {
	SubjectID  string `json:"subject_id"`
	Experiment string `json:"experiment"`
}

// AssignResponse 分配响应。Bound 为 false 表示回落到对照组。
type AssignResponse struct {
	Variant      string `json:"variant"`
	Experiment   string `json:"experiment,omitempty"`
	AssignmentID string `json:"assignment_id,omitempty"`
	Bound        bool   `json:"bound"`
}

// CreateExperimentRequest 创建实验请求
type CreateExperimentRequest struct {
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	Status         experiment.Status  `json:"status,omitempty"`
	VariantNames   []string           `json:"variant_names"`
	VariantWeights map[string]float64 `json:"variant_weights,omitempty"`
}

// UpdateWeightsRequest 权重调整请求
type UpdateWeightsRequest struct {
	Weights map[string]float64 `json:"weights"`
}

// SampleSizeResponse 样本量规划结果
type SampleSizeResponse struct {
	Experiment        string  `json:"experiment"`
	BaselineRate      float64 `json:"baseline_rate"`
	MinDetectableLift float64 `json:"min_detectable_lift_percent"`
	Power             float64 `json:"power"`
	Alpha             float64 `json:"alpha"`
	PerVariant        int     `json:"per_variant"`
	Variants          int     `json:"variants"`
	Total             int     `json:"total"`
}

// NewExperimentHandler 创建实验处理器
func NewExperimentHandler(assigner Assigner, lifecycle Lifecycle, reporter Reporter, lister experiment.ExperimentLister, logger *zap.Logger) *ExperimentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExperimentHandler{
		assigner:  assigner,
		lifecycle: lifecycle,
		reporter:  reporter,
		lister:    lister,
		logger:    logger.With(zap.String("component", "experiment_handler")),
	}
}

// =============================================================================
// 🎯 调用方接口（始终成功）
// =============================================================================

// HandleAssign 返回受试者在实验中的变体。
// 实验不存在、未激活或存储故障时回落对照组，状态码仍为 200。
// @Router /api/v1/assign [post]
func (h *ExperimentHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res := h.assigner.Assign(r.Context(), req.SubjectID, req.Experiment)
	WriteSuccess(w, r, AssignResponse{
		Variant:      res.Variant,
		Experiment:   res.ExperimentName,
		AssignmentID: res.AssignmentID,
		Bound:        res.Bound(),
	})
}

// HandleConversion 记录转化。无绑定或已转化时静默忽略，始终返回 204。
// @Router /api/v1/conversions [post]
func (h *ExperimentHandler) HandleConversion(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	h.assigner.RecordConversion(r.Context(), req.SubjectID, req.Experiment)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// 📋 实验管理
// =============================================================================

// HandleListExperiments 列出全部实验
// @Router /api/v1/experiments [get]
func (h *ExperimentHandler) HandleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := h.lifecycle.List(r.Context())
	if err != nil {
		h.writeExperimentError(w, r, "", err)
		return
	}
	if exps == nil {
		exps = []*experiment.Experiment{}
	}
	WriteSuccess(w, r, exps)
}

// HandleGetExperiment 获取单个实验
// @Router /api/v1/experiments/{name} [get]
func (h *ExperimentHandler) HandleGetExperiment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	exp, err := h.lifecycle.Get(r.Context(), name)
	if err != nil {
		h.writeExperimentError(w, r, name, err)
		return
	}
	WriteSuccess(w, r, exp)
}

// HandleCreateExperiment 创建实验
// @Security ApiKeyAuth
// @Router /api/v1/experiments [post]
func (h *ExperimentHandler) HandleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req CreateExperimentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	exp, err := h.lifecycle.Create(r.Context(), &experiment.Experiment{
		Name:           req.Name,
		Description:    req.Description,
		Status:         req.Status,
		VariantNames:   req.VariantNames,
		VariantWeights: req.VariantWeights,
	})
	if err != nil {
		h.writeExperimentError(w, r, req.Name, err)
		return
	}
	WriteCreated(w, r, exp)
}

// HandleUpdateWeights 调整权重，仅影响新受试者
// @Security ApiKeyAuth
// @Router /api/v1/experiments/{name}/weights [put]
func (h *ExperimentHandler) HandleUpdateWeights(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req UpdateWeightsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	exp, err := h.lifecycle.UpdateWeights(r.Context(), name, req.Weights)
	if err != nil {
		h.writeExperimentError(w, r, name, err)
		return
	}
	WriteSuccess(w, r, exp)
}

// HandlePause ACTIVE → PAUSED
// @Security ApiKeyAuth
// @Router /api/v1/experiments/{name}/pause [post]
func (h *ExperimentHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Pause)
}

// HandleResume PAUSED → ACTIVE
// @Security ApiKeyAuth
// @Router /api/v1/experiments/{name}/resume [post]
func (h *ExperimentHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Resume)
}

// HandleConclude 结束实验
// @Security ApiKeyAuth
// @Router /api/v1/experiments/{name}/conclude [post]
func (h *ExperimentHandler) HandleConclude(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Conclude)
}

func (h *ExperimentHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*experiment.Experiment, error)) {
	name := r.PathValue("name")
	exp, err := fn(r.Context(), name)
	if err != nil {
		h.writeExperimentError(w, r, name, err)
		return
	}
	WriteSuccess(w, r, exp)
}

// =============================================================================
// 📊 报告与规划
// =============================================================================

// HandleReport 生成实验的显著性报告
// @Router /api/v1/experiments/{name}/report [get]
func (h *ExperimentHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	report, err := h.reporter.Report(r.Context(), name)
	if err != nil {
		h.writeExperimentError(w, r, name, err)
		return
	}
	WriteSuccess(w, r, report)
}

// HandleReportAll 生成全部实验的报告
// @Router /api/v1/reports [get]
func (h *ExperimentHandler) HandleReportAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reporter.ReportAll(r.Context(), h.lister)
	if err != nil {
		h.writeExperimentError(w, r, "", err)
		return
	}
	if reports == nil {
		reports = []*experiment.Report{}
	}
	WriteSuccess(w, r, reports)
}

// HandleSampleSize 估算每组所需样本数。
// 未提供 baseline 时使用对照组当前转化率；power 默认 0.8。
// @Router /api/v1/experiments/{name}/sample-size [get]
func (h *ExperimentHandler) HandleSampleSize(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q := r.URL.Query()

	mde, err := parseFloatParam(q.Get("mde"), 0)
	if err != nil || mde == 0 {
		WriteError(w, r, types.NewInvalidRequestError("query parameter mde is required and must be a non-zero number"), h.logger)
		return
	}
	power, err := parseFloatParam(q.Get("power"), experiment.DefaultPower)
	if err != nil {
		WriteError(w, r, types.NewInvalidRequestError("query parameter power must be a number"), h.logger)
		return
	}
	baseline, err := parseFloatParam(q.Get("baseline"), 0)
	if err != nil {
		WriteError(w, r, types.NewInvalidRequestError("query parameter baseline must be a number"), h.logger)
		return
	}

	exp, err := h.lifecycle.Get(r.Context(), name)
	if err != nil {
		h.writeExperimentError(w, r, name, err)
		return
	}

	if !q.Has("baseline") {
		report, err := h.reporter.Report(r.Context(), name)
		if err != nil {
			h.writeExperimentError(w, r, name, err)
			return
		}
		stats, ok := report.Stats(report.Control)
		if !ok || stats.Count == 0 {
			WriteError(w, r, types.NewError(types.ErrInsufficientSample,
				"control has no observations yet; pass baseline explicitly").WithExperiment(name), h.logger)
			return
		}
		baseline = stats.ConversionRate
	}

	perVariant, err := experiment.RequiredSampleSize(baseline, mde, power)
	if err != nil {
		h.writeExperimentError(w, r, name, err)
		return
	}

	WriteSuccess(w, r, SampleSizeResponse{
		Experiment:        name,
		BaselineRate:      baseline,
		MinDetectableLift: mde,
		Power:             power,
		Alpha:             experiment.Alpha,
		PerVariant:        perVariant,
		Variants:          len(exp.VariantNames),
		Total:             perVariant * len(exp.VariantNames),
	})
}

func parseFloatParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// =============================================================================
// 🔄 错误映射
// =============================================================================

// ToAPIError 将实验领域错误映射为 API 错误
func ToAPIError(name string, err error) *types.Error {
	if apiErr, ok := types.AsError(err); ok {
		if apiErr.Experiment == "" && name != "" {
			c := *apiErr
			c.Experiment = name
			return &c
		}
		return apiErr
	}

	var apiErr *types.Error
	switch {
	case errors.Is(err, experiment.ErrExperimentNotFound):
		apiErr = types.NewNotFoundError("experiment not found")
	case errors.Is(err, experiment.ErrExperimentExists):
		apiErr = types.NewError(types.ErrConflict, "experiment already exists")
	case errors.Is(err, experiment.ErrStatusConflict):
		apiErr = types.NewError(types.ErrConflict, err.Error()).WithRetryable(true)
	case errors.Is(err, experiment.ErrInvalidTransition):
		apiErr = types.NewError(types.ErrInvalidTransition, err.Error())
	case errors.Is(err, experiment.ErrInvalidExperiment),
		errors.Is(err, experiment.ErrNoVariants),
		errors.Is(err, experiment.ErrInvalidWeights),
		errors.Is(err, experiment.ErrInvalidPlan):
		apiErr = types.NewInvalidRequestError(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		apiErr = types.NewError(types.ErrTimeout, "operation timed out").WithRetryable(true)
	default:
		apiErr = types.NewError(types.ErrInternalError, "internal error")
	}
	return apiErr.WithCause(err).WithExperiment(name)
}

func (h *ExperimentHandler) writeExperimentError(w http.ResponseWriter, r *http.Request, name string, err error) {
	WriteError(w, r, ToAPIError(name, err), h.logger)
}
