package experiment

import "math"

const (
	// MinSampleSize 每组最少样本数，低于此值正态近似不可靠
	MinSampleSize = 30
	// Alpha 固定显著性水平
	Alpha = 0.05
)

// ReasonInsufficientSample 样本量不足时报告的原因
const ReasonInsufficientSample = "insufficient sample size"

// Counts 单个变体的聚合计数
type Counts struct {
	Count       int `json:"count"`
	Conversions int `json:"conversions"`
}

// Rate 转化率，Count 为 0 时返回 0
func (c Counts) Rate() float64 {
	if c.Count <= 0 {
		return 0
	}
	conv := c.Conversions
	if conv < 0 {
		conv = 0
	}
	if conv > c.Count {
		conv = c.Count
	}
	return float64(conv) / float64(c.Count)
}

// Significance 实验组相对对照组的检验结果
type Significance struct {
	ZScore      *float64 `json:"z_score"`
	PValue      *float64 `json:"p_value"`
	Significant bool     `json:"significant"`
	LiftPercent *float64 `json:"lift_percent"`
	Reason      string   `json:"reason,omitempty"`
}

// Evaluate 双比例 z 检验。
// 任一组样本数小于 MinSampleSize 时不计算 p 值，Reason 说明原因。
// 对照组转化率为 0 时提升率为 nil。
func Evaluate(control, treatment Counts) Significance {
	p1 := control.Rate()
	p2 := treatment.Rate()

	result := Significance{LiftPercent: lift(p1, p2)}

	if control.Count < MinSampleSize || treatment.Count < MinSampleSize {
		result.Reason = ReasonInsufficientSample
		return result
	}

	n1 := float64(control.Count)
	n2 := float64(treatment.Count)
	pPool := (p1*n1 + p2*n2) / (n1 + n2)
	se := math.Sqrt(pPool * (1 - pPool) * (1/n1 + 1/n2))

	var z float64
	if se > 0 {
		z = (p2 - p1) / se
	}
	p := 2 * (1 - NormalCDF(math.Abs(z)))
	p = math.Max(0, math.Min(1, p))

	result.ZScore = &z
	result.PValue = &p
	result.Significant = p < Alpha
	return result
}

func lift(p1, p2 float64) *float64 {
	if p1 == 0 {
		return nil
	}
	l := (p2 - p1) / p1 * 100
	return &l
}

// Abramowitz & Stegun 26.2.17 系数
const (
	cdfP  = 0.2316419
	cdfB1 = 0.319381530
	cdfB2 = -0.356563782
	cdfB3 = 1.781477937
	cdfB4 = -1.821255978
	cdfB5 = 1.330274429
)

// NormalCDF 标准正态分布累积函数的有理近似，绝对误差小于 7.5e-8
func NormalCDF(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if x < 0 {
		return 1 - NormalCDF(-x)
	}
	t := 1 / (1 + cdfP*x)
	poly := t * (cdfB1 + t*(cdfB2+t*(cdfB3+t*(cdfB4+t*cdfB5))))
	pdf := math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
	return 1 - pdf*poly
}
