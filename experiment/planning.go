package experiment

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultPower 默认统计功效
const DefaultPower = 0.8

// RequiredSampleSize 估算每组所需样本数，使双比例检验在 Alpha 水平下
// 以给定功效检出 minDetectableLiftPercent 的相对提升。
// 结果不低于 MinSampleSize。
func RequiredSampleSize(baselineRate, minDetectableLiftPercent, power float64) (int, error) {
	if !(baselineRate > 0 && baselineRate < 1) {
		return 0, fmt.Errorf("%w: baseline rate must be in (0,1), got %v", ErrInvalidPlan, baselineRate)
	}
	if !(power > 0 && power < 1) {
		return 0, fmt.Errorf("%w: power must be in (0,1), got %v", ErrInvalidPlan, power)
	}
	if minDetectableLiftPercent == 0 || math.IsNaN(minDetectableLiftPercent) || math.IsInf(minDetectableLiftPercent, 0) {
		return 0, fmt.Errorf("%w: minimum detectable lift must be non-zero", ErrInvalidPlan)
	}

	p1 := baselineRate
	p2 := baselineRate * (1 + minDetectableLiftPercent/100)
	if !(p2 > 0 && p2 < 1) {
		return 0, fmt.Errorf("%w: target rate %.4f out of range", ErrInvalidPlan, p2)
	}

	zAlpha := distuv.UnitNormal.Quantile(1 - Alpha/2)
	zBeta := distuv.UnitNormal.Quantile(power)

	pBar := (p1 + p2) / 2
	numerator := zAlpha*math.Sqrt(2*pBar*(1-pBar)) + zBeta*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	delta := p2 - p1
	n := int(math.Ceil(numerator * numerator / (delta * delta)))

	if n < MinSampleSize {
		n = MinSampleSize
	}
	return n, nil
}
