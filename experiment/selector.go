package experiment

// Range 单个变体占据的半开区间 [Lower, Upper)
type Range struct {
	Variant string  `json:"variant"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
}

// Allocation 按声明顺序排列的累计权重区间
type Allocation struct {
	control string
	ranges  []Range
}

// BuildAllocation 构建分配表。
// 显式权重按原值计入；未指定权重的变体平分剩余的 (100 - 显式权重之和)。
// 区间顺序与 variantNames 一致，对照组在前。
func BuildAllocation(weights map[string]float64, variantNames []string) Allocation {
	if len(variantNames) == 0 {
		return Allocation{control: ControlVariant}
	}

	var explicit float64
	unweighted := 0
	for _, name := range variantNames {
		if w, ok := weights[name]; ok {
			explicit += w
		} else {
			unweighted++
		}
	}

	var share float64
	if remainder := MaxTotalWeight - explicit; unweighted > 0 && remainder > 0 {
		share = remainder / float64(unweighted)
	}

	ranges := make([]Range, 0, len(variantNames))
	var cumulative float64
	for _, name := range variantNames {
		w, ok := weights[name]
		if !ok {
			w = share
		}
		if w < 0 {
			w = 0
		}
		lower := cumulative
		cumulative += w
		ranges = append(ranges, Range{Variant: name, Lower: lower, Upper: cumulative})
	}

	return Allocation{control: variantNames[0], ranges: ranges}
}

// Resolve 返回第一个累计上界严格大于 bucket 的变体。
// 当累计权重未覆盖该桶时回落到对照组，fellThrough 为 true。
func (a Allocation) Resolve(bucket int) (variant string, fellThrough bool) {
	b := float64(bucket)
	for _, r := range a.ranges {
		if r.Upper > b {
			return r.Variant, false
		}
	}
	return a.control, true
}

// Control 返回对照组名称
func (a Allocation) Control() string {
	return a.control
}

// Ranges 返回区间副本
func (a Allocation) Ranges() []Range {
	return append([]Range(nil), a.ranges...)
}

// Coverage 返回累计权重覆盖的上界
func (a Allocation) Coverage() float64 {
	if len(a.ranges) == 0 {
		return 0
	}
	return a.ranges[len(a.ranges)-1].Upper
}

// SelectVariant 将桶解析为变体名称
func SelectVariant(bucket int, weights map[string]float64, variantNames []string) string {
	variant, _ := BuildAllocation(weights, variantNames).Resolve(bucket)
	return variant
}
