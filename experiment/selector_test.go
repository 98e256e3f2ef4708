package experiment

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectVariant_ExplicitWeights(t *testing.T) {
	names := []string{"control", "variant_a"}
	weights := map[string]float64{"control": 50, "variant_a": 50}

	assert.Equal(t, "control", SelectVariant(0, weights, names))
	assert.Equal(t, "control", SelectVariant(37, weights, names))
	assert.Equal(t, "control", SelectVariant(49, weights, names))
	assert.Equal(t, "variant_a", SelectVariant(50, weights, names))
	assert.Equal(t, "variant_a", SelectVariant(99, weights, names))
}

func TestSelectVariant_RemainderSharedInDeclarationOrder(t *testing.T) {
	names := []string{"control", "a", "b"}
	weights := map[string]float64{"control": 40}

	alloc := BuildAllocation(weights, names)
	ranges := alloc.Ranges()
	require.Len(t, ranges, 3)
	assert.Equal(t, Range{Variant: "control", Lower: 0, Upper: 40}, ranges[0])
	assert.Equal(t, Range{Variant: "a", Lower: 40, Upper: 70}, ranges[1])
	assert.Equal(t, Range{Variant: "b", Lower: 70, Upper: 100}, ranges[2])

	assert.Equal(t, "a", SelectVariant(40, weights, names))
	assert.Equal(t, "a", SelectVariant(69, weights, names))
	assert.Equal(t, "b", SelectVariant(70, weights, names))
}

func TestSelectVariant_NoWeightsSplitsEvenly(t *testing.T) {
	names := []string{"control", "a", "b"}
	alloc := BuildAllocation(nil, names)

	assert.InDelta(t, 100.0, alloc.Coverage(), 1e-9)
	assert.Equal(t, "control", SelectVariant(33, nil, names))
	assert.Equal(t, "a", SelectVariant(34, nil, names))
	assert.Equal(t, "b", SelectVariant(99, nil, names))
}

func TestAllocation_PartialTableFallsThroughToControl(t *testing.T) {
	names := []string{"control", "a", "b"}
	weights := map[string]float64{"control": 10, "a": 30, "b": 30}

	alloc := BuildAllocation(weights, names)
	assert.InDelta(t, 70.0, alloc.Coverage(), 1e-9)

	variant, fell := alloc.Resolve(69)
	assert.Equal(t, "b", variant)
	assert.False(t, fell)

	variant, fell = alloc.Resolve(70)
	assert.Equal(t, "control", variant)
	assert.True(t, fell)

	variant, fell = alloc.Resolve(99)
	assert.Equal(t, "control", variant)
	assert.True(t, fell)
}

func TestAllocation_ZeroWeightVariantNeverSelected(t *testing.T) {
	names := []string{"control", "off", "on"}
	weights := map[string]float64{"off": 0}

	for b := 0; b < BucketCount; b++ {
		assert.NotEqual(t, "off", SelectVariant(b, weights, names), "bucket %d", b)
	}
}

func TestSelectVariant_EmptyNames(t *testing.T) {
	assert.Equal(t, ControlVariant, SelectVariant(12, nil, nil))
}

// 剩余权重平分时每个桶都映射到唯一变体，不存在空隙
func TestProperty_Allocation_WeightCoverage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("every bucket resolves without fall-through", prop.ForAll(
		func(numVariants int, explicit []int) bool {
			names := make([]string, numVariants)
			for i := range names {
				names[i] = string(rune('a' + i))
			}

			// 前若干个变体显式赋权，最后一个变体始终吸收剩余
			weights := make(map[string]float64)
			budget := 100
			for i := 0; i < numVariants-1 && i < len(explicit); i++ {
				w := explicit[i] % (budget + 1)
				weights[names[i]] = float64(w)
				budget -= w
			}

			alloc := BuildAllocation(weights, names)
			seen := make(map[string]bool)
			for b := 0; b < BucketCount; b++ {
				variant, fell := alloc.Resolve(b)
				if fell {
					t.Logf("bucket %d fell through with weights %v", b, weights)
					return false
				}
				seen[variant] = true
			}
			return len(seen) >= 1
		},
		gen.IntRange(1, 6),
		gen.SliceOfN(5, gen.IntRange(0, 100)),
	))

	properties.Property("ranges are contiguous and ordered", prop.ForAll(
		func(numVariants int) bool {
			names := make([]string, numVariants)
			for i := range names {
				names[i] = string(rune('a' + i))
			}
			ranges := BuildAllocation(nil, names).Ranges()
			var prev float64
			for i, r := range ranges {
				if r.Variant != names[i] || r.Lower != prev || r.Upper < r.Lower {
					return false
				}
				prev = r.Upper
			}
			return prev > 100-1e-9
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
