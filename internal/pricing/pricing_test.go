package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vmelnikova/linkpos/internal/model"
)

func intPtr(v int) *int       { return &v }
func centsPtr(v int64) *int64 { return &v }

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		items       []model.CartItem
		taxRateBP   int64
		tip         model.TipSpec
		feeRateBP   int64
		feeHandling model.FeeHandling
		want        model.CartTotals
	}{
		{
			name: "single item, tax, tip preset, fee passed to customer",
			items: []model.CartItem{
				{Name: "bracelet", Quantity: 1, UnitPriceCents: 4500},
			},
			taxRateBP:   800,
			tip:         model.TipSpec{Percent: intPtr(15)},
			feeRateBP:   150,
			feeHandling: model.FeePassToCustomer,
			want: model.CartTotals{
				SubtotalCents: 4500,
				TaxableCents:  4500,
				TaxCents:      360,
				TipCents:      675,
				FeeCents:      68,
				TotalCents:    5603,
			},
		},
		{
			name: "absorbed fee is computed but not charged",
			items: []model.CartItem{
				{Name: "anklet", Quantity: 2, UnitPriceCents: 2000},
			},
			taxRateBP:   800,
			feeRateBP:   150,
			feeHandling: model.FeeAbsorb,
			want: model.CartTotals{
				SubtotalCents: 4000,
				TaxableCents:  4000,
				TaxCents:      320,
				FeeCents:      60,
				TotalCents:    4320,
			},
		},
		{
			name: "percent discount applied before tax",
			items: []model.CartItem{
				{Name: "necklace", Quantity: 1, UnitPriceCents: 10000, DiscountType: model.DiscountPercent, DiscountValue: 10},
			},
			taxRateBP:   1000,
			feeHandling: model.FeeAbsorb,
			want: model.CartTotals{
				SubtotalCents: 10000,
				DiscountCents: 1000,
				TaxableCents:  9000,
				TaxCents:      900,
				TotalCents:    9900,
			},
		},
		{
			name: "flat discount clamped to the line",
			items: []model.CartItem{
				{Name: "charm", Quantity: 1, UnitPriceCents: 500, DiscountType: model.DiscountFlat, DiscountValue: 900},
			},
			feeHandling: model.FeeAbsorb,
			want: model.CartTotals{
				SubtotalCents: 500,
				DiscountCents: 500,
			},
		},
		{
			name: "absolute tip wins over percent",
			items: []model.CartItem{
				{Name: "ring", Quantity: 1, UnitPriceCents: 3000},
			},
			tip:         model.TipSpec{Percent: intPtr(20), AmountCents: centsPtr(500)},
			feeHandling: model.FeeAbsorb,
			want: model.CartTotals{
				SubtotalCents: 3000,
				TaxableCents:  3000,
				TipCents:      500,
				TotalCents:    3500,
			},
		},
		{
			name:        "empty cart",
			feeHandling: model.FeePassToCustomer,
			taxRateBP:   800,
			feeRateBP:   150,
			want:        model.CartTotals{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.items, tt.taxRateBP, tt.tip, tt.feeRateBP, tt.feeHandling)
			assert.Equal(t, tt.want, got)

			// Инвариант итога и неотрицательность.
			expected := got.SubtotalCents - got.DiscountCents + got.TaxCents + got.TipCents
			if tt.feeHandling == model.FeePassToCustomer {
				expected += got.FeeCents
			}
			assert.Equal(t, expected, got.TotalCents)
			assert.GreaterOrEqual(t, got.TotalCents, int64(0))
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	items := []model.CartItem{
		{Name: "bracelet", Quantity: 1, UnitPriceCents: 4500},
		{Name: "charm", Quantity: 3, UnitPriceCents: 750, DiscountType: model.DiscountPercent, DiscountValue: 5},
	}
	tip := model.TipSpec{Percent: intPtr(15)}

	first := Compute(items, 825, tip, 150, model.FeePassToCustomer)
	second := Compute(items, 825, tip, 150, model.FeePassToCustomer)

	if first != second {
		t.Fatalf("Compute must be deterministic: %+v vs %+v", first, second)
	}
}

func TestTipRoundsToNearestCent(t *testing.T) {
	// 15% от 6.65 = 0.9975 — округляется до 1.00.
	items := []model.CartItem{{Name: "charm", Quantity: 1, UnitPriceCents: 665}}

	got := Compute(items, 0, model.TipSpec{Percent: intPtr(15)}, 0, model.FeeAbsorb)
	if got.TipCents != 100 {
		t.Fatalf("TipCents = %d, want 100", got.TipCents)
	}
}

func TestFeeRateForTier(t *testing.T) {
	if got := FeeRateForTier(model.TierGrowth); got != 150 {
		t.Fatalf("growth rate = %d, want 150", got)
	}
	if got := FeeRateForTier(model.Tier("unknown")); got != 200 {
		t.Fatalf("unknown tier must fall back to starter rate, got %d", got)
	}
}
