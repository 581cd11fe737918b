// Package pricing содержит чистый расчёт сумм корзины: подытог, скидка,
// налог, чаевые, комиссия платформы и итог. Без побочных эффектов.
package pricing

import "github.com/vmelnikova/linkpos/internal/model"

// TipPresets — проценты чаевых, предлагаемые на экране чаевых.
var TipPresets = []int{0, 10, 15, 20, 25}

// tierFeeRates задаёт ставку комиссии платформы в базисных пунктах
// по тарифному плану арендатора.
var tierFeeRates = map[model.Tier]int64{
	model.TierStarter: 200,
	model.TierGrowth:  150,
	model.TierPro:     100,
}

// FeeRateForTier возвращает ставку комиссии в базисных пунктах для тарифа.
// Неизвестный тариф тарифицируется как starter.
func FeeRateForTier(tier model.Tier) int64 {
	if rate, ok := tierFeeRates[tier]; ok {
		return rate
	}
	return tierFeeRates[model.TierStarter]
}

// share возвращает долю суммы в базисных пунктах, округлённую до цента
// по правилу half-up. Аргументы неотрицательные.
func share(amountCents, rateBP int64) int64 {
	return (amountCents*rateBP + 5000) / 10000
}

// LineGross возвращает сумму позиции до скидки.
func LineGross(item model.CartItem) int64 {
	return item.UnitPriceCents * int64(item.Quantity)
}

// LineDiscount возвращает сумму скидки позиции, ограниченную диапазоном
// [0, сумма позиции].
func LineDiscount(item model.CartItem) int64 {
	gross := LineGross(item)

	var d int64
	switch item.DiscountType {
	case model.DiscountPercent:
		d = share(gross, item.DiscountValue*100)
	case model.DiscountFlat:
		d = item.DiscountValue
	default:
		return 0
	}

	if d < 0 {
		return 0
	}
	if d > gross {
		return gross
	}
	return d
}

// LineTotal возвращает сумму позиции за вычетом скидки.
func LineTotal(item model.CartItem) int64 {
	return LineGross(item) - LineDiscount(item)
}

// Compute вычисляет производные суммы корзины. Скидки применяются до налога,
// чаевые не облагаются налогом, комиссия считается от налогооблагаемой базы.
// Комиссия входит в итог только при режиме pass_to_customer, но вычисляется
// и возвращается всегда.
func Compute(items []model.CartItem, taxRateBP int64, tip model.TipSpec, feeRateBP int64, feeHandling model.FeeHandling) model.CartTotals {
	var t model.CartTotals

	for _, item := range items {
		t.SubtotalCents += LineGross(item)
		t.DiscountCents += LineDiscount(item)
	}

	t.TaxableCents = t.SubtotalCents - t.DiscountCents
	t.TaxCents = share(t.TaxableCents, taxRateBP)
	t.TipCents = tipAmount(tip, t.SubtotalCents)
	t.FeeCents = share(t.TaxableCents, feeRateBP)

	t.TotalCents = t.TaxableCents + t.TaxCents + t.TipCents
	if feeHandling == model.FeePassToCustomer {
		t.TotalCents += t.FeeCents
	}

	if t.TotalCents < 0 {
		t.TotalCents = 0
	}

	return t
}

func tipAmount(tip model.TipSpec, subtotalCents int64) int64 {
	switch {
	case tip.AmountCents != nil && *tip.AmountCents > 0:
		return *tip.AmountCents
	case tip.Percent != nil && *tip.Percent > 0:
		return share(subtotalCents, int64(*tip.Percent)*100)
	default:
		return 0
	}
}
