// Package model содержит доменные сущности кассы и живой очереди.
package model

import "time"

// PaymentMethod описывает выбранный способ оплаты продажи.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentOther    PaymentMethod = "other"
)

// DiscountType описывает вид скидки на позицию корзины.
type DiscountType string

const (
	DiscountFlat    DiscountType = "flat"
	DiscountPercent DiscountType = "percent"
)

// FeeHandling определяет, включается ли комиссия платформы в сумму чека
// или удерживается из выплаты продавцу.
type FeeHandling string

const (
	FeePassToCustomer FeeHandling = "pass_to_customer"
	FeeAbsorb         FeeHandling = "absorb"
)

// Tier описывает тарифный план арендатора; от него зависит ставка комиссии.
type Tier string

const (
	TierStarter Tier = "starter"
	TierGrowth  Tier = "growth"
	TierPro     Tier = "pro"
)

// CartItem представляет одну позицию корзины. Денежные суммы хранятся в центах.
type CartItem struct {
	ID             string
	InventoryID    *int64
	Name           string
	Quantity       int
	UnitPriceCents int64
	DiscountType   DiscountType
	DiscountValue  int64
	ProductTypeID  *int64
	InchesUsed     *float64
	LineTotalCents int64
}

// TipSpec задаёт чаевые: либо фиксированная сумма, либо процент от подытога.
type TipSpec struct {
	Percent     *int
	AmountCents *int64
}

// CartTotals содержит производные суммы корзины. Никогда не сохраняется —
// пересчитывается после каждой мутации корзины.
type CartTotals struct {
	SubtotalCents int64 `json:"subtotal"`
	DiscountCents int64 `json:"discount"`
	TaxableCents  int64 `json:"taxable"`
	TaxCents      int64 `json:"tax"`
	TipCents      int64 `json:"tip"`
	FeeCents      int64 `json:"fee"`
	TotalCents    int64 `json:"total"`
}

// QueueStatus описывает статус записи живой очереди.
type QueueStatus string

const (
	QueueWaiting  QueueStatus = "waiting"
	QueueNotified QueueStatus = "notified"
	QueueServing  QueueStatus = "serving"
	QueueServed   QueueStatus = "served"
	QueueNoShow   QueueStatus = "no_show"
	QueueRemoved  QueueStatus = "removed"
)

// Terminal сообщает, является ли статус конечным: из него запись
// больше не возвращается в очередь.
func (s QueueStatus) Terminal() bool {
	return s == QueueServed || s == QueueNoShow || s == QueueRemoved
}

// QueueEntry представляет одного посетителя, ожидающего или получающего услугу.
type QueueEntry struct {
	ID             int64
	TenantID       int64
	EventID        *int64
	Name           string
	ClientID       *int64
	Phone          string
	Email          string
	ContactConsent bool
	Status         QueueStatus
	ArrivedAt      time.Time
	ServedAt       *time.Time
}

/// QueueScope определяет область живой очереди: очередь магазина арендатора
// либо очередь одного мероприятия (EventID != nil).
type QueueScope struct {
	TenantID int64
	EventID  *int64
}

// IsEvent сообщает, относится ли область к мероприятию.
func (s QueueScope) IsEvent() bool { return s.EventID != nil }

// JumpRingResolution описывает расход соединительных колец по одному материалу
// завершённой продажи. Count корректируется персоналом в пределах [0, 20]
// до финализации списания.
type JumpRingResolution struct {
	InventoryID int64  `json:"inventory_id"`
	CartItemID  string `json:"cart_item_id"`
	Count       int    `json:"count"`
}

// CompletedSaleSnapshot — неизменяемый слепок завершённой продажи.
// Создаётся один раз при коммите и используется для отправки чека.
type CompletedSaleSnapshot struct {
	SaleID        int64
	TenantID      int64
	Items         []CartItem
	Totals        CartTotals
	PaymentMethod PaymentMethod
	ClientID      *int64
	QueueEntryID  *int64
	CreatedAt     time.Time
}

// CheckoutProfile содержит налоговый профиль арендатора и параметры комиссии.
// Загружается один раз при создании кассовой сессии.
type CheckoutProfile struct {
	TenantID    int64
	TaxRateBP   int64
	Tier        Tier
	FeeRateBP   int64
	FeeHandling FeeHandling
}
