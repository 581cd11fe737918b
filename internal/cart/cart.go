// Package cart реализует хранилище состояния одной кассовой транзакции.
// Каждая мутация синхронно пересчитывает суммы и уведомляет подписчиков.
// Store не потокобезопасен: доступ сериализуется владеющей сессией.
package cart

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vmelnikova/linkpos/internal/model"
	"github.com/vmelnikova/linkpos/internal/pricing"
)

var (
	// ErrItemNotFound возвращается при обращении к несуществующей позиции.
	ErrItemNotFound = errors.New("cart item not found")
	// ErrInvalidQuantity возвращается при количестве меньше единицы.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	// ErrInvalidPrice возвращается при отрицательной цене позиции.
	ErrInvalidPrice = errors.New("unit price must not be negative")
)

// Store хранит позиции корзины, связанные сущности и производные суммы
// текущей транзакции.
type Store struct {
	items         []model.CartItem
	clientID      *int64
	queueEntryID  *int64
	paymentMethod model.PaymentMethod
	taxRateBP     int64
	tip           model.TipSpec
	feeRateBP     int64
	feeHandling   model.FeeHandling
	totals        model.CartTotals

	observers map[int]func()
	nextObs   int
}

// NewStore создаёт пустую корзину с режимом комиссии absorb по умолчанию.
func NewStore() *Store {
	return &Store{
		feeHandling: model.FeeAbsorb,
		observers:   map[int]func(){},
	}
}

// ItemParams описывает добавляемую позицию корзины.
type ItemParams struct {
	InventoryID    *int64
	Name           string
	Quantity       int
	UnitPriceCents int64
	DiscountType   model.DiscountType
	DiscountValue  int64
	ProductTypeID  *int64
	InchesUsed     *float64
}

// AddItem добавляет позицию и возвращает её идентификатор.
func (s *Store) AddItem(p ItemParams) (string, error) {
	if p.Quantity < 1 {
		return "", ErrInvalidQuantity
	}
	if p.UnitPriceCents < 0 {
		return "", ErrInvalidPrice
	}

	item := model.CartItem{
		ID:             uuid.NewString(),
		InventoryID:    p.InventoryID,
		Name:           p.Name,
		Quantity:       p.Quantity,
		UnitPriceCents: p.UnitPriceCents,
		DiscountType:   p.DiscountType,
		DiscountValue:  p.DiscountValue,
		ProductTypeID:  p.ProductTypeID,
		InchesUsed:     p.InchesUsed,
	}
	s.items = append(s.items, item)

	s.recompute()
	return item.ID, nil
}

// UpdateQuantity изменяет количество позиции.
func (s *Store) UpdateQuantity(itemID string, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}

	item, err := s.find(itemID)
	if err != nil {
		return err
	}

	item.Quantity = quantity
	s.recompute()
	return nil
}

// UpdateDiscount изменяет скидку позиции.
func (s *Store) UpdateDiscount(itemID string, dt model.DiscountType, value int64) error {
	if value < 0 {
		return fmt.Errorf("discount value must not be negative")
	}

	item, err := s.find(itemID)
	if err != nil {
		return err
	}

	item.DiscountType = dt
	item.DiscountValue = value
	s.recompute()
	return nil
}

// RemoveItem удаляет позицию из корзины.
func (s *Store) RemoveItem(itemID string) error {
	for i := range s.items {
		if s.items[i].ID == itemID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			s.recompute()
			return nil
		}
	}
	return ErrItemNotFound
}

// SetTaxRate устанавливает ставку налога в базисных пунктах.
func (s *Store) SetTaxRate(rateBP int64) {
	s.taxRateBP = rateBP
	s.recompute()
}

// SetTip устанавливает чаевые.
func (s *Store) SetTip(tip model.TipSpec) {
	s.tip = tip
	s.recompute()
}

// SetPaymentMethod устанавливает способ оплаты.
func (s *Store) SetPaymentMethod(m model.PaymentMethod) {
	s.paymentMethod = m
	s.notify()
}

// SetClient привязывает клиента к транзакции.
func (s *Store) SetClient(clientID *int64) {
	s.clientID = clientID
	s.notify()
}

// SetQueueEntry привязывает запись очереди к транзакции.
func (s *Store) SetQueueEntry(entryID *int64) {
	s.queueEntryID = entryID
	s.notify()
}

// SetFeeSchedule устанавливает ставку и режим комиссии платформы.
func (s *Store) SetFeeSchedule(rateBP int64, handling model.FeeHandling) {
	s.feeRateBP = rateBP
	s.feeHandling = handling
	s.recompute()
}

// Reset возвращает корзину в исходное состояние. Единственный способ
// начать новую транзакцию; ставки налога и комиссии сессии сохраняются.
func (s *Store) Reset() {
	s.items = nil
	s.clientID = nil
	s.queueEntryID = nil
	s.paymentMethod = ""
	s.tip = model.TipSpec{}
	s.recompute()
}

// Items возвращает копию позиций корзины.
func (s *Store) Items() []model.CartItem {
	out := make([]model.CartItem, len(s.items))
	copy(out, s.items)
	return out
}

// Totals возвращает актуальные производные суммы.
func (s *Store) Totals() model.CartTotals { return s.totals }

// Len возвращает число позиций в корзине.
func (s *Store) Len() int { return len(s.items) }

// PaymentMethod возвращает выбранный способ оплаты ("" — не выбран).
func (s *Store) PaymentMethod() model.PaymentMethod { return s.paymentMethod }

// ClientID возвращает привязанного клиента.
func (s *Store) ClientID() *int64 { return s.clientID }

// QueueEntryID возвращает привязанную запись очереди.
func (s *Store) QueueEntryID() *int64 { return s.queueEntryID }

// Tip возвращает текущие чаевые.
func (s *Store) Tip() model.TipSpec { return s.tip }

// Subscribe регистрирует наблюдателя, вызываемого после каждой мутации.
// Возвращает функцию отписки.
func (s *Store) Subscribe(fn func()) func() {
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() { delete(s.observers, id) }
}

func (s *Store) find(itemID string) (*model.CartItem, error) {
	for i := range s.items {
		if s.items[i].ID == itemID {
			return &s.items[i], nil
		}
	}
	return nil, ErrItemNotFound
}

func (s *Store) recompute() {
	for i := range s.items {
		s.items[i].LineTotalCents = pricing.LineTotal(s.items[i])
	}
	s.totals = pricing.Compute(s.items, s.taxRateBP, s.tip, s.feeRateBP, s.feeHandling)
	s.notify()
}

func (s *Store) notify() {
	for _, fn := range s.observers {
		fn()
	}
}
