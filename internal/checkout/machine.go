// Package checkout реализует конечный автомат кассового сценария:
// items → tip → payment → [jump_ring] → confirmation.
package checkout

import (
	"errors"
	"fmt"

	"github.com/vmelnikova/linkpos/internal/cart"
)

// Mode различает продажу из магазина и продажу на мероприятии.
type Mode string

const (
	ModeStore Mode = "store"
	ModeEvent Mode = "event"
)

// State — экран кассового сценария.
type State string

const (
	StateItems        State = "items"
	StateTip          State = "tip"
	StatePayment      State = "payment"
	StateJumpRing     State = "jump_ring"
	StateConfirmation State = "confirmation"
)

var (
	// ErrEmptyCart возвращается при попытке покинуть экран items без позиций.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrNoPaymentMethod возвращается при попытке коммита без способа оплаты.
	ErrNoPaymentMethod = errors.New("payment method not selected")
	// ErrCommitInProgress возвращается при повторном коммите во время
	// незавершённого — единственная защита от двойной отправки.
	ErrCommitInProgress = errors.New("commit already in progress")
)

// Machine двигает корзину по экранам кассового сценария. Переходы
// однонаправленные, кроме явных Back c tip и payment.
type Machine struct {
	mode       Mode
	state      State
	cart       *cart.Store
	committing bool
}

// NewMachine создаёт автомат в состоянии items для указанного режима.
func NewMachine(mode Mode, c *cart.Store) *Machine {
	return &Machine{mode: mode, state: StateItems, cart: c}
}

// State возвращает текущее состояние.
func (m *Machine) State() State { return m.state }

// Mode возвращает режим продажи.
func (m *Machine) Mode() Mode { return m.mode }

// Advance переводит автомат на следующий экран до payment включительно.
// Дальше payment продвигает только успешный коммит.
func (m *Machine) Advance() error {
	switch m.state {
	case StateItems:
		if m.cart.Len() == 0 {
			return ErrEmptyCart
		}
		m.state = StateTip
	case StateTip:
		// Чаевые могут быть нулевыми, переход безусловный.
		m.state = StatePayment
	default:
		return fmt.Errorf("cannot advance from state %q", m.state)
	}
	return nil
}

// Back возвращает на предыдущий экран, не изменяя введённых данных.
// Разрешён только с tip и payment.
func (m *Machine) Back() error {
	switch m.state {
	case StateTip:
		m.state = StateItems
	case StatePayment:
		m.state = StateTip
	default:
		return fmt.Errorf("cannot go back from state %q", m.state)
	}
	return nil
}

// BeginCommit проверяет условия коммита и захватывает защёлку повторного
// входа. При ошибке коммита вызывающий обязан вызвать EndCommit(false).
func (m *Machine) BeginCommit() error {
	if m.state != StatePayment {
		return fmt.Errorf("commit is not allowed from state %q", m.state)
	}
	if m.committing {
		return ErrCommitInProgress
	}
	if m.cart.Len() == 0 {
		return ErrEmptyCart
	}
	if m.cart.PaymentMethod() == "" {
		return ErrNoPaymentMethod
	}

	m.committing = true
	return nil
}

// EndCommit снимает защёлку и, при успехе, переводит автомат на jump_ring
// (режим мероприятия с расходом соединительных колец) либо сразу на
// confirmation. При неудаче автомат остаётся в payment.
func (m *Machine) EndCommit(success, usedConnectors bool) {
	m.committing = false
	if !success {
		return
	}

	if m.mode == ModeEvent && usedConnectors {
		m.state = StateJumpRing
		return
	}
	m.state = StateConfirmation
}

// ResolveJumpRings завершает экран сверки колец (подтверждение или явный
// пропуск) и переводит автомат на confirmation.
func (m *Machine) ResolveJumpRings() error {
	if m.state != StateJumpRing {
		return fmt.Errorf("jump ring resolution is not allowed from state %q", m.state)
	}
	m.state = StateConfirmation
	return nil
}

// NewSale возвращает автомат из confirmation в items и полностью сбрасывает
// корзину. Флаги отправки чека сбрасывает владеющая сессия.
func (m *Machine) NewSale() error {
	if m.state != StateConfirmation {
		return fmt.Errorf("new sale is not allowed from state %q", m.state)
	}
	m.cart.Reset()
	m.state = StateItems
	return nil
}
