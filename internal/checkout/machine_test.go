package checkout

import (
	"errors"
	"testing"

	"github.com/vmelnikova/linkpos/internal/cart"
	"github.com/vmelnikova/linkpos/internal/model"
)

func storeWithItem(t *testing.T) *cart.Store {
	t.Helper()
	s := cart.NewStore()
	if _, err := s.AddItem(cart.ItemParams{Name: "bracelet", Quantity: 1, UnitPriceCents: 4500}); err != nil {
		t.Fatalf("AddItem error: %v", err)
	}
	return s
}

func TestAdvanceRejectsEmptyCart(t *testing.T) {
	m := NewMachine(ModeStore, cart.NewStore())

	if err := m.Advance(); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
	if m.State() != StateItems {
		t.Fatalf("state = %q, want items", m.State())
	}
}

func TestAdvanceThroughTipIsUnconditional(t *testing.T) {
	m := NewMachine(ModeStore, storeWithItem(t))

	if err := m.Advance(); err != nil {
		t.Fatalf("advance to tip: %v", err)
	}
	// Чаевые не заданы — переход всё равно разрешён.
	if err := m.Advance(); err != nil {
		t.Fatalf("advance to payment: %v", err)
	}
	if m.State() != StatePayment {
		t.Fatalf("state = %q, want payment", m.State())
	}
}

func TestBackPreservesData(t *testing.T) {
	s := storeWithItem(t)
	tip := int64(500)
	s.SetTip(model.TipSpec{AmountCents: &tip})

	m := NewMachine(ModeStore, s)
	_ = m.Advance()
	_ = m.Advance()

	if err := m.Back(); err != nil {
		t.Fatalf("back to tip: %v", err)
	}
	if err := m.Back(); err != nil {
		t.Fatalf("back to items: %v", err)
	}

	if s.Len() != 1 {
		t.Fatalf("items lost on back")
	}
	if s.Tip().AmountCents == nil || *s.Tip().AmountCents != 500 {
		t.Fatalf("tip lost on back")
	}

	if err := m.Back(); err == nil {
		t.Fatalf("back from items must be rejected")
	}
}

func TestBeginCommitRequiresPaymentMethod(t *testing.T) {
	m := NewMachine(ModeStore, storeWithItem(t))
	_ = m.Advance()
	_ = m.Advance()

	if err := m.BeginCommit(); !errors.Is(err, ErrNoPaymentMethod) {
		t.Fatalf("expected ErrNoPaymentMethod, got %v", err)
	}
}

func TestBeginCommitReentrancyLatch(t *testing.T) {
	s := storeWithItem(t)
	s.SetPaymentMethod(model.PaymentCash)

	m := NewMachine(ModeStore, s)
	_ = m.Advance()
	_ = m.Advance()

	if err := m.BeginCommit(); err != nil {
		t.Fatalf("BeginCommit error: %v", err)
	}
	if err := m.BeginCommit(); !errors.Is(err, ErrCommitInProgress) {
		t.Fatalf("expected ErrCommitInProgress, got %v", err)
	}
}

func TestFailedCommitStaysInPayment(t *testing.T) {
	s := storeWithItem(t)
	s.SetPaymentMethod(model.PaymentCard)

	m := NewMachine(ModeStore, s)
	_ = m.Advance()
	_ = m.Advance()

	if err := m.BeginCommit(); err != nil {
		t.Fatalf("BeginCommit error: %v", err)
	}
	m.EndCommit(false, false)

	if m.State() != StatePayment {
		t.Fatalf("state = %q, want payment after failed commit", m.State())
	}
	// Защёлка снята — повторный коммит разрешён.
	if err := m.BeginCommit(); err != nil {
		t.Fatalf("retry after failure must be allowed: %v", err)
	}
}

func TestStoreModeSkipsJumpRing(t *testing.T) {
	s := storeWithItem(t)
	s.SetPaymentMethod(model.PaymentCash)

	m := NewMachine(ModeStore, s)
	_ = m.Advance()
	_ = m.Advance()
	_ = m.BeginCommit()
	m.EndCommit(true, true)

	if m.State() != StateConfirmation {
		t.Fatalf("store mode must go straight to confirmation, got %q", m.State())
	}
}

func TestEventModeJumpRingFlow(t *testing.T) {
	s := storeWithItem(t)
	s.SetPaymentMethod(model.PaymentCard)

	m := NewMachine(ModeEvent, s)
	_ = m.Advance()
	_ = m.Advance()
	_ = m.BeginCommit()
	m.EndCommit(true, true)

	if m.State() != StateJumpRing {
		t.Fatalf("state = %q, want jump_ring", m.State())
	}
	if err := m.ResolveJumpRings(); err != nil {
		t.Fatalf("ResolveJumpRings error: %v", err)
	}
	if m.State() != StateConfirmation {
		t.Fatalf("state = %q, want confirmation", m.State())
	}
}

func TestEventModeWithoutConnectorsSkipsJumpRing(t *testing.T) {
	s := storeWithItem(t)
	s.SetPaymentMethod(model.PaymentCard)

	m := NewMachine(ModeEvent, s)
	_ = m.Advance()
	_ = m.Advance()
	_ = m.BeginCommit()
	m.EndCommit(true, false)

	if m.State() != StateConfirmation {
		t.Fatalf("state = %q, want confirmation", m.State())
	}
}

func TestNewSaleResetsCart(t *testing.T) {
	s := storeWithItem(t)
	s.SetPaymentMethod(model.PaymentCash)

	m := NewMachine(ModeStore, s)
	_ = m.Advance()
	_ = m.Advance()
	_ = m.BeginCommit()
	m.EndCommit(true, false)

	if err := m.NewSale(); err != nil {
		t.Fatalf("NewSale error: %v", err)
	}
	if m.State() != StateItems {
		t.Fatalf("state = %q, want items", m.State())
	}
	if s.Len() != 0 || s.PaymentMethod() != "" {
		t.Fatalf("cart not reset by NewSale")
	}
}
