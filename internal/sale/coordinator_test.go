package sale

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vmelnikova/linkpos/internal/model"
	"github.com/vmelnikova/linkpos/internal/repository"
)

type stubStore struct {
	saleID    int64
	createErr error
	servedErr error

	calls       []string
	servedEntry int64
}

func (s *stubStore) CreateSaleWithItems(ctx context.Context, header repository.SaleHeader, items []model.CartItem) (int64, error) {
	s.calls = append(s.calls, "create_sale")
	return s.saleID, s.createErr
}

func (s *stubStore) MarkServed(ctx context.Context, entryID int64, servedAt time.Time) error {
	s.calls = append(s.calls, "mark_served")
	s.servedEntry = entryID
	return s.servedErr
}

type stubPublisher struct {
	published []model.QueueScope
}

func (p *stubPublisher) Publish(ctx context.Context, scope model.QueueScope) error {
	p.published = append(p.published, scope)
	return nil
}

type stubTagger struct {
	fired []int64
}

func (t *stubTagger) FireTagUpdate(clientID int64, event string) {
	t.fired = append(t.fired, clientID)
}

func newTestCoordinator(store *stubStore, pub *stubPublisher, tag *stubTagger) *Coordinator {
	c := NewCoordinator(store, pub, tag, zap.NewNop())
	c.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func saleInput() Input {
	return Input{
		TenantID: 1,
		Items: []model.CartItem{
			{ID: "a", Name: "bracelet", Quantity: 1, UnitPriceCents: 4500, LineTotalCents: 4500},
		},
		Totals:        model.CartTotals{SubtotalCents: 4500, TaxableCents: 4500, TotalCents: 4500},
		PaymentMethod: model.PaymentCash,
	}
}

func TestCommitValidation(t *testing.T) {
	c := newTestCoordinator(&stubStore{}, &stubPublisher{}, &stubTagger{})

	in := saleInput()
	in.Items = nil
	if _, err := c.Commit(context.Background(), in); err == nil {
		t.Fatalf("empty cart must be rejected")
	}

	in = saleInput()
	in.PaymentMethod = ""
	if _, err := c.Commit(context.Background(), in); err == nil {
		t.Fatalf("missing payment method must be rejected")
	}
}

func TestCommitHeaderFailureAbortsEverything(t *testing.T) {
	store := &stubStore{createErr: errors.New("insert failed")}
	tag := &stubTagger{}
	c := newTestCoordinator(store, &stubPublisher{}, tag)

	entryID := int64(9)
	in := saleInput()
	in.QueueEntryID = &entryID

	if _, err := c.Commit(context.Background(), in); err == nil {
		t.Fatalf("expected commit error")
	}
	if len(store.calls) != 1 || store.calls[0] != "create_sale" {
		t.Fatalf("downstream steps must not run after header failure: %v", store.calls)
	}
	if len(tag.fired) != 0 {
		t.Fatalf("webhook must not fire after aborted commit")
	}
}

func TestCommitOrderingAndSnapshot(t *testing.T) {
	store := &stubStore{saleID: 77}
	pub := &stubPublisher{}
	tag := &stubTagger{}
	c := newTestCoordinator(store, pub, tag)

	entryID := int64(9)
	clientID := int64(5)
	in := saleInput()
	in.QueueEntryID = &entryID
	in.ClientID = &clientID

	res, err := c.Commit(context.Background(), in)
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if res.Warning != nil {
		t.Fatalf("unexpected warning: %v", res.Warning)
	}

	wantCalls := []string{"create_sale", "mark_served"}
	if len(store.calls) != len(wantCalls) {
		t.Fatalf("calls = %v, want %v", store.calls, wantCalls)
	}
	for i, call := range wantCalls {
		if store.calls[i] != call {
			t.Fatalf("calls = %v, want %v", store.calls, wantCalls)
		}
	}

	if store.servedEntry != 9 {
		t.Fatalf("servedEntry = %d, want 9", store.servedEntry)
	}
	if len(pub.published) != 1 {
		t.Fatalf("queue change not published")
	}
	if len(tag.fired) != 1 || tag.fired[0] != 5 {
		t.Fatalf("webhook fired = %v, want [5]", tag.fired)
	}

	snap := res.Snapshot
	if snap.SaleID != 77 || snap.Totals.TotalCents != 4500 || snap.PaymentMethod != model.PaymentCash {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCommitQueueFailureIsPartial(t *testing.T) {
	store := &stubStore{saleID: 78, servedErr: repository.ErrEntryNotServing}
	pub := &stubPublisher{}
	c := newTestCoordinator(store, pub, &stubTagger{})

	entryID := int64(9)
	in := saleInput()
	in.QueueEntryID = &entryID

	res, err := c.Commit(context.Background(), in)
	if err != nil {
		t.Fatalf("partial failure must not fail the commit: %v", err)
	}
	if res.Warning == nil {
		t.Fatalf("expected a partial-failure warning")
	}
	if !errors.Is(res.Warning, repository.ErrEntryNotServing) {
		t.Fatalf("warning must wrap the step error, got %v", res.Warning)
	}
	if res.Snapshot == nil || res.Snapshot.SaleID != 78 {
		t.Fatalf("snapshot must survive a partial failure")
	}
	if len(pub.published) != 0 {
		t.Fatalf("change must not be published when the queue update failed")
	}
}

func TestCommitWithoutQueueEntrySkipsQueueStep(t *testing.T) {
	store := &stubStore{saleID: 79}
	c := newTestCoordinator(store, &stubPublisher{}, &stubTagger{})

	res, err := c.Commit(context.Background(), saleInput())
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if res.Warning != nil {
		t.Fatalf("unexpected warning: %v", res.Warning)
	}
	for _, call := range store.calls {
		if call == "mark_served" {
			t.Fatalf("queue step must be skipped without an attached entry")
		}
	}
}
