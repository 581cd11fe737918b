package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vmelnikova/linkpos/internal/model"
)

type stubFetcher struct {
	mu      sync.Mutex
	entries []model.QueueEntry
	calls   int
}

func (f *stubFetcher) ListQueueEntries(ctx context.Context, scope model.QueueScope) ([]model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]model.QueueEntry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

func (f *stubFetcher) set(entries []model.QueueEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubFeed struct {
	signals chan struct{}
}

func (f *stubFeed) Subscribe(ctx context.Context, scope model.QueueScope) (<-chan struct{}, func(), error) {
	return f.signals, func() {}, nil
}

func eventScope(eventID int64) model.QueueScope {
	return model.QueueScope{TenantID: 1, EventID: &eventID}
}

func entry(id int64, status model.QueueStatus, arrived time.Time) model.QueueEntry {
	return model.QueueEntry{
		ID:             id,
		TenantID:       1,
		Name:           "guest",
		Status:         status,
		ContactConsent: true,
		Phone:          "+10000000000",
		ArrivedAt:      arrived,
	}
}

func newTestSynchronizer(t *testing.T, scope model.QueueScope, fetcher *stubFetcher, feed Feed) *Synchronizer {
	t.Helper()
	s := NewSynchronizer(scope, fetcher, feed, zap.NewNop())
	s.debounce = 20 * time.Millisecond
	return s
}

func TestDebounceCollapsesBursts(t *testing.T) {
	now := time.Now()
	fetcher := &stubFetcher{entries: []model.QueueEntry{entry(1, model.QueueWaiting, now)}}
	feed := &stubFeed{signals: make(chan struct{}, 8)}

	s := newTestSynchronizer(t, model.QueueScope{TenantID: 1}, fetcher, feed)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Close()

	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("initial fetch count = %d, want 1", got)
	}

	// Пачка сигналов в пределах окна — одна перечитка.
	for i := 0; i < 5; i++ {
		feed.signals <- struct{}{}
	}

	deadline := time.After(500 * time.Millisecond)
	for fetcher.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("refetch did not happen, calls = %d", fetcher.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Даём окну полностью закрыться и проверяем, что перечитка была одна.
	time.Sleep(100 * time.Millisecond)
	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("fetch count = %d, want 2 (initial + one debounced refetch)", got)
	}
}

func TestRefetchUpdatesViews(t *testing.T) {
	now := time.Now()
	fetcher := &stubFetcher{entries: []model.QueueEntry{entry(1, model.QueueWaiting, now)}}
	feed := &stubFeed{signals: make(chan struct{}, 1)}

	s := newTestSynchronizer(t, model.QueueScope{TenantID: 1}, fetcher, feed)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Close()

	fetcher.set([]model.QueueEntry{
		entry(1, model.QueueServing, now),
		entry(2, model.QueueWaiting, now.Add(time.Minute)),
	})
	feed.signals <- struct{}{}

	deadline := time.After(500 * time.Millisecond)
	for s.Count() != 2 {
		select {
		case <-deadline:
			t.Fatalf("view not updated, count = %d", s.Count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	serving := s.Serving()
	if serving == nil || serving.ID != 1 {
		t.Fatalf("Serving = %+v, want entry 1", serving)
	}
	waiting := s.Waiting()
	if len(waiting) != 1 || waiting[0].ID != 2 {
		t.Fatalf("Waiting = %+v, want entry 2", waiting)
	}
}

func TestCloseStopsRefetching(t *testing.T) {
	fetcher := &stubFetcher{}
	feed := &stubFeed{signals: make(chan struct{}, 1)}

	s := newTestSynchronizer(t, model.QueueScope{TenantID: 1}, fetcher, feed)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	s.Close()
	before := fetcher.callCount()

	select {
	case feed.signals <- struct{}{}:
	default:
	}
	time.Sleep(60 * time.Millisecond)

	if got := fetcher.callCount(); got != before {
		t.Fatalf("refetch after Close: calls went %d -> %d", before, got)
	}

	// Повторный Close безопасен.
	s.Close()
}

func TestEventScopeEligibility(t *testing.T) {
	now := time.Now()
	a := entry(1, model.QueueWaiting, now)
	b := entry(2, model.QueueWaiting, now.Add(time.Minute))

	fetcher := &stubFetcher{entries: []model.QueueEntry{a, b}}
	feed := &stubFeed{signals: make(chan struct{}, 1)}

	s := newTestSynchronizer(t, eventScope(5), fetcher, feed)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Close()

	// Никто не обслуживается: продажа только с головы, уведомление — второй.
	if !s.CanStartSale(1) {
		t.Fatalf("head of the line must be eligible to start a sale")
	}
	if s.CanStartSale(2) {
		t.Fatalf("second in line must not be eligible to start a sale")
	}
	if target := s.NotifyTarget(); target == nil || target.ID != 2 {
		t.Fatalf("NotifyTarget = %+v, want entry 2", target)
	}
	if s.CanNotify(1) {
		t.Fatalf("head must not be notified while it can start a sale")
	}

	// A обслуживается: B ещё не может начать продажу, но становится целью
	// уведомления.
	a.Status = model.QueueServing
	fetcher.set([]model.QueueEntry{a, b})
	feed.signals <- struct{}{}

	deadline := time.After(500 * time.Millisecond)
	for s.Serving() == nil {
		select {
		case <-deadline:
			t.Fatalf("serving entry did not appear")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if s.CanStartSale(2) {
		t.Fatalf("entry B must not start a sale while A is serving")
	}
	if !s.CanNotify(2) {
		t.Fatalf("entry B must be notify-eligible while A is serving")
	}

	// A завершена: B снова может начать продажу.
	fetcher.set([]model.QueueEntry{b})
	feed.signals <- struct{}{}

	deadline = time.After(500 * time.Millisecond)
	for s.Serving() != nil {
		select {
		case <-deadline:
			t.Fatalf("serving entry did not clear")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !s.CanStartSale(2) {
		t.Fatalf("entry B must be eligible once A reached a terminal status")
	}
}

func TestStoreScopeEligibility(t *testing.T) {
	now := time.Now()
	fetcher := &stubFetcher{entries: []model.QueueEntry{
		entry(1, model.QueueWaiting, now),
		entry(2, model.QueueWaiting, now.Add(time.Minute)),
	}}
	feed := &stubFeed{signals: make(chan struct{}, 1)}

	s := newTestSynchronizer(t, model.QueueScope{TenantID: 1}, fetcher, feed)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Close()

	// В магазине строгий порядок не требуется.
	if !s.CanStartSale(1) || !s.CanStartSale(2) {
		t.Fatalf("any waiting entry must be eligible in store scope")
	}
	if !s.CanNotify(1) || !s.CanNotify(2) {
		t.Fatalf("any waiting entry must be notify-eligible in store scope")
	}
}

func TestCanNotifyRequiresConsentAndContact(t *testing.T) {
	now := time.Now()
	noConsent := entry(1, model.QueueWaiting, now)
	noConsent.ContactConsent = false
	noContact := entry(2, model.QueueWaiting, now.Add(time.Minute))
	noContact.Phone = ""
	noContact.Email = ""

	fetcher := &stubFetcher{entries: []model.QueueEntry{noConsent, noContact}}
	feed := &stubFeed{signals: make(chan struct{}, 1)}

	s := newTestSynchronizer(t, model.QueueScope{TenantID: 1}, fetcher, feed)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Close()

	if s.CanNotify(1) {
		t.Fatalf("entry without consent must not be notified")
	}
	if s.CanNotify(2) {
		t.Fatalf("entry without contact channel must not be notified")
	}
}
