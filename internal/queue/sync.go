// Package queue поддерживает живое локальное представление очереди одной
// области: полная выборка при старте, затем отложенная перечитка по сигналам
// канала изменений. Частые сигналы схлопываются дебаунсом; частичные
// изменения никогда не применяются к локальному состоянию напрямую.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vmelnikova/linkpos/internal/model"
)

// DefaultDebounce — окно схлопывания сигналов перед перечиткой.
const DefaultDebounce = 500 * time.Millisecond

// Fetcher описывает контракт полной выборки записей очереди.
type Fetcher interface {
	ListQueueEntries(ctx context.Context, scope model.QueueScope) ([]model.QueueEntry, error)
}

// Feed описывает контракт подписки на сигналы изменения очереди.
type Feed interface {
	Subscribe(ctx context.Context, scope model.QueueScope) (<-chan struct{}, func(), error)
}

// Synchronizer хранит согласованный срез записей очереди области и
// предоставляет производные представления для интерфейса персонала.
type Synchronizer struct {
	scope    model.QueueScope
	fetcher  Fetcher
	feed     Feed
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	entries []model.QueueEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynchronizer создаёт синхронизатор для области с окном дебаунса по
// умолчанию.
func NewSynchronizer(scope model.QueueScope, fetcher Fetcher, feed Feed, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		scope:    scope,
		fetcher:  fetcher,
		feed:     feed,
		debounce: DefaultDebounce,
		logger:   logger,
	}
}

// Start выполняет первичную выборку, подписывается на канал изменений и
// запускает цикл перечитки. Возвращает ошибку, если первичная выборка или
// подписка не удались.
func (s *Synchronizer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	entries, err := s.fetcher.ListQueueEntries(ctx, s.scope)
	if err != nil {
		cancel()
		return err
	}
	s.setEntries(entries)

	signals, stop, err := s.feed.Subscribe(ctx, s.scope)
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		defer stop()
		s.run(ctx, signals)
	}()

	return nil
}

func (s *Synchronizer) run(ctx context.Context, signals <-chan struct{}) {
	var timer *time.Timer
	var fire <-chan time.Time

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-signals:
			if !ok {
				return
			}
			// Каждый сигнал продлевает окно: пачка уведомлений
			// приводит к одной перечитке.
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-fire:
					default:
					}
				}
				timer.Reset(s.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			s.refetch(ctx)
		}
	}
}

func (s *Synchronizer) refetch(ctx context.Context) {
	entries, err := s.fetcher.ListQueueEntries(ctx, s.scope)
	if err != nil {
		// Срез остаётся прежним до следующего сигнала.
		s.logger.Warn("queue refetch failed", zap.Error(err))
		return
	}
	s.setEntries(entries)
}

func (s *Synchronizer) setEntries(entries []model.QueueEntry) {
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// Close останавливает цикл перечитки и подписку. Безопасен для повторного
// вызова и для синхронизатора, который не был запущен.
func (s *Synchronizer) Close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

// Serving возвращает единственную обслуживаемую запись области, если есть.
func (s *Synchronizer) Serving() *model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].Status == model.QueueServing {
			e := s.entries[i]
			return &e
		}
	}
	return nil
}

// Waiting возвращает упорядоченный список ожидающих (включая уведомлённых).
func (s *Synchronizer) Waiting() []model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QueueEntry
	for _, e := range s.entries {
		if e.Status == model.QueueWaiting || e.Status == model.QueueNotified {
			out = append(out, e)
		}
	}
	return out
}

// Count возвращает общее число записей области для индикатора.
func (s *Synchronizer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CanStartSale сообщает, разрешено ли начать продажу с записи. В области
// магазина продажу можно начать с любой ожидающей записи; в области
// мероприятия — только с головы очереди и только пока никто не обслуживается.
func (s *Synchronizer) CanStartSale(entryID int64) bool {
	waiting := s.Waiting()

	if !s.scope.IsEvent() {
		for _, e := range waiting {
			if e.ID == entryID {
				return true
			}
		}
		return false
	}

	if s.Serving() != nil {
		return false
	}
	return len(waiting) > 0 && waiting[0].ID == entryID
}

// NotifyTarget возвращает запись, которой адресовано уведомление «ваша
// очередь подходит». В области мероприятия это голова очереди, когда кто-то
// обслуживается, и вторая позиция, когда продажа ещё не начата (голова
// приглашается сразу). В области магазина цели нет — уведомлять можно любого.
func (s *Synchronizer) NotifyTarget() *model.QueueEntry {
	if !s.scope.IsEvent() {
		return nil
	}

	waiting := s.Waiting()
	idx := 1
	if s.Serving() != nil {
		idx = 0
	}
	if idx >= len(waiting) {
		return nil
	}
	e := waiting[idx]
	return &e
}

// CanNotify сообщает, разрешено ли уведомить запись. Требуются согласие на
// контакт и хотя бы один канал связи; в области мероприятия дополнительно —
// совпадение с целью уведомления.
func (s *Synchronizer) CanNotify(entryID int64) bool {
	waiting := s.Waiting()

	var entry *model.QueueEntry
	for i := range waiting {
		if waiting[i].ID == entryID {
			entry = &waiting[i]
			break
		}
	}
	if entry == nil {
		return false
	}
	if !entry.ContactConsent || (entry.Phone == "" && entry.Email == "") {
		return false
	}

	if s.scope.IsEvent() {
		target := s.NotifyTarget()
		return target != nil && target.ID == entryID
	}
	return true
}
