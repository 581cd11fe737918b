// Package service реализует бизнес-логику кассы: реестр кассовых сессий,
// действия с живой очередью и оркестрацию коммита продажи.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vmelnikova/linkpos/internal/cart"
	"github.com/vmelnikova/linkpos/internal/checkout"
	"github.com/vmelnikova/linkpos/internal/model"
	"github.com/vmelnikova/linkpos/internal/pricing"
	"github.com/vmelnikova/linkpos/internal/queue"
	"github.com/vmelnikova/linkpos/internal/receipt"
	"github.com/vmelnikova/linkpos/internal/repository"
	"github.com/vmelnikova/linkpos/internal/sale"
	"github.com/vmelnikova/linkpos/internal/validation"
)

// maxConnectorCount — верхняя граница расхода колец по одному материалу.
const maxConnectorCount = 20

var (
	// ErrSessionNotFound возвращается при обращении к несуществующей сессии.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrEntryAttached возвращается при попытке занять вторую запись очереди
	// в рамках одной транзакции.
	ErrEntryAttached = errors.New("queue entry already attached to this session")
	// ErrNoEntryAttached возвращается при отмене обслуживания без записи.
	ErrNoEntryAttached = errors.New("no queue entry attached to this session")
	// ErrNoContact возвращается при отправке чека без адресата.
	ErrNoContact = errors.New("contact field is required")
	// ErrInvalidContact возвращается, когда адресат чека не проходит проверку
	// формата для выбранного канала.
	ErrInvalidContact = errors.New("contact does not match the selected channel")
	// ErrInvalidConnectorCount возвращается при корректировке расхода колец
	// вне допустимых границ.
	ErrInvalidConnectorCount = fmt.Errorf("connector count must be within [0, %d]", maxConnectorCount)
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetCheckoutProfile(ctx context.Context, tenantID int64) (*model.CheckoutProfile, error)
	CreateSaleWithItems(ctx context.Context, header repository.SaleHeader, items []model.CartItem) (int64, error)
	ApplyConnectorDeductions(ctx context.Context, saleID int64, resolutions []model.JumpRingResolution) error
	ConnectorsPerUnit(ctx context.Context, productTypeID int64) (int, int64, error)
	ClaimQueueEntry(ctx context.Context, entryID int64) (*model.QueueEntry, error)
	ReleaseQueueEntry(ctx context.Context, entryID int64) error
	MarkServed(ctx context.Context, entryID int64, servedAt time.Time) error
	SetQueueStatus(ctx context.Context, entryID int64, status model.QueueStatus) error
	ListQueueEntries(ctx context.Context, scope model.QueueScope) ([]model.QueueEntry, error)
}

// Feed описывает канал уведомлений об изменениях очереди.
type Feed interface {
	Publish(ctx context.Context, scope model.QueueScope) error
	Subscribe(ctx context.Context, scope model.QueueScope) (<-chan struct{}, func(), error)
}

// ReceiptSender описывает контракт доставки чеков.
type ReceiptSender interface {
	Send(ctx context.Context, channel receipt.Channel, to, body string) error
}

// Session — одна кассовая сессия: корзина, автомат экранов и состояние
// отправки чека. Все операции сервиса сериализуются мьютексом сессии.
type Session struct {
	ID      string
	Profile model.CheckoutProfile
	EventID *int64

	mu      sync.Mutex
	cart    *cart.Store
	machine *checkout.Machine

	entry       *model.QueueEntry
	resolutions []model.JumpRingResolution
	snapshot    *model.CompletedSaleSnapshot

	emailSent    bool
	smsSent      bool
	prefillName  string
	prefillEmail string
	prefillPhone string
}

func (s *Session) scope() model.QueueScope {
	return model.QueueScope{TenantID: s.Profile.TenantID, EventID: s.EventID}
}

// Service связывает хранилище, канал изменений очереди и внешних
// исполнителей доставки чека и авторазметки.
type Service struct {
	repo     Repository
	feed     Feed
	coord    *sale.Coordinator
	receipts ReceiptSender
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	syncers  map[string]*queue.Synchronizer
}

// NewService создаёт сервис кассы.
func NewService(repo Repository, f Feed, tagger sale.Tagger, receipts ReceiptSender, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		feed:     f,
		coord:    sale.NewCoordinator(repo, f, tagger, logger),
		receipts: receipts,
		logger:   logger,
		sessions: map[string]*Session{},
		syncers:  map[string]*queue.Synchronizer{},
	}
}

// Close останавливает синхронизаторы очередей и закрывает хранилище.
func (s *Service) Close() error {
	s.mu.Lock()
	for key, syncer := range s.syncers {
		syncer.Close()
		delete(s.syncers, key)
	}
	s.mu.Unlock()

	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateSession создаёт кассовую сессию, один раз загружая налоговый профиль
// и ставку комиссии арендатора.
func (s *Service) CreateSession(ctx context.Context, tenantID int64, mode checkout.Mode, eventID *int64) (*Session, error) {
	profile, err := s.repo.GetCheckoutProfile(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if mode != checkout.ModeEvent {
		mode = checkout.ModeStore
		eventID = nil
	}

	c := cart.NewStore()
	c.SetTaxRate(profile.TaxRateBP)

	feeRate := profile.FeeRateBP
	if feeRate == 0 {
		feeRate = pricing.FeeRateForTier(profile.Tier)
	}
	c.SetFeeSchedule(feeRate, profile.FeeHandling)

	session := &Session{
		ID:      uuid.NewString(),
		Profile: *profile,
		EventID: eventID,
		cart:    c,
		machine: checkout.NewMachine(mode, c),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session, nil
}

func (s *Service) session(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// SessionState — срез состояния сессии для интерфейса.
type SessionState struct {
	SessionID     string
	Mode          checkout.Mode
	State         checkout.State
	Items         []model.CartItem
	Totals        model.CartTotals
	PaymentMethod model.PaymentMethod
	QueueEntryID  *int64
	Resolutions   []model.JumpRingResolution
	Snapshot      *model.CompletedSaleSnapshot
	EmailSent     bool
	SMSSent       bool
	PrefillName   string
	PrefillEmail  string
	PrefillPhone  string
}

func (s *Session) stateLocked() *SessionState {
	return &SessionState{
		SessionID:     s.ID,
		Mode:          s.machine.Mode(),
		State:         s.machine.State(),
		Items:         s.cart.Items(),
		Totals:        s.cart.Totals(),
		PaymentMethod: s.cart.PaymentMethod(),
		QueueEntryID:  s.cart.QueueEntryID(),
		Resolutions:   append([]model.JumpRingResolution(nil), s.resolutions...),
		Snapshot:      s.snapshot,
		EmailSent:     s.emailSent,
		SMSSent:       s.smsSent,
		PrefillName:   s.prefillName,
		PrefillEmail:  s.prefillEmail,
		PrefillPhone:  s.prefillPhone,
	}
}

// SessionState возвращает срез состояния сессии.
func (s *Service) SessionState(sessionID string) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error { return nil })
}

// withSession выполняет fn под мьютексом сессии и возвращает её новый срез.
func (s *Service) withSession(sessionID string, fn func(*Session) error) (*SessionState, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if err := fn(session); err != nil {
		return nil, err
	}
	return session.stateLocked(), nil
}

// AddItem добавляет позицию в корзину сессии.
func (s *Service) AddItem(sessionID string, p cart.ItemParams) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		_, err := sess.cart.AddItem(p)
		return err
	})
}

// UpdateItemQuantity изменяет количество позиции.
func (s *Service) UpdateItemQuantity(sessionID, itemID string, quantity int) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		return sess.cart.UpdateQuantity(itemID, quantity)
	})
}

// UpdateItemDiscount изменяет скидку позиции.
func (s *Service) UpdateItemDiscount(sessionID, itemID string, dt model.DiscountType, value int64) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		return sess.cart.UpdateDiscount(itemID, dt, value)
	})
}

// RemoveItem удаляет позицию из корзины.
func (s *Service) RemoveItem(sessionID, itemID string) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		return sess.cart.RemoveItem(itemID)
	})
}

// SetTip устанавливает чаевые.
func (s *Service) SetTip(sessionID string, tip model.TipSpec) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		sess.cart.SetTip(tip)
		return nil
	})
}

// SetPaymentMethod устанавливает способ оплаты.
func (s *Service) SetPaymentMethod(sessionID string, m model.PaymentMethod) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		sess.cart.SetPaymentMethod(m)
		return nil
	})
}

// SetClient привязывает клиента к транзакции.
func (s *Service) SetClient(sessionID string, clientID *int64) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		sess.cart.SetClient(clientID)
		return nil
	})
}

// Advance переводит сессию на следующий экран.
func (s *Service) Advance(sessionID string) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		return sess.machine.Advance()
	})
}

// Back возвращает сессию на предыдущий экран.
func (s *Service) Back(sessionID string) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		return sess.machine.Back()
	})
}

// StartSaleFromQueue занимает запись очереди условным обновлением статуса и
// привязывает её к сессии. Проигравшее гонку устройство получает
// repository.ErrEntryAlreadyClaimed.
func (s *Service) StartSaleFromQueue(ctx context.Context, sessionID string, entryID int64) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		if sess.entry != nil {
			return ErrEntryAttached
		}

		entry, err := s.repo.ClaimQueueEntry(ctx, entryID)
		if err != nil {
			return err
		}

		sess.entry = entry
		sess.cart.SetQueueEntry(&entry.ID)
		if entry.ClientID != nil {
			sess.cart.SetClient(entry.ClientID)
		}
		sess.prefillName = entry.Name
		sess.prefillEmail = entry.Email
		sess.prefillPhone = entry.Phone

		s.publish(ctx, sess.scope())
		return nil
	})
}

// CancelServing возвращает занятую запись в ожидание и очищает поля
// предзаполнения чека. Позиции корзины не изменяются; начатый коммит
// отменить нельзя.
func (s *Service) CancelServing(ctx context.Context, sessionID string) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		if sess.entry == nil {
			return ErrNoEntryAttached
		}

		if err := s.repo.ReleaseQueueEntry(ctx, sess.entry.ID); err != nil {
			return err
		}

		sess.entry = nil
		sess.cart.SetQueueEntry(nil)
		sess.prefillName = ""
		sess.prefillEmail = ""
		sess.prefillPhone = ""

		s.publish(ctx, sess.scope())
		return nil
	})
}

// CommitOutcome — исход коммита для интерфейса.
type CommitOutcome struct {
	State   *SessionState
	Warning string
}

// Commit выполняет коммит продажи. При отказе транзакции сессия остаётся на
// экране payment; частичный отказ хвоста возвращается предупреждением при
// состоявшейся продаже.
func (s *Service) Commit(ctx context.Context, sessionID string) (*CommitOutcome, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if err := session.machine.BeginCommit(); err != nil {
		return nil, err
	}

	input := sale.Input{
		TenantID:      session.Profile.TenantID,
		EventID:       session.EventID,
		Items:         session.cart.Items(),
		Totals:        session.cart.Totals(),
		PaymentMethod: session.cart.PaymentMethod(),
		ClientID:      session.cart.ClientID(),
		QueueEntryID:  session.cart.QueueEntryID(),
	}

	result, err := s.coord.Commit(ctx, input)
	if err != nil {
		session.machine.EndCommit(false, false)
		return nil, err
	}

	var resolutions []model.JumpRingResolution
	if session.machine.Mode() == checkout.ModeEvent {
		resolutions = s.buildResolutions(ctx, input.Items)
	}

	session.snapshot = result.Snapshot
	session.resolutions = resolutions
	session.machine.EndCommit(true, len(resolutions) > 0)

	outcome := &CommitOutcome{State: session.stateLocked()}
	if result.Warning != nil {
		outcome.Warning = result.Warning.Error()
	}
	return outcome, nil
}

// buildResolutions вычисляет расход соединительных колец по норме типа
// продукта. Ошибки справочника не прерывают коммит: такие позиции просто
// не попадают на экран сверки.
func (s *Service) buildResolutions(ctx context.Context, items []model.CartItem) []model.JumpRingResolution {
	var out []model.JumpRingResolution
	for _, item := range items {
		if item.ProductTypeID == nil {
			continue
		}

		perUnit, inventoryID, err := s.repo.ConnectorsPerUnit(ctx, *item.ProductTypeID)
		if err != nil {
			s.logger.Warn("connector lookup failed", zap.Error(err), zap.String("item", item.Name))
			continue
		}
		if perUnit <= 0 {
			continue
		}

		count := perUnit * item.Quantity
		if count > maxConnectorCount {
			count = maxConnectorCount
		}
		out = append(out, model.JumpRingResolution{
			InventoryID: inventoryID,
			CartItemID:  item.ID,
			Count:       count,
		})
	}
	return out
}

// AdjustResolution корректирует расход колец по материалу в пределах [0, 20].
func (s *Service) AdjustResolution(sessionID string, inventoryID int64, count int) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		if count < 0 || count > maxConnectorCount {
			return ErrInvalidConnectorCount
		}
		for i := range sess.resolutions {
			if sess.resolutions[i].InventoryID == inventoryID {
				sess.resolutions[i].Count = count
				return nil
			}
		}
		return fmt.Errorf("no resolution for inventory %d", inventoryID)
	})
}

// ConfirmJumpRings финализирует списание колец с учётом корректировок и
// переводит сессию на confirmation.
func (s *Service) ConfirmJumpRings(ctx context.Context, sessionID string) (*SessionState, error) {
	return s.finishJumpRings(ctx, sessionID, false)
}

// SkipJumpRings финализирует списание по нормам без корректировок.
func (s *Service) SkipJumpRings(ctx context.Context, sessionID string) (*SessionState, error) {
	return s.finishJumpRings(ctx, sessionID, true)
}

func (s *Service) finishJumpRings(ctx context.Context, sessionID string, useDefaults bool) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		resolutions := sess.resolutions
		if useDefaults && sess.snapshot != nil {
			resolutions = s.buildResolutions(ctx, sess.snapshot.Items)
		}

		if sess.snapshot != nil && len(resolutions) > 0 {
			if err := s.repo.ApplyConnectorDeductions(ctx, sess.snapshot.SaleID, resolutions); err != nil {
				return err
			}
		}

		return sess.machine.ResolveJumpRings()
	})
}

// SendReceipt отправляет чек по указанному каналу. Пустой адресат берётся из
// предзаполнения записи очереди; отсутствие адресата — ошибка валидации.
// Повторная отправка разрешена.
func (s *Service) SendReceipt(ctx context.Context, sessionID string, channel receipt.Channel, to string) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		if sess.snapshot == nil {
			return fmt.Errorf("no completed sale to send a receipt for")
		}

		if to == "" {
			switch channel {
			case receipt.ChannelEmail:
				to = sess.prefillEmail
			case receipt.ChannelSMS:
				to = sess.prefillPhone
			}
		}
		if to == "" {
			return ErrNoContact
		}

		switch channel {
		case receipt.ChannelEmail:
			if !validation.IsValidEmail(to) {
				return ErrInvalidContact
			}
		case receipt.ChannelSMS:
			if !validation.IsValidPhone(to) {
				return ErrInvalidContact
			}
		}

		if err := s.receipts.Send(ctx, channel, to, receipt.RenderText(sess.snapshot)); err != nil {
			return err
		}

		switch channel {
		case receipt.ChannelEmail:
			sess.emailSent = true
		case receipt.ChannelSMS:
			sess.smsSent = true
		}
		return nil
	})
}

// NewSale начинает новую транзакцию: сбрасывает корзину, слепок продажи и
// флаги отправки чека, чтобы статус прошлого чека не протёк в следующую.
func (s *Service) NewSale(sessionID string) (*SessionState, error) {
	return s.withSession(sessionID, func(sess *Session) error {
		if err := sess.machine.NewSale(); err != nil {
			return err
		}

		sess.entry = nil
		sess.resolutions = nil
		sess.snapshot = nil
		sess.emailSent = false
		sess.smsSent = false
		sess.prefillName = ""
		sess.prefillEmail = ""
		sess.prefillPhone = ""
		return nil
	})
}

// QueueEntryView — запись очереди с флагами доступных действий.
type QueueEntryView struct {
	Entry        model.QueueEntry
	CanStartSale bool
	CanNotify    bool
}

// QueueView — производное представление очереди области.
type QueueView struct {
	Serving *model.QueueEntry
	Waiting []QueueEntryView
	Count   int
}

// QueueView возвращает живое представление очереди области. Синхронизатор
// области создаётся при первом обращении и перечитывает срез по сигналам
// канала изменений.
func (s *Service) QueueView(ctx context.Context, scope model.QueueScope) (*QueueView, error) {
	syncer, err := s.synchronizer(ctx, scope)
	if err != nil {
		return nil, err
	}

	view := &QueueView{
		Serving: syncer.Serving(),
		Count:   syncer.Count(),
	}
	for _, e := range syncer.Waiting() {
		view.Waiting = append(view.Waiting, QueueEntryView{
			Entry:        e,
			CanStartSale: syncer.CanStartSale(e.ID),
			CanNotify:    syncer.CanNotify(e.ID),
		})
	}
	return view, nil
}

func scopeKey(scope model.QueueScope) string {
	if scope.IsEvent() {
		return fmt.Sprintf("event:%d", *scope.EventID)
	}
	return fmt.Sprintf("tenant:%d", scope.TenantID)
}

func (s *Service) synchronizer(ctx context.Context, scope model.QueueScope) (*queue.Synchronizer, error) {
	key := scopeKey(scope)

	s.mu.Lock()
	defer s.mu.Unlock()

	if syncer, ok := s.syncers[key]; ok {
		return syncer, nil
	}

	syncer := queue.NewSynchronizer(scope, s.repo, s.feed, s.logger)
	// Жизненный цикл синхронизатора привязан к сервису, не к запросу.
	if err := syncer.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	s.syncers[key] = syncer
	return syncer, nil
}

// NotifyEntry уведомляет запись очереди о подходе её очереди. Право на
// уведомление проверяется по правилам области.
func (s *Service) NotifyEntry(ctx context.Context, scope model.QueueScope, entryID int64) error {
	syncer, err := s.synchronizer(ctx, scope)
	if err != nil {
		return err
	}
	if !syncer.CanNotify(entryID) {
		return fmt.Errorf("entry %d is not eligible for notification", entryID)
	}

	if err := s.repo.SetQueueStatus(ctx, entryID, model.QueueNotified); err != nil {
		return err
	}
	s.publish(ctx, scope)
	return nil
}

// MarkNoShow помечает запись очереди как неявившуюся.
func (s *Service) MarkNoShow(ctx context.Context, scope model.QueueScope, entryID int64) error {
	if err := s.repo.SetQueueStatus(ctx, entryID, model.QueueNoShow); err != nil {
		return err
	}
	s.publish(ctx, scope)
	return nil
}

// RemoveEntry убирает запись из очереди.
func (s *Service) RemoveEntry(ctx context.Context, scope model.QueueScope, entryID int64) error {
	if err := s.repo.SetQueueStatus(ctx, entryID, model.QueueRemoved); err != nil {
		return err
	}
	s.publish(ctx, scope)
	return nil
}

func (s *Service) publish(ctx context.Context, scope model.QueueScope) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, scope); err != nil {
		s.logger.Warn("queue change publish failed", zap.Error(err))
	}
}
