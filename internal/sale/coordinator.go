// Package sale реализует координатор коммита продажи: упорядоченную
// последовательность шагов с разной политикой отказа. Заголовок, позиции и
// списание остатков атомарны; обновление очереди и вебхук выполняются после
// и допускают частичный отказ.
package sale

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vmelnikova/linkpos/internal/model"
	"github.com/vmelnikova/linkpos/internal/repository"
)

// Persistence описывает контракт хранилища, используемый координатором.
type Persistence interface {
	CreateSaleWithItems(ctx context.Context, header repository.SaleHeader, items []model.CartItem) (int64, error)
	MarkServed(ctx context.Context, entryID int64, servedAt time.Time) error
}

// ChangePublisher публикует сигнал изменения очереди.
type ChangePublisher interface {
	Publish(ctx context.Context, scope model.QueueScope) error
}

// Tagger отправляет событие авторазметки клиента, не блокируя вызывающего.
type Tagger interface {
	FireTagUpdate(clientID int64, event string)
}

// Input — слепок состояния корзины на момент коммита.
type Input struct {
	TenantID      int64
	EventID       *int64
	Items         []model.CartItem
	Totals        model.CartTotals
	PaymentMethod model.PaymentMethod
	ClientID      *int64
	QueueEntryID  *int64
}

// Result — исход коммита. Warning не nil при частичном отказе: продажа
// записана, но хвост последовательности (обновление очереди) не выполнен.
type Result struct {
	Snapshot *model.CompletedSaleSnapshot
	Warning  error
}

// Coordinator выполняет коммит продажи.
type Coordinator struct {
	store     Persistence
	publisher ChangePublisher
	tagger    Tagger
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator создаёт координатор коммита.
func NewCoordinator(store Persistence, publisher ChangePublisher, tagger Tagger, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		publisher: publisher,
		tagger:    tagger,
		logger:    logger,
		now:       time.Now,
	}
}

// Commit выполняет шаги коммита по порядку: продажа с позициями и списанием
// остатков в одной транзакции, затем перевод записи очереди в served, затем
// вебхук авторазметки. Ошибка транзакции прерывает коммит целиком; ошибка
// обновления очереди возвращается как Warning при состоявшейся продаже;
// ошибки вебхука проглатываются.
func (c *Coordinator) Commit(ctx context.Context, in Input) (*Result, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("cannot commit an empty cart")
	}
	if in.PaymentMethod == "" {
		return nil, fmt.Errorf("payment method not selected")
	}

	header := repository.SaleHeader{
		TenantID:      in.TenantID,
		ClientID:      in.ClientID,
		QueueEntryID:  in.QueueEntryID,
		EventID:       in.EventID,
		Totals:        in.Totals,
		PaymentMethod: in.PaymentMethod,
	}

	saleID, err := c.store.CreateSaleWithItems(ctx, header, in.Items)
	if err != nil {
		return nil, fmt.Errorf("create sale: %w", err)
	}

	result := &Result{
		Snapshot: &model.CompletedSaleSnapshot{
			SaleID:        saleID,
			TenantID:      in.TenantID,
			Items:         in.Items,
			Totals:        in.Totals,
			PaymentMethod: in.PaymentMethod,
			ClientID:      in.ClientID,
			QueueEntryID:  in.QueueEntryID,
			CreatedAt:     c.now(),
		},
	}

	if in.QueueEntryID != nil {
		if err := c.store.MarkServed(ctx, *in.QueueEntryID, c.now()); err != nil {
			// Продажа уже записана: сообщаем, но не откатываем.
			result.Warning = fmt.Errorf("sale %d recorded, queue entry %d not updated: %w",
				saleID, *in.QueueEntryID, err)
			c.logger.Warn("queue status update failed after sale commit",
				zap.Int64("saleID", saleID), zap.Int64("entryID", *in.QueueEntryID), zap.Error(err))
		} else {
			c.publishChange(ctx, model.QueueScope{TenantID: in.TenantID, EventID: in.EventID})
		}
	}

	if in.ClientID != nil {
		c.tagger.FireTagUpdate(*in.ClientID, "sale_completed")
	}

	return result, nil
}

func (c *Coordinator) publishChange(ctx context.Context, scope model.QueueScope) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, scope); err != nil {
		c.logger.Warn("queue change publish failed", zap.Error(err))
	}
}
