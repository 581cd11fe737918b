// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/vmelnikova/linkpos/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrTenantNotFound возвращается, если арендатор не найден.
var (
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrEntryNotFound возвращается, если запись очереди не найдена.
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrEntryAlreadyClaimed возвращается, когда запись очереди уже занята
	// другим устройством: условное обновление не нашло строку в статусе ожидания.
	ErrEntryAlreadyClaimed = errors.New("queue entry already claimed")
	// ErrEntryNotServing возвращается при попытке завершить или отменить
	// обслуживание записи, которая не находится в статусе serving.
	ErrEntryNotServing = errors.New("queue entry is not serving")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetCheckoutProfile возвращает налоговый профиль арендатора и параметры
// комиссии. Вызывается один раз при создании кассовой сессии.
func (r *PostgresRepository) GetCheckoutProfile(ctx context.Context, tenantID int64) (*model.CheckoutProfile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tax_rate_bp, tier, fee_rate_bp, fee_handling FROM tenants WHERE id = $1`,
		tenantID,
	)

	var p model.CheckoutProfile
	err := row.Scan(&p.TenantID, &p.TaxRateBP, &p.Tier, &p.FeeRateBP, &p.FeeHandling)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get checkout profile: %w", err)
	}

	return &p, nil
}

// SaleHeader описывает запись продажи для сохранения.
type SaleHeader struct {
	TenantID      int64
	ClientID      *int64
	QueueEntryID  *int64
	EventID       *int64
	Totals        model.CartTotals
	PaymentMethod model.PaymentMethod
}

// CreateSaleWithItems сохраняет продажу: заголовок, позиции и списание
// остатков выполняются в одной транзакции. Списание записывается по ключу
// (продажа, материал) и при повторном запуске для той же продажи не
// применяется второй раз; остаток не уходит ниже нуля.
// Транзакция повторяется при serialization failure и deadlock.
func (r *PostgresRepository) CreateSaleWithItems(ctx context.Context, header SaleHeader, items []model.CartItem) (int64, error) {
	var saleID int64

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, err := r.createSaleTx(ctx, header, items)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) &&
				(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
				return retry.RetryableError(err)
			}
			return err
		}
		saleID = id
		return nil
	})
	if err != nil {
		return 0, err
	}

	return saleID, nil
}

func (r *PostgresRepository) createSaleTx(ctx context.Context, header SaleHeader, items []model.CartItem) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t := header.Totals

	var saleID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO sales
		   (tenant_id, client_id, queue_entry_id, event_id,
		    subtotal, discount, tax, tip, fee, total, payment_method)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		header.TenantID, header.ClientID, header.QueueEntryID, header.EventID,
		t.SubtotalCents, t.DiscountCents, t.TaxCents, t.TipCents, t.FeeCents, t.TotalCents,
		string(header.PaymentMethod),
	).Scan(&saleID)
	if err != nil {
		return 0, fmt.Errorf("insert sale: %w", err)
	}

	for _, item := range items {
		_, err = tx.Exec(ctx,
			`INSERT INTO sale_items
			   (sale_id, inventory_id, name, quantity, unit_price,
			    discount_type, discount_value, line_total, product_type_id, inches_used)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			saleID, item.InventoryID, item.Name, item.Quantity, item.UnitPriceCents,
			string(item.DiscountType), item.DiscountValue, item.LineTotalCents,
			item.ProductTypeID, item.InchesUsed,
		)
		if err != nil {
			return 0, fmt.Errorf("insert sale item: %w", err)
		}
	}

	if err := deductInventory(ctx, tx, saleID, items); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return saleID, nil
}

// ConsumedAmount возвращает единицу списания позиции: дюймы для материалов,
// продаваемых по длине, иначе количество.
func ConsumedAmount(item model.CartItem) float64 {
	if item.InchesUsed != nil {
		return *item.InchesUsed * float64(item.Quantity)
	}
	return float64(item.Quantity)
}

func deductInventory(ctx context.Context, tx pgx.Tx, saleID int64, items []model.CartItem) error {
	// Несколько позиций могут ссылаться на один материал —
	// суммируем расход перед записью.
	consumed := map[int64]float64{}
	for _, item := range items {
		if item.InventoryID == nil {
			continue
		}
		consumed[*item.InventoryID] += ConsumedAmount(item)
	}

	for inventoryID, amount := range consumed {
		tag, err := tx.Exec(ctx,
			`INSERT INTO inventory_deductions (sale_id, inventory_id, amount)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (sale_id, inventory_id) DO NOTHING`,
			saleID, inventoryID, amount,
		)
		if err != nil {
			return fmt.Errorf("record deduction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Списание по этой продаже уже применено.
			continue
		}

		_, err = tx.Exec(ctx,
			`UPDATE inventory SET on_hand = GREATEST(0, on_hand - $2) WHERE id = $1`,
			inventoryID, amount,
		)
		if err != nil {
			return fmt.Errorf("deduct inventory: %w", err)
		}
	}

	return nil
}

// ApplyConnectorDeductions списывает соединительные кольца по результатам
// сверки. Идемпотентно по ключу (продажа, материал колец).
func (r *PostgresRepository) ApplyConnectorDeductions(ctx context.Context, saleID int64, resolutions []model.JumpRingResolution) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, res := range resolutions {
		if res.Count <= 0 {
			continue
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO connector_deductions (sale_id, inventory_id, count)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (sale_id, inventory_id) DO NOTHING`,
			saleID, res.InventoryID, res.Count,
		)
		if err != nil {
			return fmt.Errorf("record connector deduction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}

		_, err = tx.Exec(ctx,
			`UPDATE inventory SET on_hand = GREATEST(0, on_hand - $2) WHERE id = $1`,
			res.InventoryID, res.Count,
		)
		if err != nil {
			return fmt.Errorf("deduct connectors: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ConnectorsPerUnit возвращает норму расхода соединительных колец на единицу
// изделия по типу продукта вместе с материалом колец.
func (r *PostgresRepository) ConnectorsPerUnit(ctx context.Context, productTypeID int64) (int, int64, error) {
	var perUnit int
	var inventoryID int64
	err := r.pool.QueryRow(ctx,
		`SELECT connectors_per_unit, connector_inventory_id FROM product_types WHERE id = $1`,
		productTypeID,
	).Scan(&perUnit, &inventoryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("get product type: %w", err)
	}
	return perUnit, inventoryID, nil
}

const queueEntryColumns = `id, tenant_id, event_id, name, client_id, phone, email,
	contact_consent, status, arrived_at, served_at`

func scanQueueEntry(row pgx.Row) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var status string
	err := row.Scan(&e.ID, &e.TenantID, &e.EventID, &e.Name, &e.ClientID,
		&e.Phone, &e.Email, &e.ContactConsent, &status, &e.ArrivedAt, &e.ServedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.QueueStatus(status)
	return &e, nil
}

// ClaimQueueEntry переводит запись очереди в serving условным обновлением:
// только из статусов waiting и notified. Проигравшее гонку устройство
// получает ErrEntryAlreadyClaimed, а не рассчитывает на наблюдаемый статус.
func (r *PostgresRepository) ClaimQueueEntry(ctx context.Context, entryID int64) (*model.QueueEntry, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE queue_entries SET status = $2
		 WHERE id = $1 AND status IN ('waiting', 'notified')
		 RETURNING `+queueEntryColumns,
		entryID, string(model.QueueServing),
	)

	entry, err := scanQueueEntry(row)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_entries WHERE id = $1)`, entryID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check queue entry: %w", err)
	}
	if !exists {
		return nil, ErrEntryNotFound
	}
	return nil, ErrEntryAlreadyClaimed
}

// ReleaseQueueEntry возвращает запись из serving обратно в waiting
// (отмена обслуживания).
func (r *PostgresRepository) ReleaseQueueEntry(ctx context.Context, entryID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE queue_entries SET status = $2 WHERE id = $1 AND status = $3`,
		entryID, string(model.QueueWaiting), string(model.QueueServing),
	)
	if err != nil {
		return fmt.Errorf("release queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotServing
	}
	return nil
}

// MarkServed переводит запись из serving в served и проставляет время услуги.
func (r *PostgresRepository) MarkServed(ctx context.Context, entryID int64, servedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE queue_entries SET status = $2, served_at = $3 WHERE id = $1 AND status = $4`,
		entryID, string(model.QueueServed), servedAt, string(model.QueueServing),
	)
	if err != nil {
		return fmt.Errorf("mark served: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotServing
	}
	return nil
}

// SetQueueStatus устанавливает статус записи очереди (notify, no-show, remove).
func (r *PostgresRepository) SetQueueStatus(ctx context.Context, entryID int64, status model.QueueStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE queue_entries SET status = $2 WHERE id = $1`,
		entryID, string(status),
	)
	if err != nil {
		return fmt.Errorf("set queue status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// ListQueueEntries возвращает записи очереди области в порядке прихода.
// Область мероприятия включает статусы waiting/notified/serving; область
// магазина — waiting/serving, всегда исключая записи мероприятий.
func (r *PostgresRepository) ListQueueEntries(ctx context.Context, scope model.QueueScope) ([]model.QueueEntry, error) {
	var rows pgx.Rows
	var err error

	if scope.IsEvent() {
		rows, err = r.pool.Query(ctx,
			`SELECT `+queueEntryColumns+`
			 FROM queue_entries
			 WHERE event_id = $1 AND status IN ('waiting', 'notified', 'serving')
			 ORDER BY arrived_at`,
			*scope.EventID,
		)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+queueEntryColumns+`
			 FROM queue_entries
			 WHERE tenant_id = $1 AND event_id IS NULL AND status IN ('waiting', 'serving')
			 ORDER BY arrived_at`,
			scope.TenantID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("select queue entries: %w", err)
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}
