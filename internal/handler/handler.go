// Package handler содержит HTTP-обработчики API кассы и живой очереди.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vmelnikova/linkpos/internal/cart"
	"github.com/vmelnikova/linkpos/internal/checkout"
	"github.com/vmelnikova/linkpos/internal/middleware"
	"github.com/vmelnikova/linkpos/internal/model"
	"github.com/vmelnikova/linkpos/internal/receipt"
	"github.com/vmelnikova/linkpos/internal/repository"
	"github.com/vmelnikova/linkpos/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateSession(ctx context.Context, tenantID int64, mode checkout.Mode, eventID *int64) (*service.Session, error)
	SessionState(sessionID string) (*service.SessionState, error)
	AddItem(sessionID string, p cart.ItemParams) (*service.SessionState, error)
	UpdateItemQuantity(sessionID, itemID string, quantity int) (*service.SessionState, error)
	UpdateItemDiscount(sessionID, itemID string, dt model.DiscountType, value int64) (*service.SessionState, error)
	RemoveItem(sessionID, itemID string) (*service.SessionState, error)
	SetTip(sessionID string, tip model.TipSpec) (*service.SessionState, error)
	SetPaymentMethod(sessionID string, m model.PaymentMethod) (*service.SessionState, error)
	SetClient(sessionID string, clientID *int64) (*service.SessionState, error)
	Advance(sessionID string) (*service.SessionState, error)
	Back(sessionID string) (*service.SessionState, error)
	StartSaleFromQueue(ctx context.Context, sessionID string, entryID int64) (*service.SessionState, error)
	CancelServing(ctx context.Context, sessionID string) (*service.SessionState, error)
	Commit(ctx context.Context, sessionID string) (*service.CommitOutcome, error)
	AdjustResolution(sessionID string, inventoryID int64, count int) (*service.SessionState, error)
	ConfirmJumpRings(ctx context.Context, sessionID string) (*service.SessionState, error)
	SkipJumpRings(ctx context.Context, sessionID string) (*service.SessionState, error)
	SendReceipt(ctx context.Context, sessionID string, channel receipt.Channel, to string) (*service.SessionState, error)
	NewSale(sessionID string) (*service.SessionState, error)
	QueueView(ctx context.Context, scope model.QueueScope) (*service.QueueView, error)
	NotifyEntry(ctx context.Context, scope model.QueueScope, entryID int64) error
	MarkNoShow(ctx context.Context, scope model.QueueScope, entryID int64) error
	RemoveEntry(ctx context.Context, scope model.QueueScope, entryID int64) error
}

// Handler реализует HTTP-обработчики API кассы.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// writeError переводит доменные ошибки в HTTP-статусы. Ошибки валидации не
// доходят до координатора коммита и возвращаются как 422.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, repository.ErrEntryNotFound),
		errors.Is(err, repository.ErrTenantNotFound),
		errors.Is(err, cart.ErrItemNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrEntryAlreadyClaimed):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrNoPaymentMethod),
		errors.Is(err, checkout.ErrCommitInProgress),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidPrice),
		errors.Is(err, service.ErrNoContact),
		errors.Is(err, service.ErrInvalidContact),
		errors.Is(err, service.ErrEntryAttached),
		errors.Is(err, service.ErrNoEntryAttached),
		errors.Is(err, service.ErrInvalidConnectorCount),
		errors.Is(err, repository.ErrEntryNotServing):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("internal error", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

type itemResponse struct {
	ID            string   `json:"id"`
	InventoryID   *int64   `json:"inventory_id,omitempty"`
	Name          string   `json:"name"`
	Quantity      int      `json:"quantity"`
	UnitPrice     int64    `json:"unit_price"`
	DiscountType  string   `json:"discount_type,omitempty"`
	DiscountValue int64    `json:"discount_value,omitempty"`
	InchesUsed    *float64 `json:"inches_used,omitempty"`
	LineTotal     int64    `json:"line_total"`
}

type sessionResponse struct {
	SessionID     string                     `json:"session_id"`
	Mode          string                     `json:"mode"`
	State         string                     `json:"state"`
	Items         []itemResponse             `json:"items"`
	Totals        model.CartTotals           `json:"totals"`
	PaymentMethod string                     `json:"payment_method,omitempty"`
	QueueEntryID  *int64                     `json:"queue_entry_id,omitempty"`
	Resolutions   []model.JumpRingResolution `json:"jump_rings,omitempty"`
	SaleID        *int64                     `json:"sale_id,omitempty"`
	EmailSent     bool                       `json:"email_sent"`
	SMSSent       bool                       `json:"sms_sent"`
	PrefillName   string                     `json:"prefill_name,omitempty"`
	PrefillEmail  string                     `json:"prefill_email,omitempty"`
	PrefillPhone  string                     `json:"prefill_phone,omitempty"`
	Warning       string                     `json:"warning,omitempty"`
}

func toSessionResponse(state *service.SessionState) sessionResponse {
	resp := sessionResponse{
		SessionID:     state.SessionID,
		Mode:          string(state.Mode),
		State:         string(state.State),
		Items:         make([]itemResponse, 0, len(state.Items)),
		Totals:        state.Totals,
		PaymentMethod: string(state.PaymentMethod),
		QueueEntryID:  state.QueueEntryID,
		Resolutions:   state.Resolutions,
		EmailSent:     state.EmailSent,
		SMSSent:       state.SMSSent,
		PrefillName:   state.PrefillName,
		PrefillEmail:  state.PrefillEmail,
		PrefillPhone:  state.PrefillPhone,
	}
	if state.Snapshot != nil {
		resp.SaleID = &state.Snapshot.SaleID
	}
	for _, item := range state.Items {
		resp.Items = append(resp.Items, itemResponse{
			ID:            item.ID,
			InventoryID:   item.InventoryID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPriceCents,
			DiscountType:  string(item.DiscountType),
			DiscountValue: item.DiscountValue,
			InchesUsed:    item.InchesUsed,
			LineTotal:     item.LineTotalCents,
		})
	}
	return resp
}

func (h *Handler) writeState(w http.ResponseWriter, state *service.SessionState, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSessionResponse(state))
}

type createSessionRequest struct {
	TenantID int64  `json:"tenant_id"`
	Mode     string `json:"mode"`
	EventID  *int64 `json:"event_id,omitempty"`
}

// CreateSession создаёт кассовую сессию.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.CreateSession(r.Context(), req.TenantID, checkout.Mode(req.Mode), req.EventID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	state, err := h.service.SessionState(session.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toSessionResponse(state))
}

// GetSession возвращает текущее состояние сессии.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.SessionState(chi.URLParam(r, "sessionID"))
	h.writeState(w, state, err)
}

type addItemRequest struct {
	InventoryID   *int64   `json:"inventory_id,omitempty"`
	Name          string   `json:"name"`
	Quantity      int      `json:"quantity"`
	UnitPrice     int64    `json:"unit_price"`
	DiscountType  string   `json:"discount_type,omitempty"`
	DiscountValue int64    `json:"discount_value,omitempty"`
	ProductTypeID *int64   `json:"product_type_id,omitempty"`
	InchesUsed    *float64 `json:"inches_used,omitempty"`
}

// AddItem добавляет позицию в корзину.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	state, err := h.service.AddItem(chi.URLParam(r, "sessionID"), cart.ItemParams{
		InventoryID:    req.InventoryID,
		Name:           req.Name,
		Quantity:       req.Quantity,
		UnitPriceCents: req.UnitPrice,
		DiscountType:   model.DiscountType(req.DiscountType),
		DiscountValue:  req.DiscountValue,
		ProductTypeID:  req.ProductTypeID,
		InchesUsed:     req.InchesUsed,
	})
	h.writeState(w, state, err)
}

type updateItemRequest struct {
	Quantity      *int    `json:"quantity,omitempty"`
	DiscountType  *string `json:"discount_type,omitempty"`
	DiscountValue *int64  `json:"discount_value,omitempty"`
}

// UpdateItem изменяет количество или скидку позиции.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	itemID := chi.URLParam(r, "itemID")

	var state *service.SessionState
	var err error

	switch {
	case req.Quantity != nil:
		state, err = h.service.UpdateItemQuantity(sessionID, itemID, *req.Quantity)
	case req.DiscountType != nil && req.DiscountValue != nil:
		state, err = h.service.UpdateItemDiscount(sessionID, itemID, model.DiscountType(*req.DiscountType), *req.DiscountValue)
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	h.writeState(w, state, err)
}

// RemoveItem удаляет позицию из корзины.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.RemoveItem(chi.URLParam(r, "sessionID"), chi.URLParam(r, "itemID"))
	h.writeState(w, state, err)
}

type tipRequest struct {
	Percent *int   `json:"percent,omitempty"`
	Amount  *int64 `json:"amount,omitempty"`
}

// SetTip устанавливает чаевые.
func (h *Handler) SetTip(w http.ResponseWriter, r *http.Request) {
	var req tipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	state, err := h.service.SetTip(chi.URLParam(r, "sessionID"), model.TipSpec{
		Percent:     req.Percent,
		AmountCents: req.Amount,
	})
	h.writeState(w, state, err)
}

type paymentMethodRequest struct {
	Method string `json:"method"`
}

// SetPaymentMethod устанавливает способ оплаты.
func (h *Handler) SetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req paymentMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	state, err := h.service.SetPaymentMethod(chi.URLParam(r, "sessionID"), model.PaymentMethod(req.Method))
	h.writeState(w, state, err)
}

type clientRequest struct {
	ClientID *int64 `json:"client_id"`
}

// SetClient привязывает клиента к транзакции.
func (h *Handler) SetClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	state, err := h.service.SetClient(chi.URLParam(r, "sessionID"), req.ClientID)
	h.writeState(w, state, err)
}

// Advance переводит сессию на следующий экран.
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.Advance(chi.URLParam(r, "sessionID"))
	h.writeState(w, state, err)
}

// Back возвращает сессию на предыдущий экран.
func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.Back(chi.URLParam(r, "sessionID"))
	h.writeState(w, state, err)
}

// Commit выполняет коммит продажи.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.service.Commit(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := toSessionResponse(outcome.State)
	resp.Warning = outcome.Warning
	h.writeJSON(w, http.StatusOK, resp)
}

type claimRequest struct {
	EntryID int64 `json:"entry_id"`
}

// StartSaleFromQueue занимает запись очереди для этой сессии.
func (h *Handler) StartSaleFromQueue(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntryID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	state, err := h.service.StartSaleFromQueue(r.Context(), chi.URLParam(r, "sessionID"), req.EntryID)
	h.writeState(w, state, err)
}

// CancelServing отменяет обслуживание занятой записи.
func (h *Handler) CancelServing(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.CancelServing(r.Context(), chi.URLParam(r, "sessionID"))
	h.writeState(w, state, err)
}

type adjustResolutionRequest struct {
	InventoryID int64 `json:"inventory_id"`
	Count       int   `json:"count"`
}

// AdjustResolution корректирует расход соединительных колец.
func (h *Handler) AdjustResolution(w http.ResponseWriter, r *http.Request) {
	var req adjustResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InventoryID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	state, err := h.service.AdjustResolution(chi.URLParam(r, "sessionID"), req.InventoryID, req.Count)
	h.writeState(w, state, err)
}

// ConfirmJumpRings финализирует списание колец.
func (h *Handler) ConfirmJumpRings(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.ConfirmJumpRings(r.Context(), chi.URLParam(r, "sessionID"))
	h.writeState(w, state, err)
}

// SkipJumpRings финализирует списание по нормам без корректировок.
func (h *Handler) SkipJumpRings(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.SkipJumpRings(r.Context(), chi.URLParam(r, "sessionID"))
	h.writeState(w, state, err)
}

type receiptRequest struct {
	Channel string `json:"channel"`
	To      string `json:"to,omitempty"`
}

// SendReceipt отправляет чек по выбранному каналу.
func (h *Handler) SendReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	channel := receipt.Channel(req.Channel)
	if channel != receipt.ChannelEmail && channel != receipt.ChannelSMS {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	state, err := h.service.SendReceipt(r.Context(), chi.URLParam(r, "sessionID"), channel, req.To)
	h.writeState(w, state, err)
}

// NewSale начинает новую транзакцию в той же сессии.
func (h *Handler) NewSale(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.NewSale(chi.URLParam(r, "sessionID"))
	h.writeState(w, state, err)
}

// queueScope разбирает область очереди из параметров запроса.
func queueScope(r *http.Request) (model.QueueScope, bool) {
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if err != nil || tenantID == 0 {
		return model.QueueScope{}, false
	}

	scope := model.QueueScope{TenantID: tenantID}
	if raw := r.URL.Query().Get("event_id"); raw != "" {
		eventID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return model.QueueScope{}, false
		}
		scope.EventID = &eventID
	}
	return scope, true
}

type queueEntryResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ClientID     *int64 `json:"client_id,omitempty"`
	Status       string `json:"status"`
	ArrivedAt    string `json:"arrived_at"`
	CanStartSale bool   `json:"can_start_sale"`
	CanNotify    bool   `json:"can_notify"`
}

type queueViewResponse struct {
	Serving *queueEntryResponse  `json:"serving,omitempty"`
	Waiting []queueEntryResponse `json:"waiting"`
	Count   int                  `json:"count"`
}

// GetQueue возвращает живое представление очереди области.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	scope, ok := queueScope(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	view, err := h.service.QueueView(r.Context(), scope)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := queueViewResponse{
		Waiting: make([]queueEntryResponse, 0, len(view.Waiting)),
		Count:   view.Count,
	}
	if view.Serving != nil {
		resp.Serving = &queueEntryResponse{
			ID:        view.Serving.ID,
			Name:      view.Serving.Name,
			ClientID:  view.Serving.ClientID,
			Status:    string(view.Serving.Status),
			ArrivedAt: view.Serving.ArrivedAt.Format(time.RFC3339),
		}
	}
	for _, e := range view.Waiting {
		resp.Waiting = append(resp.Waiting, queueEntryResponse{
			ID:           e.Entry.ID,
			Name:         e.Entry.Name,
			ClientID:     e.Entry.ClientID,
			Status:       string(e.Entry.Status),
			ArrivedAt:    e.Entry.ArrivedAt.Format(time.RFC3339),
			CanStartSale: e.CanStartSale,
			CanNotify:    e.CanNotify,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) queueAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, scope model.QueueScope, entryID int64) error) {

	scope, ok := queueScope(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entryID, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := action(r.Context(), scope, entryID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NotifyEntry уведомляет запись очереди.
func (h *Handler) NotifyEntry(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, h.service.NotifyEntry)
}

// MarkNoShow помечает запись неявившейся.
func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, h.service.MarkNoShow)
}

// RemoveEntry убирает запись из очереди.
func (h *Handler) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, h.service.RemoveEntry)
}
