// Package receipt отвечает за формирование текста чека и его доставку
// через внешний шлюз (email или SMS). Отправка идемпотентна с точки зрения
// вызывающего: персонал может повторять её без побочных эффектов для продажи.
package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vmelnikova/linkpos/internal/model"
)

// Channel — канал доставки чека.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// ErrNotConfigured возвращается, если адрес шлюза доставки не задан.
var ErrNotConfigured = errors.New("receipt gateway not configured")

// Client отправляет сформированные чеки через HTTP-шлюз доставки.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент шлюза доставки чеков.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type sendRequest struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Body    string `json:"body"`
}

type sendResponse struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// Send доставляет текст чека адресату. Сетевые ошибки и ответы 5xx
// повторяются с фибоначчиевой задержкой; ошибка шлюза возвращается как есть.
func (c *Client) Send(ctx context.Context, channel Channel, to, body string) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(sendRequest{Channel: string(channel), To: to, Body: body})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/send", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("do request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("gateway status: %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		var result sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if !result.Sent {
			return fmt.Errorf("delivery failed: %s", result.Error)
		}

		return nil
	})
}

// RenderText формирует текст чека из слепка продажи.
func RenderText(snap *model.CompletedSaleSnapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Receipt #%d\n", snap.SaleID)
	fmt.Fprintf(&b, "%s\n\n", snap.CreatedAt.Format("02.01.2006 15:04"))

	for _, item := range snap.Items {
		fmt.Fprintf(&b, "%-24s x%d  %s\n", item.Name, item.Quantity, formatCents(item.LineTotalCents))
	}

	t := snap.Totals
	fmt.Fprintf(&b, "\nSubtotal: %s\n", formatCents(t.SubtotalCents))
	if t.DiscountCents > 0 {
		fmt.Fprintf(&b, "Discount: -%s\n", formatCents(t.DiscountCents))
	}
	if t.TaxCents > 0 {
		fmt.Fprintf(&b, "Tax: %s\n", formatCents(t.TaxCents))
	}
	if t.TipCents > 0 {
		fmt.Fprintf(&b, "Tip: %s\n", formatCents(t.TipCents))
	}
	if t.TotalCents != t.SubtotalCents-t.DiscountCents+t.TaxCents+t.TipCents {
		fmt.Fprintf(&b, "Service fee: %s\n", formatCents(t.FeeCents))
	}
	fmt.Fprintf(&b, "Total: %s\n", formatCents(t.TotalCents))
	fmt.Fprintf(&b, "Paid by %s\n", snap.PaymentMethod)

	return b.String()
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
