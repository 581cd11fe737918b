// Package webhook предоставляет клиент вебхука авторазметки клиентов.
// Вызовы выполняются по принципу fire-and-forget: неудача никогда не
// блокирует и не откатывает продажу.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client инкапсулирует HTTP-взаимодействие с приёмником вебхуков.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

// NewClient создаёт клиент вебхука для указанного адреса. Пустой адрес
// допустим: такие вызовы молча игнорируются.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

type tagUpdateRequest struct {
	ClientID int64  `json:"client_id"`
	Event    string `json:"event"`
}

// FireTagUpdate отправляет событие авторазметки в отдельной горутине.
// Ошибки логируются и проглатываются.
func (c *Client) FireTagUpdate(clientID int64, event string) {
	if c == nil || c.baseURL == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.send(ctx, clientID, event); err != nil {
			c.logger.Warn("auto-tag webhook failed",
				zap.Error(err), zap.Int64("clientID", clientID), zap.String("event", event))
		}
	}()
}

func (c *Client) send(ctx context.Context, clientID int64, event string) error {
	body, err := json.Marshal(tagUpdateRequest{ClientID: clientID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tags", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
