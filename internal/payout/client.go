// Package payout предоставляет клиент внешнего платёжного контура, исполняющего выплаты.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Статусы выплаты на стороне платёжного контура.
const (
	StatusAccepted = "ACCEPTED"
	StatusPaid     = "PAID"
	StatusRejected = "REJECTED"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным контуром.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Request описывает заявку на выплату.
type Request struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	UserID       int64     `json:"user_id"`
	Amount       int64     `json:"amount"`
	Net          int64     `json:"net"`
}

// Response описывает ответ платёжного контура по заявке.
type Response struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
}

// NewClient создаёт HTTP-клиент платёжного контура по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Submit передаёт выплату. Повторная передача той же выплаты безопасна: контур идентифицирует её по WithdrawalID.
// При 429 возвращается код и пауза из Retry-After без ошибки.
func (c *Client) Submit(ctx context.Context, req Request) (*Response, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("payout client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/payouts", bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.WithdrawalID.String())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
