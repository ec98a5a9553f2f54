// Package notify предоставляет клиент шлюза уведомлений.
//
// Ядро только обращается к возможности уведомления; доставка (email/SMS) —
// ответственность внешнего шлюза. Ненастроенный клиент деградирует до записи
// в лог, сбои доставки никогда не распространяются как ошибки бронирования.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/bpark-system/internal/model"
)

// Виды уведомлений, понимаемые шлюзом.
const (
	kindReservationConfirmed = "reservation_confirmed"
	kindReservationCancelled = "reservation_cancelled"
	kindExtensionConfirmed   = "extension_confirmed"
	kindLatePickup           = "late_pickup"
	kindNormalExit           = "normal_exit"
)

// Client инкапсулирует HTTP-взаимодействие со шлюзом уведомлений.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

type notification struct {
	RequestID string            `json:"request_id"`
	Kind      string            `json:"kind"`
	Email     string            `json:"email"`
	Name      string            `json:"name"`
	Data      map[string]string `json:"data,omitempty"`
}

// NewClient создаёт клиент шлюза уведомлений по указанному адресу.
// Пустой адрес даёт клиент-заглушку: уведомления только логируются.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
		logger:     logger,
	}
}

// ReservationConfirmed уведомляет абонента о подтверждении брони.
func (c *Client) ReservationConfirmed(ctx context.Context, user *model.User, code int64, start, end time.Time) error {
	return c.send(ctx, user, kindReservationConfirmed, map[string]string{
		"code":  fmt.Sprintf("%d", code),
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	})
}

// ReservationCancelled уведомляет абонента об отмене брони или сессии.
func (c *Client) ReservationCancelled(ctx context.Context, user *model.User, code int64) error {
	return c.send(ctx, user, kindReservationCancelled, map[string]string{
		"code": fmt.Sprintf("%d", code),
	})
}

// ExtensionConfirmed уведомляет абонента о продлении с новым временем выезда.
func (c *Client) ExtensionConfirmed(ctx context.Context, user *model.User, code int64, newEnd time.Time) error {
	return c.send(ctx, user, kindExtensionConfirmed, map[string]string{
		"code":    fmt.Sprintf("%d", code),
		"new_end": newEnd.Format(time.RFC3339),
	})
}

// LatePickup уведомляет абонента о просроченном расчётном времени выезда.
func (c *Client) LatePickup(ctx context.Context, user *model.User, code int64, estimatedEnd time.Time) error {
	return c.send(ctx, user, kindLatePickup, map[string]string{
		"code":          fmt.Sprintf("%d", code),
		"estimated_end": estimatedEnd.Format(time.RFC3339),
	})
}

// NormalExit уведомляет абонента о штатном завершении сессии.
func (c *Client) NormalExit(ctx context.Context, user *model.User, code int64, exitedAt time.Time) error {
	return c.send(ctx, user, kindNormalExit, map[string]string{
		"code":      fmt.Sprintf("%d", code),
		"exited_at": exitedAt.Format(time.RFC3339),
	})
}

func (c *Client) send(ctx context.Context, user *model.User, kind string, data map[string]string) error {
	if c.baseURL == "" {
		c.logger.Info("notification gateway not configured, logging only",
			zap.String("kind", kind),
			zap.String("email", user.Email))
		return nil
	}

	msg := notification{
		// Идемпотентный ключ: шлюз может дедуплицировать повторы ретраев.
		RequestID: uuid.NewString(),
		Kind:      kind,
		Email:     user.Email,
		Name:      user.Name,
		Data:      data,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", msg.RequestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected gateway status: %d", resp.StatusCode)
	}

	return nil
}
