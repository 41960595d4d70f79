package moyasar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/pkg/logger"
)

const (
	opInitiate = "initiate"
	opVerify   = "verify"

	defaultBackoffBase = 250 * time.Millisecond
)

// Config конфигурация для клиента платежного шлюза.
type Config struct {
	BaseURL        string
	APIKey         string
	WebhookSecret  string
	RequestTimeout time.Duration
	MaxRetries     int
}

// Client представляет клиент для работы с API платежного шлюза.
// Initiate и Verify - единственные операции сервиса, блокирующиеся на
// внешнем I/O; обе ограничены таймаутом и повторяются с экспоненциальной
// задержкой только при временных сбоях.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	metrics     metrics.BillingMetrics
	log         *logger.Logger
}

// NewClient создает новый клиент платежного шлюза.
func NewClient(cfg Config, m metrics.BillingMetrics, log *logger.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.moyasar.com/v1"
	}

	return &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		maxRetries:  cfg.MaxRetries,
		backoffBase: defaultBackoffBase,
		metrics:     m,
		log:         log,
	}
}

// Initiate создает платежную сессию (счет с hosted payment page).
// Возвращает ID платежа у провайдера и URL для редиректа пользователя.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error) {
	if req.AmountMinor <= 0 || len(req.Currency) != 3 {
		return InitiateResponse{}, fmt.Errorf("%w: amount and currency are required", domain.ErrInvalidRequest)
	}

	body, err := json.Marshal(map[string]any{
		"amount":       req.AmountMinor,
		"currency":     req.Currency,
		"description":  req.Description,
		"callback_url": req.ReturnURL,
		"metadata": map[string]string{
			"subscription_id": req.SubscriptionID.String(),
		},
	})
	if err != nil {
		return InitiateResponse{}, fmt.Errorf("moyasar: failed to marshal initiate request: %w", err)
	}

	respBody, err := c.do(ctx, opInitiate, http.MethodPost, "/invoices", body)
	if err != nil {
		return InitiateResponse{}, err
	}

	var invoice invoiceResource
	if err := json.Unmarshal(respBody, &invoice); err != nil {
		return InitiateResponse{}, domain.NewGatewayError(opInitiate, 0, domain.ErrGatewayUnavailable,
			fmt.Errorf("unparseable invoice response: %w", err))
	}
	if invoice.ID == "" || invoice.URL == "" {
		return InitiateResponse{}, domain.NewGatewayError(opInitiate, 0, domain.ErrGatewayUnavailable,
			fmt.Errorf("invoice response missing id or url"))
	}

	c.log.Infow("Created provider payment session", "providerPaymentID", invoice.ID, "subscriptionID", req.SubscriptionID)
	return InitiateResponse{
		ProviderPaymentID: invoice.ID,
		RedirectURL:       invoice.URL,
	}, nil
}

// Verify синхронно запрашивает у провайдера авторитетное состояние платежа.
func (c *Client) Verify(ctx context.Context, providerPaymentID string) (VerifyResult, error) {
	if providerPaymentID == "" {
		return VerifyResult{}, fmt.Errorf("%w: provider payment id is required", domain.ErrInvalidRequest)
	}

	respBody, err := c.do(ctx, opVerify, http.MethodGet, "/payments/"+providerPaymentID, nil)
	if err != nil {
		return VerifyResult{}, err
	}

	var payment paymentResource
	if err := json.Unmarshal(respBody, &payment); err != nil {
		return VerifyResult{}, domain.NewGatewayError(opVerify, 0, domain.ErrGatewayUnavailable,
			fmt.Errorf("unparseable payment response: %w", err))
	}

	outcome, err := ParseOutcome(payment.Status)
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{
		ProviderPaymentID: payment.ID,
		Outcome:           outcome,
		AmountMinor:       payment.Amount,
		Currency:          payment.Currency,
		Raw:               respBody,
	}, nil
}

// do выполняет HTTP-запрос к провайдеру с повторами.
// Повторяются только сетевые ошибки и 5xx; 4xx терминальны.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	backoff := c.backoffBase

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, domain.NewGatewayError(op, 0, domain.ErrGatewayUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			c.log.Debugw("Retrying gateway call", "op", op, "attempt", attempt)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("moyasar: failed to build request: %w", err)
		}
		req.SetBasicAuth(c.apiKey, "")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		elapsed := time.Since(start).Seconds()

		if err != nil {
			c.metrics.ObserveGatewayCall(op, elapsed, false)
			lastErr = domain.NewGatewayError(op, 0, domain.ErrGatewayUnavailable, err)
			c.log.Warnw("Gateway call failed, will retry", "op", op, "error", err)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			c.metrics.ObserveGatewayCall(op, elapsed, false)
			lastErr = domain.NewGatewayError(op, resp.StatusCode, domain.ErrGatewayUnavailable, readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.metrics.ObserveGatewayCall(op, elapsed, true)
			return respBody, nil
		case resp.StatusCode >= 500:
			c.metrics.ObserveGatewayCall(op, elapsed, false)
			lastErr = domain.NewGatewayError(op, resp.StatusCode, domain.ErrGatewayUnavailable,
				fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(respBody, 256)))
			c.log.Warnw("Gateway returned server error, will retry", "op", op, "status", resp.StatusCode)
			continue
		case resp.StatusCode == http.StatusNotFound:
			c.metrics.ObserveGatewayCall(op, elapsed, false)
			return nil, domain.NewNotFoundError("provider payment", path)
		default:
			c.metrics.ObserveGatewayCall(op, elapsed, false)
			return nil, domain.NewGatewayError(op, resp.StatusCode, domain.ErrInvalidRequest,
				fmt.Errorf("provider rejected request: %s", truncate(respBody, 256)))
		}
	}

	return nil, lastErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
