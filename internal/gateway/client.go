package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/acsk/AppCheckin-sub006/internal/config"
	"github.com/acsk/AppCheckin-sub006/internal/observability/tracing"
)

const defaultMaxAttempts = 3

type httpClient struct {
	baseURL     string
	accessToken string
	maxAttempts int
	client      *http.Client
	log         *zap.Logger
}

// NewClient builds the HTTP gateway client. Every request carries the
// configured hard timeout; retries use bounded exponential backoff.
func NewClient(cfg config.Config, log *zap.Logger) Client {
	gc := cfg.Gateway
	maxAttempts := gc.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	timeout := gc.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &httpClient{
		baseURL:     strings.TrimRight(gc.BaseURL, "/"),
		accessToken: gc.AccessToken,
		maxAttempts: maxAttempts,
		client:      tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		log:         log.Named("gateway.client"),
	}
}

func (c *httpClient) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var payment Payment
	if err := c.getJSON(ctx, "/v1/payments/"+strings.TrimSpace(id), &payment); err != nil {
		return nil, err
	}
	payment.Status = normalizeStatus(payment.Status)
	return &payment, nil
}

func (c *httpClient) GetRecurringCharge(ctx context.Context, id string) (*RecurringCharge, error) {
	var charge RecurringCharge
	if err := c.getJSON(ctx, "/v1/recurring_charges/"+strings.TrimSpace(id), &charge); err != nil {
		return nil, err
	}
	charge.Status = normalizeStatus(charge.Status)
	return &charge, nil
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
		}

		retryable, err := c.doOnce(ctx, path, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		c.log.Warn("gateway fetch failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return lastErr
}

func (c *httpClient) doOnce(ctx context.Context, path string, out any) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrObjectNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		return false, fmt.Errorf("%w: status %d", ErrRequestRejected, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("%w: invalid response body", ErrRequestRejected)
	}
	return false, nil
}

// normalizeStatus collapses gateway status aliases into the canonical set.
func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved", "authorized", "accredited":
		return StatusApproved
	case "pending", "pending_payment":
		return StatusPending
	case "in_process", "in_mediation":
		return StatusInProcess
	case "rejected":
		return StatusRejected
	case "cancelled", "canceled", "refunded", "charged_back":
		return StatusCancelled
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}

var Module = fx.Module("gateway",
	fx.Provide(NewClient),
)
