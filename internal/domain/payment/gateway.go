package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Gateway is the external card processor.
type Gateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error)
	Confirm(ctx context.Context, paymentMethodID, clientSecret, idempotencyKey string) (*ChargeResult, error)
}

type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
	// Consecutive failures before the breaker opens.
	TripAfter uint32
	// How long the breaker stays open before letting a trial request through.
	OpenFor time.Duration
}

type createIntentRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type confirmRequest struct {
	PaymentMethod string `json:"payment_method"`
	ClientSecret  string `json:"client_secret"`
}

type gatewayError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPGateway talks JSON to the gateway API. Transport failures and 5xx
// responses count against the circuit breaker and surface as ErrNetwork;
// 4xx responses mean the gateway refused the request.
type HTTPGateway struct {
	client *resty.Client
	cb     *gobreaker.CircuitBreaker[*resty.Response]
	logger zerolog.Logger
}

func NewHTTPGateway(cfg GatewayConfig, logger zerolog.Logger) *HTTPGateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.OpenFor == 0 {
		cfg.OpenFor = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	log := logger.With().Str("component", "payment_gateway").Logger()
	cb := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &HTTPGateway{client: client, cb: cb, logger: log}
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, result interface{}, idempotencyKey string) error {
	resp, err := g.cb.Execute(func() (*resty.Response, error) {
		req := g.client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(result).
			SetError(&gatewayError{})
		if idempotencyKey != "" {
			req.SetHeader("Idempotency-Key", idempotencyKey)
		}
		resp, err := req.Post(path)
		if err != nil {
			return resp, err
		}
		if resp.StatusCode() >= 500 {
			return resp, fmt.Errorf("gateway returned %d", resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.logger.Warn().Str("path", path).Msg("gateway call short-circuited")
		} else {
			g.logger.Error().Err(err).Str("path", path).Msg("gateway call failed")
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.IsError() {
		msg := resp.Status()
		if ge, ok := resp.Error().(*gatewayError); ok && ge.Error.Message != "" {
			msg = ge.Error.Message
		}
		g.logger.Warn().Int("status_code", resp.StatusCode()).Str("path", path).Str("msg", msg).Msg("gateway refused request")
		return fmt.Errorf("%w: %s", ErrChargeFailed, msg)
	}
	return nil
}

// CreateIntent opens a payment intent. The session id in metadata doubles as
// the idempotency key so a retried POST cannot open a second intent.
func (g *HTTPGateway) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	var intent Intent
	req := createIntentRequest{Amount: amountCents, Currency: currency, Metadata: metadata}
	key := ""
	if id := metadata["session_id"]; id != "" {
		key = "intent-" + id
	}
	if err := g.post(ctx, "/v1/payment_intents", req, &intent, key); err != nil {
		return nil, err
	}
	if intent.ClientSecret == "" {
		return nil, fmt.Errorf("%w: gateway returned no client secret", ErrChargeFailed)
	}
	return &intent, nil
}

func (g *HTTPGateway) Confirm(ctx context.Context, paymentMethodID, clientSecret, idempotencyKey string) (*ChargeResult, error) {
	var res ChargeResult
	req := confirmRequest{PaymentMethod: paymentMethodID, ClientSecret: clientSecret}
	if err := g.post(ctx, "/v1/payment_intents/confirm", req, &res, idempotencyKey); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeclinedPaymentMethod makes the sandbox gateway fail a charge.
const DeclinedPaymentMethod = "pm_card_declined"

// SandboxGateway approves every charge except DeclinedPaymentMethod. Used
// when no gateway URL is configured.
type SandboxGateway struct{}

func (SandboxGateway) CreateIntent(_ context.Context, amountCents int64, currency string, _ map[string]string) (*Intent, error) {
	id := "pi_sandbox_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return &Intent{ID: id, ClientSecret: id + "_secret", AmountCents: amountCents, Currency: currency}, nil
}

func (SandboxGateway) Confirm(_ context.Context, paymentMethodID, clientSecret, _ string) (*ChargeResult, error) {
	id := strings.TrimSuffix(clientSecret, "_secret")
	if paymentMethodID == DeclinedPaymentMethod {
		return &ChargeResult{ID: id, Status: "failed"}, nil
	}
	return &ChargeResult{ID: id, Status: StatusSucceeded}, nil
}
