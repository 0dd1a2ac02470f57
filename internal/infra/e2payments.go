package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pharmapos/internal/model"

	"github.com/rs/zerolog/log"
)

const (
	e2TokenCacheKey = "e2payments:token"
	e2StatusPage    = 50
)

type E2PaymentsConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WalletID     string
	Timeout      time.Duration
}

// E2PaymentsClient talks to the e2Payments aggregator. It has no per-payment
// status endpoint, so CheckStatus scans the most recent payments for our reference.
type E2PaymentsClient struct {
	cfg        E2PaymentsConfig
	tokens     TokenCache
	httpClient *http.Client
}

func NewE2PaymentsClient(cfg E2PaymentsConfig, tokens TokenCache) *E2PaymentsClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &E2PaymentsClient{cfg: cfg, tokens: tokens, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type e2TokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type e2Payment struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type e2PaymentList struct {
	Data     []e2Payment `json:"data"`
	Payments []e2Payment `json:"payments"`
}

func (c *E2PaymentsClient) Name() model.Gateway { return model.GatewayE2Payments }

func (c *E2PaymentsClient) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	phone, err := LocalMSISDN(req.MSISDN)
	if err != nil {
		return nil, err
	}
	reference := strings.ReplaceAll(req.Reference, " ", "")
	payload := map[string]string{
		"client_id": c.cfg.ClientID,
		"amount":    req.Amount.StringFixed(2),
		"phone":     phone,
		"reference": reference,
	}
	raw, status, err := c.call(ctx, "/v1/c2b/mpesa-payment/"+c.cfg.WalletID, payload)
	if err != nil {
		return nil, err
	}
	switch {
	case status >= 500:
		return nil, fmt.Errorf("e2payments: initiate: unexpected status %d", status)
	case status >= 400:
		return nil, fmt.Errorf("%w: e2payments status %d: %s", ErrInitiationRejected, status, truncate(raw, 200))
	}
	return &InitiateResult{Handle: reference, Raw: raw}, nil
}

func (c *E2PaymentsClient) CheckStatus(ctx context.Context, handle string) (GatewayStatus, error) {
	raw, status, err := c.call(ctx, fmt.Sprintf("/v1/payments/mpesa/get/all/paginate/%d", e2StatusPage),
		map[string]string{"client_id": c.cfg.ClientID})
	if err != nil {
		return GatewayPending, err
	}
	if status >= 400 {
		return GatewayPending, fmt.Errorf("e2payments: list payments: unexpected status %d", status)
	}
	var list e2PaymentList
	if err := json.Unmarshal(raw, &list); err != nil {
		return GatewayPending, fmt.Errorf("e2payments: decode payments: %w", err)
	}
	for _, p := range append(list.Data, list.Payments...) {
		if p.Reference == handle {
			return E2PaymentsCallbackStatus(p.Status), nil
		}
	}
	return GatewayPending, nil
}

func (c *E2PaymentsClient) Cancel(context.Context, string) error { return ErrCancelNotSupported }

// E2PaymentsCallbackStatus maps the provider's free-text status.
func E2PaymentsCallbackStatus(s string) GatewayStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "completed", "paid":
		return GatewayConfirmed
	case "failed", "error", "cancelled", "canceled", "rejected", "expired":
		return GatewayFailed
	}
	return GatewayPending
}

func (c *E2PaymentsClient) token(ctx context.Context) (string, error) {
	if c.tokens != nil {
		if tok, err := c.tokens.Get(ctx, e2TokenCacheKey); err == nil && tok != "" {
			return tok, nil
		} else if err != nil {
			log.Warn().Err(err).Msg("e2payments: token cache read failed")
		}
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/oauth/token"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("e2payments: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("e2payments: token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("e2payments: token request: unexpected status %d", resp.StatusCode)
	}
	var tr e2TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("e2payments: decode token: %w", err)
	}
	tok := strings.TrimSpace(tr.TokenType + " " + tr.AccessToken)

	ttl := time.Duration(tr.ExpiresIn)*time.Second - time.Minute
	if c.tokens != nil && ttl > 0 {
		if err := c.tokens.Set(ctx, e2TokenCacheKey, tok, ttl); err != nil {
			log.Warn().Err(err).Msg("e2payments: token cache write failed")
		}
	}
	return tok, nil
}

// call sends an authorised request. A 401 means the cached token was revoked:
// it is evicted and the request is retried once with a fresh one.
func (c *E2PaymentsClient) call(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("e2payments: marshal payload: %w", err)
	}
	tok, err := c.token(ctx)
	if err != nil {
		return nil, 0, err
	}
	raw, status, err := c.send(ctx, path, tok, body)
	if err != nil || status != http.StatusUnauthorized {
		return raw, status, err
	}

	log.Warn().Str("path", path).Msg("e2payments: token rejected, refreshing")
	if c.tokens != nil {
		if err := c.tokens.Delete(ctx, e2TokenCacheKey); err != nil {
			log.Warn().Err(err).Msg("e2payments: token cache evict failed")
		}
	}
	if tok, err = c.token(ctx); err != nil {
		return nil, 0, err
	}
	return c.send(ctx, path, tok, body)
}

func (c *E2PaymentsClient) send(ctx context.Context, path, tok string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("e2payments: create request: %w", err)
	}
	req.Header.Set("Authorization", tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("e2payments: request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("e2payments: read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (c *E2PaymentsClient) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
