package infra

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pharmapos/internal/model"
)

const mpesaSuccessCode = "INS-0"

type MPesaConfig struct {
	BaseURL             string
	APIKey              string
	PublicKey           string // base64 DER; when empty the API key is sent as-is
	ServiceProviderCode string
	Timeout             time.Duration
}

// MPesaClient talks to the Vodacom M-Pesa C2B API.
type MPesaClient struct {
	cfg        MPesaConfig
	bearer     string
	httpClient *http.Client
}

func NewMPesaClient(cfg MPesaConfig) (*MPesaClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	bearer := cfg.APIKey
	if cfg.PublicKey != "" {
		enc, err := encryptAPIKey(cfg.APIKey, cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("mpesa: encrypt credential: %w", err)
		}
		bearer = enc
	}
	return &MPesaClient{
		cfg:        cfg,
		bearer:     bearer,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// encryptAPIKey produces the bearer credential: RSA PKCS#1 v1.5 over the API
// key with the provider's public key, base64 encoded.
func encryptAPIKey(apiKey, publicKey string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return "", err
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("public key is not RSA")
	}
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(apiKey))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

type mpesaC2BPayload struct {
	TransactionReference string `json:"input_TransactionReference"`
	CustomerMSISDN       string `json:"input_CustomerMSISDN"`
	Amount               string `json:"input_Amount"`
	ThirdPartyReference  string `json:"input_ThirdPartyReference"`
	ServiceProviderCode  string `json:"input_ServiceProviderCode"`
}

type mpesaQueryPayload struct {
	QueryReference      string `json:"input_QueryReference"`
	ServiceProviderCode string `json:"input_ServiceProviderCode"`
	ThirdPartyReference string `json:"input_ThirdPartyReference"`
}

type mpesaResponse struct {
	ResponseCode              string `json:"output_ResponseCode"`
	ResponseDesc              string `json:"output_ResponseDesc"`
	TransactionID             string `json:"output_TransactionID"`
	ConversationID            string `json:"output_ConversationID"`
	ThirdPartyReference       string `json:"output_ThirdPartyReference"`
	ResponseTransactionStatus string `json:"output_ResponseTransactionStatus"`
}

func (c *MPesaClient) Name() model.Gateway { return model.GatewayMPesa }

// Initiate sends a single-stage C2B payment; the customer confirms on the handset.
func (c *MPesaClient) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	msisdn, err := InternationalMSISDN(req.MSISDN)
	if err != nil {
		return nil, err
	}
	payload := mpesaC2BPayload{
		TransactionReference: req.Reference,
		CustomerMSISDN:       msisdn,
		Amount:               req.Amount.StringFixed(2),
		ThirdPartyReference:  req.OrderRef,
		ServiceProviderCode:  c.cfg.ServiceProviderCode,
	}
	resp, raw, status, err := c.post(ctx, "/ipg/v1x/c2bPayment/singleStage/", payload)
	if err != nil {
		return nil, err
	}
	if status >= 500 {
		return nil, fmt.Errorf("mpesa: initiate: unexpected status %d", status)
	}
	if resp.ResponseCode != mpesaSuccessCode {
		return nil, fmt.Errorf("%w: mpesa %s %s", ErrInitiationRejected, resp.ResponseCode, resp.ResponseDesc)
	}
	handle := resp.ConversationID
	if handle == "" {
		handle = resp.TransactionID
	}
	if handle == "" {
		return nil, fmt.Errorf("mpesa: initiate: response carried no conversation id")
	}
	return &InitiateResult{Handle: handle, Raw: raw}, nil
}

// CheckStatus queries the transaction by conversation id.
func (c *MPesaClient) CheckStatus(ctx context.Context, handle string) (GatewayStatus, error) {
	payload := mpesaQueryPayload{
		QueryReference:      handle,
		ServiceProviderCode: c.cfg.ServiceProviderCode,
		ThirdPartyReference: handle,
	}
	resp, _, status, err := c.post(ctx, "/ipg/v1x/queryTransactionStatus/", payload)
	if err != nil {
		return GatewayPending, err
	}
	if status >= 400 {
		return GatewayPending, fmt.Errorf("mpesa: query status: unexpected status %d", status)
	}
	return mpesaTransactionStatus(resp.ResponseTransactionStatus), nil
}

func (c *MPesaClient) Cancel(context.Context, string) error { return ErrCancelNotSupported }

func mpesaTransactionStatus(s string) GatewayStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "success", "successful":
		return GatewayConfirmed
	case "failed", "cancelled", "canceled", "expired", "declined", "rejected":
		return GatewayFailed
	}
	return GatewayPending
}

// MPesaCallbackStatus maps the output_ResponseCode of an asynchronous
// notification onto a gateway status.
func MPesaCallbackStatus(code string) GatewayStatus {
	if strings.TrimSpace(code) == mpesaSuccessCode {
		return GatewayConfirmed
	}
	if code == "" {
		return GatewayPending
	}
	return GatewayFailed
}

func (c *MPesaClient) post(ctx context.Context, path string, payload interface{}) (*mpesaResponse, []byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("mpesa: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("mpesa: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	req.Header.Set("Origin", "*")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("mpesa: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, nil, httpResp.StatusCode, fmt.Errorf("mpesa: read response: %w", err)
	}
	var out mpesaResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && httpResp.StatusCode < 500 {
			return nil, raw, httpResp.StatusCode, fmt.Errorf("mpesa: decode response: %w", err)
		}
	}
	return &out, raw, httpResp.StatusCode, nil
}
