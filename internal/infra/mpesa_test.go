package infra

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMPesaTestClient(t *testing.T, h http.HandlerFunc) *MPesaClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewMPesaClient(MPesaConfig{BaseURL: srv.URL, APIKey: "key", ServiceProviderCode: "171717"})
	require.NoError(t, err)
	return c
}

func TestMPesaClient_Initiate(t *testing.T) {
	var got mpesaC2BPayload
	c := newMPesaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ipg/v1x/c2bPayment/singleStage/", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"output_ResponseCode":"INS-0","output_ConversationID":"conv-1","output_TransactionID":"tx-1"}`))
	})

	res, err := c.Initiate(context.Background(), InitiateRequest{
		Reference: "ref1", OrderRef: "order1", MSISDN: "84 123 4567", Amount: decimal.NewFromInt(350),
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", res.Handle)
	assert.Equal(t, "258841234567", got.CustomerMSISDN)
	assert.Equal(t, "350.00", got.Amount)
	assert.Equal(t, "171717", got.ServiceProviderCode)
}

func TestMPesaClient_InitiateRejected(t *testing.T) {
	c := newMPesaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"output_ResponseCode":"INS-2006","output_ResponseDesc":"Insufficient balance"}`))
	})
	_, err := c.Initiate(context.Background(), InitiateRequest{Reference: "r", MSISDN: "841234567", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInitiationRejected)
}

func TestMPesaClient_InvalidNumberNeverHitsNetwork(t *testing.T) {
	hit := false
	c := newMPesaTestClient(t, func(w http.ResponseWriter, r *http.Request) { hit = true })
	_, err := c.Initiate(context.Background(), InitiateRequest{Reference: "r", MSISDN: "12345", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInitiationRejected)
	assert.False(t, hit)
}

func TestMPesaClient_CheckStatus(t *testing.T) {
	status := "Pending"
	c := newMPesaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ipg/v1x/queryTransactionStatus/", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"output_ResponseCode":              "INS-0",
			"output_ResponseTransactionStatus": status,
		})
	})

	st, err := c.CheckStatus(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, GatewayPending, st)

	status = "Completed"
	st, err = c.CheckStatus(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, GatewayConfirmed, st)

	status = "Cancelled"
	st, _ = c.CheckStatus(context.Background(), "conv-1")
	assert.Equal(t, GatewayFailed, st)
}

func TestMPesaClient_CheckStatusServerError(t *testing.T) {
	c := newMPesaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.CheckStatus(context.Background(), "conv-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInitiationRejected)
}

func TestMPesaCallbackStatus(t *testing.T) {
	assert.Equal(t, GatewayConfirmed, MPesaCallbackStatus("INS-0"))
	assert.Equal(t, GatewayFailed, MPesaCallbackStatus("INS-2006"))
	assert.Equal(t, GatewayPending, MPesaCallbackStatus(""))
}
