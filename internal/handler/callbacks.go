package handler

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"pharmapos/internal/dto"
	"pharmapos/internal/infra"
	"pharmapos/internal/model"
	"pharmapos/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxCallbackBody = 64 << 10

// CallbackHandler receives asynchronous results pushed by the gateways.
// Unknown handles are acknowledged so the gateway stops retrying.
type CallbackHandler struct{ svc service.SettlementService }

func NewCallbackHandler(svc service.SettlementService) *CallbackHandler {
	return &CallbackHandler{svc: svc}
}

func (h *CallbackHandler) MPesa(c *gin.Context) {
	var cb dto.MPesaCallback
	raw, ok := readCallback(c, &cb)
	if !ok {
		return
	}
	h.apply(c, model.GatewayMPesa, cb.ConversationID, infra.MPesaCallbackStatus(cb.ResponseCode), raw)
}

func (h *CallbackHandler) E2Payments(c *gin.Context) {
	var cb dto.E2PaymentsCallback
	raw, ok := readCallback(c, &cb)
	if !ok {
		return
	}
	h.apply(c, model.GatewayE2Payments, cb.Reference, infra.E2PaymentsCallbackStatus(cb.Status), raw)
}

func (h *CallbackHandler) apply(c *gin.Context, gw model.Gateway, handle string, status infra.GatewayStatus, raw []byte) {
	resp, err := h.svc.ApplyCallback(c.Request.Context(), gw, handle, status, raw)
	switch {
	case errors.Is(err, service.ErrSettlementNotFound):
		log.Warn().Str("gateway", string(gw)).Str("handle", handle).Msg("callback: unknown handle")
		c.JSON(http.StatusOK, dto.CallbackAck{Status: "IGNORED"})
	case err != nil:
		writeError(c, err)
	default:
		c.JSON(http.StatusOK, dto.CallbackAck{Status: resp.Status})
	}
}

// readCallback keeps the raw body for the journal and decodes it into dst.
func readCallback(c *gin.Context, dst interface{}) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if !bindAndValidate(c, dst) {
		return nil, false
	}
	return raw, true
}
