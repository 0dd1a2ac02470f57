package handler

import (
	"net/http"

	"pharmapos/internal/dto"
	"pharmapos/internal/service"

	"github.com/gin-gonic/gin"
)

type SettlementHandler struct{ svc service.SettlementService }

func NewSettlementHandler(svc service.SettlementService) *SettlementHandler {
	return &SettlementHandler{svc: svc}
}

// Request godoc
// @Summary Starts a mobile-money settlement for an order
// @Description Returns once the gateway has acknowledged the request; confirmation arrives asynchronously.
// @Tags settlements
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body dto.RequestSettlementRequest true "Order, gateway and payer"
// @Success 202 {object} dto.SettlementResponse
// @Failure 409 {object} apierror.APIError
// @Failure 422 {object} apierror.APIError
// @Router /v1/settlements [post]
func (h *SettlementHandler) Request(c *gin.Context) {
	var req dto.RequestSettlementRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.svc.Request(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// Get godoc
// @Summary Settlement status with its transition history
// @Tags settlements
// @Produce json
// @Security BearerAuth
// @Param id path string true "Settlement ID"
// @Success 200 {object} dto.SettlementResponse
// @Failure 404 {object} apierror.APIError
// @Router /v1/settlements/{id} [get]
func (h *SettlementHandler) Get(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	resp, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Cancel is idempotent; a finished request is returned unchanged.
func (h *SettlementHandler) Cancel(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	resp, err := h.svc.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
