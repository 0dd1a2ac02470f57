package handler

import (
	"net/http"

	"pharmapos/internal/apierror"
	"pharmapos/internal/dto"
	"pharmapos/internal/middleware"
	"pharmapos/internal/service"

	"github.com/gin-gonic/gin"
)

type CashHandler struct{ svc service.CashService }

func NewCashHandler(svc service.CashService) *CashHandler { return &CashHandler{svc: svc} }

// Open godoc
// @Summary Opens a cash session on a terminal
// @Tags cash
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body dto.OpenSessionRequest true "Terminal and opening float"
// @Success 201 {object} dto.SessionResponse
// @Failure 409 {object} apierror.APIError
// @Failure 422 {object} apierror.APIError
// @Router /v1/cash/sessions [post]
func (h *CashHandler) Open(c *gin.Context) {
	var req dto.OpenSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.svc.Open(c.Request.Context(), middleware.OperatorID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// RecordMovement godoc
// @Summary Records a manual till movement
// @Description Amounts are signed: WITHDRAWAL and EXPENSE negative, others positive.
// @Tags cash
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Param body body dto.RecordMovementRequest true "Movement"
// @Success 201 {object} dto.TotalsResponse
// @Failure 409 {object} apierror.APIError
// @Failure 422 {object} apierror.APIError
// @Router /v1/cash/sessions/{id}/movements [post]
func (h *CashHandler) RecordMovement(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req dto.RecordMovementRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.SessionID = id.String()
	resp, err := h.svc.RecordMovement(c.Request.Context(), middleware.OperatorID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Close godoc
// @Summary Closes a session with a blind count
// @Tags cash
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Param body body dto.CloseSessionRequest true "Declared totals per tender"
// @Success 200 {object} dto.VarianceReport
// @Failure 409 {object} apierror.APIError
// @Router /v1/cash/sessions/{id}/close [post]
func (h *CashHandler) Close(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req dto.CloseSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.SessionID = id.String()
	resp, err := h.svc.Close(c.Request.Context(), middleware.OperatorID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Current returns the open session for ?terminal_id=, or NO_SESSION.
func (h *CashHandler) Current(c *gin.Context) {
	terminalID := c.Query("terminal_id")
	if terminalID == "" {
		if claims := middleware.GetClaims(c); claims != nil {
			terminalID = claims.TerminalID
		}
	}
	if terminalID == "" {
		c.JSON(http.StatusBadRequest, apierror.WithCode("INVALID_REQUEST", "terminal_id is required"))
		return
	}
	resp, err := h.svc.CurrentSession(c.Request.Context(), terminalID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CashHandler) Get(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	resp, err := h.svc.GetSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CashHandler) History(c *gin.Context) {
	page, limit := pageParams(c)
	resp, err := h.svc.History(c.Request.Context(), c.Query("terminal_id"), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Audit godoc
// @Summary Re-sums a session's movements and reports drift
// @Tags cash
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} dto.AuditResponse
// @Router /v1/cash/sessions/{id}/audit [get]
func (h *CashHandler) Audit(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	resp, err := h.svc.Audit(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
