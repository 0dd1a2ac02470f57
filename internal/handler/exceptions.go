package handler

import (
	"net/http"

	"pharmapos/internal/dto"
	"pharmapos/internal/middleware"
	"pharmapos/internal/service"

	"github.com/gin-gonic/gin"
)

type ExceptionHandler struct{ svc service.ExceptionService }

func NewExceptionHandler(svc service.ExceptionService) *ExceptionHandler {
	return &ExceptionHandler{svc: svc}
}

// List returns reconciliation exceptions, filtered by ?status= when given.
func (h *ExceptionHandler) List(c *gin.Context) {
	page, limit := pageParams(c)
	resp, err := h.svc.List(c.Request.Context(), c.Query("status"), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Resolve godoc
// @Summary Marks a reconciliation exception as handled
// @Tags reconciliation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Exception ID"
// @Param body body dto.ResolveExceptionRequest true "Resolution notes"
// @Success 200 {object} dto.ExceptionResponse
// @Failure 409 {object} apierror.APIError
// @Router /v1/reconciliation-exceptions/{id}/resolve [post]
func (h *ExceptionHandler) Resolve(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req dto.ResolveExceptionRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.svc.Resolve(c.Request.Context(), id, middleware.OperatorID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
