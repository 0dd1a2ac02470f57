package handler

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"

	"pharmapos/internal/apierror"
	"pharmapos/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

func init() {
	// Register decimal.Decimal as a numeric type so that validator tags like
	// min=0, gt=0, required work without panicking ("Bad field type decimal.Decimal").
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if v, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := v.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
}

// bindAndValidate binds the JSON body and runs the validator tags.
// On failure it writes the response and returns false.
func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.WithCode("INVALID_JSON", "invalid JSON: "+err.Error()))
		return false
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, apierror.WithCode("INVALID_REQUEST", err.Error()))
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		c.JSON(http.StatusUnprocessableEntity, apierror.NewValidation(fields))
		return false
	}
	return true
}

// paramUUID parses a path parameter, writing 400 when malformed.
func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.WithCode("INVALID_ID", "invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, limit
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{service.ErrSessionAlreadyOpen, http.StatusConflict, "SESSION_ALREADY_OPEN"},
	{service.ErrSessionNotOpen, http.StatusConflict, "SESSION_NOT_OPEN"},
	{service.ErrSettlementInFlight, http.StatusConflict, "SETTLEMENT_IN_FLIGHT"},
	{service.ErrOrderAlreadyPaid, http.StatusConflict, "ORDER_ALREADY_PAID"},
	{service.ErrExceptionResolved, http.StatusConflict, "EXCEPTION_ALREADY_RESOLVED"},
	{service.ErrInvalidAmount, http.StatusUnprocessableEntity, "INVALID_AMOUNT"},
	{service.ErrInvalidTender, http.StatusUnprocessableEntity, "INVALID_TENDER"},
	{service.ErrInvalidMovement, http.StatusUnprocessableEntity, "INVALID_MOVEMENT"},
	{service.ErrUnknownGateway, http.StatusUnprocessableEntity, "UNKNOWN_GATEWAY"},
	{service.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{service.ErrSettlementNotFound, http.StatusNotFound, "SETTLEMENT_NOT_FOUND"},
	{service.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
	{service.ErrExceptionNotFound, http.StatusNotFound, "EXCEPTION_NOT_FOUND"},
}

// writeError maps domain errors onto status codes. Anything unknown is a
// 500 whose detail stays in the log.
func writeError(c *gin.Context, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			c.JSON(m.status, apierror.WithCode(m.code, err.Error()))
			return
		}
	}
	log.Error().Err(err).Str("request_id", c.GetString("request_id")).Str("path", c.FullPath()).Msg("handler: unexpected error")
	c.JSON(http.StatusInternalServerError, apierror.WithCode("INTERNAL", "internal server error"))
}
