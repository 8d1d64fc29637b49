package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) (int, core.ErrorCode) {
	if errors.Is(err, db.ErrNotFound) {
		return http.StatusNotFound, core.CodeRecordNotFound
	}
	var appErr *core.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, core.CodeInternal
	}
	switch appErr.Code {
	case core.CodeValidation:
		return http.StatusBadRequest, appErr.Code
	case core.CodeRecordNotFound:
		return http.StatusNotFound, appErr.Code
	case core.CodeSDAPI, core.CodeSDAPITimeout, core.CodeLLMAPI, core.CodeGeminiAPI, core.CodeXAIAPI:
		return http.StatusBadGateway, appErr.Code
	default:
		return http.StatusInternalServerError, appErr.Code
	}
}

// writeError sends the error envelope. Internal error details are not
// exposed to clients.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	var appErr *core.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: errorBody{Code: string(code), Message: msg}})
}

func badRequest(c *gin.Context, format string, args ...any) {
	writeError(c, core.ValidationError(format, args...))
}
