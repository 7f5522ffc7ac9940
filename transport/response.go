package transport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/songzhibin97/play-engine/approval"
	"github.com/songzhibin97/play-engine/observability"
	"github.com/songzhibin97/play-engine/types"
	"github.com/songzhibin97/play-engine/workflow"
)

// Error codes returned in the envelope.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeBusy            = "BUSY"
	CodeValidationError = "VALIDATION_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

var statusForCode = map[string]int{
	CodeBadRequest:      http.StatusBadRequest,
	CodeForbidden:       http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeConflict:        http.StatusConflict,
	CodeBusy:            http.StatusConflict,
	CodeValidationError: http.StatusUnprocessableEntity,
	CodeInternalError:   http.StatusInternalServerError,
}

// ErrorEnvelope is the standard error body.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
}

// FieldError describes a problem with one field or graph element.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error ErrorEnvelope `json:"error"`
}

// classify maps an error to an envelope code and its field details.
func classify(err error) (string, []FieldError) {
	if verrs, ok := types.AsValidationErrors(err); ok {
		details := make([]FieldError, 0, len(verrs))
		for _, v := range verrs {
			details = append(details, FieldError{Field: v.Path, Code: v.Code, Message: v.Message})
		}
		return CodeValidationError, details
	}
	switch {
	case errors.Is(err, approval.ErrEmptyTemplate):
		return CodeValidationError, nil
	case errors.Is(err, types.ErrNotFound):
		return CodeNotFound, nil
	case errors.Is(err, types.ErrForbidden):
		return CodeForbidden, nil
	case errors.Is(err, types.ErrBusy):
		return CodeBusy, nil
	case errors.Is(err, types.ErrConflict):
		return CodeConflict, nil
	case errors.Is(err, workflow.ErrStepLimit):
		return CodeConflict, nil
	}
	return CodeInternalError, nil
}

// writeError renders err as an envelope. Internal errors are logged and their text is
// not exposed.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	code, details := classify(err)
	msg := err.Error()
	if code == CodeInternalError {
		observability.LoggerFrom(c.Request.Context(), logger).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		msg = "internal error"
	}
	abortWithError(c, code, msg, details)
}

// writeBadRequest renders a malformed body or parameter.
func writeBadRequest(c *gin.Context, msg string) {
	abortWithError(c, CodeBadRequest, msg, nil)
}

func abortWithError(c *gin.Context, code, msg string, details []FieldError) {
	c.AbortWithStatusJSON(statusForCode[code], errorResponse{Error: ErrorEnvelope{
		Code:      code,
		Message:   msg,
		Details:   details,
		RequestID: c.GetString(requestIDKey),
	}})
}
