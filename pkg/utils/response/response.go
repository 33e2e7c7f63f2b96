package response

import (
	"net/http"

	"vdesk/pkg/errors"
	"vdesk/pkg/utils/contextkey"
	"vdesk/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the JSON envelope of every API reply. Kind is the stable
// error category and is omitted on success.
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Kind    string           `json:"kind,omitempty"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	SuccessWithMessage(c, errors.Success.Message(), data)
}

func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    errors.Success,
		Message: message,
		Data:    data,
		TraceID: traceID(c),
	})
}

// Error renders err with the status of its code. Foreign errors become
// internal_error.
func Error(c *gin.Context, err error) {
	appErr := errors.GetError(err)
	status := appErr.Code.HTTPStatus()

	fields := []zap.Field{
		zap.Int("code", int(appErr.Code)),
		zap.String("kind", appErr.Code.Kind()),
		zap.String("message", appErr.Error()),
		zap.Any("details", appErr.Details),
	}
	if appErr.Err != nil {
		fields = append(fields, zap.NamedError("cause", appErr.Err))
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", fields...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}

	resp := Response{
		Code:    appErr.Code,
		Kind:    appErr.Code.Kind(),
		Message: appErr.Error(),
		TraceID: traceID(c),
	}
	if len(appErr.Details) > 0 {
		resp.Details = appErr.Details
	}
	c.JSON(status, resp)
}

// ErrorWithCode renders code with message, or the code's default message.
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	Error(c, errors.New(code).WithMessage(message))
}

func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, errors.InvalidParams, message)
}

func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

func AbortWithErrorCode(c *gin.Context, code errors.ErrorCode, message string) {
	ErrorWithCode(c, code, message)
	c.Abort()
}

func traceID(c *gin.Context) string {
	if id, ok := c.Request.Context().Value(contextkey.TraceID).(string); ok {
		return id
	}
	return c.GetString("trace_id")
}
