package middleware

import (
	"errors"
	"net/http"

	"getonblockchain/pkg/errutil"
	"getonblockchain/pkg/httpapi"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type statusError interface {
	Status() errutil.CoreStatus
}

type codedError interface {
	ErrorCode() string
}

type publicError interface {
	PublicMessage() string
}

// Error renders the last error attached with c.Error as the failure envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		status, code, message := Describe(last.Err)
		if status >= http.StatusInternalServerError {
			zap.L().Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Error(last.Err),
			)
		}
		httpapi.Fail(c, status, code, message)
	}
}

// Describe maps err to an HTTP status, envelope code and client-safe message.
func Describe(err error) (int, string, string) {
	status := http.StatusInternalServerError
	code := string(errutil.StatusInternal)
	message := "An unexpected error occurred"

	var se statusError
	if errors.As(err, &se) {
		status = se.Status().HTTPStatus()
		code = string(se.Status())
	}
	if status == http.StatusInternalServerError {
		return status, code, message
	}

	var ce codedError
	if errors.As(err, &ce) {
		code = ce.ErrorCode()
	}
	var pe publicError
	if errors.As(err, &pe) {
		message = pe.PublicMessage()
	}
	return status, code, message
}
