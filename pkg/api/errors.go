package api

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/usewisp/wisp/pkg/engine"
)

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Chain   []string `json:"chain"`
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case engine.IsAlreadyExists(err):
		return http.StatusConflict
	case engine.IsValidation(err):
		return http.StatusBadRequest
	case engine.IsPermissionDenied(err):
		return http.StatusForbidden
	case engine.IsRateLimited(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func errorDetail(err error) ErrorDetail {
	if e, ok := engine.AsEngineError(err); ok {
		return ErrorDetail{Code: e.ErrorCode(), Message: e.Message, Chain: e.Chain()}
	}
	return ErrorDetail{Code: engine.ErrCodeInternal, Message: err.Error(), Chain: []string{err.Error()}}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusCode(err)
	detail := errorDetail(err)

	if wait, ok := engine.RetryAfter(err); ok && status == http.StatusTooManyRequests {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}

	log := s.log.WithField("code", detail.Code).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error(c.Request.Method + " " + c.FullPath() + " failed")
	} else {
		log.Debug(detail.Message)
	}

	c.AbortWithStatusJSON(status, ErrorBody{Error: detail})
}
