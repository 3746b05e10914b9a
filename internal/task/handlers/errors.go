package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/apierr"
	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// respondError classifies err through the apierr taxonomy and writes the
// common error body. Server faults are logged and their details withheld
// from the response.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	kind := apierr.KindOf(err)
	status := apierr.HTTPStatus(kind)

	body := v1.ErrorResponse{
		Error: err.Error(),
		Kind:  string(kind),
	}
	if kind == apierr.KindRateLimited {
		body.RetryAfter = apierr.RetryAfter(err)
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body.Error = "request failed"
	}
	c.JSON(status, body)
}

// respondBadRequest writes a 400 for malformed input before any service call.
func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: message})
}
