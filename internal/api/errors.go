package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stamp-order-service/internal/apperr"
)

type errorBody struct {
	Code    apperr.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// respondError renders err as {"error": {...}}. Errors without a code are
// reported as internal and their text is never exposed.
func (h *Handler) respondError(c *gin.Context, err error) {
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unhandled error")
	}

	meta := apperr.MetadataFor(typed.Code())
	body := errorBody{Code: typed.Code(), Message: meta.PublicMessage}
	if meta.DetailsAllowed {
		if msg := typed.Message(); msg != "" {
			body.Message = msg
		}
		body.Details = typed.Details()
	}

	if meta.HTTPStatus >= 500 {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("Request rejected",
			zap.String("path", c.FullPath()),
			zap.String("code", string(typed.Code())),
			zap.Error(err),
		)
	}

	c.JSON(meta.HTTPStatus, gin.H{"error": body})
}
