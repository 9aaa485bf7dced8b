package api

import (
	"errors"
	"io"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/service"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterStructValidation(validateStatusUpdate, service.UpdateStatusRequest{})
	return v
}

func validateStatusUpdate(sl validator.StructLevel) {
	req := sl.Current().Interface().(service.UpdateStatusRequest)
	if req.Status == models.OrderStatusShipped && strings.TrimSpace(req.TrackingNumber) == "" {
		sl.ReportError(req.TrackingNumber, "trackingNumber", "TrackingNumber", "required_if_shipped", "")
	}
}

// bindAndValidate decodes the JSON body into out and runs struct validation.
// It writes the error response itself and returns false on failure.
func (h *Handler) bindAndValidate(c *gin.Context, out any, allowEmpty bool) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			h.respondError(c, apperr.Wrap(apperr.CodeValidation, err, "request body is not valid JSON"))
			return false
		}
	}

	if err := h.validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			h.respondError(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request"))
			return false
		}
		fields := make(map[string]any, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fieldPath(fe)] = fe.Tag()
		}
		h.respondError(c, apperr.New(apperr.CodeValidation, "request validation failed").
			WithDetails(map[string]any{"fields": fields}))
		return false
	}
	return true
}

// fieldPath drops the root struct name from the namespace
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
