package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/service"
)

const maxWebhookBody = 1 << 20

type gatewayOrderRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

func (h *Handler) createGatewayOrder(c *gin.Context) {
	var req gatewayOrderRequest
	if !h.bindAndValidate(c, &req, false) {
		return
	}

	creds, err := h.settlement.CreateGatewayOrder(c.Request.Context(), principal(c), req.OrderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, creds)
}

func (h *Handler) verifyGatewayPayment(c *gin.Context) {
	var req service.VerifyPaymentRequest
	if !h.bindAndValidate(c, &req, false) {
		return
	}

	order, err := h.settlement.VerifyGatewayPayment(c.Request.Context(), principal(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) paymentFailed(c *gin.Context) {
	var req service.PaymentFailedRequest
	if !h.bindAndValidate(c, &req, false) {
		return
	}

	order, err := h.settlement.PaymentFailed(c.Request.Context(), principal(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) paymentStatus(c *gin.Context) {
	view, err := h.settlement.GetPaymentStatus(c.Request.Context(), principal(c), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// paymentWebhook verifies the signature over the raw body, so the body is
// read before any decoding.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.respondError(c, apperr.Wrap(apperr.CodeValidation, err, "unreadable webhook body"))
		return
	}

	err = h.settlement.HandleWebhook(
		c.Request.Context(),
		body,
		c.GetHeader("X-Razorpay-Signature"),
		c.GetHeader("X-Razorpay-Event-Id"),
	)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
