package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/service"
)

const maxIdempotencyKeyLen = 128

type cancelOrderRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// placeOrder handles checkout. A replayed Idempotency-Key answers 200 with
// the original order instead of 201.
func (h *Handler) placeOrder(c *gin.Context) {
	var req service.PlaceOrderRequest
	if !h.bindAndValidate(c, &req, false) {
		return
	}

	req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		h.respondError(c, apperr.Validation("Idempotency-Key is too long"))
		return
	}

	order, replayed, err := h.orders.PlaceOrder(c.Request.Context(), principal(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(status, gin.H{"order": order})
}

func (h *Handler) listMyOrders(c *gin.Context) {
	orders, err := h.orders.ListMyOrders(c.Request.Context(), principal(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if !h.bindAndValidate(c, &req, true) {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), principal(c), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// updateStatus is the admin status endpoint
func (h *Handler) updateStatus(c *gin.Context) {
	var req service.UpdateStatusRequest
	if !h.bindAndValidate(c, &req, false) {
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), principal(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}
