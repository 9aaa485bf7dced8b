package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/service"
)

const maxWalletHistory = 200

func (h *Handler) getWallet(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxWalletHistory {
			h.respondError(c, apperr.Validation("limit must be between 1 and 200"))
			return
		}
		limit = n
	}

	wallet, err := h.wallets.GetWallet(c.Request.Context(), principal(c), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

func (h *Handler) creditWallet(c *gin.Context) {
	var req service.CreditRequest
	if !h.bindAndValidate(c, &req, false) {
		return
	}

	tx, err := h.wallets.CreditWallet(c.Request.Context(), principal(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}
