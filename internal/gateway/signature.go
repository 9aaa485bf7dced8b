package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the hex HMAC-SHA256 of payload under secret
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature compares signature with the expected one in constant time
func ValidSignature(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// PaymentSignaturePayload is what checkout signs: "<order_id>|<payment_id>"
func PaymentSignaturePayload(gatewayOrderID, paymentID string) []byte {
	return []byte(gatewayOrderID + "|" + paymentID)
}

// VerifyPaymentSignature checks the signature returned by checkout
func (c *Client) VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool {
	return ValidSignature(c.cfg.KeySecret, PaymentSignaturePayload(gatewayOrderID, paymentID), signature)
}

// VerifyWebhookSignature checks X-Razorpay-Signature over the raw body
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	return ValidSignature(c.cfg.WebhookSecret, body, signature)
}
