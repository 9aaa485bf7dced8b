package api

import (
	"fmt"
	"strings"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const principalKey = "principal"

var signingMethod = jwt.SigningMethodHS256

// Claims are issued by the auth service
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier validates bearer tokens
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier creates a verifier for HS256 tokens
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Parse validates token and returns its claims
func (v *TokenVerifier) Parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{signingMethod.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != signingMethod {
			return nil, fmt.Errorf("unexpected signing method %s", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user_id")
	}
	return claims, nil
}

// authRequired rejects requests without a valid bearer token
func (h *Handler) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		token := raw
		if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			token = strings.TrimSpace(raw[7:])
		}
		if token == "" {
			h.respondError(c, apperr.New(apperr.CodeUnauthorized, "missing credentials"))
			c.Abort()
			return
		}

		claims, err := h.tokens.Parse(token)
		if err != nil {
			h.respondError(c, apperr.Wrap(apperr.CodeUnauthorized, err, "invalid token"))
			c.Abort()
			return
		}

		role := claims.Role
		if role == "" {
			role = models.RoleCustomer
		}
		c.Set(principalKey, service.Principal{UserID: claims.UserID, Role: role})
		c.Next()
	}
}

// adminOnly must run after authRequired
func (h *Handler) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !principal(c).IsAdmin() {
			h.respondError(c, apperr.New(apperr.CodeAccessDenied, "admin role required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func principal(c *gin.Context) service.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(service.Principal); ok {
			return p
		}
	}
	return service.Principal{}
}
