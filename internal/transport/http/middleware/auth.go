package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const errUnauthorized = "Unauthorized"

// jwksVerifier is the subset of auth.JWKSVerifier this middleware
// needs, defined at the point of use so tests can inject a fake.
type jwksVerifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

// Auth validates a Bearer token and sets "operatorEmail" in the gin
// context. When verifier is non-nil it is tried first, for operators
// authenticated through an external identity provider; jwtKey
// validates the scheduler's own HS256 magic-link tokens otherwise.
func Auth(jwtKey []byte, verifier jwksVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		rawToken := strings.TrimPrefix(header, "Bearer ")

		if verifier != nil {
			if email, err := verifier.Verify(c.Request.Context(), rawToken); err == nil && email != "" {
				c.Set("operatorEmail", email)
				c.Next()
				return
			}
		}

		token, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return jwtKey, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		email, ok := claims["sub"].(string)
		if !ok || email == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		c.Set("operatorEmail", email)
		c.Next()
	}
}
