package handlers

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pagerloop/pagerloop/services"
)

// AuthMiddleware guards the management API with bearer JWTs. Identity and
// session management live outside this service; the middleware only verifies
// the token and exposes the subject as user_id.
type AuthMiddleware struct {
	APIKeys *services.APIKeyService
	secret  []byte
}

func NewAuthMiddleware(apiKeys *services.APIKeyService) *AuthMiddleware {
	return &AuthMiddleware{
		APIKeys: apiKeys,
		secret:  []byte(os.Getenv("JWT_SECRET")),
	}
}

// RequireJWT validates the Authorization bearer token and sets user_id on
// the context.
func (m *AuthMiddleware) RequireJWT() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			c.Abort()
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token has no subject"})
			c.Abort()
			return
		}

		c.Set("user_id", sub)
		c.Next()
	}
}

// RequireAPIKey authenticates the public ingestion endpoints with an
// X-Api-Key header.
func (m *AuthMiddleware) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		keyValue := c.GetHeader("X-Api-Key")
		if keyValue == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing X-Api-Key header"})
			c.Abort()
			return
		}

		key, err := m.APIKeys.VerifyAPIKey(keyValue)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}

		c.Set("api_key_id", key.ID)
		c.Next()
	}
}
