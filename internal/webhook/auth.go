package webhook

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"

	logx "routex/pkg/logx"
)

const adminTokenHeader = "X-Admin-Token"

// GenerateToken signs an HS256 bearer token for subject, accepted by the
// event endpoint until ttl elapses. A zero ttl issues a token without expiry.
func GenerateToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{"sub": subject, "iat": time.Now().Unix()}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// requireToken accepts either the shared secret in X-Admin-Token or a bearer
// JWT signed with it. An empty secret rejects everything.
func (s *Service) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.token()
		if secret == "" {
			s.log.Warn("webhook token not configured, rejecting request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if got := c.GetHeader(adminTokenHeader); got != "" {
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1 {
				c.Set("caller", "admin-token")
				c.Next()
				return
			}
		} else if scheme, tok, ok := strings.Cut(c.GetHeader("Authorization"), " "); ok && scheme == "Bearer" {
			if sub, err := parseToken(strings.TrimSpace(tok), secret); err == nil {
				c.Set("caller", sub)
				c.Next()
				return
			}
		}

		s.log.Warn("invalid webhook token", logx.String("ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}
