package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Identity extracts the accountable identity and subscription tier for quota
// checks. The platform's session layer issues a signed internal token with
// "sub" and "tier" claims; trusted internal callers may instead send
// X-Quota-Identity / X-Quota-Tier headers. No session management happens
// here - an unverifiable token simply leaves the context without an identity.
func Identity(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" && jwtSecret != "" {
			if identity, tier, err := parseIdentityToken(parts[1], jwtSecret); err == nil {
				c.Set("identity", identity)
				c.Set("tier", tier)
				c.Next()
				return
			}
		}

		if identity := c.GetHeader("X-Quota-Identity"); identity != "" {
			c.Set("identity", identity)

			tier := c.GetHeader("X-Quota-Tier")
			if tier == "" {
				tier = "free"
			}
			c.Set("tier", tier)
		}

		c.Next()
	}
}

func parseIdentityToken(tokenString, secret string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("unexpected claims type")
	}

	identity, _ := claims["sub"].(string)
	if identity == "" {
		return "", "", fmt.Errorf("token missing sub claim")
	}

	tier, _ := claims["tier"].(string)
	if tier == "" {
		tier = "free"
	}

	return identity, tier, nil
}
