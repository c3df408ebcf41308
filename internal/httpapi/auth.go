package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims are the user token claims. Tokens are issued elsewhere; this
// service only verifies them.
type JWTClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

const ctxUserID = "user_id"

// GenerateJWT signs an HS256 token. Used by tests and local tooling.
func GenerateJWT(secret, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: userID,
		Email:  email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// bearer returns the token from "Authorization: Bearer" or, for EventSource
// clients that cannot set headers, the "token" query parameter.
func bearer(c *gin.Context) string {
	if tok, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return strings.TrimSpace(c.Query("token"))
}

// JWTAuth verifies a user token and stores the user id on the context.
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw := bearer(c)
		if raw == "" || len(key) == 0 {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			abortUnauthorized(c, "invalid token")
			return
		}
		uid := claims.UserID
		if uid == "" {
			uid = claims.Subject
		}
		if uid == "" {
			abortUnauthorized(c, "token has no user id")
			return
		}
		c.Set(ctxUserID, uid)
		c.Next()
	}
}

// InternalAuth guards service-to-service routes with a shared token.
// An empty token rejects every request.
func InternalAuth(token string) gin.HandlerFunc {
	want := []byte(strings.TrimSpace(token))
	return func(c *gin.Context) {
		got := []byte(bearer(c))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			abortUnauthorized(c, "invalid internal token")
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id set by JWTAuth.
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
