package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"execution-core/internal/safety"
	"execution-core/pkg/db"
)

const userContextKey = "UserID"

// UserClaims are the JWT claims of an operator token.
type UserClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID.
func IssueToken(userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid && claims.UserID != "" {
		return claims.UserID, nil
	}
	return "", errors.New("invalid token claims")
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		// Browsers cannot set headers on websocket upgrades.
		if t := c.Query("token"); t != "" && c.IsWebsocket() {
			return t, true
		}
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			respondError(c, http.StatusUnauthorized, "MISSING_TOKEN", "missing or malformed Authorization header")
			c.Abort()
			return
		}
		userID, err := parseToken(token, secret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(userContextKey, userID)
		c.Next()
	}
}

// SuperuserMiddleware admits only active superusers. It must run after
// AuthMiddleware.
func SuperuserMiddleware(users safety.UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := users.GetUser(c.Request.Context(), CurrentUserID(c))
		switch {
		case errors.Is(err, db.ErrNotFound), errors.Is(err, db.ErrUserIDRequired):
			respondError(c, http.StatusForbidden, "FORBIDDEN", safety.ErrForbidden.Error())
			c.Abort()
			return
		case err != nil:
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			c.Abort()
			return
		case !u.IsSuperuser || !u.IsActive:
			respondError(c, http.StatusForbidden, "FORBIDDEN", safety.ErrForbidden.Error())
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}
