package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gozale/safran-api/internal/apperr"
)

type contextKey string

const ownerIDKey contextKey = "authOwnerID"

// Authenticator resolves a bearer token to the caller's owner id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// OwnerID retrieves the authenticated owner from context.
func OwnerID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(ownerIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithOwnerID stores ownerID on ctx.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// JWTAuthenticator validates HMAC signed tokens; the subject is the owner id.
type JWTAuthenticator struct {
	secret   []byte
	audience string
}

// NewJWTAuthenticator builds an authenticator. An empty audience disables the audience check.
func NewJWTAuthenticator(secret, audience string) (*JWTAuthenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("missing JWT secret")
	}
	return &JWTAuthenticator{secret: []byte(secret), audience: strings.TrimSpace(audience)}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", apperr.New(apperr.KindUnauthorized, "invalid token", err)
	}

	if a.audience != "" && !containsAudience(claims.Audience, a.audience) {
		return "", apperr.New(apperr.KindUnauthorized, "invalid audience", nil)
	}
	if claims.Subject == "" {
		return "", apperr.New(apperr.KindUnauthorized, "missing subject", nil)
	}
	return claims.Subject, nil
}

// Middleware authenticates bearer tokens and injects the owner id.
func Middleware(authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		ownerID, err := authenticator.Authenticate(c.Request.Context(), tokenString)
		if err != nil {
			unauthorized(c, apperr.MessageOf(err))
			return
		}

		c.Request = c.Request.WithContext(WithOwnerID(c.Request.Context(), ownerID))
		c.Set(string(ownerIDKey), ownerID)

		c.Next()
	}
}

// JWTMiddleware validates bearer tokens and injects user identity.
func JWTMiddleware(secret, audience string) (gin.HandlerFunc, error) {
	authenticator, err := NewJWTAuthenticator(secret, audience)
	if err != nil {
		return nil, err
	}
	return Middleware(authenticator), nil
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
		"kind":  apperr.KindUnauthorized,
	})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
