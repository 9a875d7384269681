package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// ContextKeyClaims is the key for JWT claims in gin context
	ContextKeyClaims = "jwt_claims"

	RoleAdmin = "admin"
)

// JWTClaims carry the routing identity stamped onto submitted orders.
type JWTClaims struct {
	SenderCompID string `json:"senderCompId"`
	SenderSubID  string `json:"senderSubId,omitempty"`
	Role         string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig holds configuration for JWT authentication.
type AuthConfig struct {
	SecretKey      string        // HMAC secret
	ExpiryDuration time.Duration // Token expiry duration
	Issuer         string        // Token issuer
	Audience       string        // Token audience
	TokenHeader    string        // Header name for token
	TokenPrefix    string        // Prefix before token (e.g., "Bearer ")
	SkipPaths      []string      // Route templates that don't require authentication
}

func DefaultAuthConfig(secret string) *AuthConfig {
	return &AuthConfig{
		SecretKey:      secret,
		ExpiryDuration: 24 * time.Hour,
		Issuer:         "marketron",
		Audience:       "marketron-api",
		TokenHeader:    "Authorization",
		TokenPrefix:    "Bearer ",
		SkipPaths: []string{
			"/admin/health",
			"/metrics",
			"/ws",
			"/ws/:symbol",
			"/ws/stats",
			"/api/symbols",
			"/api/books/:symbol",
			"/api/books/:symbol/ticker",
			"/api/prices",
			"/api/prices/:symbol",
			"/api/trades",
		},
	}
}

// AuthMiddleware validates bearer tokens and stores the claims in the
// gin context.
type AuthMiddleware struct {
	config *AuthConfig
	skip   map[string]bool
}

func NewAuthMiddleware(config *AuthConfig) *AuthMiddleware {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	return &AuthMiddleware{config: config, skip: skip}
}

// GinMiddleware returns the Gin middleware handler function. Public routes
// are matched by template, and only for safe methods.
func (a *AuthMiddleware) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.shouldSkip(c) {
			c.Next()
			return
		}

		authHeader := c.GetHeader(a.config.TokenHeader)
		if authHeader == "" {
			unauthorized(c, "missing authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, a.config.TokenPrefix) {
			unauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := a.ValidateToken(strings.TrimPrefix(authHeader, a.config.TokenPrefix))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

func (a *AuthMiddleware) shouldSkip(c *gin.Context) bool {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		return false
	}
	return a.skip[c.FullPath()]
}

// ValidateToken parses and validates a JWT token.
func (a *AuthMiddleware) ValidateToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}
	if a.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.config.SecretKey), nil
	}, opts...)
	if err != nil {
		return nil, errors.New("invalid or expired token")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.SenderCompID == "" {
		return nil, errors.New("token has no senderCompId")
	}
	return claims, nil
}

// GenerateToken issues a token for a sender.
func (a *AuthMiddleware) GenerateToken(senderCompID, senderSubID, role string) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		SenderCompID: senderCompID,
		SenderSubID:  senderSubID,
		Role:         role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   senderCompID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.ExpiryDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.config.Issuer,
			Audience:  jwt.ClaimStrings{a.config.Audience},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.SecretKey))
}

// RequireRole rejects authenticated requests whose token lacks the role.
// Without auth configured (no claims in context) it lets requests through.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if ok && claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"code":    "UNAUTHORIZED",
				"message": "role " + role + " required",
			})
			return
		}
		c.Next()
	}
}

// GetClaims extracts the JWT claims from gin context.
func GetClaims(c *gin.Context) (*JWTClaims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*JWTClaims)
	return claims, ok
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"code":    "UNAUTHORIZED",
		"message": message,
	})
}
