package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// TokenQueryParam carries the token for websocket clients, since browsers
// cannot set headers on the upgrade request.
const TokenQueryParam = "access_token"

// TokenCookie is the session cookie set by the dashboard login flow.
const TokenCookie = "accessToken"

var (
	errMissingToken  = errors.New("Authorization required")
	errInvalidHeader = errors.New("Invalid authorization header format")
)

type KeycloakClaims struct {
	Azp               string `json:"azp"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	jwt.RegisteredClaims
}

// AuthMiddleware creates a Gin middleware for JWT validation against Keycloak.
// The returned stop function ends the background JWKS refresh.
func AuthMiddleware(jwksURL, clientID string, logger logrus.FieldLogger) (gin.HandlerFunc, func(), error) {
	// Create JWKS client with auto-refresh
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:  time.Hour,
		RefreshTimeout:   10 * time.Second,
		RefreshRateLimit: time.Minute * 5,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("Error refreshing JWKS")
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create JWKS client: %w", err)
	}

	return Middleware(jwks.Keyfunc, clientID), jwks.EndBackground, nil
}

// Middleware validates tokens with keyFunc and requires the azp claim to
// match clientID.
func Middleware(keyFunc jwt.Keyfunc, clientID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims := &KeycloakClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, jwt.WithExpirationRequired())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("Invalid token: %v", err)})
			return
		}
		if !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token is not valid"})
			return
		}

		// Validate audience (client ID)
		if claims.Azp != clientID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid audience"})
			return
		}

		c.Set("user", claims.PreferredUsername)
		c.Set("email", claims.Email)
		c.Set("claims", claims)

		c.Next()
	}
}

func extractToken(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", errInvalidHeader
		}
		return parts[1], nil
	}
	if token := c.Query(TokenQueryParam); token != "" {
		return token, nil
	}
	if token, err := c.Cookie(TokenCookie); err == nil && token != "" {
		return token, nil
	}
	return "", errMissingToken
}
