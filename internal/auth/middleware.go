package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *AuthResult of a request.
const ResultKey = "auth_result"

// Middleware provides authentication middleware for gin routes
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware { return &Middleware{svc: svc} }

// GinAuth rejects requests without valid credentials.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.svc == nil || !m.svc.enabled {
			c.Next()
			return
		}
		authResult, err := m.authenticate(c.Request)
		if err != nil || !authResult.Success {
			c.Header("WWW-Authenticate", `Basic realm="deployr"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(ResultKey, authResult)
		c.Next()
	}
}

// GinRequirePermission must run after GinAuth.
func (m *Middleware) GinRequirePermission(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.svc == nil || !m.svc.enabled {
			c.Next()
			return
		}
		v, exists := c.Get(ResultKey)
		result, ok := v.(*AuthResult)
		if !exists || !ok || !result.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if !HasPermission(result.Roles, resource, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// Login handles POST of a LoginRequest and answers with an AuthResult
// carrying a bearer token.
func (m *Middleware) Login(c *gin.Context) {
	if m.svc == nil || !m.svc.enabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication is disabled"})
		return
	}
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid login request"})
		return
	}
	if req.Method == AuthMethodJWT {
		c.JSON(http.StatusBadRequest, gin.H{"error": "log in with basic or client_secret credentials"})
		return
	}
	res, err := m.svc.Authenticate(c.Request.Context(), req)
	if err != nil || !res.Success {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "authentication_failed",
			"message": "Invalid credentials",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// authenticate extracts and validates authentication from HTTP request
func (m *Middleware) authenticate(r *http.Request) (*AuthResult, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, value, ok := strings.Cut(authHeader, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return m.svc.Authenticate(r.Context(), LoginRequest{Method: AuthMethodJWT, Token: strings.TrimSpace(value)})
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(r.Context(), LoginRequest{
			Method:   AuthMethodBasic,
			Username: username,
			Password: password,
		})
	}
	// client credentials travel in headers, never in the query string
	if id, secret := r.Header.Get("X-Client-Id"), r.Header.Get("X-Client-Secret"); id != "" && secret != "" {
		return m.svc.Authenticate(r.Context(), LoginRequest{
			Method:       AuthMethodClientSecret,
			ClientID:     id,
			ClientSecret: secret,
		})
	}
	return &AuthResult{Success: false}, ErrInvalidCredentials
}
