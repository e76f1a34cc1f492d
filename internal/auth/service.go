// Package auth guards the deployr API. Principals come from the [auth]
// config section; requests authenticate with HTTP Basic credentials, client
// credentials or a bearer JWT issued by the login endpoint.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "deployr"

// Service authenticates requests and checks role permissions.
type Service struct {
	enabled   bool
	store     *staticStore
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// NewService builds the service from c. A disabled config yields a service
// whose middleware lets every request through. Servers sharing a lease store
// must share jwt_secret for tokens to be accepted by each of them.
func NewService(c Config) (*Service, error) {
	if !c.Enabled {
		return &Service{now: time.Now}, nil
	}
	store, err := newStaticStore(c)
	if err != nil {
		return nil, err
	}
	if store.empty() {
		return nil, errors.New("auth: enabled but no users or clients configured")
	}

	jwtSecret := []byte(c.JWTSecret)
	if len(jwtSecret) == 0 {
		jwtSecret = make([]byte, 32)
		if _, err := rand.Read(jwtSecret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	tokenTTL := c.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{
		enabled:   true,
		store:     store,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}, nil
}

func (s *Service) Enabled() bool { return s.enabled }

// Authenticate performs authentication based on the login request. Basic
// and client-secret logins receive a fresh token.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	if !s.enabled {
		return &AuthResult{Success: false}, errors.New("authentication is disabled")
	}
	switch req.Method {
	case AuthMethodBasic, "":
		return s.authenticateBasic(ctx, req.Username, req.Password)
	case AuthMethodClientSecret:
		return s.authenticateClientSecret(ctx, req.ClientID, req.ClientSecret)
	case AuthMethodJWT:
		return s.authenticateJWT(ctx, req.Token)
	default:
		return &AuthResult{Success: false}, fmt.Errorf("unsupported auth method: %s", req.Method)
	}
}

func (s *Service) authenticateBasic(_ context.Context, username, password string) (*AuthResult, error) {
	if username == "" || password == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	user, err := s.store.user(username)
	if err != nil {
		// same cost as a wrong password
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.secret), []byte(password)); err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return s.issue(user)
}

func (s *Service) authenticateClientSecret(_ context.Context, clientID, clientSecret string) (*AuthResult, error) {
	if clientID == "" || clientSecret == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	client, err := s.store.client(clientID)
	if err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(client.secret), []byte(clientSecret)) != 1 {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return s.issue(client)
}

func (s *Service) authenticateJWT(_ context.Context, tokenString string) (*AuthResult, error) {
	if tokenString == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Username: claims.Username, Roles: claims.Roles}, nil
}

func (s *Service) issue(p principal) (*AuthResult, error) {
	token, err := s.generateJWT(p)
	if err != nil {
		return &AuthResult{Success: false}, fmt.Errorf("failed to generate token: %w", err)
	}
	return &AuthResult{Success: true, Username: p.name, Roles: p.roles, Token: token}, nil
}

func (s *Service) generateJWT(p principal) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: p.name,
		Roles:    p.roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   p.name,
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: tokenString, ExpiresAt: expiresAt}, nil
}

var rolePermissions = map[string][]Permission{
	RoleAdmin: {
		{Resource: "*", Action: "*"},
	},
	RoleDeployer: {
		{Resource: ResourceJob, Action: ActionRead},
		{Resource: ResourceJob, Action: ActionDeploy},
		{Resource: ResourceJob, Action: ActionAbort},
		{Resource: ResourceHistory, Action: ActionRead},
	},
	RoleViewer: {
		{Resource: ResourceJob, Action: ActionRead},
		{Resource: ResourceHistory, Action: ActionRead},
	},
}

// HasPermission reports whether any of roles grants action on resource.
func HasPermission(roles []string, resource, action string) bool {
	for _, role := range roles {
		if slices.ContainsFunc(rolePermissions[role], func(perm Permission) bool {
			return (perm.Resource == "*" || perm.Resource == resource) &&
				(perm.Action == "*" || perm.Action == action)
		}) {
			return true
		}
	}
	return false
}

// HashPassword returns the bcrypt hash to put in a user's password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// dummyHash is compared against when a username is unknown.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("deployr-unknown-user"), bcrypt.MinCost)
