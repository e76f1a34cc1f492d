package auth

import (
	"errors"
	"time"
)

// AuthMethod represents the type of authentication
type AuthMethod string

const (
	AuthMethodBasic        AuthMethod = "basic"         // username/password
	AuthMethodClientSecret AuthMethod = "client_secret" // client_id/client_secret
	AuthMethodJWT          AuthMethod = "jwt"           // JWT token
)

// Roles understood by HasPermission.
const (
	RoleAdmin    = "admin"
	RoleDeployer = "deployer"
	RoleViewer   = "viewer"
)

// Resources and actions guarded by the API.
const (
	ResourceJob     = "job"
	ResourceHistory = "history"

	ActionRead   = "read"
	ActionDeploy = "deploy"
	ActionAbort  = "abort"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrClientNotFound     = errors.New("client not found")
)

// Config is the [auth] section. Users carry bcrypt hashes, produced by
// `deployr hash-password`; clients carry plain secrets compared in constant
// time.
type Config struct {
	Enabled   bool           `mapstructure:"enabled"`
	JWTSecret string         `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration  `mapstructure:"token_ttl"`
	Users     []UserConfig   `mapstructure:"users"`
	Clients   []ClientConfig `mapstructure:"clients"`
}

type UserConfig struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
	Disabled     bool     `mapstructure:"disabled"`
}

type ClientConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Roles        []string `mapstructure:"roles"`
	Disabled     bool     `mapstructure:"disabled"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Success  bool     `json:"success"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Token    *Token   `json:"token,omitempty"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Method       AuthMethod `json:"method"`
	Username     string     `json:"username,omitempty"`
	Password     string     `json:"password,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	Token        string     `json:"token,omitempty"`
}

// Permission represents a permission in the system
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}
