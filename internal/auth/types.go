package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Method represents the type of authentication
type Method string

const (
	MethodBasic Method = "basic" // username/password
	MethodJWT   Method = "jwt"   // bearer token from Login
)

// Roles understood by HasPermission.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Actions checked by the API: read covers every GET, control covers
// lifecycle changes and clearing the log.
const (
	ActionRead    = "read"
	ActionControl = "control"
)

// Config is the [server.auth] section. Users carry bcrypt hashes, never
// plain passwords.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"` // empty generates a per-process secret
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
}

type User struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// Result represents an authenticated caller.
type Result struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Method   Method   `json:"method"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
