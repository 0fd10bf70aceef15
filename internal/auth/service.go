package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "svconsole"

// Service authenticates API callers against the configured users.
type Service struct {
	users     map[string]User
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

var rolePermissions = map[string][]string{
	RoleAdmin:    {"*"},
	RoleOperator: {ActionRead, ActionControl},
	RoleViewer:   {ActionRead},
}

// New builds a Service from cfg. It returns nil, nil when auth is disabled.
func New(cfg Config) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	return &Service{users: users, jwtSecret: secret, tokenTTL: ttl, now: time.Now}, nil
}

// Validate checks an enabled configuration: at least one user, unique
// names, bcrypt hashes and known roles.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if len(c.Users) == 0 {
		errs = append(errs, errors.New("server.auth: at least one user is required"))
	}
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if strings.TrimSpace(u.Username) == "" {
			errs = append(errs, fmt.Errorf("server.auth.users[%d]: username is required", i))
			continue
		}
		if seen[u.Username] {
			errs = append(errs, fmt.Errorf("server.auth.users[%d]: duplicate user %q", i, u.Username))
		}
		seen[u.Username] = true
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf("user %s: password_hash is not a bcrypt hash", u.Username))
		}
		if len(u.Roles) == 0 {
			errs = append(errs, fmt.Errorf("user %s: at least one role is required", u.Username))
		}
		for _, r := range u.Roles {
			if _, ok := rolePermissions[r]; !ok {
				errs = append(errs, fmt.Errorf("user %s: unknown role %q", u.Username, r))
			}
		}
	}
	return errors.Join(errs...)
}

// HashPassword returns the bcrypt hash to put in password_hash.
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

// Login checks username and password and issues a bearer token.
func (s *Service) Login(username, password string) (*Token, Result, error) {
	res, err := s.authenticateBasic(username, password)
	if err != nil {
		return nil, Result{}, err
	}
	tok, err := s.generateJWT(res)
	if err != nil {
		return nil, Result{}, err
	}
	return tok, res, nil
}

// Authenticate extracts and validates credentials from an HTTP request:
// a bearer token first, then basic auth.
func (s *Service) Authenticate(r *http.Request) (Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return s.authenticateJWT(strings.TrimSpace(parts[1]))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return s.authenticateBasic(username, password)
	}
	return Result{}, ErrInvalidCredentials
}

func (s *Service) authenticateBasic(username, password string) (Result, error) {
	if username == "" || password == "" {
		return Result{}, ErrInvalidCredentials
	}
	u, ok := s.users[username]
	if !ok {
		return Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Result{}, ErrInvalidCredentials
	}
	return Result{Username: u.Username, Roles: u.Roles, Method: MethodBasic}, nil
}

func (s *Service) authenticateJWT(tokenString string) (Result, error) {
	if tokenString == "" {
		return Result{}, ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Result{}, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Result{}, ErrInvalidCredentials
	}
	// tokens of removed users stop working
	if _, ok := s.users[claims.Username]; !ok {
		return Result{}, ErrInvalidCredentials
	}
	return Result{Username: claims.Username, Roles: claims.Roles, Method: MethodJWT}, nil
}

func (s *Service) generateJWT(res Result) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: res.Username,
		Roles:    res.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   res.Username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: tokenString, ExpiresAt: expiresAt}, nil
}

// HasPermission reports whether any of roles allows action.
func HasPermission(roles []string, action string) bool {
	for _, role := range roles {
		for _, a := range rolePermissions[role] {
			if a == "*" || a == action {
				return true
			}
		}
	}
	return false
}

// Usernames returns the configured users, sorted.
func (s *Service) Usernames() []string {
	out := make([]string, 0, len(s.users))
	for n := range s.users {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
