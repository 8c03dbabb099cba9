package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Config configures operator authentication.
type Config struct {
	Enabled     bool
	Username    string        // default "admin"
	Password    string        // plaintext or bcrypt hash
	JWTSecret   string        // resolved by ResolveSecret when empty
	TokenExpiry time.Duration // default 24h
}

// Authenticator handles user authentication
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthenticator validates cfg and hashes a plaintext password.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	a := &Authenticator{
		enabled:    cfg.Enabled,
		username:   cfg.Username,
		jwtManager: NewJWTManager(cfg.JWTSecret, cfg.TokenExpiry),
	}
	if !cfg.Enabled {
		return a, nil
	}

	if cfg.Password == "" {
		return nil, errors.New("auth: password required when authentication is enabled")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth: jwt secret required when authentication is enabled")
	}
	if isBcryptHash(cfg.Password) {
		a.passwordHash = []byte(cfg.Password)
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("auth: hash password: %w", err)
		}
		a.passwordHash = hash
	}
	return a, nil
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a JWT token
func (a *Authenticator) Authenticate(username, password string) (string, time.Time, error) {
	if !a.enabled {
		return "", time.Time{}, ErrAuthDisabled
	}
	if username != a.username {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.jwtManager.GenerateToken(username)
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}

// HashPassword creates a bcrypt hash of a password (utility function)
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// SecretStore persists generated signing secrets.
type SecretStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SaveConfig(ctx context.Context, key, value string) error
}

const secretKey = "jwt_secret"

// ResolveSecret returns configured when set. Otherwise it loads the secret
// from store, generating and saving a random one on first use so issued
// tokens survive restarts.
func ResolveSecret(ctx context.Context, configured string, store SecretStore) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if store != nil {
		if s, err := store.GetConfig(ctx, secretKey); err == nil && s != "" {
			return s, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if store != nil {
		if err := store.SaveConfig(ctx, secretKey, secret); err != nil {
			return "", fmt.Errorf("auth: save secret: %w", err)
		}
	}
	return secret, nil
}
