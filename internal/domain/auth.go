package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Скоупы операторского токена
const (
	ScopeAgentsRead  = "agents:read"
	ScopeAgentsWrite = "agents:write"
)

// KnownScope — скоуп, который понимает оркестратор.
func KnownScope(s string) bool {
	return s == ScopeAgentsRead || s == ScopeAgentsWrite
}

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "agents:write": true
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator — учетка оператора из конфига. Пароль хранится только bcrypt-хешем.
type Operator struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Scopes       []string `mapstructure:"scopes"`
}
