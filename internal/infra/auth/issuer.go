package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/agentlab/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const issuer = "agentlab"

// Issuer выдает токены операторам из конфига.
type Issuer struct {
	operators  map[string]domain.Operator
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	now        func() time.Time
}

func NewIssuer(operators []domain.Operator, privateKey *rsa.PrivateKey, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	byName := make(map[string]domain.Operator, len(operators))
	for _, op := range operators {
		byName[op.Username] = op
	}
	return &Issuer{operators: byName, privateKey: privateKey, ttl: ttl, now: time.Now}
}

func (s *Issuer) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация по учеткам из конфига
	op, ok := s.operators[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Claims
	now := s.now()
	expiresAt := now.Add(s.ttl)
	scopes := make(map[string]bool, len(op.Scopes))
	for _, sc := range op.Scopes {
		scopes[sc] = true
	}
	claims := &domain.CustomClaims{
		UserID: op.Username,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   op.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// 4. Подпись закрытым ключом (RS256)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
