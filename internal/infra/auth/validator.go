package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/agentlab/internal/domain"
)

var (
	ErrEmptyToken = errors.New("empty token")
	ErrNoScopes   = errors.New("token grants no agent scopes")
)

// Validator проверяет операторские токены: подпись RS256 нашим ключом,
// издатель agentlab, срок жизни и хотя бы один скоуп агентов.
type Validator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

func NewValidator(pubKey *rsa.PublicKey) *Validator {
	return &Validator{
		publicKey: pubKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// VerifyToken принимает значение заголовка Authorization (с префиксом Bearer или без).
// Неизвестные скоупы из токена выбрасываются.
func (v *Validator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return nil, ErrEmptyToken
	}

	claims := &domain.CustomClaims{}
	if _, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if claims.Subject == "" {
		return nil, errors.New("invalid token: subject is empty")
	}
	granted := make(map[string]bool, len(claims.Scopes))
	for sc, ok := range claims.Scopes {
		if ok && domain.KnownScope(sc) {
			granted[sc] = true
		}
	}
	if len(granted) == 0 {
		return nil, fmt.Errorf("operator %s: %w", claims.Subject, ErrNoScopes)
	}
	claims.Scopes = granted
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает PEM в ключ для подписи (нужен только выдаче токенов)
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, errors.New("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
