package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeWorker = "worker"
	TokenTypeChat   = "chat"

	tokenIssuer = "nexus-chat"
)

// TokenService emite y valida los tokens del servicio: los del worker de
// automatización que publica respuestas y los de acceso al chat público de
// cada negocio.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	store  TokenRevocationStore
}

type Claims struct {
	TenantID  string `json:"tid,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

var (
	ErrJWTInvalid = errors.New("jwt invalid")
	ErrJWTExpired = errors.New("jwt expired")
	ErrJWTRevoked = errors.New("jwt revoked")
)

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: tokenIssuer,
		store:  NewMemoryRevocationStore(),
	}
}

func NewTokenServiceWithStore(secret string, ttl time.Duration, store TokenRevocationStore) *TokenService {
	svc := NewTokenService(secret, ttl)
	if store != nil {
		svc.store = store
	}
	return svc
}

// IssueWorkerToken firma un token para el worker que llama al endpoint de publicación.
func (s *TokenService) IssueWorkerToken(worker string) (string, error) {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return "", ErrJWTInvalid
	}
	return s.sign(worker, "", TokenTypeWorker)
}

// IssueChatToken firma el token de acceso al chat público de un negocio.
func (s *TokenService) IssueChatToken(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", ErrJWTInvalid
	}
	return s.sign(tenantID, tenantID, TokenTypeChat)
}

func (s *TokenService) ParseWorkerToken(token string) (Claims, error) {
	return s.parseTyped(token, TokenTypeWorker)
}

func (s *TokenService) ParseChatToken(token string) (Claims, error) {
	return s.parseTyped(token, TokenTypeChat)
}

// Revoke invalida un token hasta su vencimiento.
func (s *TokenService) Revoke(token string) error {
	if len(s.secret) == 0 || strings.TrimSpace(token) == "" {
		return ErrJWTInvalid
	}
	claims, err := s.parseToken(token)
	if err != nil {
		return err
	}
	if claims.ID == "" || s.store == nil {
		return ErrJWTInvalid
	}
	ttl := s.ttl
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	return s.store.Revoke(claims.ID, ttl)
}

func (s *TokenService) sign(subject, tenantID, tokenType string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrJWTInvalid
	}
	now := time.Now().UTC()
	claims := Claims{
		TenantID:  tenantID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *TokenService) parseTyped(token, tokenType string) (Claims, error) {
	if len(s.secret) == 0 {
		return Claims{}, ErrJWTInvalid
	}
	if strings.TrimSpace(token) == "" {
		return Claims{}, ErrJWTInvalid
	}
	claims, err := s.parseToken(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.TokenType != tokenType || !s.isValidClaims(claims) {
		return Claims{}, ErrJWTInvalid
	}
	if s.store != nil {
		revoked, err := s.store.IsRevoked(claims.ID)
		if err != nil {
			return Claims{}, err
		}
		if revoked {
			return Claims{}, ErrJWTRevoked
		}
	}
	return claims, nil
}

func (s *TokenService) parseToken(tokenString string) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(tokenString, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrJWTExpired
		}
		return Claims{}, ErrJWTInvalid
	}
	return claims, nil
}

func (s *TokenService) isValidClaims(claims Claims) bool {
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return false
	}
	if claims.TokenType == TokenTypeChat && claims.TenantID != claims.Subject {
		return false
	}
	return strings.TrimSpace(claims.Issuer) == s.issuer
}
