// Package auth provides authentication and authorization for the broker.
package auth

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hebner-solutions/remote-support/broker/internal/config"
	"github.com/hebner-solutions/remote-support/broker/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrOperatorExists     = errors.New("operator already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	OperatorID string `json:"oid"`
	Username   string `json:"usr"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Service handles authentication operations for the builtin provider.
// It implements Provider, LoginProvider, and AgentAuthProvider.
type Service struct {
	store        store.Store
	jwtSecret    []byte
	jwtExpiry    time.Duration
	agentTokens  map[string]string // device_id -> relay admission token
	initialAdmin *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	tokens := make(map[string]string)
	for _, at := range cfg.AgentTokens {
		tokens[at.DeviceID] = at.Token
	}

	return &Service{
		store:        s,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry.Duration,
		agentTokens:  tokens,
		initialAdmin: cfg.InitialAdmin,
	}
}

// Bootstrap creates the initial admin operator if configured and missing.
// This implements the Provider interface.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetOperator(ctx, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing operator: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	op := &store.Operator{
		ID:           uuid.New().String(),
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	return s.store.CreateOperator(ctx, op)
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Login authenticates an operator and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	op, err := s.store.GetOperator(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get operator: %w", err)
	}
	if op == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(op)
}

// Register creates a new operator account.
func (s *Service) Register(ctx context.Context, username, password, role string) (*store.Operator, error) {
	existing, err := s.store.GetOperator(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrOperatorExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "operator"
	}

	op := &store.Operator{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateOperator(ctx, op); err != nil {
		return nil, fmt.Errorf("create operator: %w", err)
	}

	return op, nil
}

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		OperatorID: claims.OperatorID,
		Username:   claims.Username,
		Role:       claims.Role,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

// ValidateAgentToken checks a device's relay admission token. Devices are
// admitted without a token unless agent tokens are configured.
func (s *Service) ValidateAgentToken(deviceID, token string) bool {
	if len(s.agentTokens) == 0 {
		return true
	}
	expected, ok := s.agentTokens[deviceID]
	if !ok {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(token))
}

func (s *Service) generateToken(op *store.Operator) (string, error) {
	claims := &Claims{
		OperatorID: op.ID,
		Username:   op.Username,
		Role:       op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
