package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/KevinKickass/RegisterMapper/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	PermRead  Permission = "devices:read"
	PermWrite Permission = "devices:write"
)

var ErrInvalidToken = errors.New("invalid or expired token")

type machineToken struct {
	name        string
	hash        string
	permissions []Permission
}

// Service authenticates REST callers with either a JWT signed by the
// configured secret or a machine token whose Argon2id hash is configured.
type Service struct {
	enabled    bool
	jwtHandler *JWTHandler
	hasher     *TokenHasher
	tokens     map[uuid.UUID]machineToken
	verified   sync.Map // sha256(token) -> []Permission
	logger     *zap.Logger
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) (*Service, error) {
	s := &Service{
		enabled: cfg.Enabled,
		hasher:  NewTokenHasher(),
		tokens:  make(map[uuid.UUID]machineToken),
		logger:  logger,
	}
	if !cfg.Enabled {
		return s, nil
	}

	if secret := os.Getenv(cfg.JWTSecretEnv); secret != "" {
		s.jwtHandler = NewJWTHandler(secret, cfg.TokenTTL)
	}

	for _, t := range cfg.MachineTokens {
		id, err := uuid.Parse(t.ID)
		if err != nil {
			return nil, fmt.Errorf("machine token %q: invalid id: %w", t.Name, err)
		}
		perms := make([]Permission, 0, len(t.Permissions))
		for _, p := range t.Permissions {
			perm := Permission(p)
			if perm != PermRead && perm != PermWrite {
				return nil, fmt.Errorf("machine token %q: unknown permission %q", t.Name, p)
			}
			perms = append(perms, perm)
		}
		s.tokens[id] = machineToken{name: t.Name, hash: t.Hash, permissions: perms}
	}

	if s.jwtHandler == nil && len(s.tokens) == 0 {
		return nil, fmt.Errorf("auth enabled but neither %s nor machine tokens are set", cfg.JWTSecretEnv)
	}
	return s, nil
}

func (s *Service) Enabled() bool { return s.enabled }

// JWT returns the handler used to issue and validate access tokens, nil when
// no secret is configured.
func (s *Service) JWT() *JWTHandler { return s.jwtHandler }

// Authenticate resolves a bearer token to its permissions.
func (s *Service) Authenticate(token string) ([]Permission, error) {
	if id, _, ok := ParseMachineToken(token); ok {
		return s.validateMachineToken(id, token)
	}
	if s.jwtHandler == nil {
		return nil, ErrInvalidToken
	}
	claims, err := s.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims.Permissions, nil
}

func (s *Service) validateMachineToken(id uuid.UUID, token string) ([]Permission, error) {
	key := hashToken(token)
	if perms, ok := s.verified.Load(key); ok {
		return perms.([]Permission), nil
	}

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrInvalidToken
	}
	valid, err := s.hasher.Verify(token, t.hash)
	if err != nil {
		s.logger.Error("Machine token hash unusable", zap.String("token", t.name), zap.Error(err))
		return nil, ErrInvalidToken
	}
	if !valid {
		return nil, ErrInvalidToken
	}

	s.verified.Store(key, t.permissions)
	s.logger.Debug("Machine token verified", zap.String("token", t.name))
	return t.permissions, nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
