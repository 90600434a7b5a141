// Package service contains registry application services for operators and devices.
package service

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ahkfinance/devicelock/internal/clock"
	pkgcrypto "github.com/ahkfinance/devicelock/internal/crypto"
	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/limiter"
	"github.com/ahkfinance/devicelock/internal/model"
	"github.com/ahkfinance/devicelock/internal/repository"
)

const saltLen = 16

// AuthService defines operator account operations.
type AuthService interface {
	// Register creates a new operator with secure password hashing.
	Register(ctx context.Context, username, password string) (operatorID string, err error)
	// LoginWithIP applies rate-limiting and authenticates the operator.
	LoginWithIP(ctx context.Context, username, password string, ip string) (model.Tokens, model.Operator, error)
}

type AuthServiceImpl struct {
	ops       repository.OperatorRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	clk       clock.Clock
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(ops repository.OperatorRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter, clk clock.Clock) *AuthServiceImpl {
	if clk == nil {
		clk = clock.Real()
	}
	return &AuthServiceImpl{ops: ops, signKey: signKey, accessTTL: accessTTL, lim: lim, clk: clk}
}

// Register creates a new operator record with a per-operator salt.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", errs.Validationf("empty username/password")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	salt, err := pkgcrypto.RandBytes(saltLen)
	if err != nil {
		return "", err
	}
	op := &model.Operator{
		ID:        id,
		Username:  username,
		PwdHash:   pkgcrypto.HashPassword([]byte(password), salt),
		Salt:      salt,
		CreatedAt: s.clk.Now().UTC(),
	}
	if err := s.ops.Create(ctx, op); err != nil {
		return "", err
	}
	return id.String(), nil
}

// LoginWithIP authenticates with rate limiting by (username, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, username, password, ip string) (model.Tokens, model.Operator, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return model.Tokens{}, model.Operator{}, err
	}
	if !allowed {
		return model.Tokens{}, model.Operator{}, errs.ErrRateLimited
	}

	op, err := s.ops.GetByUsername(ctx, username)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), op.Salt, op.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.Operator{}, errs.ErrRateLimited
		}
		// unknown operator and wrong password look the same
		return model.Tokens{}, model.Operator{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, username, ipHash)

	access, exp, err := s.issueAccessToken(op.ID)
	if err != nil {
		return model.Tokens{}, model.Operator{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *op, nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(id uuid.UUID) (string, time.Time, error) {
	now := s.clk.Now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   id.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	return signed, exp, err
}
