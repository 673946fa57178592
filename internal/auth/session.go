package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrMissingSessionToken   = errors.New("session: token required")
	ErrInvalidSessionToken   = errors.New("session: invalid token")
	ErrExpiredSessionToken   = errors.New("session: token expired")
	ErrMissingSessionSubject = errors.New("session: subject required")
	ErrSessionMismatch       = errors.New("session: backend identity differs from token")
	errMissingSessionSource  = errors.New("session: remote session source required")
)

// TokenInfo is what a client can learn from its access token without the signing key.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// InspectToken decodes an access token without verifying its signature and rejects it when
// it has no subject or expired at now.
func InspectToken(tokenString string, now time.Time) (TokenInfo, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return TokenInfo{}, ErrMissingSessionToken
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return TokenInfo{}, ErrMissingSessionSubject
	}
	info := TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time.UTC()
		if !now.Before(info.ExpiresAt) {
			return info, ErrExpiredSessionToken
		}
	}
	return info, nil
}

// SessionSource confirms a session with the backend.
type SessionSource interface {
	ValidateSession(ctx context.Context) (remote.Session, error)
}

// RevalidatorConfig describes a Revalidator.
type RevalidatorConfig struct {
	Token  func() string
	Remote SessionSource
	Clock  func() time.Time
	Logger *zap.Logger
}

// Revalidator confirms that the client's session is still valid before sync resumes.
type Revalidator struct {
	token  func() string
	remote SessionSource
	clock  func() time.Time
	logger *zap.Logger
}

// NewRevalidator constructs a Revalidator.
func NewRevalidator(cfg RevalidatorConfig) (*Revalidator, error) {
	if cfg.Remote == nil {
		return nil, errMissingSessionSource
	}
	token := cfg.Token
	if token == nil {
		token = func() string { return "" }
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Revalidator{token: token, remote: cfg.Remote, clock: clock, logger: logger}, nil
}

// Revalidate returns the authenticated user id. A locally expired token fails without a
// network call.
func (r *Revalidator) Revalidate(ctx context.Context) (string, error) {
	info, err := InspectToken(r.token(), r.clock())
	if err != nil {
		r.logger.Warn("access token rejected locally", zap.Error(err))
		return "", err
	}
	session, err := r.remote.ValidateSession(ctx)
	if err != nil {
		return "", err
	}
	if session.UserID != info.Subject {
		return "", fmt.Errorf("%w: token %q, backend %q", ErrSessionMismatch, info.Subject, session.UserID)
	}
	return session.UserID, nil
}
