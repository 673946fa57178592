package backend

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// TokenIssuer is the issuer claim of backend access tokens.
	TokenIssuer = "gravity-sync"
	// TokenAudience is the audience claim of backend access tokens.
	TokenAudience = "gravity-sync-api"
)

// Config describes a reference backend.
type Config struct {
	Database       *gorm.DB
	SigningSecret  string
	TokenTTL       time.Duration
	IssuingSecret  string
	Tables         []string
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Server bundles the wired backend components.
type Server struct {
	Handler http.Handler
	Tokens  *auth.TokenIssuer
	Service *Service
	Hub     *RealtimeHub
}

// New wires the token issuer, row service, realtime hub and router.
func New(cfg Config) (*Server, error) {
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        TokenIssuer,
		Audience:      TokenAudience,
		TokenTTL:      cfg.TokenTTL,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	hub := NewRealtimeHub()
	service, err := NewService(ServiceConfig{
		Database:  cfg.Database,
		Clock:     cfg.Clock,
		Tables:    cfg.Tables,
		Publisher: hub,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:   tokens,
		Service:        service,
		Hub:            hub,
		IssuingSecret:  cfg.IssuingSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Server{Handler: handler, Tokens: tokens, Service: service, Hub: hub}, nil
}
