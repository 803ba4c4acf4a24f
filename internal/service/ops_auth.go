package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var authTracer = otel.Tracer("service/auth")

const tokenIssuer = "condo-payments"

// OpsAuth issues and validates bearer tokens for the operations API. One
// client is configured; its secret is stored as a bcrypt hash.
type OpsAuth struct {
	clientID   string
	secretHash []byte
	jwtSecret  []byte
	ttl        time.Duration
	logger     *zap.Logger
}

// NewOpsAuth creates the authenticator.
func NewOpsAuth(clientID, secretHash, jwtSecret string, ttl time.Duration, logger *zap.Logger) *OpsAuth {
	return &OpsAuth{
		clientID:   clientID,
		secretHash: []byte(secretHash),
		jwtSecret:  []byte(jwtSecret),
		ttl:        ttl,
		logger:     logger,
	}
}

// OpsClaims are the claims of an ops access token.
type OpsClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// IssueToken checks the client credentials and signs an access token.
func (a *OpsAuth) IssueToken(ctx context.Context, req *domain.TokenRequest) (*domain.TokenResponse, error) {
	_, span := authTracer.Start(ctx, "OpsAuth.IssueToken")
	defer span.End()

	if len(a.secretHash) == 0 || len(a.jwtSecret) == 0 {
		return nil, &domain.ErrUnauthorized{Message: "ops authentication is not configured"}
	}
	if subtle.ConstantTimeCompare([]byte(req.ClientID), []byte(a.clientID)) != 1 {
		a.logger.Warn("ops auth: unknown client", zap.String("client_id", req.ClientID))
		return nil, &domain.ErrUnauthorized{Message: "invalid client credentials"}
	}
	if err := bcrypt.CompareHashAndPassword(a.secretHash, []byte(req.ClientSecret)); err != nil {
		a.logger.Warn("ops auth: wrong secret", zap.String("client_id", req.ClientID))
		return nil, &domain.ErrUnauthorized{Message: "invalid client credentials"}
	}

	now := time.Now()
	claims := OpsClaims{
		Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			Issuer:    tokenIssuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	a.logger.Info("ops token issued", zap.String("client_id", a.clientID))
	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(a.ttl.Seconds()),
	}, nil
}

// ValidateToken parses and checks an access token.
func (a *OpsAuth) ValidateToken(tokenString string) (*OpsClaims, error) {
	if len(a.jwtSecret) == 0 {
		return nil, &domain.ErrUnauthorized{Message: "ops authentication is not configured"}
	}
	token, err := jwt.ParseWithClaims(tokenString, &OpsClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*OpsClaims)
	if !ok || !token.Valid || claims.Type != "access" {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	return claims, nil
}
