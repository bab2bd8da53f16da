package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/types"
)

// identity is the resolved caller: nil UserID means anonymous.
type identity struct {
	UserID *uuid.UUID
	Tier   types.Tier
}

// identify resolves the caller from the request. With a JWT secret
// configured, bearer tokens are verified and the sub claim is the user id;
// without one the X-User-ID header is trusted, which is only acceptable
// behind an authenticating proxy.
func (s *Server) identify(r *http.Request) (identity, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if s.cfg.JWTSecret == "" {
			return identity{}, fmt.Errorf("bearer token presented but no JWT secret configured")
		}
		return s.identifyJWT(strings.TrimPrefix(auth, "Bearer "))
	}

	if raw := r.Header.Get("X-User-ID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return identity{}, fmt.Errorf("invalid X-User-ID: %w", err)
		}
		tier := types.TierFree
		if t := r.Header.Get("X-User-Tier"); types.ValidTier(t) {
			tier = types.Tier(t)
		}
		return identity{UserID: &id, Tier: tier}, nil
	}

	return identity{Tier: types.TierPublic}, nil
}

func (s *Server) identifyJWT(raw string) (identity, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return identity{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return identity{}, fmt.Errorf("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return identity{}, fmt.Errorf("token missing sub claim")
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return identity{}, fmt.Errorf("sub claim is not a user id: %w", err)
	}

	tier := types.TierFree
	if t, ok := claims["tier"].(string); ok && types.ValidTier(t) {
		tier = types.Tier(t)
	}
	return identity{UserID: &id, Tier: tier}, nil
}
