// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenSourceMintsVerifiableToken(t *testing.T) {
	src := NewTokenSource("test-secret", "u1", time.Hour)

	raw, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Valid {
		t.Fatalf("token invalid")
	}
	if claims.Subject != "u1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) < 55*time.Minute {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
}

func TestTokenSourceCachesUntilNearExpiry(t *testing.T) {
	src := NewTokenSource("test-secret", "u1", time.Hour)

	first, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	second, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token to be reused")
	}

	// Force the cached token into the reissue window.
	src.mu.Lock()
	src.expiresAt = time.Now().Add(10 * time.Second)
	src.mu.Unlock()

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	src.mu.Lock()
	refreshed := src.expiresAt
	src.mu.Unlock()
	if time.Until(refreshed) < 55*time.Minute {
		t.Fatalf("expected a fresh token near expiry, expiry still %v", refreshed)
	}
}
