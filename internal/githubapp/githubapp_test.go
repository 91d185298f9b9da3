package githubapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, key
}

func TestAssertion_ClaimsAndSignature(t *testing.T) {
	keyPath, key := writeTestKey(t)
	minter, err := NewMinter(Config{
		AppID:          "314159",
		InstallationID: "271828",
		PrivateKeyPath: keyPath,
		APIBaseURL:     defaultAPIBaseURL,
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	raw, err := minter.Assertion(now)
	if err != nil {
		t.Fatalf("Assertion: %v", err)
	}

	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodRS256 {
			return nil, errors.New("unexpected signing method")
		}
		return &key.PublicKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		t.Fatalf("ParseWithClaims: %v", err)
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	if claims.Issuer != "314159" {
		t.Fatalf("iss=%q, want app id", claims.Issuer)
	}
	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if lifetime != 660*time.Second {
		t.Fatalf("exp-iat=%v, want 660s", lifetime)
	}
	if !claims.IssuedAt.Time.Equal(now.Add(-60 * time.Second)) {
		t.Fatalf("iat=%v, want now-60s", claims.IssuedAt.Time)
	}
}

func TestInstallationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/271828/access_tokens" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method=%q", r.Method)
		}
		if r.Header.Get("Authorization") == "" {
			t.Errorf("missing Authorization header")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"ghs_installation_token","expires_at":"2025-06-01T13:00:00Z"}`))
	}))
	defer srv.Close()

	keyPath, _ := writeTestKey(t)
	minter, err := NewMinter(Config{
		AppID:          "314159",
		InstallationID: "271828",
		PrivateKeyPath: keyPath,
		APIBaseURL:     srv.URL,
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	token, err := minter.InstallationToken(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("InstallationToken: %v", err)
	}
	if token != "ghs_installation_token" {
		t.Fatalf("token=%q", token)
	}
}

func TestInstallationToken_ExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	keyPath, _ := writeTestKey(t)
	minter, err := NewMinter(Config{
		AppID:          "314159",
		InstallationID: "271828",
		PrivateKeyPath: keyPath,
		APIBaseURL:     srv.URL,
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	_, err = minter.InstallationToken(context.Background(), time.Time{})
	if !errors.Is(err, ErrTokenExchange) {
		t.Fatalf("error=%v, want ErrTokenExchange", err)
	}
}

func TestInstallationToken_EmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":""}`))
	}))
	defer srv.Close()

	keyPath, _ := writeTestKey(t)
	minter, err := NewMinter(Config{
		AppID:          "314159",
		InstallationID: "271828",
		PrivateKeyPath: keyPath,
		APIBaseURL:     srv.URL,
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	_, err = minter.InstallationToken(context.Background(), time.Time{})
	if !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("error=%v, want ErrEmptyToken", err)
	}
}

func TestNewMinter_BadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := NewMinter(Config{
		AppID:          "314159",
		InstallationID: "271828",
		PrivateKeyPath: path,
		APIBaseURL:     defaultAPIBaseURL,
	})
	if err == nil {
		t.Fatalf("NewMinter: expected error for malformed key")
	}
}
