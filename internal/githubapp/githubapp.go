// Package githubapp authenticates the gate as an application identity and
// exchanges a signed assertion for a short-lived installation token.
package githubapp

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/runnerfleet/jobgate/internal/platform/env"
)

const (
	// Clock-skew tolerance on the issued-at claim.
	assertionBackdate = 60 * time.Second
	// Hard ceiling the platform enforces on app assertions.
	assertionLifetime = 10 * time.Minute

	defaultAPIBaseURL = "https://api.github.com"
)

var (
	ErrTokenExchange = errors.New("installation token exchange failed")
	ErrEmptyToken    = errors.New("installation token response carried no token")
)

// Config identifies the application and its installation. The signing key
// stays on disk at a protected path; only the parsed key is held in memory.
type Config struct {
	AppID          string
	InstallationID string
	PrivateKeyPath string
	APIBaseURL     string
}

func ConfigFromEnv() (Config, error) {
	appID, err := env.Require("JOBGATE_APP_ID")
	if err != nil {
		return Config{}, err
	}
	installationID, err := env.Require("JOBGATE_INSTALLATION_ID")
	if err != nil {
		return Config{}, err
	}
	keyPath, err := env.Require("JOBGATE_PRIVATE_KEY_PATH")
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		AppID:          strings.TrimSpace(appID),
		InstallationID: strings.TrimSpace(installationID),
		PrivateKeyPath: strings.TrimSpace(keyPath),
		APIBaseURL:     strings.TrimRight(env.String("JOBGATE_API_BASE_URL", defaultAPIBaseURL), "/"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return errors.New("app id is required")
	}
	if strings.TrimSpace(c.InstallationID) == "" {
		return errors.New("installation id is required")
	}
	if strings.TrimSpace(c.PrivateKeyPath) == "" {
		return errors.New("private key path is required")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return errors.New("api base url is required")
	}
	return nil
}

// Minter signs app assertions and exchanges them for installation tokens.
type Minter struct {
	cfg    Config
	key    *rsa.PrivateKey
	client *http.Client
}

// NewMinter parses the signing key once. A malformed key will not become
// valid on retry, so any parse failure is terminal for the invocation.
func NewMinter(cfg Config) (*Minter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := parseRSAPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &Minter{
		cfg:    cfg,
		key:    key,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Assertion mints a fresh RS256 assertion. iat is backdated 60 s against
// clock skew and exp sits at the platform's 10 minute ceiling, so
// exp - iat is always 660 s. The raw assertion must never be logged.
func (m *Minter) Assertion(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	claims := jwt.RegisteredClaims{
		Issuer:    m.cfg.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// InstallationToken exchanges a fresh assertion for an installation token.
// The exchange is not retried: the token is minted on a job's critical path
// and the caller aborts the job on failure anyway.
func (m *Minter) InstallationToken(ctx context.Context, now time.Time) (string, error) {
	assertion, err := m.Assertion(now)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", m.cfg.APIBaseURL, m.cfg.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		// The body may echo request details; report the status only.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))
		return "", fmt.Errorf("%w: status %d", ErrTokenExchange, resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTokenExchange, err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return "", ErrEmptyToken
	}
	return payload.Token, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not RSA")
	}
	return key, nil
}
