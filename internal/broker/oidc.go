package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

var (
	ErrNoFederatedToken = errors.New("identity endpoint returned no token")
	ErrAssertionInvalid = errors.New("federated assertion failed verification")
)

// FetchFederatedToken requests an audience-scoped identity token from the
// runner's identity endpoint. The token is single-use: the caller must wipe
// it immediately after the credential exchange.
func FetchFederatedToken(ctx context.Context, requestURL, requestToken, audience string) ([]byte, error) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return nil, fmt.Errorf("identity endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("audience", audience)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+requestToken)
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))
		return nil, fmt.Errorf("identity endpoint: status %d", resp.StatusCode)
	}
	var payload struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("identity response: %w", err)
	}
	if strings.TrimSpace(payload.Value) == "" {
		return nil, ErrNoFederatedToken
	}
	return []byte(payload.Value), nil
}

// VerifyAssertion checks the assertion's signature, issuer, audience, and
// expiry against the issuer's published keys before the token leaves the
// host. The cloud token service repeats these checks; doing them locally
// turns a misconfigured audience into a fast, attributable failure.
func VerifyAssertion(ctx context.Context, issuer, audience string, assertion []byte) error {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("%w: issuer discovery: %v", ErrAssertionInvalid, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: audience})
	if _, err := verifier.Verify(ctx, string(assertion)); err != nil {
		return fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	return nil
}
