package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrLoginFailed = errors.New("registry login failed")

// Installer writes the registry credential into an isolated, owner-only
// temporary store and atomically publishes it to the well-known location
// the container runtime reads. The temporary store is removed on every
// exit path.
type Installer struct {
	// RegistryURL is the registry endpoint. A bare host gets https.
	RegistryURL string
	// PublishDir is the well-known credential-store directory.
	PublishDir string
	// TempRoot overrides where the isolated store is created. Empty means
	// the system default.
	TempRoot string

	client *http.Client
}

func NewInstaller(registryHost, publishDir string) *Installer {
	u := strings.TrimSpace(registryHost)
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return &Installer{
		RegistryURL: strings.TrimRight(u, "/"),
		PublishDir:  publishDir,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Install verifies the secret against the registry, writes the credential
// store in a fresh 0700 temp directory, and publishes it. The deferred
// removal fires on success, failure, and panic alike; signal-driven
// termination is covered by the caller's signal-aware context.
func (ins *Installer) Install(ctx context.Context, sec RegistrySecret) (err error) {
	tmpDir, err := os.MkdirTemp(ins.TempRoot, "jobgate-creds-*")
	if err != nil {
		return fmt.Errorf("create credential store: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil && err == nil {
			err = fmt.Errorf("remove credential store: %w", rmErr)
		}
	}()
	if err := os.Chmod(tmpDir, 0o700); err != nil {
		return fmt.Errorf("restrict credential store: %w", err)
	}

	if err := ins.login(ctx, sec); err != nil {
		return err
	}

	stagePath := filepath.Join(tmpDir, "config.json")
	if err := writeDockerConfig(stagePath, registryHostname(ins.RegistryURL), sec); err != nil {
		return err
	}
	return ins.publish(stagePath)
}

// login probes the registry v2 endpoint with the secret. A 401 carrying a
// bearer challenge is followed once to the token endpoint, which is how
// conforming registries answer anonymous pings.
func (ins *Installer) login(ctx context.Context, sec RegistrySecret) error {
	resp, err := ins.get(ctx, ins.RegistryURL+"/v2/", sec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		challenge := resp.Header.Get("Www-Authenticate")
		realm, service := parseBearerChallenge(challenge)
		if realm == "" {
			return fmt.Errorf("%w: status 401 without usable challenge", ErrLoginFailed)
		}
		return ins.loginViaToken(ctx, realm, service, sec)
	default:
		return fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}
}

func (ins *Installer) loginViaToken(ctx context.Context, realm, service string, sec RegistrySecret) error {
	u, err := url.Parse(realm)
	if err != nil {
		return fmt.Errorf("%w: challenge realm: %v", ErrLoginFailed, err)
	}
	if service != "" {
		q := u.Query()
		q.Set("service", service)
		u.RawQuery = q.Encode()
	}
	resp, err := ins.get(ctx, u.String(), sec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: token endpoint status %d", ErrLoginFailed, resp.StatusCode)
	}
	return nil
}

func (ins *Installer) get(ctx context.Context, rawURL string, sec RegistrySecret) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(string(sec.Username), string(sec.Password))
	return ins.client.Do(req)
}

// publish copies the staged store to the well-known location: write to a
// sibling temp name, then rename, so the runtime never observes a partial
// file. Owner-only permissions throughout.
func (ins *Installer) publish(stagePath string) error {
	if err := os.MkdirAll(ins.PublishDir, 0o700); err != nil {
		return fmt.Errorf("create publish dir: %w", err)
	}
	content, err := os.ReadFile(stagePath)
	if err != nil {
		return fmt.Errorf("read staged store: %w", err)
	}
	finalPath := filepath.Join(ins.PublishDir, "config.json")
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish credential store: %w", err)
	}
	return nil
}

// writeDockerConfig emits the runtime's config.json shape. The auth field
// is the standard base64(user:pass) encoding; it is the only place the
// password appears on disk.
func writeDockerConfig(path, host string, sec RegistrySecret) error {
	auth := make([]byte, 0, len(sec.Username)+1+len(sec.Password))
	auth = append(auth, sec.Username...)
	auth = append(auth, ':')
	auth = append(auth, sec.Password...)
	cfg := map[string]any{
		"auths": map[string]any{
			host: map[string]string{
				"auth": base64.StdEncoding.EncodeToString(auth),
			},
		},
	}
	blob, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return fmt.Errorf("encode credential store: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write staged store: %w", err)
	}
	return nil
}

func registryHostname(registryURL string) string {
	u, err := url.Parse(registryURL)
	if err != nil || u.Host == "" {
		return registryURL
	}
	return u.Host
}

func parseBearerChallenge(header string) (realm, service string) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ""
	}
	for _, part := range strings.Split(strings.TrimPrefix(header, "Bearer "), ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "realm":
			realm = value
		case "service":
			service = value
		}
	}
	return realm, service
}
