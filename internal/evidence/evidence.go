// Package evidence preserves the exact file contents a scan verdict was
// based on. Bundles go to an S3-compatible bucket so a reviewer can audit
// what the gate saw even after the runner's workspace is gone. Upload
// failures are logged by the caller and never change the gate outcome.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/runnerfleet/jobgate/internal/platform/env"
	"github.com/runnerfleet/jobgate/internal/scan"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ConfigFromEnv reads the optional evidence store configuration. An empty
// endpoint disables evidence capture entirely.
func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("JOBGATE_EVIDENCE_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  strings.TrimSpace(env.String("JOBGATE_EVIDENCE_ENDPOINT", "")),
		AccessKey: env.String("JOBGATE_EVIDENCE_ACCESS_KEY", ""),
		SecretKey: env.String("JOBGATE_EVIDENCE_SECRET_KEY", ""),
		Region:    env.String("JOBGATE_EVIDENCE_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("JOBGATE_EVIDENCE_BUCKET", "scan-evidence"),
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// FileRecord attributes one captured file: its content hash and the
// repository it was downloaded from.
type FileRecord struct {
	Name       string `json:"name"`
	SHA256     string `json:"sha256"`
	SourceRepo string `json:"source_repo"`
}

// Manifest describes one scan's evidence bundle. Integrity is a SHA-256
// over the canonical JSON of every other field, so tampering with a stored
// bundle is detectable.
type Manifest struct {
	BundleID   string         `json:"bundle_id"`
	Repository string         `json:"repository"`
	RunID      string         `json:"run_id"`
	SHA        string         `json:"sha"`
	CreatedAt  time.Time      `json:"created_at"`
	Files      []FileRecord   `json:"files"`
	Findings   []scan.Finding `json:"findings"`
	Integrity  string         `json:"integrity_sha256,omitempty"`
}

// BuildManifest hashes every file in dir and assembles the manifest. Files
// are sorted by name so the integrity hash is stable across runs.
func BuildManifest(dir, repository, runID, sha string, provenance map[string]string, findings []scan.Finding, now time.Time) (Manifest, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return Manifest{}, fmt.Errorf("read evidence dir: %w", err)
	}

	var files []FileRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return Manifest{}, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		repo := provenance[entry.Name()]
		if repo == "" {
			repo = "unknown"
		}
		files = append(files, FileRecord{
			Name:       entry.Name(),
			SHA256:     hex.EncodeToString(sum[:]),
			SourceRepo: repo,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	m := Manifest{
		BundleID:   uuid.NewString(),
		Repository: repository,
		RunID:      runID,
		SHA:        sha,
		CreatedAt:  now.UTC(),
		Files:      files,
		Findings:   findings,
	}
	integrity, err := computeIntegrity(m)
	if err != nil {
		return Manifest{}, err
	}
	m.Integrity = integrity
	return m, nil
}

func computeIntegrity(m Manifest) (string, error) {
	m.Integrity = ""
	blob, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity recomputes the manifest hash and reports whether it
// matches the stored value.
func VerifyIntegrity(m Manifest) (bool, error) {
	want := m.Integrity
	got, err := computeIntegrity(m)
	if err != nil {
		return false, err
	}
	return want == got, nil
}

// Store uploads evidence bundles.
type Store struct {
	cfg    Config
	client *minio.Client
}

func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence store client: %w", err)
	}
	return &Store{cfg: cfg, client: client}, nil
}

// Upload writes the manifest and every captured file under
// scans/<bundle-id>/ in the configured bucket.
func (s *Store) Upload(ctx context.Context, dir string, m Manifest) error {
	prefix := "scans/" + m.BundleID + "/"

	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := s.put(ctx, prefix+"manifest.json", blob, "application/json"); err != nil {
		return err
	}
	for _, f := range m.Files {
		content, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		if err := s.put(ctx, prefix+"files/"+f.Name, content, "text/plain"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
