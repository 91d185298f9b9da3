package evidence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runnerfleet/jobgate/internal/scan"
)

func TestBuildManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ci.yml"), []byte("name: ci\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "deploy.yml"), []byte("name: deploy\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	findings := []scan.Finding{{Rule: "dynamic-evaluation", File: "deploy.yml", Lines: []int{4}, SourceRepo: "octo/infra"}}
	provenance := map[string]string{"ci.yml": "acme/payments", "deploy.yml": "octo/infra"}

	m, err := BuildManifest(dir, "acme/payments", "42", "0a1b2c3d", provenance, findings, now)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if m.BundleID == "" {
		t.Fatalf("BundleID is empty")
	}
	if len(m.Files) != 2 {
		t.Fatalf("Files=%v", m.Files)
	}
	if m.Files[0].Name != "ci.yml" || m.Files[1].Name != "deploy.yml" {
		t.Fatalf("Files not sorted: %v", m.Files)
	}
	if m.Files[0].SourceRepo != "acme/payments" {
		t.Fatalf("SourceRepo=%q", m.Files[0].SourceRepo)
	}
	if m.Files[0].SHA256 == "" || m.Files[0].SHA256 == m.Files[1].SHA256 {
		t.Fatalf("per-file hashes wrong: %v", m.Files)
	}

	ok, err := VerifyIntegrity(m)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !ok {
		t.Fatalf("integrity hash does not verify")
	}

	m.Findings[0].Rule = "tampered"
	ok, err = VerifyIntegrity(m)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if ok {
		t.Fatalf("integrity hash still verifies after tampering")
	}
}

func TestConfigFromEnv_DisabledWithoutEndpoint(t *testing.T) {
	os.Unsetenv("JOBGATE_EVIDENCE_ENDPOINT")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Enabled() {
		t.Fatalf("evidence enabled without endpoint")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Endpoint: "https://minio.internal:9000", AccessKey: "a", SecretKey: "s", Bucket: "b"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate: expected scheme rejection")
	}
	cfg.Endpoint = "minio.internal:9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
