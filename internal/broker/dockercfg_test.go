package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testSecret() RegistrySecret {
	return RegistrySecret{Username: []byte("ci-puller"), Password: []byte("s3cret-pass")}
}

func TestInstall_PublishesEncodedAuthOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/" {
			t.Errorf("path=%q", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ci-puller" || pass != "s3cret-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	publishDir := filepath.Join(t.TempDir(), "docker")
	tempRoot := t.TempDir()
	ins := NewInstaller(srv.URL, publishDir)
	ins.TempRoot = tempRoot

	if err := ins.Install(context.Background(), testSecret()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(publishDir, "config.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(content), "s3cret-pass") {
		t.Fatalf("plaintext password leaked into credential store")
	}
	wantAuth := base64.StdEncoding.EncodeToString([]byte("ci-puller:s3cret-pass"))
	if !strings.Contains(string(content), wantAuth) {
		t.Fatalf("credential store missing encoded auth field: %s", content)
	}

	info, err := os.Stat(filepath.Join(publishDir, "config.json"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("published store perm=%o, want 0600", perm)
	}

	leftovers, err := os.ReadDir(tempRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temporary credential store not removed: %v", leftovers)
	}
}

func TestInstall_BearerChallenge(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Bearer realm="`+srvURL+`/token",service="registry.internal"`)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("service"); got != "registry.internal" {
			t.Errorf("service=%q", got)
		}
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"token":"registry-bearer"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	ins := NewInstaller(srv.URL, filepath.Join(t.TempDir(), "docker"))
	ins.TempRoot = t.TempDir()
	if err := ins.Install(context.Background(), testSecret()); err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestInstall_LoginFailureCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	publishDir := filepath.Join(t.TempDir(), "docker")
	tempRoot := t.TempDir()
	ins := NewInstaller(srv.URL, publishDir)
	ins.TempRoot = tempRoot

	err := ins.Install(context.Background(), testSecret())
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("error=%v, want ErrLoginFailed", err)
	}

	leftovers, readErr := os.ReadDir(tempRoot)
	if readErr != nil {
		t.Fatalf("ReadDir: %v", readErr)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temporary credential store survived login failure: %v", leftovers)
	}
	if _, statErr := os.Stat(filepath.Join(publishDir, "config.json")); !os.IsNotExist(statErr) {
		t.Fatalf("credential store published despite login failure")
	}
}

func TestParseBearerChallenge(t *testing.T) {
	realm, service := parseBearerChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com"`)
	if realm != "https://auth.example.com/token" {
		t.Fatalf("realm=%q", realm)
	}
	if service != "registry.example.com" {
		t.Fatalf("service=%q", service)
	}

	realm, _ = parseBearerChallenge(`Basic realm="x"`)
	if realm != "" {
		t.Fatalf("realm=%q, want empty for non-bearer challenge", realm)
	}
}

func TestNewInstaller_BareHostGetsHTTPS(t *testing.T) {
	ins := NewInstaller("registry.internal:5000", "/tmp/docker")
	if ins.RegistryURL != "https://registry.internal:5000" {
		t.Fatalf("RegistryURL=%q", ins.RegistryURL)
	}
}
