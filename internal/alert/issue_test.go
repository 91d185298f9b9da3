package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/runnerfleet/jobgate/internal/scan"
)

var testFindings = []scan.Finding{
	{Rule: "destructive-root-delete", File: "ci.yml", Lines: []int{3}, SourceRepo: "acme/payments"},
	{Rule: "reverse-shell", File: "deploy.yml", Lines: []int{12, 40}, SourceRepo: "octo/infra"},
}

func TestPost(t *testing.T) {
	var got struct {
		Title     string   `json:"title"`
		Body      string   `json:"body"`
		Labels    []string `json:"labels"`
		Assignees []string `json:"assignees"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/payments/issues" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 17}`))
	}))
	defer srv.Close()

	n := NewNotifier(context.Background(), srv.URL, "acme/payments", "ghs_token", nil, []string{"security-oncall"})
	if err := n.Post(context.Background(), "main", testFindings); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if !strings.HasPrefix(got.Title, "Security Alert") {
		t.Fatalf("Title=%q, want Security Alert prefix", got.Title)
	}
	if !strings.Contains(got.Title, "(main)") {
		t.Fatalf("Title=%q, want ref name", got.Title)
	}
	if !strings.Contains(got.Body, "destructive-root-delete found in ci.yml (from: acme/payments)") {
		t.Fatalf("Body=%q", got.Body)
	}
	if !strings.Contains(got.Body, "reverse-shell found in deploy.yml (from: octo/infra) at line(s) 12, 40") {
		t.Fatalf("Body=%q", got.Body)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "bug" {
		t.Fatalf("Labels=%v, want default label set", got.Labels)
	}
	if len(got.Assignees) != 1 || got.Assignees[0] != "security-oncall" {
		t.Fatalf("Assignees=%v", got.Assignees)
	}
}

func TestPost_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewNotifier(context.Background(), srv.URL, "acme/payments", "ghs_token", nil, nil)
	err := n.Post(context.Background(), "main", testFindings)
	if !errors.Is(err, ErrIssueCreate) {
		t.Fatalf("error=%v, want ErrIssueCreate", err)
	}
}
