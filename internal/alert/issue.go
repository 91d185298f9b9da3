// Package alert records scan findings as a durable, human-actionable issue.
// Delivery failure never weakens the gate: the caller aborts the job on any
// finding whether or not the alert was posted.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/runnerfleet/jobgate/internal/scan"
)

const titlePrefix = "Security Alert"

var ErrIssueCreate = errors.New("issue creation failed")

// Notifier posts security-alert issues against the repository that owns the
// run, authenticated with the same installation token as the resolver.
type Notifier struct {
	client     *http.Client
	apiBaseURL string
	repository string
	labels     []string
	assignees  []string
}

func NewNotifier(ctx context.Context, apiBaseURL, repository, token string, labels, assignees []string) *Notifier {
	if len(labels) == 0 {
		labels = []string{"bug", "security"}
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Notifier{
		client:     oauth2.NewClient(ctx, src),
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		repository: repository,
		labels:     labels,
		assignees:  assignees,
	}
}

// Title builds the fixed-prefix alert title from the branch or tag name.
func Title(refName string) string {
	return fmt.Sprintf("%s: suspicious patterns in workflow files (%s)", titlePrefix, refName)
}

// Body enumerates every finding, one line per (rule, file) pair with its
// source repository and matched line numbers.
func Body(findings []scan.Finding) string {
	var b strings.Builder
	b.WriteString("The pre-job workflow scan flagged the following patterns:\n\n")
	for _, f := range findings {
		b.WriteString("- ")
		b.WriteString(f.String())
		if len(f.Lines) > 0 {
			b.WriteString(fmt.Sprintf(" at line(s) %s", joinInts(f.Lines)))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nThe job was aborted before any user-supplied step ran.\n")
	return b.String()
}

// Post creates one issue for the findings. The error is for logging only;
// callers must not let it change the abort decision.
func (n *Notifier) Post(ctx context.Context, refName string, findings []scan.Finding) error {
	payload := struct {
		Title     string   `json:"title"`
		Body      string   `json:"body"`
		Labels    []string `json:"labels"`
		Assignees []string `json:"assignees,omitempty"`
	}{
		Title:     Title(refName),
		Body:      Body(findings),
		Labels:    n.labels,
		Assignees: n.assignees,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrIssueCreate, err)
	}

	u := fmt.Sprintf("%s/repos/%s/issues", n.apiBaseURL, n.repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIssueCreate, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := n.client.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIssueCreate, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status %d", ErrIssueCreate, resp.StatusCode)
	}
	return nil
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ", ")
}
