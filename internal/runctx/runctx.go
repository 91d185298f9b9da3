// Package runctx captures the identity of the CI run a hook invocation
// belongs to, as supplied by the runner's execution environment.
package runctx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/runnerfleet/jobgate/internal/platform/env"
)

// Identity describes one workflow run. Read-only for the lifetime of a
// single hook invocation.
type Identity struct {
	// Repository is the owner/name slug of the repository the run belongs to.
	Repository string
	// RunID is the platform's numeric run identifier.
	RunID string
	// SHA is the commit the run was triggered for.
	SHA string
	// Ref is the fully qualified git ref (refs/heads/main, refs/tags/v1).
	Ref string
	// WorkflowRef is the path@ref reference of the triggering workflow.
	WorkflowRef string
}

// FromEnv reads the run identity from the standard execution-context
// variables the runner exports to every job.
func FromEnv() Identity {
	return Identity{
		Repository:  strings.TrimSpace(env.String("GITHUB_REPOSITORY", "")),
		RunID:       strings.TrimSpace(env.String("GITHUB_RUN_ID", "")),
		SHA:         strings.TrimSpace(env.String("GITHUB_SHA", "")),
		Ref:         strings.TrimSpace(env.String("GITHUB_REF", "")),
		WorkflowRef: strings.TrimSpace(env.String("GITHUB_WORKFLOW_REF", "")),
	}
}

// Validate checks the fields the scan path cannot run without.
func (id Identity) Validate() error {
	if id.Repository == "" {
		return errors.New("repository is required (GITHUB_REPOSITORY)")
	}
	if id.RunID == "" {
		return errors.New("run id is required (GITHUB_RUN_ID)")
	}
	if id.SHA == "" {
		return errors.New("commit sha is required (GITHUB_SHA)")
	}
	if id.Ref == "" {
		return errors.New("ref is required (GITHUB_REF)")
	}
	return nil
}

// RefName returns the last path segment of the ref, the branch or tag name
// used in alert titles.
func (id Identity) RefName() string {
	if id.Ref == "" {
		return ""
	}
	parts := strings.Split(id.Ref, "/")
	return parts[len(parts)-1]
}

func (id Identity) String() string {
	return fmt.Sprintf("%s run %s @ %s", id.Repository, id.RunID, id.SHA)
}
