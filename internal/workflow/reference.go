package workflow

import (
	"errors"
	"path"
	"strings"
)

// Reference locates one workflow file: the in-repo path, the repository
// that owns it, and the ref it should be fetched at. Referenced (reusable)
// workflows carry their owning repository as a path prefix before the
// /.github/ segment; the triggering workflow does not.
type Reference struct {
	// Repo is the owner/name slug, empty when the reference carries no
	// repository prefix (the caller falls back to the run's own repository).
	Repo string
	// Path is the path of the workflow file inside Repo.
	Path string
	// Ref is the ref or commit after the '@' separator, empty when absent.
	Ref string
}

var ErrEmptyReference = errors.New("workflow reference is empty")

// ParseReference splits a path@ref workflow reference. A missing '@' leaves
// Ref empty and a missing /.github/ segment leaves Repo empty; neither is an
// error, because the run's own commit and repository are valid fallbacks.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, ErrEmptyReference
	}

	pathPart, ref, _ := strings.Cut(raw, "@")
	pathPart = strings.TrimSpace(pathPart)
	ref = strings.TrimSpace(ref)
	if pathPart == "" {
		return Reference{}, ErrEmptyReference
	}

	if idx := strings.Index(pathPart, "/.github/"); idx >= 0 {
		return Reference{
			Repo: pathPart[:idx],
			Path: pathPart[idx+1:],
			Ref:  ref,
		}, nil
	}
	return Reference{Path: pathPart, Ref: ref}, nil
}

// Basename returns the file name the downloaded copy is stored under and
// the provenance map is keyed by. Two repositories supplying same-named
// workflow files collide on this key; that is a documented limitation of
// the basename-keyed provenance map, not a silent bug.
func (r Reference) Basename() string {
	return path.Base(r.Path)
}
