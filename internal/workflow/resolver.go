package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

const defaultConcurrency = 4

var (
	ErrMetadataFetch = errors.New("run metadata fetch failed")
)

// Resolution is the output of one resolve pass: the directory holding the
// downloaded workflow copies, a basename-keyed provenance map, and the
// per-file failures that did not stop resolution.
type Resolution struct {
	Dir        string
	Provenance map[string]string
	Failures   []error
}

// Resolver determines which workflow files produced the current run and
// downloads their literal content at the exact commit of the run.
type Resolver struct {
	client      *http.Client
	apiBaseURL  string
	repository  string
	logger      *slog.Logger
	concurrency int
}

// NewResolver builds a resolver authenticated with an installation token.
// The token is wrapped in an oauth2 static source; it is never persisted.
func NewResolver(ctx context.Context, apiBaseURL, repository, token string, logger *slog.Logger) *Resolver {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Resolver{
		client:      oauth2.NewClient(ctx, src),
		apiBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		repository:  repository,
		logger:      logger,
		concurrency: defaultConcurrency,
	}
}

// SetConcurrency bounds the download worker pool. Values below 1 fall back
// to sequential downloads.
func (r *Resolver) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	r.concurrency = n
}

type runMetadata struct {
	Path                string `json:"path"`
	HeadSHA             string `json:"head_sha"`
	ReferencedWorkflows []struct {
		Path string `json:"path"`
		SHA  string `json:"sha"`
		Ref  string `json:"ref"`
	} `json:"referenced_workflows"`
}

type downloadJob struct {
	ref  Reference
	repo string
	at   string
}

// Resolve fetches run metadata, then downloads the triggering workflow at
// the run's commit and every referenced workflow at its own ref into dir.
// Individual download failures are recorded and logged but do not abort the
// remaining files: a single unreachable reference must not skip scanning
// the rest. Metadata or directory failures are fatal because the gate
// cannot scan without provenance.
func (r *Resolver) Resolve(ctx context.Context, runID, headSHA, dir string) (Resolution, error) {
	meta, err := r.fetchRunMetadata(ctx, runID)
	if err != nil {
		return Resolution{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Resolution{}, fmt.Errorf("create download dir: %w", err)
	}

	primary, err := ParseReference(meta.Path)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: primary workflow path: %v", ErrMetadataFetch, err)
	}
	at := headSHA
	if at == "" {
		at = meta.HeadSHA
	}
	jobs := []downloadJob{{ref: primary, repo: r.repository, at: at}}

	for _, entry := range meta.ReferencedWorkflows {
		parsed, err := ParseReference(entry.Path)
		if err != nil {
			r.logger.Warn("skipping malformed referenced workflow", "error", err)
			continue
		}
		repo := parsed.Repo
		if repo == "" {
			repo = r.repository
		}
		entryAt := strings.TrimSpace(entry.Ref)
		if entryAt == "" {
			entryAt = strings.TrimSpace(entry.SHA)
		}
		if parsed.Ref != "" && entryAt == "" {
			entryAt = parsed.Ref
		}
		jobs = append(jobs, downloadJob{ref: parsed, repo: repo, at: entryAt})
	}

	res := Resolution{Dir: dir, Provenance: make(map[string]string, len(jobs))}
	r.download(ctx, jobs, &res)
	return res, nil
}

// download runs the job list on a bounded worker pool. Provenance and
// failure writes are serialized behind one mutex; the scanner only starts
// after this returns, so every download has settled by then.
func (r *Resolver) download(ctx context.Context, jobs []downloadJob, res *Resolution) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	queue := make(chan downloadJob)

	workers := r.concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				err := r.fetchFile(ctx, job, res.Dir)
				mu.Lock()
				if err != nil {
					res.Failures = append(res.Failures, err)
				} else {
					res.Provenance[job.ref.Basename()] = job.repo
				}
				mu.Unlock()
				if err != nil {
					r.logger.Warn("workflow download failed",
						"file", job.ref.Path, "repo", job.repo, "error", err)
				}
			}
		}()
	}
	for _, job := range jobs {
		queue <- job
	}
	close(queue)
	wg.Wait()
}

func (r *Resolver) fetchRunMetadata(ctx context.Context, runID string) (runMetadata, error) {
	u := fmt.Sprintf("%s/repos/%s/actions/runs/%s", r.apiBaseURL, r.repository, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return runMetadata{}, fmt.Errorf("%w: %v", ErrMetadataFetch, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return runMetadata{}, fmt.Errorf("%w: %v", ErrMetadataFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return runMetadata{}, fmt.Errorf("%w: status %d", ErrMetadataFetch, resp.StatusCode)
	}
	var meta runMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return runMetadata{}, fmt.Errorf("%w: decode: %v", ErrMetadataFetch, err)
	}
	if strings.TrimSpace(meta.Path) == "" {
		return runMetadata{}, fmt.Errorf("%w: metadata carries no workflow path", ErrMetadataFetch)
	}
	return meta, nil
}

// fetchFile downloads one workflow file's literal content via the contents
// API and writes it under dir keyed by basename.
func (r *Resolver) fetchFile(ctx context.Context, job downloadJob, dir string) error {
	u := fmt.Sprintf("%s/repos/%s/contents/%s", r.apiBaseURL, job.repo, job.ref.Path)
	if job.at != "" {
		u += "?ref=" + url.QueryEscape(job.at)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", job.ref.Path, err)
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", job.ref.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s from %s: status %d", job.ref.Path, job.repo, resp.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("download %s: %w", job.ref.Path, err)
	}
	dest := filepath.Join(dir, job.ref.Basename())
	if err := os.WriteFile(dest, content, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
