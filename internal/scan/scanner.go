// Package scan evaluates downloaded workflow files against an ordered rule
// set of supply-chain risk indicators.
package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Finding is one rule matched in one file, with full provenance
// attribution. Immutable once produced.
type Finding struct {
	Rule string
	File string
	// Lines are the 1-indexed line numbers the rule matched on.
	Lines []int
	// SourceRepo is the repository the file was downloaded from, "unknown"
	// when the provenance map has no entry for the file's basename.
	SourceRepo string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s found in %s (from: %s)", f.Rule, f.File, f.SourceRepo)
}

// Scan tests every file under dir against every rule, in rule order per
// file, and returns one Finding per matched (rule, file) pair. A missing or
// empty directory is a vacuous pass, not an error: the gate must still run
// when zero files were downloaded. Scanning has no side effects.
func Scan(dir string, rules []Rule, provenance map[string]string) ([]Finding, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scan dir: %w", err)
	}

	var findings []Finding
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		repo, ok := provenance[name]
		if !ok || strings.TrimSpace(repo) == "" {
			repo = "unknown"
		}
		lines := strings.Split(string(content), "\n")
		for _, rule := range rules {
			var matched []int
			for i, line := range lines {
				if rule.re.MatchString(line) {
					matched = append(matched, i+1)
				}
			}
			if len(matched) > 0 {
				findings = append(findings, Finding{
					Rule:       rule.Name,
					File:       name,
					Lines:      matched,
					SourceRepo: repo,
				})
			}
		}
	}
	return findings, nil
}
