package scan

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one named risk indicator. The rule set is ordered, injectable
// configuration: the engine never changes when the policy does.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules is the built-in supply-chain risk policy. Matching is
// conservative, case-sensitive regex search over literal text; false
// positives are the accepted tradeoff.
func DefaultRules() []Rule {
	rules := []Rule{
		{Name: "remote-script-execution", Pattern: `(curl|wget)[^|]*\|\s*(ba|z)?sh`},
		{Name: "base64-decode", Pattern: `base64\s+(-d|--decode)`},
		{Name: "dynamic-evaluation", Pattern: `\beval\s`},
		{Name: "reverse-shell", Pattern: `(/dev/tcp/|nc\s+-e\b|bash\s+-i\s+>&)`},
		{Name: "destructive-root-delete", Pattern: `rm\s+-rf\s+/(\*|\s|$)`},
	}
	compiled, err := compile(rules)
	if err != nil {
		// Built-in patterns are covered by tests; a compile failure here is
		// a programming error.
		panic(err)
	}
	return compiled
}

// LoadRules reads an ordered rule set from a YAML policy file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, errors.New("rules file defines no rules")
	}
	return compile(f.Rules)
}

func compile(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("rule %q: pattern is required", r.Name)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.re = re
		out = append(out, r)
	}
	return out, nil
}
