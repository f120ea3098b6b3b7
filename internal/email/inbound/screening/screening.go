// Package screening blocks mail from known-bad senders before any
// processing record is created.
package screening

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileRules is a ScreeningPolicy backed by a YAML document of blocked
// addresses and sender patterns. Missing files yield a nil provider.
type FileRules struct {
	mu        sync.RWMutex
	addresses map[string]struct{}
	patterns  []*regexp.Regexp
}

type rulesDocument struct {
	Blocked struct {
		Addresses []string `yaml:"addresses"`
		Patterns  []string `yaml:"patterns"`
	} `yaml:"blocked"`
}

// NewFileRules loads rules from the provided path. Missing files return (nil, nil).
func NewFileRules(path string) (*FileRules, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304 false positive - config file
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc rulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	rules := &FileRules{addresses: make(map[string]struct{})}
	for _, addr := range doc.Blocked.Addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr != "" {
			rules.addresses[addr] = struct{}{}
		}
	}
	for _, pattern := range doc.Blocked.Patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, err
		}
		rules.patterns = append(rules.patterns, re)
	}
	return rules, nil
}

// ShouldBlock implements service.ScreeningPolicy.
func (r *FileRules) ShouldBlock(_ context.Context, email string) (bool, error) {
	if r == nil {
		return false, nil
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.addresses[email]; ok {
		return true, nil
	}
	for _, re := range r.patterns {
		if re.MatchString(email) {
			return true, nil
		}
	}
	return false, nil
}
