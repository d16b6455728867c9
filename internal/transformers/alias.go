// Package transformers implements the transformer sub-pipeline a delivery
// stage runs inside its data hook: alias expansion, SRS rewriting,
// header/body pattern matching, mailbox tagging, and DKIM signing.
package transformers

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/feathermail/feathermail"
)

const maxAliasDepth = 10

// AliasResolver recursively expands recipients against a static alias map,
// with cycle detection and a depth bound.
type AliasResolver struct {
	Aliases map[string][]string
}

func (a *AliasResolver) expand(address string, seen map[string]bool, depth int) []string {
	if depth > maxAliasDepth {
		return []string{address}
	}
	targets, ok := a.Aliases[strings.ToLower(address)]
	if !ok {
		return []string{address}
	}
	if seen[address] {
		return nil
	}
	seen[address] = true

	var out []string
	for _, t := range targets {
		out = append(out, a.expand(t, seen, depth+1)...)
	}
	return out
}

// TransformMeta rewrites meta.to by expanding every recipient through the
// alias map.
func (a *AliasResolver) TransformMeta(meta feathermail.Meta) (feathermail.Meta, error) {
	next := meta.Clone()
	var expanded []string
	for _, to := range meta.To() {
		expanded = append(expanded, a.expand(to, map[string]bool{}, 0)...)
	}
	return next.WithTo(expanded), nil
}

// FileBasedAliasResolver is an AliasResolver whose table is read from an
// /etc/aliases-format file and refreshed on a timer, tolerating a missing
// file as an empty table.
type FileBasedAliasResolver struct {
	Path           string
	ReloadInterval time.Duration

	mu      sync.RWMutex
	aliases map[string][]string
	loaded  time.Time
}

// NewFileBasedAliasResolver loads path immediately (treating a missing file
// as empty) and returns a resolver that reloads on demand once
// ReloadInterval has elapsed since the last load.
func NewFileBasedAliasResolver(path string, reloadInterval time.Duration) *FileBasedAliasResolver {
	r := &FileBasedAliasResolver{Path: path, ReloadInterval: reloadInterval}
	r.reload()
	return r
}

func (r *FileBasedAliasResolver) reload() {
	aliases, err := ParseAliasesFile(r.Path)
	if err != nil {
		aliases = map[string][]string{}
	}
	r.mu.Lock()
	r.aliases = aliases
	r.loaded = time.Now()
	r.mu.Unlock()
}

func (r *FileBasedAliasResolver) maybeReload() {
	r.mu.RLock()
	stale := r.ReloadInterval > 0 && time.Since(r.loaded) > r.ReloadInterval
	r.mu.RUnlock()
	if stale {
		r.reload()
	}
}

// ParseAliasesFile parses the traditional /etc/aliases format: "name:
// target, target2", continuation lines indented with whitespace, "#"
// comments, and blank lines ignored.
func ParseAliasesFile(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	aliases := make(map[string][]string)
	scanner := bufio.NewScanner(f)
	var currentKey string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		if (line[0] == ' ' || line[0] == '\t') && currentKey != "" {
			aliases[currentKey] = append(aliases[currentKey], splitTargets(line)...)
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		currentKey = key
		aliases[key] = append(aliases[key], splitTargets(line[idx+1:])...)
	}
	return aliases, scanner.Err()
}

func splitTargets(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *FileBasedAliasResolver) expand(address string, seen map[string]bool, depth int) []string {
	if depth > maxAliasDepth {
		return []string{address}
	}
	r.mu.RLock()
	targets, ok := r.aliases[strings.ToLower(address)]
	r.mu.RUnlock()
	if !ok {
		return []string{address}
	}
	if seen[address] {
		return nil
	}
	seen[address] = true

	var out []string
	for _, t := range targets {
		out = append(out, r.expand(t, seen, depth+1)...)
	}
	return out
}

// TransformMeta rewrites meta.to by expanding every recipient through the
// file-backed alias table, reloading it first if stale.
func (r *FileBasedAliasResolver) TransformMeta(meta feathermail.Meta) (feathermail.Meta, error) {
	r.maybeReload()
	next := meta.Clone()
	var expanded []string
	for _, to := range meta.To() {
		expanded = append(expanded, r.expand(to, map[string]bool{}, 0)...)
	}
	return next.WithTo(expanded), nil
}
