package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads action policies from .rego and .json files.
//
// A .rego file is named after its base name. Its leading comment block is
// the description, except for directive lines:
//
//	# priority: 120
//	# tags: payload, commissioning
//	# disabled
type Loader struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	cache   map[string]cacheEntry
	watcher *fsnotify.Watcher
}

type cacheEntry struct {
	modified time.Time
	policy   *Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cacheEntry),
	}
}

// LoadFromPaths loads the policies under paths. Explicitly named files must
// be valid; invalid files found while walking a directory are skipped. Two
// policies with the same name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		for _, p := range loaded {
			src := sourceOf(p)
			if prev, dup := seen[p.Name]; dup {
				return nil, fmt.Errorf("policy %q defined twice (%s and %s)", p.Name, prev, src)
			}
			seen[p.Name] = src
			policies = append(policies, p)
		}
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Action policies loaded")

	return policies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	policy, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

// loadFromDirectory loads every policy file below dirPath.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		policy, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping invalid policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

// loadFromFile loads one policy file. Files are cached until their
// modification time changes.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	if !isPolicyFile(path) {
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.RLock()
	entry, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && entry.modified.Equal(info.ModTime()) {
		return entry.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	if filepath.Ext(path) == ".rego" {
		policy, err = parseRegoFile(path, data)
	} else {
		policy, err = parseJSONFile(data)
	}
	if err != nil {
		return nil, err
	}
	if err := checkModule(policy); err != nil {
		return nil, err
	}
	if policy.Metadata == nil {
		policy.Metadata = make(map[string]interface{})
	}
	policy.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = cacheEntry{modified: info.ModTime(), policy: policy}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Int("priority", policy.Priority).
		Msg("Policy loaded from file")

	return policy, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

func sourceOf(p Policy) string {
	if src, ok := p.Metadata["source"].(string); ok {
		return src
	}
	return "<unknown>"
}

// parseRegoFile builds a user policy from a .rego file and its header.
func parseRegoFile(path string, data []byte) (*Policy, error) {
	hdr, err := parseHeader(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: hdr.description,
		Rego:        string(data),
		Priority:    hdr.priority,
		Enabled:     !hdr.disabled,
		Tags:        hdr.tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// parseJSONFile decodes a JSON policy definition.
func parseJSONFile(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, errors.New("JSON policy has no name")
	}
	if policy.Rego == "" {
		return nil, fmt.Errorf("JSON policy %q has no rego module", policy.Name)
	}
	if policy.Priority == 0 {
		policy.Priority = PriorityUser
	}
	policy.Builtin = false

	now := time.Now()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = now
	}
	return &policy, nil
}

// checkModule rejects modules that do not parse or define no decision rule.
func checkModule(p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("policy %s: %w", p.Name, err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", p.Name)
	}
	for _, rule := range module.Rules {
		if rule.Head.Name.String() == "decision" || rule.Head.Ref().String() == "decision" {
			return nil
		}
	}
	return fmt.Errorf("policy %s defines no decision rule", p.Name)
}

type header struct {
	description string
	priority    int
	tags        []string
	disabled    bool
}

// parseHeader reads the leading comment block of a Rego module.
func parseHeader(content string) (header, error) {
	hdr := header{priority: PriorityUser}
	var desc []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(desc) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, _ := strings.Cut(comment, ":")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "priority":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return hdr, fmt.Errorf("invalid priority %q", strings.TrimSpace(value))
			}
			hdr.priority = n
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					hdr.tags = append(hdr.tags, tag)
				}
			}
		case "disabled":
			hdr.disabled = true
		case "":
		default:
			desc = append(desc, comment)
		}
	}

	hdr.description = strings.Join(desc, " ")
	return hdr, nil
}

// Watch reloads the policies under paths when a policy file changes and
// hands them to reloadFn, until ctx is done. Parent directories of files
// are watched so editors that replace files on save are noticed.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	files := make(map[string]bool)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat policy path for watching")
			continue
		}
		if info.IsDir() {
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy directory")
			}
			continue
		}
		files[filepath.Clean(path)] = true
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy file")
		}
	}

	relevant := func(name string) bool {
		if !isPolicyFile(name) {
			return false
		}
		if files[filepath.Clean(name)] {
			return true
		}
		for _, p := range paths {
			if rel, err := filepath.Rel(p, name); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
				return true
			}
		}
		return false
	}

	go l.processEvents(ctx, paths, relevant, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching action policies")
	return nil
}

func (l *Loader) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, paths []string, relevant func(string) bool, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = l.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !relevant(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies; keeping the previous set")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	if ctx.Err() != nil {
		return nil
	}
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().Int("count", len(policies)).Msg("Action policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache forgets every loaded file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cacheEntry)
}
