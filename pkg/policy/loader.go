package policy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultReloadDelay debounces bursts of file events before a reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego files and from JSON or YAML policy
// definitions and bundles.
type Loader struct {
	logger zerolog.Logger
	mu     sync.Mutex
	cache  map[string]cachedPolicies
	delay  time.Duration
}

type cachedPolicies struct {
	modTime  time.Time
	policies []Policy
}

// definition is the on-disk form of a policy; Enabled defaults to true.
type definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Rego        string         `json:"rego" yaml:"rego"`
	Severity    Severity       `json:"severity" yaml:"severity"`
	Enabled     *bool          `json:"enabled" yaml:"enabled"`
	Tags        []string       `json:"tags" yaml:"tags"`
	Metadata    map[string]any `json:"metadata" yaml:"metadata"`
}

type bundleDefinition struct {
	Name        string       `json:"name" yaml:"name"`
	Version     string       `json:"version" yaml:"version"`
	Description string       `json:"description" yaml:"description"`
	Policies    []definition `json:"policies" yaml:"policies"`
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicies),
		delay:  DefaultReloadDelay,
	}
}

// SetReloadDelay changes the debounce delay used by Watch.
func (l *Loader) SetReloadDelay(d time.Duration) { l.delay = d }

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(path)
	}
	return l.loadFromFile(path, info.ModTime())
}

// loadFromDirectory loads every policy file below dirPath in lexical order.
// Unreadable files are logged and skipped.
func (l *Loader) loadFromDirectory(dirPath string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		loaded, err := l.loadFromFile(path, info.ModTime())
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

// loadFromFile parses one file, reusing the cached result while the file's
// modification time is unchanged.
func (l *Loader) loadFromFile(path string, modTime time.Time) ([]Policy, error) {
	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(modTime) {
		return clonePolicies(cached.policies), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		policies = []Policy{parseRegoFile(path, data)}
	case ".json":
		policies, err = parseDefinitions(path, data, json.Unmarshal)
	case ".yaml", ".yml":
		policies, err = parseDefinitions(path, data, yaml.Unmarshal)
	default:
		err = fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicies{modTime: modTime, policies: policies}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Int("policies", len(policies)).
		Msg("Policy file loaded")
	return clonePolicies(policies), nil
}

func clonePolicies(in []Policy) []Policy {
	return append([]Policy(nil), in...)
}

// parseRegoFile builds a policy from a .rego file. Leading comment lines of
// the form "# key: value" set severity, tags and name; other leading
// comments form the description.
func parseRegoFile(path string, data []byte) Policy {
	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
		Metadata: map[string]any{"source": path},
	}

	var desc []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			if len(desc) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		key, value, found := strings.Cut(comment, ":")
		switch key = strings.ToLower(strings.TrimSpace(key)); {
		case found && key == "severity":
			p.Severity = Severity(strings.TrimSpace(value))
		case found && key == "name":
			p.Name = strings.TrimSpace(value)
		case found && key == "tags":
			for _, t := range strings.Split(value, ",") {
				if t = strings.TrimSpace(t); t != "" {
					p.Tags = append(p.Tags, t)
				}
			}
		case comment != "":
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

// parseDefinitions decodes either a single policy or a bundle with a
// "policies" list.
func parseDefinitions(path string, data []byte, unmarshal func([]byte, any) error) ([]Policy, error) {
	var probe map[string]any
	if err := unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse policy definition %s: %w", path, err)
	}

	var defs []definition
	if _, ok := probe["policies"]; ok {
		var b bundleDefinition
		if err := unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("failed to parse bundle %s: %w", path, err)
		}
		defs = b.Policies
	} else {
		var d definition
		if err := unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
		}
		defs = []definition{d}
	}

	policies := make([]Policy, 0, len(defs))
	for i, d := range defs {
		if d.Name == "" || d.Rego == "" {
			return nil, fmt.Errorf("policy %d in %s needs a name and rego", i, path)
		}
		p := Policy{
			Name:        d.Name,
			Description: d.Description,
			Rego:        d.Rego,
			Severity:    d.Severity,
			Enabled:     d.Enabled == nil || *d.Enabled,
			Tags:        d.Tags,
			Metadata:    d.Metadata,
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]any)
		}
		p.Metadata["source"] = path
		policies = append(policies, p)
	}
	return policies, nil
}

// LoadBundle loads a JSON or YAML policy bundle.
func (l *Loader) LoadBundle(bundlePath string) (*PolicyBundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	unmarshal := json.Unmarshal
	if ext := filepath.Ext(bundlePath); ext == ".yaml" || ext == ".yml" {
		unmarshal = yaml.Unmarshal
	}
	var b bundleDefinition
	if err := unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	policies, err := parseDefinitions(bundlePath, data, unmarshal)
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("bundle", b.Name).
		Str("version", b.Version).
		Int("policies", len(policies)).
		Msg("Policy bundle loaded")

	return &PolicyBundle{
		Name:        b.Name,
		Version:     b.Version,
		Description: b.Description,
		Policies:    policies,
	}, nil
}

// Watch calls reload, debounced, whenever a policy file below paths is
// written, created, renamed or removed. It returns once the watches are in
// place; watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			dirs[filepath.Dir(path)] = true
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				dirs[p] = true
			}
			return err
		})
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
	}

	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)
	for _, d := range sorted {
		if err := watcher.Add(d); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	go l.processEvents(ctx, watcher, reload)

	l.logger.Info().
		Strs("dirs", sorted).
		Msg("Started watching policy paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, reload func(context.Context) error) {
	defer watcher.Close()

	timer := time.NewTimer(l.delay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()
			timer.Reset(l.delay)

		case <-timer.C:
			if err := reload(ctx); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedPolicies)
}

// WatchPolicies reloads the engine whenever a file under the paths given to
// LoadPolicies changes.
func (e *Engine) WatchPolicies(ctx context.Context, delay time.Duration) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()
	if len(paths) == 0 {
		return fmt.Errorf("no policy paths loaded")
	}

	loader := NewLoader(e.logger)
	if delay > 0 {
		loader.SetReloadDelay(delay)
	}
	return loader.Watch(ctx, paths, e.ReloadPolicies)
}
