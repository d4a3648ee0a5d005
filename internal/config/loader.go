package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

type cacheEntry struct {
	mtime time.Time
	cfg   *RouterConfig
}

// Cache is a read-through config cache keyed by resolved path and file
// modification time. Repeated loads of an unmodified file return the same
// validated *RouterConfig without re-parsing.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Load parses and validates the config at path, or returns the cached value
// when the file's mtime is unchanged.
func (c *Cache) Load(path string) (*RouterConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config file %s: %w", abs, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[abs]; ok && entry.mtime.Equal(fi.ModTime()) {
		return entry.cfg, nil
	}

	cfg := &RouterConfig{}
	if err := LoadFile(abs, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	c.entries[abs] = cacheEntry{mtime: fi.ModTime(), cfg: cfg}
	return cfg, nil
}

// Invalidate drops the cache entry for path, forcing the next Load to
// re-parse.
func (c *Cache) Invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, abs)
	c.mu.Unlock()
}

// Loader manages one config file: cached loading, hot reload via fsnotify,
// and reload callbacks.
type Loader struct {
	path     string
	cache    *Cache
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *RouterConfig
	watchers []func(*RouterConfig)
}

func NewLoader(path string, logger *slog.Logger) *Loader {
	return &Loader{
		path:   path,
		cache:  NewCache(),
		logger: logger,
	}
}

// Load reads (or re-reads, after a modification) the config file.
func (l *Loader) Load() (*RouterConfig, error) {
	cfg, err := l.cache.Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the most recently loaded config.
func (l *Loader) Config() *RouterConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Invalidate forces the next Load to re-parse the file.
func (l *Loader) Invalidate() {
	l.cache.Invalidate(l.path)
}

// OnReload registers a callback that fires after the config is reloaded by
// the watcher.
func (l *Loader) OnReload(fn func(*RouterConfig)) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

// Watch starts watching the config file's directory and reloads on
// modification. Reloads are serialized by the cache mutex, and the mtime key
// debounces duplicate write events.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(l.path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("resolve config path %s: %w", l.path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != abs {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					l.logger.Info("config file changed, reloading", "file", event.Name)
					cfg, err := l.Load()
					if err != nil {
						l.logger.Error("failed to reload config", "error", err)
						continue
					}
					l.mu.RLock()
					fns := append([]func(*RouterConfig){}, l.watchers...)
					l.mu.RUnlock()
					for _, fn := range fns {
						fn(cfg)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}
