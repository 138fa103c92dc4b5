package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// FileStore holds the active configuration and writes guard settings back
// to the file without disturbing comments or unrelated blocks.
type FileStore struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
	src  []byte
}

// Open loads path into a FileStore. A missing file yields the defaults and
// is created on the first write.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.cfg = Default()
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	s.cfg, s.src = cfg, data
	return s, nil
}

// NewFileStore wraps an already loaded configuration. Writes go to path.
func NewFileStore(path string, cfg *Config) *FileStore {
	return &FileStore{path: path, cfg: cfg}
}

// Path returns the file backing the store.
func (s *FileStore) Path() string { return s.path }

// Config returns the current configuration. Callers must not modify it.
func (s *FileStore) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// GuardEnabled reports whether the rule guard is switched on.
func (s *FileStore) GuardEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Guard.Enabled
}

// GuardMode returns the configured guard mode name.
func (s *FileStore) GuardMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Guard.Mode
}

// SetGuard persists the guard settings. An empty mode keeps the current one.
func (s *FileStore) SetGuard(enabled bool, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == "" {
		mode = s.cfg.Guard.Mode
	}
	mode = strings.ToLower(mode)

	f, diags := hclwrite.ParseConfig(s.src, s.path, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL for writing: %s", diags.Error())
	}
	block := f.Body().FirstMatchingBlock("guard", nil)
	if block == nil {
		block = f.Body().AppendNewBlock("guard", nil)
	}
	if err := setAttribute(block.Body(), "enabled", enabled); err != nil {
		return err
	}
	if err := setAttribute(block.Body(), "mode", mode); err != nil {
		return err
	}

	data := f.Bytes()
	cfg, err := Parse(s.path, data)
	if err != nil {
		return err
	}
	if err := writeFile(s.path, data); err != nil {
		return err
	}
	s.cfg, s.src = cfg, data
	return nil
}

// Reload re-reads the file. The previous configuration stays active on error.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(s.path, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg, s.src = cfg, data
	s.mu.Unlock()
	return nil
}

func setAttribute(body *hclwrite.Body, name string, v any) error {
	val, err := toCtyValue(v)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", name, err)
	}
	body.SetAttributeValue(name, val)
	return nil
}

func toCtyValue(v any) (cty.Value, error) {
	switch val := v.(type) {
	case bool:
		return cty.BoolVal(val), nil
	case int:
		return cty.NumberIntVal(int64(val)), nil
	case string:
		return cty.StringVal(val), nil
	case []string:
		if len(val) == 0 {
			return cty.ListValEmpty(cty.String), nil
		}
		vals := make([]cty.Value, len(val))
		for i, s := range val {
			vals[i] = cty.StringVal(s)
		}
		return cty.ListVal(vals), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported type: %T", v)
	}
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
