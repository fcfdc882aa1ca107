package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/bgtaskd/internal/bgmode"
)

// BundleEntry describes one installed bundle: its display name, the
// background modes it declared at install time, and the permissions its
// token carries.
type BundleEntry struct {
	AppName     string   `yaml:"app_name"`
	TokenID     uint64   `yaml:"token_id"`
	Modes       []string `yaml:"modes"`
	Permissions []string `yaml:"permissions"`
}

// BundleTable is the broker's view of the package directory, loaded from
// bundles.yaml. On a real device this data comes from the package manager;
// here the file stands in for it and is hot-reloadable.
type BundleTable struct {
	mu      sync.RWMutex
	entries map[string]BundleEntry
}

// NewBundleTable returns an empty table.
func NewBundleTable() *BundleTable {
	return &BundleTable{entries: make(map[string]BundleEntry)}
}

// LoadBundles reads bundles.yaml. A missing file leaves the table empty,
// which means no bundle has declared any mode.
func (t *BundleTable) LoadBundles(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bundle table: %w", err)
	}
	var doc struct {
		Bundles map[string]BundleEntry `yaml:"bundles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse bundle table: %w", err)
	}
	for bundle, e := range doc.Bundles {
		for _, name := range e.Modes {
			if _, ok := bgmode.FromName(name); !ok {
				return fmt.Errorf("bundle %s declares unknown mode %q", bundle, name)
			}
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if doc.Bundles != nil {
		t.entries = doc.Bundles
	}
	return nil
}

// DeclaredModeMask returns the declaration bitmask for bundle. Unknown
// bundles declare nothing.
func (t *BundleTable) DeclaredModeMask(_ int32, bundle string) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[bundle]
	if !ok {
		return 0, nil
	}
	var mask uint32
	for _, name := range e.Modes {
		if m, ok := bgmode.FromName(name); ok {
			mask |= m.Bit()
		}
	}
	return mask, nil
}

// AppName returns the display name for bundle, or the bundle id itself.
func (t *BundleTable) AppName(_ int32, bundle string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[bundle]; ok && e.AppName != "" {
		return e.AppName
	}
	return bundle
}

// Verify reports whether the bundle owning tokenID carries permission.
func (t *BundleTable) Verify(tokenID uint64, permission string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.TokenID != tokenID {
			continue
		}
		for _, p := range e.Permissions {
			if p == permission {
				return true
			}
		}
	}
	return false
}

// Len returns the number of known bundles.
func (t *BundleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
