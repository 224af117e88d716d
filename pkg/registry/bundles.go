package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/arbor/pkg/domain"
)

// BundleScriptConfig describes one subprocess-backed tool shipped with a
// bundle. The handler itself is built by the caller (pkg/tools) so this
// package stays free of exec concerns.
type BundleScriptConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Command     string         `yaml:"command"`
	Args        []string       `yaml:"args"`
	InputSchema map[string]any `yaml:"input_schema"`
}

// BundleFile is the on-disk shape of one capability bundle descriptor.
// The engine receives these already parsed; markdown front-matter conversion
// happens upstream.
type BundleFile struct {
	domain.CapabilityBundle `yaml:",inline"`
	Tools                   []BundleScriptConfig `yaml:"tools"`
}

// ScriptToolBuilder turns a script config into an invocable descriptor.
type ScriptToolBuilder func(bundleID string, cfg BundleScriptConfig) domain.ToolDescriptor

// BundleManager owns the loaded capability bundles and their contributed
// script tools. Bundles are immutable once loaded; a reload replaces the
// bundle under its ID atomically and republishes the registry snapshot.
type BundleManager struct {
	mu      sync.RWMutex
	bundles map[string]domain.CapabilityBundle
	sources map[string]string // bundle id -> file path, for reload

	registry *Registry
	builder  ScriptToolBuilder
}

// NewBundleManager creates a manager feeding script tools into the registry.
// builder may be nil when bundles carry no script tools.
func NewBundleManager(registry *Registry, builder ScriptToolBuilder) *BundleManager {
	return &BundleManager{
		bundles:  make(map[string]domain.CapabilityBundle),
		sources:  make(map[string]string),
		registry: registry,
		builder:  builder,
	}
}

// Register installs a parsed bundle descriptor programmatically.
func (m *BundleManager) Register(bundle domain.CapabilityBundle, scripts ...BundleScriptConfig) error {
	if bundle.ID == "" {
		return fmt.Errorf("bundle id is required")
	}

	var tools []domain.ToolDescriptor
	if len(scripts) > 0 {
		if m.builder == nil {
			return fmt.Errorf("bundle %s declares script tools but no builder is configured", bundle.ID)
		}
		for _, cfg := range scripts {
			tools = append(tools, m.builder(bundle.ID, cfg))
		}
	}

	m.mu.Lock()
	m.bundles[bundle.ID] = bundle
	m.mu.Unlock()

	m.registry.SetBundleTools(bundle.ID, tools)
	return nil
}

// LoadFile loads one bundle descriptor from a YAML file.
func (m *BundleManager) LoadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read bundle file: %w", err)
	}

	var bf BundleFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return "", fmt.Errorf("failed to parse bundle %s: %w", path, err)
	}
	if bf.ID == "" {
		return "", fmt.Errorf("bundle %s has no id", path)
	}

	if err := m.Register(bf.CapabilityBundle, bf.Tools...); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sources[bf.ID] = path
	m.mu.Unlock()
	return bf.ID, nil
}

// LoadDir loads every *.yaml bundle descriptor under dir. Missing directory
// is treated as "no bundles configured".
func (m *BundleManager) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list bundle directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		id, err := m.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Reload re-reads a bundle from its source file and atomically replaces it.
// Bundles registered programmatically cannot be reloaded from disk.
func (m *BundleManager) Reload(id string) error {
	m.mu.RLock()
	path, ok := m.sources[id]
	m.mu.RUnlock()
	if !ok {
		if _, exists := m.Get(id); !exists {
			return domain.ErrBundleNotFound
		}
		return fmt.Errorf("bundle %s has no file source to reload from", id)
	}
	_, err := m.LoadFile(path)
	return err
}

// Get returns a bundle by ID.
func (m *BundleManager) Get(id string) (domain.CapabilityBundle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[id]
	return b, ok
}

// List returns all loaded bundles.
func (m *BundleManager) List() []domain.CapabilityBundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.CapabilityBundle, 0, len(m.bundles))
	for _, b := range m.bundles {
		out = append(out, b)
	}
	return out
}

// Select picks the bundle whose description best matches the classified
// intent: the intent appears in the description or vice versa. Returns false
// when nothing matches; the executor then runs with built-in and
// unrestricted tools only.
func (m *BundleManager) Select(intent string) (domain.CapabilityBundle, bool) {
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent == "" {
		return domain.CapabilityBundle{}, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Deterministic order so ties always resolve the same way.
	ids := make([]string, 0, len(m.bundles))
	for id := range m.bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		b := m.bundles[id]
		desc := strings.ToLower(b.Description)
		if strings.Contains(intent, strings.ToLower(id)) ||
			strings.Contains(desc, intent) || strings.Contains(intent, desc) {
			return b, true
		}
	}
	return domain.CapabilityBundle{}, false
}
