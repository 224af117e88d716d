package domain

// WildcardTools marks an allow-list entry granting access to every tool.
const WildcardTools = "*"

// CapabilityBundle is a named, versioned package of model instructions plus
// an allow-list of tool names. Bundles are immutable once loaded; a reload
// replaces the bundle under its ID atomically.
type CapabilityBundle struct {
	ID           string   `json:"id" yaml:"id"`
	Description  string   `json:"description" yaml:"description"`
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	Version      string   `json:"version" yaml:"version"`
	Instructions string   `json:"instructions" yaml:"instructions"`
}

// Unrestricted reports whether the bundle places no limit on tool access.
// A nil allow-list and an explicit "*" entry mean the same thing.
func (b CapabilityBundle) Unrestricted() bool {
	if b.AllowedTools == nil {
		return true
	}
	for _, name := range b.AllowedTools {
		if name == WildcardTools {
			return true
		}
	}
	return false
}
