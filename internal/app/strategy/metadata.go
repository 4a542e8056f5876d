package strategy

// ConfigField describes one configurable parameter of a strategy.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required"`
}

// Metadata is the descriptive record published for every strategy, built-in
// or JavaScript.
type Metadata struct {
	Name        string        `json:"name"`
	Version     string        `json:"version,omitempty"`
	DisplayName string        `json:"displayName"`
	Description string        `json:"description,omitempty"`
	Config      []ConfigField `json:"config"`
	Events      []string      `json:"events"`
	Source      string        `json:"source"`
}

// CloneConfigFields returns a shallow copy of the provided fields.
func CloneConfigFields(fields []ConfigField) []ConfigField {
	if len(fields) == 0 {
		return nil
	}
	out := make([]ConfigField, len(fields))
	copy(out, fields)
	return out
}

// CloneMetadata returns a copy of the metadata with cloned slices.
func CloneMetadata(meta Metadata) Metadata {
	clone := meta
	clone.Config = CloneConfigFields(meta.Config)
	clone.Events = append([]string(nil), meta.Events...)
	return clone
}
