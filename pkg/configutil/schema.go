package configutil

import (
	"slices"
	"strings"
)

// Schema lists the keys a provider settings block accepts.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem found in one settings block.
type SettingsError struct {
	Path    string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	return msg
}

// ValidateSettings checks a settings map against a schema. Key matching
// ignores case, underscores and hyphens, so api_key, apiKey and API-KEY are
// the same key.
func ValidateSettings(path string, input map[string]any, schema Schema) error {
	known := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = false
	}
	for _, k := range schema.Required {
		known[normalizeKey(k)] = true
	}

	present := make(map[string]bool, len(input))
	errs := &SettingsError{Path: path}
	for k, v := range input {
		nk := normalizeKey(k)
		_, ok := known[nk]
		if !ok && !schema.AllowUnknown {
			errs.Unknown = append(errs.Unknown, k)
		}
		present[nk] = !blank(v)
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			errs.Missing = append(errs.Missing, k)
		}
	}

	if len(errs.Missing) == 0 && len(errs.Unknown) == 0 {
		return nil
	}
	slices.Sort(errs.Missing)
	slices.Sort(errs.Unknown)
	return errs
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
