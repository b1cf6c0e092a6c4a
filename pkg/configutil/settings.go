package configutil

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a provider or transport settings map into out.
// Keys match fields loosely (see ValidateSettings), durations accept "800ms"
// and string slices accept "a, b, c".
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			trimmedSliceHook(","),
		),
		MatchName: func(key, field string) bool { return normalizeKey(key) == normalizeKey(field) },
	})
	if err != nil {
		return fmt.Errorf("settings decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

func trimmedSliceHook(sep string) mapstructure.DecodeHookFuncKind {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.String || to != reflect.Slice {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}

// RequireString fails with "<path> is required" for blank values.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

func or[T any](value *T, fallback T) T {
	if value == nil {
		return fallback
	}
	return *value
}

func BoolValue(value *bool, fallback bool) bool          { return or(value, fallback) }
func FloatValue(value *float64, fallback float64) float64 { return or(value, fallback) }

// IntValue also treats non-positive values as unset.
func IntValue(value *int, fallback int) int {
	if n := or(value, fallback); n > 0 {
		return n
	}
	return fallback
}

func StringValue(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func Millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// normalizeKey folds api_key, apiKey and API-KEY to the same key.
func normalizeKey(value string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(value))
}
