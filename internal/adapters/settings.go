package adapters

import (
	"time"

	"auth-broker/internal/storage"
)

// Settings values arrive as JSON-decoded interface{} maps, so numbers
// are float64 and lists are []interface{}. These helpers normalize the
// common shapes adapter configs use.

// SettingString reads a string setting, falling back to def.
func SettingString(settings map[string]interface{}, key, def string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

// SettingStrings reads a string-list setting.
func SettingStrings(settings map[string]interface{}, key string) []string {
	raw, ok := settings[key]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SettingSeconds reads a numeric setting expressed in seconds and
// returns it as a duration, falling back to def.
func SettingSeconds(settings map[string]interface{}, key string, def time.Duration) time.Duration {
	raw, ok := settings[key]
	if !ok {
		return def
	}

	switch v := raw.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}

	return def
}

// IdleTimeout returns the idle timeout for session-style credentials.
// Zero means no idle timeout applies to this kind.
func IdleTimeout(config *storage.CredentialConfig) time.Duration {
	if config.Kind != storage.KindCookie {
		return 0
	}
	return SettingSeconds(config.Settings, "idle_timeout", time.Hour)
}

// SettingBool reads a boolean setting, falling back to def.
func SettingBool(settings map[string]interface{}, key string, def bool) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return def
}
