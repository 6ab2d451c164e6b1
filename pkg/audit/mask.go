package audit

import (
	"strings"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	masker "github.com/goliatone/go-masker"
)

var sensitiveMetadataFields = []string{
	"token", "access_token", "refresh_token",
	"api_key", "apikey", "apiKey",
	"client_secret", "secret", "seed",
	"authorization_code", "code",
}

func init() {
	for _, field := range sensitiveMetadataFields {
		masker.Default.RegisterMaskField(field, "preserveEnds(2,2)")
	}
}

// MaskMetadata returns a copy of the metadata safe to persist: values under
// secret-ish keys keep only their first and last two characters. Nested maps
// are masked recursively.
func MaskMetadata(meta domain.JSONMap) domain.JSONMap {
	if len(meta) == 0 {
		return meta
	}
	masked := make(domain.JSONMap, len(meta))
	for key, value := range meta {
		switch v := value.(type) {
		case string:
			if isSensitiveField(key) {
				masked[key] = maskString(v)
			} else {
				masked[key] = v
			}
		case domain.JSONMap:
			masked[key] = MaskMetadata(v)
		case map[string]any:
			masked[key] = MaskMetadata(domain.JSONMap(v))
		default:
			masked[key] = v
		}
	}
	return masked
}

func isSensitiveField(key string) bool {
	lowered := strings.ToLower(key)
	for _, field := range sensitiveMetadataFields {
		if lowered == strings.ToLower(field) {
			return true
		}
	}
	return false
}

func maskString(value string) string {
	if value == "" {
		return ""
	}
	if masked, err := masker.Default.String("preserveEnds(2,2)", value); err == nil {
		return masked
	}
	// Fallback masking if no rule is registered.
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-2:])
}
