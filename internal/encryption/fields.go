package encryption

import (
	"encoding/json"
	"slices"

	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// Sensitivity lists the encrypted fields of each collection.
type Sensitivity map[models.Collection][]string

// DefaultSensitivity covers the free-text and location fields of the five
// record types. Counts, weights, timestamps and flags stay queryable.
func DefaultSensitivity() Sensitivity {
	return Sensitivity{
		models.Trips:          {"notes", "water", "location", "companions"},
		models.WeatherLogs:    {"notes", "location", "skyConditions"},
		models.FishCaught:     {"notes", "details", "location", "gear", "photoKey"},
		models.TackleItems:    {"name", "notes", "brand"},
		models.SavedLocations: {"name", "notes", "address", "coordinates"},
	}
}

// Fields returns the sensitive fields of collection.
func (s Sensitivity) Fields(collection models.Collection) []string {
	return slices.Clone(s[collection])
}

// Has reports whether field of collection is sensitive.
func (s Sensitivity) Has(collection models.Collection, field string) bool {
	return slices.Contains(s[collection], field)
}

// encryptable reports whether v is personal content worth encrypting:
// a non-empty string that is not already an envelope, or a non-empty
// structured value. Numbers and booleans are never encrypted.
func encryptable(v any) bool {
	switch x := v.(type) {
	case nil, bool, float32, float64, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return false
	case string:
		return x != "" && !IsEnvelope(x)
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
