package models

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
)

// Record is a JSON-serializable document: field name to value.
type Record map[string]any

// RecordID returns the record identifier normalized to a string.
// Numeric ids from older clients are formatted without a fraction.
func (r Record) RecordID() string {
	return idString(r[common.FieldID])
}

// OwnerID returns the owning user or guest session id.
func (r Record) OwnerID() string {
	s, _ := r[common.FieldOwnerID].(string)
	return s
}

// IsEncrypted reports whether the document carries the encryption marker.
func (r Record) IsEncrypted() bool {
	b, _ := r[common.FieldEncrypted].(bool)
	return b
}

// Clone returns a shallow copy. Field values are shared with r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DecodeRecord parses a JSON document into a Record.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}
