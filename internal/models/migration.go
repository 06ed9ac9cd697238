package models

// CollectionProgress is the migration progress for one collection.
type CollectionProgress struct {
	Processed int    `json:"processed"`
	Updated   int    `json:"updated"`
	Done      bool   `json:"done"`
	Cursor    string `json:"cursor,omitempty"`
}

// MigrationStatus is the snapshot exposed to the UI.
type MigrationStatus struct {
	Running     bool                              `json:"running"`
	AllDone     bool                              `json:"allDone"`
	Collections map[Collection]CollectionProgress `json:"collections"`
	Error       string                            `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (s MigrationStatus) Clone() MigrationStatus {
	out := s
	out.Collections = make(map[Collection]CollectionProgress, len(s.Collections))
	for k, v := range s.Collections {
		out.Collections[k] = v
	}
	return out
}
