package firestorestore

import (
	"cloud.google.com/go/firestore"
	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// toData prepares doc for a merge set: the id lives in the document name
// and updatedAt is stamped by the server. paths lists the top-level fields
// written.
func toData(doc models.Record) (map[string]any, []firestore.FieldPath) {
	data := make(map[string]any, len(doc)+1)
	paths := make([]firestore.FieldPath, 0, len(doc)+1)
	for k, v := range doc {
		if k == common.FieldID || k == common.FieldUpdatedAt {
			continue
		}
		data[k] = v
		paths = append(paths, firestore.FieldPath{k})
	}
	data[common.FieldUpdatedAt] = firestore.ServerTimestamp
	paths = append(paths, firestore.FieldPath{common.FieldUpdatedAt})
	return data, paths
}

func toUpdates(fields models.Record) []firestore.Update {
	ups := make([]firestore.Update, 0, len(fields)+1)
	for k, v := range fields {
		if k == common.FieldID || k == common.FieldUpdatedAt {
			continue
		}
		ups = append(ups, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
	}
	return append(ups, firestore.Update{FieldPath: firestore.FieldPath{common.FieldUpdatedAt}, Value: firestore.ServerTimestamp})
}

func fromData(id string, data map[string]any) models.Record {
	out := make(models.Record, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[common.FieldID] = id
	return out
}
