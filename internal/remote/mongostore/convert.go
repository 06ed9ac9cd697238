package mongostore

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// server error codes the adapter maps explicitly
const (
	codeDocumentValidationFailure = 121
	codeUnauthorized              = 13
	codeNoQueryExecutionPlans     = 291
)

func toBSON(r models.Record) bson.M {
	out := make(bson.M, len(r))
	for k, v := range r {
		if k == common.FieldID {
			out["_id"] = r.RecordID()
			continue
		}
		out[k] = v
	}
	return out
}

func fromBSON(d bson.M) models.Record {
	out := make(models.Record, len(d))
	for k, v := range d {
		if k == "_id" {
			out[common.FieldID] = v
			continue
		}
		out[k] = plain(v)
	}
	return out
}

// plain converts driver value types into the JSON-like types records use.
func plain(v any) any {
	switch x := v.(type) {
	case bson.DateTime:
		return x.Time().UTC()
	case bson.M:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = plain(vv)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.A:
		a := make([]any, len(x))
		for i, vv := range x {
			a[i] = plain(vv)
		}
		return a
	case bson.Binary:
		return x.Data
	case int32:
		return int64(x)
	default:
		return v
	}
}

// classify maps driver errors onto the remote error taxonomy.
func classify(c models.Collection, id, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return remote.Unavailable("mongostore: "+op, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeNoQueryExecutionPlans):
			return &remote.IndexError{Collection: c, Message: err.Error(), RemediationURL: indexHelpURL}
		case se.HasErrorCode(codeDocumentValidationFailure), se.HasErrorCode(codeUnauthorized):
			return &remote.RejectedError{Collection: c, ID: id, Reason: err.Error()}
		}
		if se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError") {
			return remote.Unavailable("mongostore: "+op, err)
		}
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return remote.Unavailable("mongostore: "+op, err)
	}
	return &remote.RejectedError{Collection: c, ID: id, Reason: op + ": " + err.Error()}
}
