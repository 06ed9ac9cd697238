// Package encryption is the field encryption engine. An Engine holds the
// session key of the signed-in user and encrypts the sensitive fields of a
// record into versioned envelopes. Without a key every operation passes
// data through unchanged.
package encryption

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/cryptox"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// SaltSource returns the per-user random salt kept with the remote user
// profile, creating it on first use.
type SaltSource interface {
	UserSalt(ctx context.Context, userID string) ([]byte, error)
}

type Options struct {
	// AppSecret is the application-wide pepper. Empty leaves the engine
	// permanently not ready.
	AppSecret []byte
	Fields    Sensitivity
	// Salts supplies per-user salts. When nil a salt is derived from the
	// user id, which is only suitable for tests and offline demos.
	Salts  SaltSource
	Logger logging.Logger
}

type Engine struct {
	secret []byte
	fields Sensitivity
	salts  SaltSource
	log    logging.Logger

	setMu sync.Mutex // serializes key derivation

	mu     sync.RWMutex
	key    []byte
	keyFor string
}

func NewEngine(opts Options) *Engine {
	fields := opts.Fields
	if fields == nil {
		fields = DefaultSensitivity()
	}
	return &Engine{
		secret: append([]byte(nil), opts.AppSecret...),
		fields: fields,
		salts:  opts.Salts,
		log:    logging.OrDiscard(opts.Logger).With("component", "encryption"),
	}
}

// SetDeterministicKey derives and installs the session key for the user.
// Calling it again for the same (userID, email) is a no-op. On failure the
// engine is left not ready and the error is returned for logging; callers
// keep working in plaintext.
func (e *Engine) SetDeterministicKey(ctx context.Context, userID, email string) error {
	if len(e.secret) == 0 {
		e.log.Error(ctx, "application secret missing, field encryption disabled")
		return common.ErrMissingAppSecret
	}

	e.setMu.Lock()
	defer e.setMu.Unlock()

	id := userID + "|" + email
	e.mu.RLock()
	same := e.key != nil && e.keyFor == id
	e.mu.RUnlock()
	if same {
		return nil
	}

	// a different identity must never keep using the previous key
	e.ClearKey()

	salt, err := e.userSalt(ctx, userID)
	if err != nil {
		e.log.Error(ctx, "failed to load user salt", "user_id", userID, "error", err)
		return fmt.Errorf("user salt: %w", err)
	}

	key, err := cryptox.DeriveSessionKey(userID, email, e.secret, salt)
	if err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}

	e.mu.Lock()
	e.key = key
	e.keyFor = id
	e.mu.Unlock()

	e.log.Info(ctx, "session key ready", "user_id", userID)
	return nil
}

func (e *Engine) userSalt(ctx context.Context, userID string) ([]byte, error) {
	if e.salts == nil {
		sum := sha256.Sum256([]byte("fishkeeper:salt:" + userID))
		return sum[:16], nil
	}
	salt, err := e.salts.UserSalt(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt of %d bytes is too short", len(salt))
	}
	return salt, nil
}

// ClearKey wipes the session key.
func (e *Engine) ClearKey() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key != nil {
		common.WipeByteArray(e.key)
	}
	e.key = nil
	e.keyFor = ""
}

// IsReady reports whether a session key is held.
func (e *Engine) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.key != nil
}

// SensitiveFields returns the sensitive field names of collection.
func (e *Engine) SensitiveFields(collection models.Collection) []string {
	return e.fields.Fields(collection)
}

func (e *Engine) currentKey() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.key == nil {
		return nil
	}
	return append([]byte(nil), e.key...)
}

func aad(collection models.Collection, field string) []byte {
	return []byte(string(collection) + "|" + field)
}

// EncryptFields returns a copy of record with every sensitive field sealed
// and the _encrypted marker set. Without a key the input is returned as is.
// A field that fails to encrypt stays plaintext and the marker is withheld,
// so the migration picks the document up again later.
func (e *Engine) EncryptFields(collection models.Collection, record models.Record) models.Record {
	key := e.currentKey()
	if key == nil || record == nil {
		return record
	}
	defer common.WipeByteArray(key)

	out := record.Clone()
	complete := true
	for _, field := range e.fields[collection] {
		v, ok := out[field]
		if !ok || !encryptable(v) {
			continue
		}
		env, err := seal(key, collection, field, v)
		if err != nil {
			e.log.Warn(context.Background(), "field encryption failed",
				"collection", collection, "field", field, "error", err)
			complete = false
			continue
		}
		out[field] = env
	}
	if complete {
		out[common.FieldEncrypted] = true
	}
	return out
}

func seal(key []byte, collection models.Collection, field string, v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	ct, nonce, err := cryptox.Seal(key, plaintext, aad(collection, field))
	if err != nil {
		return "", err
	}
	return Envelope{Version: EnvelopeVersion, Nonce: nonce, Ciphertext: ct}.String(), nil
}

// DecryptObject returns a copy of record with every envelope decrypted.
// Values that are not envelopes pass through. A field that fails to decrypt
// keeps its raw envelope; the failure is logged and never returned. When
// every envelope opened, the _encrypted marker is dropped from the copy.
//
// Decrypted values come back in their JSON form: a field sealed as a
// []string opens as []any with the same elements, and numbers as float64.
func (e *Engine) DecryptObject(collection models.Collection, record models.Record) models.Record {
	if record == nil {
		return nil
	}
	out := record.Clone()
	key := e.currentKey()
	defer common.WipeByteArray(key)

	failed := 0
	for field, v := range out {
		s, ok := v.(string)
		if !ok {
			continue
		}
		env, err := ParseEnvelope(s)
		if err != nil {
			continue
		}
		if key == nil {
			failed++
			continue
		}
		plain, err := open(key, collection, field, env)
		if err != nil {
			failed++
			e.log.Warn(context.Background(), "field left encrypted",
				"collection", collection, "field", field, "record_id", record.RecordID(), "error", err)
			continue
		}
		out[field] = plain
	}
	if failed == 0 {
		delete(out, common.FieldEncrypted)
	}
	return out
}

func open(key []byte, collection models.Collection, field string, env Envelope) (any, error) {
	plaintext, err := cryptox.Open(key, env.Nonce, env.Ciphertext, aad(collection, field))
	if err != nil {
		return nil, &DecryptError{Collection: collection, Field: field, Err: err}
	}
	var v any
	if err := json.Unmarshal(plaintext, &v); err != nil {
		// raw text sealed by an older writer
		return string(plaintext), nil
	}
	return v, nil
}

// IsLegacyCandidate reports whether record holds plaintext in a sensitive
// field. The _encrypted marker is not trusted for this: a write made while
// no key was held can leave plaintext next to a marker from an earlier
// encrypted write on backends that merge documents. Documents whose
// sensitive fields are all envelopes or empty are never candidates.
func (e *Engine) IsLegacyCandidate(collection models.Collection, record models.Record) bool {
	if record == nil {
		return false
	}
	for _, field := range e.fields[collection] {
		if encryptable(record[field]) {
			return true
		}
	}
	return false
}

// DecryptError describes a field that could not be opened.
type DecryptError struct {
	Collection models.Collection
	Field      string
	Err        error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt %s.%s: %v", e.Collection, e.Field, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }
