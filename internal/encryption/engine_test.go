package encryption

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type staticSalts struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *staticSalts) UserSalt(_ context.Context, userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []byte("salt-for-" + userID), nil
}

func readyEngine(t testing.TB) *Engine {
	t.Helper()
	e := NewEngine(Options{AppSecret: []byte("pepper"), Salts: &staticSalts{}})
	require.NoError(t, e.SetDeterministicKey(context.Background(), "u1", "angler@example.com"))
	return e
}

func TestSetDeterministicKey_MissingSecret(t *testing.T) {
	e := NewEngine(Options{})
	err := e.SetDeterministicKey(context.Background(), "u1", "a@b.c")
	assert.ErrorIs(t, err, common.ErrMissingAppSecret)
	assert.False(t, e.IsReady())
}

func TestSetDeterministicKey_IdempotentPerIdentity(t *testing.T) {
	salts := &staticSalts{}
	e := NewEngine(Options{AppSecret: []byte("pepper"), Salts: salts})
	ctx := context.Background()

	require.NoError(t, e.SetDeterministicKey(ctx, "u1", "a@b.c"))
	require.NoError(t, e.SetDeterministicKey(ctx, "u1", "a@b.c"))
	assert.Equal(t, 1, salts.calls, "same identity must not re-derive")
	assert.True(t, e.IsReady())

	require.NoError(t, e.SetDeterministicKey(ctx, "u2", "x@y.z"))
	assert.Equal(t, 2, salts.calls)
}

func TestSetDeterministicKey_DeterministicAcrossEngines(t *testing.T) {
	a := readyEngine(t)
	b := readyEngine(t)

	enc := a.EncryptFields(models.Trips, models.Record{"id": "t1", "notes": "secret spot"})
	dec := b.DecryptObject(models.Trips, enc)
	assert.Equal(t, "secret spot", dec["notes"])
}

func TestSetDeterministicKey_SaltFailureLeavesNotReady(t *testing.T) {
	e := NewEngine(Options{AppSecret: []byte("pepper"), Salts: &staticSalts{err: common.ErrUnavailable}})
	err := e.SetDeterministicKey(context.Background(), "u1", "a@b.c")
	assert.ErrorIs(t, err, common.ErrUnavailable)
	assert.False(t, e.IsReady())
}

func TestClearKey(t *testing.T) {
	e := readyEngine(t)
	e.ClearKey()
	assert.False(t, e.IsReady())
}

func TestEncryptFields_NotReadyReturnsInputUnchanged(t *testing.T) {
	e := NewEngine(Options{AppSecret: []byte("pepper")})
	in := models.Record{"id": "t1", "notes": "plain"}

	out := e.EncryptFields(models.Trips, in)
	assert.Equal(t, in, out)
	_, marked := out[common.FieldEncrypted]
	assert.False(t, marked)
}

func TestEncryptFields_OnlyNonEmptyTextIsSealed(t *testing.T) {
	e := readyEngine(t)
	in := models.Record{
		"id":         "t1",
		"notes":      "by the old dam",
		"water":      "",
		"location":   float64(12.5),
		"companions": []any{"Ann", "Bo"},
		"fishCount":  float64(3),
		"released":   true,
	}

	out := e.EncryptFields(models.Trips, in)

	assert.True(t, IsEnvelope(out["notes"]))
	assert.True(t, IsEnvelope(out["companions"]))
	assert.Equal(t, "", out["water"])
	assert.Equal(t, float64(12.5), out["location"], "numbers are never encrypted")
	assert.Equal(t, float64(3), out["fishCount"])
	assert.Equal(t, true, out["released"])
	assert.Equal(t, true, out[common.FieldEncrypted])
	assert.Equal(t, "by the old dam", in["notes"], "input must not be mutated")
	assert.True(t, strings.HasPrefix(out["notes"].(string), EnvelopeVersion+":"))
}

func TestEncryptFields_FreshNoncePerWrite(t *testing.T) {
	e := readyEngine(t)
	in := models.Record{"notes": "same"}
	a := e.EncryptFields(models.Trips, in)
	b := e.EncryptFields(models.Trips, in)
	assert.NotEqual(t, a["notes"], b["notes"])
}

func TestEncryptFields_DoesNotDoubleEncrypt(t *testing.T) {
	e := readyEngine(t)
	once := e.EncryptFields(models.Trips, models.Record{"notes": "x"})
	twice := e.EncryptFields(models.Trips, once)
	assert.Equal(t, once["notes"], twice["notes"])
}

func TestRoundTrip_WithArrays(t *testing.T) {
	e := readyEngine(t)
	in := models.Record{
		"id":       "f1",
		"userId":   "u1",
		"notes":    "caught on a spinner",
		"gear":     []any{"rod", "reel", "spinner"},
		"location": map[string]any{"lake": "Stone", "spot": "north bank"},
		"weight":   float64(2.4),
	}

	out := e.DecryptObject(models.FishCaught, e.EncryptFields(models.FishCaught, in))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip_Property(t *testing.T) {
	e := readyEngine(t)
	collections := models.AllCollections()

	rapid.Check(t, func(rt *rapid.T) {
		c := rapid.SampledFrom(collections).Draw(rt, "collection")
		rec := models.Record{
			"id":    rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(rt, "id"),
			"count": float64(rapid.IntRange(0, 1000).Draw(rt, "count")),
		}
		for _, f := range e.SensitiveFields(c) {
			switch rapid.IntRange(0, 2).Draw(rt, f+"-kind") {
			case 0:
				rec[f] = rapid.String().Draw(rt, f)
			case 1:
				items := rapid.SliceOfN(rapid.String(), 0, 5).Draw(rt, f+"-items")
				arr := make([]any, len(items))
				for i, s := range items {
					arr[i] = s
				}
				rec[f] = arr
			}
		}

		got := e.DecryptObject(c, e.EncryptFields(c, rec))
		require.Equal(rt, rec, got)
	})
}

func TestDecryptObject_CorruptedFieldStaysVerbatim(t *testing.T) {
	e := readyEngine(t)
	enc := e.EncryptFields(models.FishCaught, models.Record{
		"id":      "f1",
		"notes":   "valid",
		"details": "will be mangled",
	})

	env, err := ParseEnvelope(enc["details"].(string))
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xff
	mangled := env.String()
	enc["details"] = mangled

	var out models.Record
	require.NotPanics(t, func() { out = e.DecryptObject(models.FishCaught, enc) })
	assert.Equal(t, "valid", out["notes"])
	assert.Equal(t, mangled, out["details"])
	assert.Equal(t, true, out[common.FieldEncrypted], "marker stays while a field is still sealed")
}

func TestDecryptObject_WrongKeyAndTransplant(t *testing.T) {
	e := readyEngine(t)
	enc := e.EncryptFields(models.Trips, models.Record{"notes": "n", "water": "w"})

	// an envelope moved to another field fails authentication
	swapped := enc.Clone()
	swapped["water"] = enc["notes"]
	out := e.DecryptObject(models.Trips, swapped)
	assert.Equal(t, "n", out["notes"])
	assert.Equal(t, enc["notes"], out["water"])

	other := NewEngine(Options{AppSecret: []byte("pepper"), Salts: &staticSalts{}})
	require.NoError(t, other.SetDeterministicKey(context.Background(), "u2", "b@example.com"))
	out = other.DecryptObject(models.Trips, enc)
	assert.Equal(t, enc["notes"], out["notes"])
}

func TestDecryptObject_PassThrough(t *testing.T) {
	e := readyEngine(t)
	in := models.Record{"notes": "legacy plaintext", "odd": "v1:not-base64:???"}
	out := e.DecryptObject(models.Trips, in)
	assert.Equal(t, in, out)

	notReady := NewEngine(Options{AppSecret: []byte("pepper")})
	enc := e.EncryptFields(models.Trips, models.Record{"notes": "x"})
	assert.Equal(t, enc, notReady.DecryptObject(models.Trips, enc))
	assert.Nil(t, notReady.DecryptObject(models.Trips, nil))
}

func TestIsLegacyCandidate(t *testing.T) {
	e := readyEngine(t)

	tests := []struct {
		name string
		rec  models.Record
		want bool
	}{
		{"plaintext notes", models.Record{"notes": "x"}, true},
		{"plaintext array", models.Record{"companions": []any{"a"}}, true},
		{"plaintext under marker", models.Record{"notes": "x", "_encrypted": true}, true},
		{"sealed with marker", models.Record{"notes": "", "_encrypted": true}, false},
		{"only numbers", models.Record{"fishCount": float64(3)}, false},
		{"empty notes", models.Record{"notes": ""}, false},
		{"already sealed", e.EncryptFields(models.Trips, models.Record{"notes": "x"}), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.IsLegacyCandidate(models.Trips, tt.rec))
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	_, err := ParseEnvelope("hello")
	assert.True(t, errors.Is(err, common.ErrNotEnvelope))

	_, err = ParseEnvelope("v2:AAAAAAAAAAAAAAAA:AAAA")
	assert.ErrorIs(t, err, common.ErrNotEnvelope)

	env := Envelope{Version: EnvelopeVersion, Nonce: make([]byte, 12), Ciphertext: []byte{1, 2, 3}}
	got, err := ParseEnvelope(env.String())
	require.NoError(t, err)
	assert.Equal(t, env, got)

	assert.False(t, IsEnvelope(42))
}

func TestSensitivity(t *testing.T) {
	s := DefaultSensitivity()
	assert.True(t, s.Has(models.FishCaught, "photoKey"))
	assert.False(t, s.Has(models.FishCaught, "weight"))
	for _, c := range models.AllCollections() {
		assert.NotEmpty(t, s.Fields(c), c)
	}
}
