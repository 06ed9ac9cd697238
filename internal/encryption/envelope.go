package encryption

import (
	"encoding/base64"
	"strings"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
)

// EnvelopeVersion prefixes every envelope written by this package. The
// textual layout "v1:<nonce>:<ciphertext>" must stay readable forever.
const EnvelopeVersion = "v1"

const nonceSize = 12

// Envelope is a parsed encrypted field value.
type Envelope struct {
	Version    string
	Nonce      []byte
	Ciphertext []byte
}

// String renders the envelope in its stored form.
func (e Envelope) String() string {
	return e.Version + ":" +
		base64.StdEncoding.EncodeToString(e.Nonce) + ":" +
		base64.StdEncoding.EncodeToString(e.Ciphertext)
}

// ParseEnvelope parses s, returning common.ErrNotEnvelope for anything that
// is not a well-formed envelope of a known version.
func ParseEnvelope(s string) (Envelope, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != EnvelopeVersion {
		return Envelope{}, common.ErrNotEnvelope
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceSize {
		return Envelope{}, common.ErrNotEnvelope
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(ct) == 0 {
		return Envelope{}, common.ErrNotEnvelope
	}
	return Envelope{Version: parts[0], Nonce: nonce, Ciphertext: ct}, nil
}

// IsEnvelope reports whether v is a string holding a well-formed envelope.
func IsEnvelope(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := ParseEnvelope(s)
	return err == nil
}
