package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"
)

// canonicalizeSignable strips "signatures" and "unsigned" (per §6: "Signature
// is computed over the canonicalized dictionary with signatures and unsigned
// omitted") and re-serializes with map keys, at every nesting level, in their
// natural encoding/json sort order, which is the same lexicographic order
// Matrix's canonical JSON requires.
func canonicalizeSignable(raw []byte) ([]byte, error) {
	stripped, err := sjson.DeleteBytes(raw, "signatures")
	if err != nil {
		return nil, fmt.Errorf("strip signatures: %w", err)
	}
	stripped, err = sjson.DeleteBytes(stripped, "unsigned")
	if err != nil {
		return nil, fmt.Errorf("strip unsigned: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(stripped))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("parse signable object: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-encode canonical form: %w", err)
	}
	return canonical, nil
}

// signatureFor extracts signatures[userID][keyID] from a JSON object using
// gjson, without a full struct unmarshal.
func signatureFor(raw []byte, userID id.UserID, keyID id.KeyID) (string, bool) {
	path := fmt.Sprintf("signatures.%s.%s", gjson.Escape(string(userID)), gjson.Escape(string(keyID)))
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}

// verifyEd25519Signature checks a base64 ed25519 signature over canonical against
// fingerprint. It first validates the fingerprint decodes to a point on the
// curve (filippo.io/edwards25519, the same primitive maunium.net/go/mautrix/crypto/signatures
// builds on) before delegating the actual Verify to crypto/ed25519, so a
// malformed key fails fast with a clear error instead of an opaque false.
func verifyEd25519Signature(fingerprint id.Ed25519, canonical []byte, signatureB64 string) (bool, error) {
	keyBytes, err := base64.RawStdEncoding.DecodeString(string(fingerprint))
	if err != nil {
		return false, fmt.Errorf("decode ed25519 fingerprint: %w", err)
	}
	if _, err := new(edwards25519.Point).SetBytes(keyBytes); err != nil {
		return false, fmt.Errorf("invalid ed25519 point: %w", err)
	}

	sig, err := base64.RawStdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(keyBytes), canonical, sig), nil
}

// jsonMarshal is a thin wrapper so callers elsewhere in the package don't
// need to import encoding/json just to produce a signable byte string.
func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// VerifyCanonicalSignature verifies raw's signatures[userID][keyID] against
// fingerprint, per the canonicalization rule in §6 and the verification step
// in §4.4.4 / §4.6.
func VerifyCanonicalSignature(raw []byte, userID id.UserID, keyID id.KeyID, fingerprint id.Ed25519) (bool, error) {
	sig, ok := signatureFor(raw, userID, keyID)
	if !ok {
		return false, nil
	}
	canonical, err := canonicalizeSignable(raw)
	if err != nil {
		return false, err
	}
	return verifyEd25519Signature(fingerprint, canonical, sig)
}
