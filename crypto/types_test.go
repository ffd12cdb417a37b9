package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestKeyRequestBodyFingerprintIsStableAndDistinguishing(t *testing.T) {
	a := KeyRequestBody{
		RoomID:    "!room:example.org",
		Algorithm: id.AlgorithmMegolmV1,
		SenderKey: "sender-key",
		SessionID: "session-id",
	}
	b := a
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.SessionID = "other-session"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestVerificationStateString(t *testing.T) {
	cases := map[VerificationState]string{
		VerificationUnknown:    "unknown",
		VerificationUnverified: "unverified",
		VerificationVerified:   "verified",
		VerificationBlocked:    "blocked",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestDeviceIdentitySupportsAlgorithm(t *testing.T) {
	d := &DeviceIdentity{Algorithms: []id.Algorithm{id.AlgorithmMegolmV1, id.AlgorithmOlmV1}}
	assert.True(t, d.SupportsAlgorithm(id.AlgorithmMegolmV1))
	assert.False(t, d.SupportsAlgorithm("m.unknown"))
}
