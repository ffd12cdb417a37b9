package crypto

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestEnsureOlmSessionsForDevicesSkipsSelfAndBlocked(t *testing.T) {
	c, hs, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, selfCurve := c.olm.IdentityKeys()
	selfAsOther := &DeviceIdentity{UserID: c.self.UserID, DeviceID: c.self.DeviceID, Curve25519: selfCurve}
	blocked, _ := newVerifiedBobDevice(t)
	blocked.Verification = VerificationBlocked

	hs.mu.Lock()
	hs.claimResponse = map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey{}
	hs.mu.Unlock()

	result, err := c.EnsureOlmSessionsForDevices(ctx, map[id.UserID][]*DeviceIdentity{
		c.self.UserID:  {selfAsOther},
		blocked.UserID: {blocked},
	})
	require.NoError(t, err)
	assert.Empty(t, result)
	assert.Equal(t, 0, hs.sentCount())
}

func TestEnsureOlmSessionsForDevicesReusesExistingSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	fake := c.olm.(*fakeOlmPrimitive)
	existing, err := fake.NewOutboundSession(dev.Curve25519, "some-otk")
	require.NoError(t, err)

	result, err := c.EnsureOlmSessionsForDevices(ctx, map[id.UserID][]*DeviceIdentity{dev.UserID: {dev}})
	require.NoError(t, err)
	assert.Equal(t, existing, result[dev.DeviceID])
}

func TestEnsureOlmSessionsForDevicesClaimsAndVerifiesSignature(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	dev, priv := newVerifiedBobDevice(t)

	hsFake := c.hs.(*fakeHomeserverClient)
	hsFake.mu.Lock()
	hsFake.claimResponse = map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey{
		dev.UserID: {dev.DeviceID: {"signed_curve25519:OTK1": signedClaimedOTK(t, priv, dev.UserID, dev.DeviceID, "bob-otk-1")}},
	}
	hsFake.mu.Unlock()

	result, err := c.EnsureOlmSessionsForDevices(ctx, map[id.UserID][]*DeviceIdentity{dev.UserID: {dev}})
	require.NoError(t, err)
	require.Contains(t, result, dev.DeviceID)
	assert.False(t, dev.Unwedged)
}

func TestEnsureOlmSessionsForDevicesSkipsDeviceOnBadSignature(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	dev, _ := newVerifiedBobDevice(t)

	// Sign with an unrelated key: the device's own Ed25519 fingerprint will
	// not validate this signature.
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	hsFake := c.hs.(*fakeHomeserverClient)
	hsFake.mu.Lock()
	hsFake.claimResponse = map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey{
		dev.UserID: {dev.DeviceID: {"signed_curve25519:OTK1": signedClaimedOTK(t, wrongPriv, dev.UserID, dev.DeviceID, "bob-otk-1")}},
	}
	hsFake.mu.Unlock()

	result, err := c.EnsureOlmSessionsForDevices(ctx, map[id.UserID][]*DeviceIdentity{dev.UserID: {dev}})
	require.NoError(t, err)
	assert.NotContains(t, result, dev.DeviceID)
}

func TestEnsureOlmSessionsForDevicesForcesFreshSessionWhenUnwedged(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	dev, priv := newVerifiedBobDevice(t)

	fake := c.olm.(*fakeOlmPrimitive)
	stale, err := fake.NewOutboundSession(dev.Curve25519, "stale-otk")
	require.NoError(t, err)
	dev.Unwedged = true

	hsFake := c.hs.(*fakeHomeserverClient)
	hsFake.mu.Lock()
	hsFake.claimResponse = map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey{
		dev.UserID: {dev.DeviceID: {"signed_curve25519:OTK2": signedClaimedOTK(t, priv, dev.UserID, dev.DeviceID, "bob-otk-2")}},
	}
	hsFake.mu.Unlock()

	result, err := c.EnsureOlmSessionsForDevices(ctx, map[id.UserID][]*DeviceIdentity{dev.UserID: {dev}})
	require.NoError(t, err)
	require.Contains(t, result, dev.DeviceID)
	assert.NotEqual(t, stale, result[dev.DeviceID])
	assert.False(t, dev.Unwedged)
}

func TestEncryptMessageSkipsDeviceWithoutSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	dev, _ := newVerifiedBobDevice(t)

	_, err := c.EncryptMessage(ctx, map[string]any{"hello": "world"}, []*DeviceIdentity{dev})
	assert.ErrorIs(t, err, ErrNoOutboundSession)
}

func TestEncryptMessageEncryptsForDeviceWithSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	dev, _ := newVerifiedBobDevice(t)

	fake := c.olm.(*fakeOlmPrimitive)
	_, err := fake.NewOutboundSession(dev.Curve25519, "some-otk")
	require.NoError(t, err)

	msg, err := c.EncryptMessage(ctx, map[string]any{"hello": "world"}, []*DeviceIdentity{dev})
	require.NoError(t, err)
	assert.Contains(t, msg.Ciphertext, dev.Curve25519)
}
