package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestCheckUnknownDevicesReturnsErrorForStillUnknownDevice(t *testing.T) {
	c, hs, store := newTestCoordinator(t)
	ctx := context.Background()

	hs.mu.Lock()
	hs.queryKeysResult = map[id.UserID]map[id.DeviceID]QueriedDevice{
		"@carol:example.org": {
			"CAROLDEVICE": {Identity: DeviceIdentity{Ed25519: "carol-ed", Curve25519: "carol-curve"}},
		},
	}
	hs.mu.Unlock()

	err := c.CheckUnknownDevices(ctx, []id.UserID{"@carol:example.org"})
	require.Error(t, err)
	var unknownErr *UnknownDevicesError
	require.ErrorAs(t, err, &unknownErr)
	assert.Contains(t, unknownErr.Devices["@carol:example.org"], "CAROLDEVICE")

	got, err := store.GetDevice(ctx, "@carol:example.org", "CAROLDEVICE")
	require.NoError(t, err)
	assert.Equal(t, VerificationUnknown, got.Verification)
}

func TestCheckUnknownDevicesSucceedsWhenAllKnown(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	require.NoError(t, store.PutDevice(ctx, dev))

	err := c.CheckUnknownDevices(ctx, []id.UserID{dev.UserID})
	assert.NoError(t, err)
}

func TestSetDeviceVerificationUpdatesStore(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	dev.Verification = VerificationUnverified
	require.NoError(t, store.PutDevice(ctx, dev))

	require.NoError(t, c.SetDeviceVerification(ctx, dev.UserID, dev.DeviceID, VerificationBlocked))

	got, err := store.GetDevice(ctx, dev.UserID, dev.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, VerificationBlocked, got.Verification)
}

func TestSetDevicesKnownPromotesOnlyUnknownDevices(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	unknown := &DeviceIdentity{UserID: "@bob:example.org", DeviceID: "D1", Verification: VerificationUnknown}
	verified := &DeviceIdentity{UserID: "@bob:example.org", DeviceID: "D2", Verification: VerificationVerified}
	require.NoError(t, store.PutDevice(ctx, unknown))
	require.NoError(t, store.PutDevice(ctx, verified))

	require.NoError(t, c.SetDevicesKnown(ctx, []id.UserID{"@bob:example.org"}))

	got1, err := store.GetDevice(ctx, "@bob:example.org", "D1")
	require.NoError(t, err)
	assert.Equal(t, VerificationUnverified, got1.Verification)

	got2, err := store.GetDevice(ctx, "@bob:example.org", "D2")
	require.NoError(t, err)
	assert.Equal(t, VerificationVerified, got2.Verification, "already-verified devices must not be touched")
}
