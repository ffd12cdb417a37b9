package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestDeviceListTrackerTrackIsIdempotentOnceFresh(t *testing.T) {
	tracker := NewDeviceListTracker(&Coordinator{})
	tracker.Track("@bob:example.org")
	assert.True(t, tracker.IsTracked("@bob:example.org"))

	tracker.mu.Lock()
	tracker.states["@bob:example.org"] = trackFresh
	tracker.mu.Unlock()

	// Track must not reset an already-tracked (fresh) user back to stale.
	tracker.Track("@bob:example.org")
	tracker.mu.Lock()
	state := tracker.states["@bob:example.org"]
	tracker.mu.Unlock()
	assert.Equal(t, trackFresh, state)
}

func TestDeviceListTrackerForceStaleOverridesFresh(t *testing.T) {
	tracker := NewDeviceListTracker(&Coordinator{})
	tracker.mu.Lock()
	tracker.states["@bob:example.org"] = trackFresh
	tracker.mu.Unlock()

	tracker.ForceStale("@bob:example.org")
	require.Len(t, tracker.staleUsers(), 1)
}

func TestDeviceListTrackerApplyChangesMarksChangedStaleAndDropsLeft(t *testing.T) {
	tracker := NewDeviceListTracker(&Coordinator{})
	tracker.Track("@bob:example.org")
	tracker.Track("@carol:example.org")
	tracker.mu.Lock()
	tracker.states["@bob:example.org"] = trackFresh
	tracker.mu.Unlock()

	tracker.ApplyChanges(context.Background(), []id.UserID{"@bob:example.org"}, []id.UserID{"@carol:example.org"})

	assert.False(t, tracker.IsTracked("@carol:example.org"))
	require.Len(t, tracker.staleUsers(), 1)
	assert.Equal(t, id.UserID("@bob:example.org"), tracker.staleUsers()[0])
}

func TestDeviceListTrackerRefreshStaleReconcilesAndPreservesVerification(t *testing.T) {
	c, hs, store := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	require.NoError(t, store.PutDevice(ctx, dev))
	require.NoError(t, store.SetVerification(ctx, dev.UserID, dev.DeviceID, VerificationVerified))

	hs.mu.Lock()
	hs.queryKeysResult = map[id.UserID]map[id.DeviceID]QueriedDevice{
		dev.UserID: {
			dev.DeviceID: {Identity: DeviceIdentity{Ed25519: dev.Ed25519, Curve25519: dev.Curve25519}},
		},
	}
	hs.mu.Unlock()

	c.devices.ForceStale(dev.UserID)
	c.devices.RefreshStale(ctx)

	got, err := store.GetDevice(ctx, dev.UserID, dev.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, VerificationVerified, got.Verification, "refresh must not downgrade existing verification")
	assert.True(t, c.devices.IsTracked(dev.UserID))
}

func TestDeviceListTrackerRefreshStaleMarksNewDeviceUnknown(t *testing.T) {
	c, hs, store := newTestCoordinator(t)
	ctx := context.Background()

	hs.mu.Lock()
	hs.queryKeysResult = map[id.UserID]map[id.DeviceID]QueriedDevice{
		"@carol:example.org": {
			"CAROLDEVICE": {Identity: DeviceIdentity{Ed25519: "carol-ed", Curve25519: "carol-curve"}},
		},
	}
	hs.mu.Unlock()

	c.devices.ForceStale("@carol:example.org")
	c.devices.RefreshStale(ctx)

	got, err := store.GetDevice(ctx, "@carol:example.org", "CAROLDEVICE")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, VerificationUnknown, got.Verification)
}

func TestOnMembershipChangeJoinTracksDevices(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.OnMembershipChange(context.Background(), "!room:example.org", MembershipFact{UserID: "@dave:example.org", Membership: "join"}, false)
	require.Eventually(t, func() bool {
		return c.devices.IsTracked("@dave:example.org")
	}, testEventuallyTimeout, testEventuallyTick)
}

func TestOnMembershipChangeInviteOnlyTracksWhenConfigured(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.OnMembershipChange(context.Background(), "!room:example.org", MembershipFact{UserID: "@erin:example.org", Membership: "invite"}, false)

	// Give the encrypt context a moment to process; it must NOT have tracked erin.
	done := make(chan struct{})
	c.encryptCtx.Submit(func() { close(done) })
	<-done
	assert.False(t, c.devices.IsTracked("@erin:example.org"))
}
