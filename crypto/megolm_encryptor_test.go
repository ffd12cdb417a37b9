package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestMegolmEncryptorEncryptEventEstablishesSessionOnFirstCall(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	require.NoError(t, store.PutDevice(ctx, dev))
	fake := c.olm.(*fakeOlmPrimitive)
	_, err := fake.NewOutboundSession(dev.Curve25519, "some-otk")
	require.NoError(t, err)

	enc := NewMegolmEncryptor("!room:example.org", c)
	payload, err := enc.EncryptEvent(ctx, map[string]any{"body": "hi"}, event.EventMessage, []id.UserID{dev.UserID})
	require.NoError(t, err)
	assert.Equal(t, id.AlgorithmMegolmV1, payload.Algorithm)
	assert.NotEmpty(t, payload.SessionID)
}

func TestMegolmEncryptorExcludesBlockedDevices(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	blocked, _ := newVerifiedBobDevice(t)
	blocked.Verification = VerificationBlocked
	require.NoError(t, store.PutDevice(ctx, blocked))

	enc := NewMegolmEncryptor("!room:example.org", c).(*MegolmEncryptor)
	devices, err := enc.recipientDevices(ctx, []id.UserID{blocked.UserID})
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestMegolmEncryptorExcludesUnverifiedWhenRoomBlacklisted(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	unverified, _ := newVerifiedBobDevice(t)
	unverified.Verification = VerificationUnverified
	require.NoError(t, store.PutDevice(ctx, unverified))
	require.NoError(t, store.SetRoomBlacklistUnverified(ctx, "!room:example.org", true))

	enc := NewMegolmEncryptor("!room:example.org", c).(*MegolmEncryptor)
	devices, err := enc.recipientDevices(ctx, []id.UserID{unverified.UserID})
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestMegolmEncryptorIncludesUnverifiedWhenNotBlacklisted(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	unverified, _ := newVerifiedBobDevice(t)
	unverified.Verification = VerificationUnverified
	require.NoError(t, store.PutDevice(ctx, unverified))

	enc := NewMegolmEncryptor("!room:example.org", c).(*MegolmEncryptor)
	devices, err := enc.recipientDevices(ctx, []id.UserID{unverified.UserID})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, unverified.DeviceID, devices[0].DeviceID)
}

func TestMegolmEncryptorRotatesAfterMessageThreshold(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	require.NoError(t, store.PutDevice(ctx, dev))
	fake := c.olm.(*fakeOlmPrimitive)
	_, err := fake.NewOutboundSession(dev.Curve25519, "some-otk")
	require.NoError(t, err)

	enc := NewMegolmEncryptor("!room:example.org", c).(*MegolmEncryptor)
	first, err := enc.EncryptEvent(ctx, map[string]any{"body": "hi"}, event.EventMessage, []id.UserID{dev.UserID})
	require.NoError(t, err)

	enc.current.messagesSent = megolmRotationMessages
	second, err := enc.EncryptEvent(ctx, map[string]any{"body": "hi again"}, event.EventMessage, []id.UserID{dev.UserID})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestMegolmEncryptorRotateForcesNewSessionOnNextEncrypt(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	require.NoError(t, store.PutDevice(ctx, dev))
	fake := c.olm.(*fakeOlmPrimitive)
	_, err := fake.NewOutboundSession(dev.Curve25519, "some-otk")
	require.NoError(t, err)

	enc := NewMegolmEncryptor("!room:example.org", c).(*MegolmEncryptor)
	first, err := enc.EncryptEvent(ctx, map[string]any{"body": "hi"}, event.EventMessage, []id.UserID{dev.UserID})
	require.NoError(t, err)

	enc.Rotate()
	second, err := enc.EncryptEvent(ctx, map[string]any{"body": "hi again"}, event.EventMessage, []id.UserID{dev.UserID})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}
