package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestHandleRoomKeyEventRegistersSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	evt := &event.Event{
		Sender: "@bob:example.org",
		Type:   event.ToDeviceRoomKey,
	}
	evt.Content.Parsed = &event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     "!room:example.org",
		SessionID:  "session-from-bob",
		SessionKey: "session-key-material",
	}

	c.decryptCtx.Submit(func() {
		c.handleRoomKeyEvent(ctx, evt)
	})

	require.Eventually(t, func() bool {
		dec, err := c.decryptorFor(ctx, "!room:example.org", id.AlgorithmMegolmV1)
		if err != nil {
			return false
		}
		// The fake primitive mints its own session id for the imported key,
		// so look the session up by the id the decryptor registered.
		megolm := dec.(*MegolmDecryptor)
		megolm.mu.Lock()
		var registered []id.SessionID
		for k := range megolm.sessions {
			registered = append(registered, k.sessionID)
		}
		megolm.mu.Unlock()
		return len(registered) == 1 && dec.HasKeysForKeyRequest(ctx, KeyRequestBody{SessionID: registered[0]})
	}, testEventuallyTimeout, testEventuallyTick)
}

func TestMarkDeviceWedgedSetsUnwedgedOnMatchingDevice(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	require.NoError(t, store.PutDevice(ctx, dev))

	c.MarkDeviceWedged(ctx, dev.UserID, dev.Curve25519)

	got, err := store.GetDevice(ctx, dev.UserID, dev.DeviceID)
	require.NoError(t, err)
	assert.True(t, got.Unwedged)
}

func TestMarkDeviceWedgedIgnoresNonMatchingCurveKey(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	dev, _ := newVerifiedBobDevice(t)
	require.NoError(t, store.PutDevice(ctx, dev))

	c.MarkDeviceWedged(ctx, dev.UserID, "some-other-curve25519")

	got, err := store.GetDevice(ctx, dev.UserID, dev.DeviceID)
	require.NoError(t, err)
	assert.False(t, got.Unwedged)
}
