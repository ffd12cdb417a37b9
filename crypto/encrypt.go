package crypto

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SetEncryptionInRoom implements §4.2's set_encryption_in_room: records the
// write-once (room_id -> algorithm) binding and begins tracking every
// member's device list for the first time. inhibitDeviceQuery, when set,
// skips the immediate refresh — the lists stay "tracked but stale" until a
// later sync or explicit refresh picks them up.
func (c *Coordinator) SetEncryptionInRoom(ctx context.Context, roomID id.RoomID, algorithm id.Algorithm, inhibitDeviceQuery bool, members []id.UserID) error {
	return c.encryptCtx.Run(ctx, func() error {
		if err := c.store.PutRoomAlgorithm(ctx, roomID, algorithm); err != nil {
			return err
		}
		for _, userID := range members {
			c.devices.ForceStale(userID)
		}
		if !inhibitDeviceQuery {
			c.devices.RefreshStale(ctx)
		}
		return nil
	})
}

// encryptorFor resolves or lazily instantiates the per-room Encryptor (§4.2).
func (c *Coordinator) encryptorFor(ctx context.Context, roomID id.RoomID) (Encryptor, error) {
	algorithm, ok, err := c.store.GetRoomAlgorithm(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoAlgorithm
	}

	c.encryptorsMu.Lock()
	defer c.encryptorsMu.Unlock()
	if enc, ok := c.encryptors[roomID]; ok {
		return enc, nil
	}
	enc, err := c.registry.NewEncryptor(algorithm, roomID, c)
	if err != nil {
		return nil, err
	}
	if err := enc.Init(ctx); err != nil {
		return nil, err
	}
	c.encryptors[roomID] = enc
	return enc, nil
}

// EncryptEvent implements §4.2's top-level encrypt_event: resolve the
// room's algorithm, delegate to its Encryptor, and assemble the outer
// m.room.encrypted event content. If the coordinator isn't STARTED yet, it
// invokes start() and waits for it before proceeding, per §4.2.
func (c *Coordinator) EncryptEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, members []id.UserID) (*event.EncryptedEventContent, error) {
	if c.getState() == StateClosed {
		return nil, ErrClosed
	}
	if c.getState() != StateStarted {
		started := make(chan error, 1)
		c.Start(ctx, false, func(err error) { started <- err })
		select {
		case err := <-started:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var result *event.EncryptedEventContent
	err := c.encryptCtx.Run(ctx, func() error {
		enc, err := c.encryptorFor(ctx, roomID)
		if err != nil {
			return &EncryptError{Reason: "no algorithm configured for room", Err: err}
		}
		payload, err := enc.EncryptEvent(ctx, content, evtType, members)
		if err != nil {
			return err
		}
		result = &event.EncryptedEventContent{
			Algorithm:  payload.Algorithm,
			SenderKey:  payload.SenderKey,
			Ciphertext: payload.Ciphertext,
			SessionID:  payload.SessionID,
			DeviceID:   payload.DeviceID,
		}
		return nil
	})
	return result, err
}

// rotateEncryptorForLeave drops the room's outbound Megolm session after a
// membership leave/ban so the next encrypt_event establishes a fresh one
// excluding the departed member (§4.8: rotation-on-removal is the
// Encryptor's responsibility).
func (c *Coordinator) rotateEncryptorForLeave(roomID id.RoomID) {
	c.encryptorsMu.Lock()
	enc, ok := c.encryptors[roomID]
	c.encryptorsMu.Unlock()
	if !ok {
		return
	}
	if megolm, ok := enc.(*MegolmEncryptor); ok {
		megolm.Rotate()
	}
}
