package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Sentinel errors for the to-device Olm decrypt path, grounded directly on
// the mautrix-go crypto package's decryptOlmEvent (SPEC_FULL.md §0 teacher
// grounding via other_examples/...crypto-decryptolm.go.go).
var (
	errNotEncryptedForMe    = errors.New("mxcrypto: olm event doesn't contain ciphertext for this device")
	errSenderMismatch       = errors.New("mxcrypto: mismatched sender in olm payload")
	errRecipientMismatch    = errors.New("mxcrypto: mismatched recipient in olm payload")
	errRecipientKeyMismatch = errors.New("mxcrypto: mismatched recipient key in olm payload")
	errDecryptMatchingSession = errors.New("mxcrypto: decryption failed with matching session")
	errDecryptNormalMessage  = errors.New("mxcrypto: decryption failed for normal message")
)

// olmEventEnvelope mirrors §4.5's to-device payload shape.
type olmEventEnvelope struct {
	Sender        id.UserID         `json:"sender"`
	SenderDevice  id.DeviceID       `json:"sender_device"`
	Keys          olmEventKeys      `json:"keys"`
	Recipient     id.UserID         `json:"recipient"`
	RecipientKeys olmEventKeys      `json:"recipient_keys"`
	Type          event.Type        `json:"type"`
	Content       json.RawMessage   `json:"content"`
}

type olmEventKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// decryptOlmToDeviceEvent implements the inbound half of §4.5: given a raw
// m.room.encrypted to-device event, find or create the matching Olm
// session, decrypt, and validate the sender/recipient binding fields that
// prevent cross-device replay.
func (c *Coordinator) decryptOlmToDeviceEvent(ctx context.Context, evt *event.Event) (*olmEventEnvelope, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok || content.Algorithm != id.AlgorithmOlmV1 {
		return nil, fmt.Errorf("mxcrypto: unsupported to-device encryption algorithm")
	}
	_, selfCurve := c.olm.IdentityKeys()
	ownCiphertext, ok := content.OlmCiphertext[selfCurve]
	if !ok {
		return nil, errNotEncryptedForMe
	}

	plaintext, err := c.tryDecryptWithKnownSessions(content.SenderKey, ownCiphertext.Type, ownCiphertext.Body)
	if err != nil {
		if errors.Is(err, errDecryptMatchingSession) {
			c.MarkDeviceWedged(ctx, evt.Sender, content.SenderKey)
		}
		return nil, err
	}

	if plaintext == nil {
		if ownCiphertext.Type != id.OlmMsgTypePreKey {
			c.MarkDeviceWedged(ctx, evt.Sender, content.SenderKey)
			return nil, errDecryptNormalMessage
		}
		sessionID, err := c.olm.NewInboundSessionFrom(content.SenderKey, ownCiphertext.Body)
		if err != nil {
			c.MarkDeviceWedged(ctx, evt.Sender, content.SenderKey)
			return nil, fmt.Errorf("create inbound session from prekey message: %w", err)
		}
		_ = c.store.PutOlmSession(ctx, content.SenderKey, &OlmSession{SessionID: sessionID, PeerKey: content.SenderKey})
		plaintext, err = c.olm.DecryptOlm(sessionID, ownCiphertext.Type, ownCiphertext.Body)
		if err != nil {
			return nil, fmt.Errorf("decrypt with session created from prekey message: %w", err)
		}
	}

	var envelope olmEventEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return nil, fmt.Errorf("parse olm payload: %w", err)
	}
	if evt.Sender != envelope.Sender {
		return nil, errSenderMismatch
	}
	if c.self.UserID != envelope.Recipient {
		return nil, errRecipientMismatch
	}
	selfEd25519, _ := c.olm.IdentityKeys()
	if selfEd25519 != envelope.RecipientKeys.Ed25519 {
		return nil, errRecipientKeyMismatch
	}
	return &envelope, nil
}

func (c *Coordinator) tryDecryptWithKnownSessions(senderKey id.Curve25519, msgType id.OlmMsgType, ciphertext string) ([]byte, error) {
	for _, s := range c.olm.SessionsForPeer(senderKey) {
		if msgType == id.OlmMsgTypePreKey {
			matches, err := c.olm.SessionMatchesInbound(s, ciphertext)
			if err != nil || !matches {
				continue
			}
		}
		plaintext, err := c.olm.DecryptOlm(s, msgType, ciphertext)
		if err != nil {
			if msgType == id.OlmMsgTypePreKey {
				return nil, errDecryptMatchingSession
			}
			continue
		}
		return plaintext, nil
	}
	return nil, nil
}

// MarkDeviceWedged implements the §3-supplemented unwedging marker: the next
// ensure_olm_sessions_for_devices pass forces a fresh outbound session for
// this peer instead of reusing one that desynced.
func (c *Coordinator) MarkDeviceWedged(ctx context.Context, senderUser id.UserID, senderKey id.Curve25519) {
	c.log.Warn().Stringer("user_id", senderUser).Stringer("sender_key", senderKey).
		Msg("marking device for unwedging after olm decrypt failure with matching session")
	devices, err := c.store.GetDevicesForUser(ctx, senderUser)
	if err != nil {
		return
	}
	for _, d := range devices {
		if d.Curve25519 == senderKey {
			d.Unwedged = true
			_ = c.store.PutDevice(ctx, d)
		}
	}
}

// handleRoomKeyEvent implements §4.1's "m.room_key / m.forwarded_room_key ->
// decrypt context -> select decryptor by (room_id, algorithm) -> delegate."
// evt may be either an already-decrypted inner to-device event (delivered by
// the host's dispatch plumbing) or a raw encrypted envelope, in which case
// it is Olm-decrypted here first.
func (c *Coordinator) handleRoomKeyEvent(ctx context.Context, evt *event.Event) {
	inner := evt
	_, senderKey := c.olm.IdentityKeys()
	if encrypted, ok := evt.Content.Parsed.(*event.EncryptedEventContent); ok {
		senderKey = encrypted.SenderKey
		envelope, err := c.decryptOlmToDeviceEvent(ctx, evt)
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to decrypt to-device olm event")
			return
		}
		innerEvt := *evt
		innerEvt.Type = envelope.Type
		innerEvt.Content = event.Content{VeryRaw: envelope.Content}
		if err := innerEvt.Content.ParseRaw(envelope.Type); err != nil && !event.IsUnsupportedContentType(err) {
			c.log.Warn().Err(err).Msg("failed to parse room_key payload")
			return
		}
		inner = &innerEvt
	}

	roomKey, ok := inner.Content.Parsed.(*event.RoomKeyEventContent)
	if !ok {
		c.log.Warn().Msg("room_key to-device event had unexpected content type")
		return
	}

	dec, err := c.decryptorFor(ctx, roomKey.RoomID, roomKey.Algorithm)
	if err != nil {
		c.log.Warn().Err(err).Msg("no decryptor registered for room_key algorithm")
		return
	}

	if err := dec.OnRoomKeyEvent(ctx, senderKey, roomKey.SessionID, roomKey.SessionKey); err != nil {
		c.log.Warn().Err(err).Msg("failed to import room key")
	}
}

// decryptorFor resolves or lazily instantiates the (room, algorithm) Decryptor (§4.3).
func (c *Coordinator) decryptorFor(ctx context.Context, roomID id.RoomID, algorithm id.Algorithm) (Decryptor, error) {
	key := roomAlgoKey{room: roomID, algo: algorithm}
	c.decryptorsMu.Lock()
	defer c.decryptorsMu.Unlock()
	if dec, ok := c.decryptors[key]; ok {
		return dec, nil
	}
	dec, err := c.registry.NewDecryptor(algorithm, roomID, c)
	if err != nil {
		return nil, err
	}
	if err := dec.Init(ctx); err != nil {
		return nil, err
	}
	c.decryptors[key] = dec
	return dec, nil
}

// DecryptEvent implements §4.3's public decrypt_event entry point.
func (c *Coordinator) DecryptEvent(ctx context.Context, evt *event.Event, timelineID string) (*event.Event, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, NewDecryptionError(BadEncryptedMessage, "event is not an encrypted event")
	}
	var result *event.Event
	err := c.decryptCtx.Run(ctx, func() error {
		dec, err := c.decryptorFor(ctx, evt.RoomID, content.Algorithm)
		if err != nil {
			return err
		}
		decrypted, err := dec.DecryptEvent(ctx, evt, timelineID)
		if err != nil {
			return err
		}
		result = decrypted
		return nil
	})
	return result, err
}
