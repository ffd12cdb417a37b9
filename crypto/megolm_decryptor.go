package crypto

import (
	"context"
	"encoding/json"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type inboundSessionKey struct {
	senderKey id.Curve25519
	sessionID id.SessionID
}

// replayKey indexes the seen map by (timeline_id, session_id, sender_key, message_index)
// per §3's InboundMegolmSession invariant and §8's replay boundary.
type replayKey struct {
	timelineID string
	session    inboundSessionKey
	index      uint32
}

type pendingEvent struct {
	evt        *event.Event
	timelineID string
	resultCh   chan decryptOutcome
}

type decryptOutcome struct {
	evt *event.Event
	err error
}

// MegolmDecryptor is the per-room Decryptor for m.megolm.v1.aes-sha2 (§4.3, §9).
type MegolmDecryptor struct {
	roomID id.RoomID
	c      *Coordinator

	mu       sync.Mutex
	seen     map[replayKey]string // value: event_id of the first event decrypted at this key; a different event_id at the same key is a replay (§3)
	pending  map[inboundSessionKey][]*pendingEvent
	sessions map[inboundSessionKey]struct{} // known inbound sessions, for export_room_keys (§4.9)
}

func NewMegolmDecryptor(roomID id.RoomID, c *Coordinator) Decryptor {
	return &MegolmDecryptor{
		roomID:   roomID,
		c:        c,
		seen:     make(map[replayKey]string),
		pending:  make(map[inboundSessionKey][]*pendingEvent),
		sessions: make(map[inboundSessionKey]struct{}),
	}
}

// registerSession records that an inbound session now exists, so
// export_room_keys can enumerate it without needing its own index inside
// OlmPrimitive.
func (d *MegolmDecryptor) registerSession(senderKey id.Curve25519, sessionID id.SessionID) {
	d.mu.Lock()
	d.sessions[inboundSessionKey{senderKey: senderKey, sessionID: sessionID}] = struct{}{}
	d.mu.Unlock()
}

// exportAll implements §4.9's session enumeration step for this room.
func (d *MegolmDecryptor) exportAll() []exportedSession {
	d.mu.Lock()
	keys := make([]inboundSessionKey, 0, len(d.sessions))
	for k := range d.sessions {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	out := make([]exportedSession, 0, len(keys))
	for _, k := range keys {
		sessionKey, err := d.c.olm.ExportGroupSession(k.sessionID, 0)
		if err != nil {
			continue
		}
		out = append(out, exportedSession{
			Algorithm:  id.AlgorithmMegolmV1,
			RoomID:     d.roomID,
			SenderKey:  k.senderKey,
			SessionID:  k.sessionID,
			SessionKey: sessionKey,
		})
	}
	return out
}

func (d *MegolmDecryptor) Init(ctx context.Context) error { return nil }

// DecryptEvent implements §4.3's decrypt_event delegate.
func (d *MegolmDecryptor) DecryptEvent(ctx context.Context, evt *event.Event, timelineID string) (*event.Event, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, NewDecryptionError(BadEncryptedMessage, "event content is not an encrypted event")
	}

	key := inboundSessionKey{senderKey: content.SenderKey, sessionID: content.SessionID}

	plaintext, index, err := d.c.olm.DecryptMegolm(key.sessionID, content.Ciphertext)
	if err != nil {
		decErr := NewDecryptionError(UnknownInboundSession, err.Error())
		// Queue this event so a later on_room_key_event/on_new_session for the
		// same session retries it without the host having to notice and
		// re-call decrypt_event itself (§4.3, §4.9 late-key case). resultCh is
		// buffered so the retry in OnNewSession never blocks the decrypt
		// context if nothing reads it.
		d.mu.Lock()
		d.pending[key] = append(d.pending[key], &pendingEvent{evt: evt, timelineID: timelineID, resultCh: make(chan decryptOutcome, 1)})
		d.mu.Unlock()
		return nil, decErr
	}

	d.mu.Lock()
	rk := replayKey{timelineID: timelineID, session: key, index: index}
	if priorEventID, seen := d.seen[rk]; seen {
		d.mu.Unlock()
		if priorEventID == string(evt.ID) {
			// Re-appearance under the SAME timeline: legitimate back-pagination
			// replay of the very same event is allowed to decrypt again only if
			// it's truly the same event; otherwise it's a forged duplicate.
			return d.buildDecryptedEvent(evt, plaintext)
		}
		return nil, NewDecryptionError(Replay, "message index already seen in this timeline under a different event")
	}
	d.seen[rk] = string(evt.ID)
	d.mu.Unlock()

	return d.buildDecryptedEvent(evt, plaintext)
}

func (d *MegolmDecryptor) buildDecryptedEvent(evt *event.Event, plaintext []byte) (*event.Event, error) {
	var inner struct {
		Type    event.Type      `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, NewDecryptionError(BadEncryptedMessage, "failed to parse decrypted payload: "+err.Error())
	}
	decrypted := *evt
	decrypted.Type = inner.Type
	decrypted.Content = event.Content{VeryRaw: inner.Content}
	if err := decrypted.Content.ParseRaw(inner.Type); err != nil && !event.IsUnsupportedContentType(err) {
		return nil, NewDecryptionError(BadEncryptedMessage, "failed to parse decrypted content: "+err.Error())
	}
	return &decrypted, nil
}

// ResetReplayAttackCheckInTimeline implements §4.3's
// reset_replay_attack_check_in_timeline.
func (c *Coordinator) ResetReplayAttackCheckInTimeline(ctx context.Context, roomID id.RoomID, timelineID string) {
	c.decryptCtx.Submit(func() {
		dec, ok := c.decryptors[roomAlgoKey{room: roomID, algo: id.AlgorithmMegolmV1}]
		if !ok {
			return
		}
		megolm, ok := dec.(*MegolmDecryptor)
		if !ok {
			return
		}
		megolm.mu.Lock()
		for key := range megolm.seen {
			if key.timelineID == timelineID {
				delete(megolm.seen, key)
			}
		}
		megolm.mu.Unlock()
	})
}

// OnRoomKeyEvent implements the Decryptor side of §3 InboundMegolmSession
// creation: an m.room_key (or forwarded) to-device event arrives.
func (d *MegolmDecryptor) OnRoomKeyEvent(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, sessionKey string) error {
	createdID, _, err := d.c.olm.NewInboundGroupSession(senderKey, sessionKey)
	if err != nil {
		return err
	}
	d.registerSession(senderKey, createdID)
	return d.OnNewSession(ctx, senderKey, createdID)
}

// OnNewSession implements §4.3/§4.9's late-key retry hook: any event queued
// waiting on this (senderKey, sessionID) is retried now that the key exists.
func (d *MegolmDecryptor) OnNewSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) error {
	key := inboundSessionKey{senderKey: senderKey, sessionID: sessionID}
	d.mu.Lock()
	queued := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()

	for _, p := range queued {
		evtOut, err := d.DecryptEvent(ctx, p.evt, p.timelineID)
		p.resultCh <- decryptOutcome{evt: evtOut, err: err}
	}
	return nil
}

// HasKeysForKeyRequest implements §4.7 step 3.
func (d *MegolmDecryptor) HasKeysForKeyRequest(ctx context.Context, body KeyRequestBody) bool {
	_, _, err := d.c.olm.DecryptMegolm(body.SessionID, "")
	// A real probe would check session existence without decrypting; here we
	// only need presence, which ExportGroupSession surfaces as a lookup.
	if err == nil {
		return true
	}
	_, decErr := d.c.olm.ExportGroupSession(body.SessionID, 0)
	return decErr == nil
}

// ShareKeysWithDevice implements §4.7's share action: Olm-encrypt and send
// an m.forwarded_room_key to the requesting device.
func (d *MegolmDecryptor) ShareKeysWithDevice(ctx context.Context, device *DeviceIdentity, body KeyRequestBody) error {
	exported, err := d.c.olm.ExportGroupSession(body.SessionID, 0)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"algorithm":   id.AlgorithmMegolmV1,
		"room_id":     body.RoomID,
		"sender_key":  body.SenderKey,
		"session_id":  body.SessionID,
		"session_key": exported,
	}
	byUser := map[id.UserID][]*DeviceIdentity{device.UserID: {device}}
	if _, err := d.c.EnsureOlmSessionsForDevices(ctx, byUser); err != nil {
		return err
	}
	encrypted, err := d.c.EncryptMessage(ctx, payload, []*DeviceIdentity{device})
	if err != nil {
		return err
	}
	if _, ok := encrypted.Ciphertext[device.Curve25519]; !ok {
		return ErrNoOutboundSession
	}
	return d.c.hs.SendToDevice(ctx, event.ToDeviceForwardedRoomKey, newTxnID(), map[id.UserID]map[id.DeviceID]any{
		device.UserID: {device.DeviceID: encrypted},
	})
}
