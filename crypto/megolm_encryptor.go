package crypto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	megolmRotationMessages = 100
	megolmRotationPeriod   = 7 * 24 * time.Hour
)

// outboundMegolmSession is §3's OutboundMegolmSession.
type outboundMegolmSession struct {
	sessionID    id.SessionID
	sessionKey   string
	createdAt    time.Time
	messagesSent int
	sharedWith   map[sharedKey]struct{}
}

type sharedKey struct {
	user     id.UserID
	device   id.DeviceID
	identity id.Curve25519
}

func (s *outboundMegolmSession) needsRotation() bool {
	return s.messagesSent >= megolmRotationMessages || time.Since(s.createdAt) >= megolmRotationPeriod
}

// MegolmEncryptor is the per-room Encryptor for m.megolm.v1.aes-sha2 (§4.2, §9).
type MegolmEncryptor struct {
	roomID id.RoomID
	c      *Coordinator

	mu      sync.Mutex
	current *outboundMegolmSession
}

func NewMegolmEncryptor(roomID id.RoomID, c *Coordinator) Encryptor {
	return &MegolmEncryptor{roomID: roomID, c: c}
}

func (e *MegolmEncryptor) Init(ctx context.Context) error { return nil }

// EncryptEvent implements §4.2's encrypt_event delegate contract.
func (e *MegolmEncryptor) EncryptEvent(ctx context.Context, content any, evtType event.Type, recipients []id.UserID) (*MegolmPayload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	devices, err := e.recipientDevices(ctx, recipients)
	if err != nil {
		return nil, &EncryptError{Reason: "failed to resolve recipient devices", Err: err}
	}

	if e.current == nil || e.current.needsRotation() {
		if err := e.rotateLocked(ctx, devices); err != nil {
			return nil, &EncryptError{Reason: "failed to establish outbound megolm session", Err: err}
		}
	} else {
		e.shareWithNewDevicesLocked(ctx, devices)
	}

	plaintext, err := jsonMarshal(struct {
		Type    event.Type `json:"type"`
		Content any        `json:"content"`
		RoomID  id.RoomID  `json:"room_id"`
	}{Type: evtType, Content: content, RoomID: e.roomID})
	if err != nil {
		return nil, &EncryptError{Reason: "failed to serialize plaintext event", Err: err}
	}

	ciphertext, err := e.c.olm.EncryptMegolm(e.current.sessionID, plaintext)
	if err != nil {
		return nil, &EncryptError{Reason: "megolm encrypt failed", Err: err}
	}
	e.current.messagesSent++

	_, selfCurve := e.c.olm.IdentityKeys()
	return &MegolmPayload{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  selfCurve,
		Ciphertext: ciphertext,
		SessionID:  e.current.sessionID,
		DeviceID:   e.c.self.DeviceID,
	}, nil
}

// recipientDevices resolves the blacklist-filtered device set (§4.2, §4.11).
func (e *MegolmEncryptor) recipientDevices(ctx context.Context, recipients []id.UserID) ([]*DeviceIdentity, error) {
	global, err := e.c.store.GetGlobalBlacklistUnverified(ctx)
	if err != nil {
		return nil, err
	}
	roomBlacklisted, err := e.c.store.GetRoomBlacklistUnverified(ctx, e.roomID)
	if err != nil {
		return nil, err
	}
	excludeUnverified := global || roomBlacklisted

	var devices []*DeviceIdentity
	for _, userID := range recipients {
		userDevices, err := e.c.store.GetDevicesForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, d := range userDevices {
			if d.Verification == VerificationBlocked {
				continue // §3 invariant: never shared with BLOCKED devices.
			}
			if excludeUnverified && d.Verification == VerificationUnverified {
				continue
			}
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func (e *MegolmEncryptor) rotateLocked(ctx context.Context, devices []*DeviceIdentity) error {
	sessionID, sessionKey := e.c.olm.NewOutboundGroupSession()
	e.current = &outboundMegolmSession{
		sessionID:  sessionID,
		sessionKey: sessionKey,
		createdAt:  time.Now(),
		sharedWith: make(map[sharedKey]struct{}),
	}
	return e.shareSessionWith(ctx, devices)
}

func (e *MegolmEncryptor) shareWithNewDevicesLocked(ctx context.Context, devices []*DeviceIdentity) {
	var unseen []*DeviceIdentity
	for _, d := range devices {
		key := sharedKey{d.UserID, d.DeviceID, d.Curve25519}
		if _, ok := e.current.sharedWith[key]; !ok {
			unseen = append(unseen, d)
		}
	}
	if len(unseen) == 0 {
		return
	}
	if err := e.shareSessionWith(ctx, unseen); err != nil {
		e.c.log.Warn().Err(err).Stringer("room_id", e.roomID).Msg("failed to share megolm session with new devices")
	}
}

// shareSessionWith Olm-encrypts an m.room_key to-device payload for each
// device and never re-shares to an already-shared (device, identity_key)
// pair (§3 invariant).
func (e *MegolmEncryptor) shareSessionWith(ctx context.Context, devices []*DeviceIdentity) error {
	if len(devices) == 0 {
		return nil
	}
	byUser := make(map[id.UserID][]*DeviceIdentity)
	for _, d := range devices {
		byUser[d.UserID] = append(byUser[d.UserID], d)
	}
	if _, err := e.c.EnsureOlmSessionsForDevices(ctx, byUser); err != nil {
		return fmt.Errorf("ensure olm sessions before key share: %w", err)
	}

	payload := map[string]any{
		"algorithm":   id.AlgorithmMegolmV1,
		"room_id":     e.roomID,
		"session_id":  e.current.sessionID,
		"session_key": e.current.sessionKey,
	}
	encrypted, err := e.c.EncryptMessage(ctx, payload, devices)
	if err != nil {
		return err
	}

	for _, d := range devices {
		if _, ok := encrypted.Ciphertext[d.Curve25519]; !ok {
			continue // no session could be built for this device (§4.4 skip semantics)
		}
		e.current.sharedWith[sharedKey{d.UserID, d.DeviceID, d.Curve25519}] = struct{}{}
	}
	return nil
}

// Rotate forces the current outbound session to be dropped, used when a
// member leaves the room (§4.8: "key rotation on leave is the Encryptor's
// responsibility").
func (e *MegolmEncryptor) Rotate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = nil
}
