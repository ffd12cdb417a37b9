package crypto

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// VerificationState mirrors §3's DeviceIdentity.verification_state.
type VerificationState int

const (
	VerificationUnknown VerificationState = iota
	VerificationUnverified
	VerificationVerified
	VerificationBlocked
)

func (v VerificationState) String() string {
	switch v {
	case VerificationUnverified:
		return "unverified"
	case VerificationVerified:
		return "verified"
	case VerificationBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// DeviceIdentity is §3's DeviceIdentity. Identity keys are immutable once
// recorded for a (UserID, DeviceID) pair; only Verification and Unwedged are
// ever mutated in place after construction.
type DeviceIdentity struct {
	UserID       id.UserID
	DeviceID     id.DeviceID
	Ed25519      id.Ed25519
	Curve25519   id.Curve25519
	Algorithms   []id.Algorithm
	Signatures   map[id.UserID]map[id.KeyID]string
	Verification VerificationState

	// Unwedged is set when an Olm decrypt against a matching session has
	// failed (BAD_ENCRYPTED_MESSAGE); it forces a fresh outbound session on
	// the next ensure_olm_sessions_for_devices pass instead of reusing a
	// session the peer has desynced from. Supplemented from the mautrix-go
	// crypto package's markDeviceForUnwedging (see SPEC_FULL.md §3).
	Unwedged bool
}

func (d *DeviceIdentity) SupportsAlgorithm(algo id.Algorithm) bool {
	for _, a := range d.Algorithms {
		if a == algo {
			return true
		}
	}
	return false
}

// SelfDevice is the local DeviceIdentity, always VERIFIED (§3).
type SelfDevice struct {
	DeviceIdentity
}

// OlmSession identifies an outbound or inbound Olm session bound to a peer
// curve25519 key (§3). The actual ratchet state lives behind OlmPrimitive;
// this is the coordinator-level handle the store indexes sessions by.
type OlmSession struct {
	SessionID  id.SessionID
	PeerKey    id.Curve25519
	Outbound   bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// RoomEncryptionConfig is §3's write-once (room_id -> algorithm) mapping.
type RoomEncryptionConfig struct {
	RoomID    id.RoomID
	Algorithm id.Algorithm
}

// MembershipFact is the minimal state the coordinator needs about a room
// member, supplied by the host's event-dispatch plumbing (§1 out of scope).
type MembershipFact struct {
	UserID     id.UserID
	Membership string // "join" | "invite" | "leave" | "ban" | "knock"
}

// OneTimeKeyLedger is §3's OneTimeKeyLedger.
type OneTimeKeyLedger struct {
	ServerCount      *int // nil means the server's one-time-key count hasn't been observed yet
	LastCheckedAt    time.Time
	LastPublishedMap map[id.KeyID]struct{}
}

// EncryptedMessage is the to-device Olm envelope assembled by
// encrypt_message (§4.5).
type EncryptedMessage struct {
	Algorithm  id.Algorithm
	SenderKey  id.Curve25519
	Ciphertext map[id.Curve25519]OlmCiphertext
}

// OlmCiphertext is one entry of EncryptedMessage.Ciphertext.
type OlmCiphertext struct {
	Type id.OlmMsgType
	Body string
}

// MegolmPayload is the minimum Megolm ciphertext envelope required by §4.2.
type MegolmPayload struct {
	Algorithm id.Algorithm
	SenderKey id.Curve25519
	Ciphertext string
	SessionID id.SessionID
	DeviceID  id.DeviceID
}

// RequestState enumerates §3's IncomingRoomKeyRequest/OutgoingRoomKeyRequest states.
type RequestState int

const (
	RequestPending RequestState = iota
	RequestShared
	RequestIgnored
	RequestUnsent
	RequestSent
	RequestCancellationPending
	RequestCancelled
)

// KeyRequestBody is the body shared by incoming and outgoing room-key requests.
type KeyRequestBody struct {
	RoomID    id.RoomID
	Algorithm id.Algorithm
	SenderKey id.Curve25519
	SessionID id.SessionID
}

// Fingerprint returns the idempotence key used for §8's cancel/request
// observational-equivalence law.
func (b KeyRequestBody) Fingerprint() string {
	return string(b.RoomID) + "|" + string(b.Algorithm) + "|" + string(b.SenderKey) + "|" + string(b.SessionID)
}

// IncomingRoomKeyRequest is §3's IncomingRoomKeyRequest.
type IncomingRoomKeyRequest struct {
	RequestID string
	UserID    id.UserID
	DeviceID  id.DeviceID
	Body      KeyRequestBody
	State     RequestState
}

// OutgoingRoomKeyRequest is §3's OutgoingRoomKeyRequest.
type OutgoingRoomKeyRequest struct {
	RequestID  string
	Body       KeyRequestBody
	Recipients map[id.UserID][]id.DeviceID
	State      RequestState
}
