package crypto

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

type trackState int

const (
	trackNone trackState = iota
	trackStale
	trackFresh
)

// DeviceListTracker tracks which users' device lists are fresh or stale and
// batches refreshes against HomeserverClient.QueryKeys (§2).
type DeviceListTracker struct {
	c *Coordinator

	mu     sync.Mutex
	states map[id.UserID]trackState
	token  string
}

func NewDeviceListTracker(c *Coordinator) *DeviceListTracker {
	return &DeviceListTracker{c: c, states: make(map[id.UserID]trackState)}
}

// Track begins tracking userID's device list as stale if not already tracked
// (§4.8's "begin tracking that user's device list").
func (t *DeviceListTracker) Track(userID id.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[userID]; !ok {
		t.states[userID] = trackStale
	}
}

// ForceStale marks userID's device list stale even if it was fresh, used by
// set_encryption_in_room's first-time enablement (§4.2).
func (t *DeviceListTracker) ForceStale(userID id.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[userID] = trackStale
}

// ApplyChanges implements §4.1's onSyncCompleted device-list bookkeeping:
// changed users go stale, left users stop being tracked.
func (t *DeviceListTracker) ApplyChanges(ctx context.Context, changed, left []id.UserID) {
	t.mu.Lock()
	for _, u := range changed {
		t.states[u] = trackStale
	}
	for _, u := range left {
		delete(t.states, u)
	}
	t.mu.Unlock()
}

// InvalidateAll marks every tracked user stale, used on initial sync (§4.1 step 5).
func (t *DeviceListTracker) InvalidateAll(ctx context.Context) {
	t.mu.Lock()
	for u := range t.states {
		t.states[u] = trackStale
	}
	t.mu.Unlock()
}

func (t *DeviceListTracker) staleUsers() []id.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []id.UserID
	for u, s := range t.states {
		if s == trackStale {
			stale = append(stale, u)
		}
	}
	return stale
}

// RefreshStale queries the homeserver for every stale user's device list and
// reconciles it against the store (§2's "batched refresh").
func (t *DeviceListTracker) RefreshStale(ctx context.Context) {
	stale := t.staleUsers()
	if len(stale) == 0 {
		return
	}
	result, err := t.c.hs.QueryKeys(ctx, stale, t.token)
	if err != nil {
		t.c.log.Warn().Err(err).Msg("device list refresh failed")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, devices := range result {
		for deviceID, queried := range devices {
			existing, _ := t.c.store.GetDevice(ctx, userID, deviceID)
			identity := queried.Identity
			identity.UserID, identity.DeviceID = userID, deviceID
			if existing != nil {
				identity.Verification = existing.Verification
			} else {
				identity.Verification = VerificationUnknown
			}
			if err := t.c.store.PutDevice(ctx, &identity); err != nil {
				t.c.log.Warn().Err(err).Stringer("user_id", userID).Stringer("device_id", deviceID).
					Msg("refusing device list update, identity keys would change")
				continue
			}
		}
		t.states[userID] = trackFresh
	}
}

// IsTracked reports whether userID's device list is tracked at all.
func (t *DeviceListTracker) IsTracked(userID id.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[userID]
	return ok
}

// OnMembershipChange implements §4.8's room-membership hook. roomJoinRulePermitsInvitees
// reports whether the room's join_rules (host-side state, out of this
// package's scope) allow encrypting for invited-but-not-joined members; it is
// ANDed with Config.EncryptForInviteesGlobal so a room can't opt into
// invitee-tracking a deployment has globally disabled (§4.2's
// active_members-vs-joined_members rule).
func (c *Coordinator) OnMembershipChange(ctx context.Context, roomID id.RoomID, change MembershipFact, roomJoinRulePermitsInvitees bool) {
	encryptForInvitees := c.cfg.EncryptForInviteesGlobal && roomJoinRulePermitsInvitees
	c.encryptCtx.Submit(func() {
		switch change.Membership {
		case "join":
			c.devices.Track(change.UserID)
		case "invite":
			if encryptForInvitees {
				c.devices.Track(change.UserID)
			}
		case "leave", "ban":
			c.rotateEncryptorForLeave(roomID)
		default:
			// knock and other transitions trigger no action here.
		}
	})
}
