package crypto

import (
	"context"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// blacklistPolicy is the human-readable export form of the blacklist policy
// (§4.11, §2: "wire in as many of the pack's dependencies as possible" —
// the store keeps booleans, but operators want a reviewable file).
type blacklistPolicy struct {
	Global bool        `yaml:"global_blacklist_unverified"`
	Rooms  []id.RoomID `yaml:"room_blacklist_unverified,omitempty"`
}

// ExportBlacklistPolicy renders the blacklist policy held by store as YAML,
// for operators to review or version-control outside the key store. It
// operates on any KeyStore directly so a host can inspect policy without
// constructing a full Coordinator.
func ExportBlacklistPolicy(ctx context.Context, store KeyStore) ([]byte, error) {
	global, err := store.GetGlobalBlacklistUnverified(ctx)
	if err != nil {
		return nil, err
	}
	rooms, err := store.ListBlacklistedRooms(ctx)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(blacklistPolicy{Global: global, Rooms: rooms})
}

// ImportBlacklistPolicy replaces store's blacklist policy with the one
// described by the given YAML document.
func ImportBlacklistPolicy(ctx context.Context, store KeyStore, doc []byte) error {
	var policy blacklistPolicy
	if err := yaml.Unmarshal(doc, &policy); err != nil {
		return err
	}
	if err := store.SetGlobalBlacklistUnverified(ctx, policy.Global); err != nil {
		return err
	}
	existing, err := store.ListBlacklistedRooms(ctx)
	if err != nil {
		return err
	}
	wanted := make(map[id.RoomID]bool, len(policy.Rooms))
	for _, roomID := range policy.Rooms {
		wanted[roomID] = true
	}
	for _, roomID := range existing {
		if !wanted[roomID] {
			if err := store.SetRoomBlacklistUnverified(ctx, roomID, false); err != nil {
				return err
			}
		}
	}
	for roomID := range wanted {
		if err := store.SetRoomBlacklistUnverified(ctx, roomID, true); err != nil {
			return err
		}
	}
	return nil
}

// ExportBlacklistPolicy and ImportBlacklistPolicy on the Coordinator delegate
// to the package-level functions above against its own store.
func (c *Coordinator) ExportBlacklistPolicy(ctx context.Context) ([]byte, error) {
	return ExportBlacklistPolicy(ctx, c.store)
}

func (c *Coordinator) ImportBlacklistPolicy(ctx context.Context, doc []byte) error {
	return ImportBlacklistPolicy(ctx, c.store, doc)
}

// Blacklist policy getters/setters (§4.11, §9): persisted by the key store,
// encapsulated behind explicit methods rather than a process-global.

func (c *Coordinator) GlobalBlacklistUnverifiedDevices(ctx context.Context) (bool, error) {
	return c.store.GetGlobalBlacklistUnverified(ctx)
}

func (c *Coordinator) SetGlobalBlacklistUnverifiedDevices(ctx context.Context, value bool) error {
	return c.store.SetGlobalBlacklistUnverified(ctx, value)
}

func (c *Coordinator) RoomBlacklistUnverifiedDevices(ctx context.Context, roomID id.RoomID) (bool, error) {
	return c.store.GetRoomBlacklistUnverified(ctx, roomID)
}

func (c *Coordinator) SetRoomBlacklistUnverifiedDevices(ctx context.Context, roomID id.RoomID, value bool) error {
	return c.store.SetRoomBlacklistUnverified(ctx, roomID, value)
}
