package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImportBlacklistPolicyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	require.NoError(t, store.SetGlobalBlacklistUnverified(ctx, true))
	require.NoError(t, store.SetRoomBlacklistUnverified(ctx, "!a:example.org", true))
	require.NoError(t, store.SetRoomBlacklistUnverified(ctx, "!b:example.org", true))

	doc, err := ExportBlacklistPolicy(ctx, store)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "global_blacklist_unverified: true")

	fresh := NewMemoryKeyStore()
	require.NoError(t, ImportBlacklistPolicy(ctx, fresh, doc))

	global, err := fresh.GetGlobalBlacklistUnverified(ctx)
	require.NoError(t, err)
	assert.True(t, global)

	rooms, err := fresh.ListBlacklistedRooms(ctx)
	require.NoError(t, err)
	var roomStrings []string
	for _, r := range rooms {
		roomStrings = append(roomStrings, string(r))
	}
	assert.ElementsMatch(t, []string{"!a:example.org", "!b:example.org"}, roomStrings)
}

func TestImportBlacklistPolicyRemovesRoomsNotInDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	require.NoError(t, store.SetRoomBlacklistUnverified(ctx, "!stale:example.org", true))

	require.NoError(t, ImportBlacklistPolicy(ctx, store, []byte("global_blacklist_unverified: false\n")))

	rooms, err := store.ListBlacklistedRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}
