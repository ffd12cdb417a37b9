package crypto

import "github.com/google/uuid"

// newTxnID generates a fresh client-side transaction ID for each to-device
// send (see SPEC_FULL.md §3). The mautrix-backed HomeserverClient does not
// forward it, and a retried send gets a new ID.
func newTxnID() string {
	return uuid.NewString()
}
