package crypto

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type keyRequestAction string

const (
	actionShareRequest     keyRequestAction = "request"
	actionShareCancellation keyRequestAction = "request_cancellation"
)

type roomKeyRequestEventContent struct {
	Action   keyRequestAction `json:"action"`
	Body     *keyRequestBodyJSON `json:"body,omitempty"`
	RequestID string          `json:"request_id"`
	RequestingDeviceID id.DeviceID `json:"requesting_device_id"`
}

type keyRequestBodyJSON struct {
	Algorithm id.Algorithm  `json:"algorithm"`
	RoomID    id.RoomID     `json:"room_id"`
	SenderKey id.Curve25519 `json:"sender_key"`
	SessionID id.SessionID  `json:"session_id"`
}

// handleRoomKeyRequestEvent implements §4.1's SHARE_REQUEST/SHARE_CANCELLATION
// mapping: append to the appropriate queue on the encrypt context.
func (c *Coordinator) handleRoomKeyRequestEvent(ctx context.Context, evt *event.Event) {
	var content roomKeyRequestEventContent
	if parsed, ok := evt.Content.Parsed.(*roomKeyRequestEventContent); ok {
		content = *parsed
	} else if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		c.log.Warn().Err(err).Msg("failed to parse room_key_request content")
		return
	}

	switch content.Action {
	case actionShareRequest:
		if content.Body == nil {
			return
		}
		req := &IncomingRoomKeyRequest{
			RequestID: content.RequestID,
			UserID:    evt.Sender,
			DeviceID:  content.RequestingDeviceID,
			Body: KeyRequestBody{
				RoomID:    content.Body.RoomID,
				Algorithm: content.Body.Algorithm,
				SenderKey: content.Body.SenderKey,
				SessionID: content.Body.SessionID,
			},
			State: RequestPending,
		}
		if err := c.store.PutIncomingRequest(ctx, req); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist incoming key request")
		}
	case actionShareCancellation:
		if err := c.store.DeleteIncomingRequest(ctx, content.RequestID); err != nil {
			c.log.Warn().Err(err).Msg("failed to delete cancelled incoming key request")
		}
		c.notifyIncomingRequestCancelled(ctx, content.RequestID)
	}
}

// drainIncomingRequestQueue implements §4.7 in full: resolved per pending
// request, runs on the encrypt context (called from Start/OnSyncCompleted).
func (c *Coordinator) drainIncomingRequestQueue(ctx context.Context) {
	pending, err := c.store.ListPendingIncomingRequests(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list pending incoming key requests")
		return
	}
	for _, req := range pending {
		c.processIncomingRequest(ctx, req)
	}
}

func (c *Coordinator) processIncomingRequest(ctx context.Context, req *IncomingRoomKeyRequest) {
	// Step 1: cross-user sharing is not implemented in the core (§4.7, §9 open question).
	if req.UserID != c.self.UserID {
		_ = c.store.DeleteIncomingRequest(ctx, req.RequestID)
		return
	}

	// Step 2: resolve (room_id, algorithm) -> Decryptor.
	dec, err := c.decryptorFor(ctx, req.Body.RoomID, req.Body.Algorithm)
	if err != nil {
		_ = c.store.DeleteIncomingRequest(ctx, req.RequestID)
		return
	}

	// Step 3: drop if we don't have the keys.
	if !dec.HasKeysForKeyRequest(ctx, req.Body) {
		_ = c.store.DeleteIncomingRequest(ctx, req.RequestID)
		return
	}

	// Step 4: requester is self device.
	if req.DeviceID == c.self.DeviceID {
		_ = c.store.DeleteIncomingRequest(ctx, req.RequestID)
		return
	}

	device, err := c.store.GetDevice(ctx, req.UserID, req.DeviceID)
	if err != nil || device == nil {
		_ = c.store.DeleteIncomingRequest(ctx, req.RequestID)
		return
	}

	switch device.Verification {
	case VerificationVerified:
		if err := dec.ShareKeysWithDevice(ctx, device, req.Body); err != nil {
			c.log.Warn().Err(err).Msg("failed to share keys with verified requesting device")
		}
		_ = c.store.DeleteIncomingRequest(ctx, req.RequestID)
	case VerificationBlocked:
		_ = c.store.DeleteIncomingRequest(ctx, req.RequestID)
	default:
		req.State = RequestPending
		_ = c.store.PutIncomingRequest(ctx, req)
		c.notifyIncomingRequest(ctx, req, device)
	}
}

// ShareIncomingRequest and IgnoreIncomingRequest are the two terminal
// actions exposed to a pending request per §4.7, dispatched back onto the
// encrypt context.
func (c *Coordinator) ShareIncomingRequest(ctx context.Context, requestID string) {
	c.encryptCtx.Submit(func() {
		req, err := c.store.GetIncomingRequest(ctx, requestID)
		if err != nil || req == nil {
			return
		}
		dec, err := c.decryptorFor(ctx, req.Body.RoomID, req.Body.Algorithm)
		if err != nil {
			_ = c.store.DeleteIncomingRequest(ctx, requestID)
			return
		}
		device, err := c.store.GetDevice(ctx, req.UserID, req.DeviceID)
		if err == nil && device != nil {
			if err := dec.ShareKeysWithDevice(ctx, device, req.Body); err != nil {
				c.log.Warn().Err(err).Msg("failed to share keys after user approval")
			}
		}
		_ = c.store.DeleteIncomingRequest(ctx, requestID)
	})
}

func (c *Coordinator) IgnoreIncomingRequest(ctx context.Context, requestID string) {
	c.encryptCtx.Submit(func() {
		_ = c.store.DeleteIncomingRequest(ctx, requestID)
	})
}

// newRequestID generates the local request_id used for outgoing requests (§4.9, §8).
func newRequestID() string {
	return uuid.NewString()
}
