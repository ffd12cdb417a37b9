package crypto

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// OutgoingRequestManager owns the outgoing room-key-request lifecycle (§2,
// §3 OutgoingRoomKeyRequest, §8's cancel+request idempotence law). It holds
// only a back-reference to the coordinator rather than being owned BY it in
// reverse (§9 "cyclic back-reference" redesign note).
type OutgoingRequestManager struct {
	c *Coordinator

	mu      sync.Mutex
	retryAt map[string]*time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewOutgoingRequestManager(c *Coordinator) *OutgoingRequestManager {
	return &OutgoingRequestManager{
		c:       c,
		retryAt: make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}
}

// Start resumes any UNSENT or SENT requests left over from a prior run
// (§5, §8: "stable across close/re-open").
func (m *OutgoingRequestManager) Start(ctx context.Context) {
	reqs, err := m.c.store.ListOutgoingRequests(ctx)
	if err != nil {
		m.c.log.Warn().Err(err).Msg("failed to load outgoing key requests on start")
		return
	}
	for _, req := range reqs {
		switch req.State {
		case RequestUnsent, RequestSent:
			m.send(ctx, req)
		case RequestCancellationPending:
			m.sendCancellation(ctx, req)
		}
	}
}

func (m *OutgoingRequestManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for _, t := range m.retryAt {
			t.Stop()
		}
		m.retryAt = make(map[string]*time.Timer)
		m.mu.Unlock()
	})
}

// RequestRoomKey implements §6's request_room_key: idempotent by body
// fingerprint, per §8's "cancel+request equivalent to fresh request" law.
func (m *OutgoingRequestManager) RequestRoomKey(ctx context.Context, body KeyRequestBody, recipients map[id.UserID][]id.DeviceID) {
	m.c.encryptCtx.Submit(func() {
		existing, err := m.c.store.GetOutgoingRequestByFingerprint(ctx, body.Fingerprint())
		if err != nil {
			m.c.log.Warn().Err(err).Msg("failed to look up outgoing key request by fingerprint")
			return
		}
		if existing != nil && existing.State != RequestCancelled {
			return
		}
		req := &OutgoingRoomKeyRequest{
			RequestID:  newRequestID(),
			Body:       body,
			Recipients: recipients,
			State:      RequestUnsent,
		}
		if err := m.c.store.PutOutgoingRequest(ctx, req); err != nil {
			m.c.log.Warn().Err(err).Msg("failed to persist outgoing key request")
			return
		}
		m.send(ctx, req)
	})
}

// CancelRoomKeyRequest implements §6's cancel_room_key_request.
func (m *OutgoingRequestManager) CancelRoomKeyRequest(ctx context.Context, body KeyRequestBody) {
	m.c.encryptCtx.Submit(func() {
		req, err := m.c.store.GetOutgoingRequestByFingerprint(ctx, body.Fingerprint())
		if err != nil || req == nil {
			return
		}
		m.cancelTimer(req.RequestID)
		if req.State == RequestUnsent {
			_ = m.c.store.DeleteOutgoingRequest(ctx, req.RequestID)
			return
		}
		req.State = RequestCancellationPending
		if err := m.c.store.PutOutgoingRequest(ctx, req); err != nil {
			m.c.log.Warn().Err(err).Msg("failed to mark outgoing key request cancellation-pending")
			return
		}
		m.sendCancellation(ctx, req)
	})
}

// ReRequestRoomKeyForEvent implements §6's re_request_room_key_for_event: a
// convenience wrapper that derives the body from an undecryptable event and
// requests it from every device of the event's sender.
func (m *OutgoingRequestManager) ReRequestRoomKeyForEvent(ctx context.Context, evt *event.Event) error {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return ErrNotEncrypted
	}
	body := KeyRequestBody{
		RoomID:    evt.RoomID,
		Algorithm: content.Algorithm,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	}
	devices, err := m.c.store.GetDevicesForUser(ctx, evt.Sender)
	if err != nil {
		return err
	}
	recipients := map[id.UserID][]id.DeviceID{}
	for _, d := range devices {
		if d.DeviceID != m.c.self.DeviceID {
			recipients[evt.Sender] = append(recipients[evt.Sender], d.DeviceID)
		}
	}
	m.RequestRoomKey(ctx, body, recipients)
	return nil
}

func (m *OutgoingRequestManager) send(ctx context.Context, req *OutgoingRoomKeyRequest) {
	payload := roomKeyRequestEventContent{
		Action:             actionShareRequest,
		RequestID:          req.RequestID,
		RequestingDeviceID: m.c.self.DeviceID,
		Body: &keyRequestBodyJSON{
			Algorithm: req.Body.Algorithm,
			RoomID:    req.Body.RoomID,
			SenderKey: req.Body.SenderKey,
			SessionID: req.Body.SessionID,
		},
	}
	toDevice := make(map[id.UserID]map[id.DeviceID]any)
	for userID, deviceIDs := range req.Recipients {
		toDevice[userID] = make(map[id.DeviceID]any)
		for _, deviceID := range deviceIDs {
			toDevice[userID][deviceID] = payload
		}
	}
	if err := m.c.hs.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, newTxnID(), toDevice); err != nil {
		m.c.log.Warn().Err(err).Msg("failed to send room key request, scheduling retry")
		m.scheduleRetry(ctx, req)
		return
	}
	req.State = RequestSent
	_ = m.c.store.PutOutgoingRequest(ctx, req)
}

func (m *OutgoingRequestManager) sendCancellation(ctx context.Context, req *OutgoingRoomKeyRequest) {
	payload := roomKeyRequestEventContent{
		Action:             actionShareCancellation,
		RequestID:          req.RequestID,
		RequestingDeviceID: m.c.self.DeviceID,
	}
	toDevice := make(map[id.UserID]map[id.DeviceID]any)
	for userID, deviceIDs := range req.Recipients {
		toDevice[userID] = make(map[id.DeviceID]any)
		for _, deviceID := range deviceIDs {
			toDevice[userID][deviceID] = payload
		}
	}
	if err := m.c.hs.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, newTxnID(), toDevice); err != nil {
		m.c.log.Warn().Err(err).Msg("failed to send room key request cancellation, scheduling retry")
		m.scheduleRetry(ctx, req)
		return
	}
	_ = m.c.store.DeleteOutgoingRequest(ctx, req.RequestID)
}

// scheduleRetry implements §3's "own retry/back-off policy"; it re-submits
// onto the encrypt context so resend races with a concurrent cancel are
// resolved by the context's own serialization.
func (m *OutgoingRequestManager) scheduleRetry(ctx context.Context, req *OutgoingRoomKeyRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.retryAt[req.RequestID]; exists {
		return
	}
	m.retryAt[req.RequestID] = time.AfterFunc(m.c.cfg.StartupRetryDelay, func() {
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.mu.Lock()
		delete(m.retryAt, req.RequestID)
		m.mu.Unlock()
		m.c.encryptCtx.Submit(func() {
			current, err := m.c.store.GetOutgoingRequestByFingerprint(ctx, req.Body.Fingerprint())
			if err != nil || current == nil {
				return
			}
			switch current.State {
			case RequestUnsent, RequestSent:
				m.send(ctx, current)
			case RequestCancellationPending:
				m.sendCancellation(ctx, current)
			}
		})
	})
}

func (m *OutgoingRequestManager) cancelTimer(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.retryAt[requestID]; ok {
		t.Stop()
		delete(m.retryAt, requestID)
	}
}

// RequestRoomKey, CancelRoomKeyRequest and ReRequestRoomKeyForEvent are the
// host-facing entry points named in §6's public API surface; they delegate
// to the OutgoingRequestManager that owns the lifecycle.

func (c *Coordinator) RequestRoomKey(ctx context.Context, body KeyRequestBody, recipients map[id.UserID][]id.DeviceID) {
	c.outgoing.RequestRoomKey(ctx, body, recipients)
}

func (c *Coordinator) CancelRoomKeyRequest(ctx context.Context, body KeyRequestBody) {
	c.outgoing.CancelRoomKeyRequest(ctx, body)
}

func (c *Coordinator) ReRequestRoomKeyForEvent(ctx context.Context, evt *event.Event) error {
	return c.outgoing.ReRequestRoomKeyForEvent(ctx, evt)
}
