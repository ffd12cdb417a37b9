package crypto

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SignedDeviceKeys is the canonical device-info object from §6.
type SignedDeviceKeys struct {
	UserID     id.UserID                            `json:"user_id"`
	DeviceID   id.DeviceID                          `json:"device_id"`
	Algorithms []id.Algorithm                        `json:"algorithms"`
	Keys       map[id.KeyID]string                   `json:"keys"`
	Signatures map[id.UserID]map[id.KeyID]string      `json:"signatures"`
}

// SignedOneTimeKey is §6's one-time-key upload form, one entry per key ID.
type SignedOneTimeKey struct {
	Key        string                              `json:"key"`
	Signatures map[id.UserID]map[id.KeyID]string    `json:"signatures"`
}

// UploadKeysResult mirrors §6's upload_keys response.
type UploadKeysResult struct {
	OneTimeKeyCounts map[id.Algorithm]int
}

// ClaimedOneTimeKey is one entry of §6's claim_one_time_keys response.
type ClaimedOneTimeKey struct {
	KeyID      id.KeyID
	Value      id.Curve25519
	Signatures map[id.UserID]map[id.KeyID]string
}

// QueriedDevice is one entry of §6's query_keys response.
type QueriedDevice struct {
	Identity DeviceIdentity
}

// HomeserverClient is the REST surface named in §6; production code is
// backed by *mautrix.Client, tests by a fake.
type HomeserverClient interface {
	UploadKeys(ctx context.Context, deviceKeys *SignedDeviceKeys, oneTimeKeys map[id.KeyID]SignedOneTimeKey, deviceID id.DeviceID) (*UploadKeysResult, error)
	ClaimOneTimeKeys(ctx context.Context, want map[id.UserID]map[id.DeviceID]id.Algorithm) (map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey, error)
	QueryKeys(ctx context.Context, userIDs []id.UserID, token string) (map[id.UserID]map[id.DeviceID]QueriedDevice, error)
	SendToDevice(ctx context.Context, eventType event.Type, txnID string, messages map[id.UserID]map[id.DeviceID]any) error
}

// mautrixHomeserverClient adapts *mautrix.Client, the real Matrix
// client-server REST binding, for use by the coordinator.
type mautrixHomeserverClient struct {
	client *mautrix.Client
}

func NewMautrixHomeserverClient(client *mautrix.Client) HomeserverClient {
	return &mautrixHomeserverClient{client: client}
}

func (c *mautrixHomeserverClient) UploadKeys(ctx context.Context, deviceKeys *SignedDeviceKeys, oneTimeKeys map[id.KeyID]SignedOneTimeKey, deviceID id.DeviceID) (*UploadKeysResult, error) {
	req := &mautrix.ReqUploadKeys{}
	if deviceKeys != nil {
		req.DeviceKeys = mautrix.DeviceKeys{
			UserID:     deviceKeys.UserID,
			DeviceID:   deviceKeys.DeviceID,
			Algorithms: deviceKeys.Algorithms,
			Keys:       deviceKeys.Keys,
			Signatures: deviceKeys.Signatures,
		}
	}
	if len(oneTimeKeys) > 0 {
		req.OneTimeKeys = make(map[id.KeyID]mautrix.OneTimeKey, len(oneTimeKeys))
		for keyID, otk := range oneTimeKeys {
			req.OneTimeKeys[keyID] = mautrix.OneTimeKey{Key: otk.Key, Signatures: otk.Signatures}
		}
	}
	resp, err := c.client.UploadKeys(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &UploadKeysResult{OneTimeKeyCounts: make(map[id.Algorithm]int, len(resp.OneTimeKeyCounts))}
	for algo, n := range resp.OneTimeKeyCounts {
		out.OneTimeKeyCounts[algo] = n
	}
	return out, nil
}

func (c *mautrixHomeserverClient) ClaimOneTimeKeys(ctx context.Context, want map[id.UserID]map[id.DeviceID]id.Algorithm) (map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey, error) {
	req := &mautrix.ReqClaimKeys{OneTimeKeys: make(map[id.UserID]map[id.DeviceID]id.Algorithm, len(want))}
	for userID, devices := range want {
		req.OneTimeKeys[userID] = devices
	}
	resp, err := c.client.ClaimKeys(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(map[id.UserID]map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey, len(resp.OneTimeKeys))
	for userID, devices := range resp.OneTimeKeys {
		out[userID] = make(map[id.DeviceID]map[id.KeyID]ClaimedOneTimeKey, len(devices))
		for deviceID, keys := range devices {
			byKeyID := make(map[id.KeyID]ClaimedOneTimeKey, len(keys))
			for keyID, key := range keys {
				byKeyID[keyID] = ClaimedOneTimeKey{
					KeyID:      keyID,
					Value:      id.Curve25519(key.Key),
					Signatures: key.Signatures,
				}
			}
			out[userID][deviceID] = byKeyID
		}
	}
	return out, nil
}

func (c *mautrixHomeserverClient) QueryKeys(ctx context.Context, userIDs []id.UserID, token string) (map[id.UserID]map[id.DeviceID]QueriedDevice, error) {
	req := &mautrix.ReqQueryKeys{Token: token, DeviceKeys: make(map[id.UserID][]id.DeviceID, len(userIDs))}
	for _, u := range userIDs {
		req.DeviceKeys[u] = nil
	}
	resp, err := c.client.QueryKeys(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(map[id.UserID]map[id.DeviceID]QueriedDevice, len(resp.DeviceKeys))
	for userID, devices := range resp.DeviceKeys {
		out[userID] = make(map[id.DeviceID]QueriedDevice, len(devices))
		for deviceID, info := range devices {
			keys := make(map[id.KeyID]string)
			for k, v := range info.Keys {
				keys[k] = v
			}
			out[userID][deviceID] = QueriedDevice{Identity: DeviceIdentity{
				UserID:     userID,
				DeviceID:   deviceID,
				Algorithms: info.Algorithms,
				Ed25519:    id.Ed25519(keys[id.NewKeyID(id.KeyAlgorithmEd25519, string(deviceID))]),
				Curve25519: id.Curve25519(keys[id.NewKeyID(id.KeyAlgorithmCurve25519, string(deviceID))]),
				Signatures: info.Signatures,
			}}
		}
	}
	return out, nil
}

func (c *mautrixHomeserverClient) SendToDevice(ctx context.Context, eventType event.Type, txnID string, messages map[id.UserID]map[id.DeviceID]any) error {
	req := &mautrix.ReqSendToDevice{Messages: make(map[id.UserID]map[id.DeviceID]*event.Content, len(messages))}
	for userID, devices := range messages {
		req.Messages[userID] = make(map[id.DeviceID]*event.Content, len(devices))
		for deviceID, payload := range devices {
			req.Messages[userID][deviceID] = &event.Content{Parsed: payload}
		}
	}
	_, err := c.client.SendToDevice(ctx, eventType, req)
	return err
}
