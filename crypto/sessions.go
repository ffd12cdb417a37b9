package crypto

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"
)

// EnsureOlmSessionsForDevices implements §4.4. It must run on the encrypt
// context; callers already on that context may call it directly, others
// should go through Coordinator methods that submit onto encryptCtx.
func (c *Coordinator) EnsureOlmSessionsForDevices(ctx context.Context, devicesByUser map[id.UserID][]*DeviceIdentity) (map[id.DeviceID]id.SessionID, error) {
	result := make(map[id.DeviceID]id.SessionID)
	needClaim := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity)

	_, selfCurve := c.olm.IdentityKeys()

	for userID, devices := range devicesByUser {
		for _, device := range devices {
			// Step 1: filter self device and BLOCKED devices.
			if device.Curve25519 == selfCurve && userID == c.self.UserID {
				continue
			}
			if device.Verification == VerificationBlocked {
				continue
			}

			// Step 2: probe for an existing session, unless it's marked
			// wedged (§3 supplement), in which case force a fresh one.
			if sessionID, ok := c.olm.OutboundSessionFor(device.Curve25519); ok && !device.Unwedged {
				result[device.DeviceID] = sessionID
				continue
			}

			if needClaim[userID] == nil {
				needClaim[userID] = make(map[id.DeviceID]*DeviceIdentity)
			}
			needClaim[userID][device.DeviceID] = device
		}
	}

	if len(needClaim) == 0 {
		return result, nil
	}

	// Step 3: claim one-time keys for devices lacking a session.
	want := make(map[id.UserID]map[id.DeviceID]id.Algorithm, len(needClaim))
	for userID, devices := range needClaim {
		want[userID] = make(map[id.DeviceID]id.Algorithm, len(devices))
		for deviceID := range devices {
			want[userID][deviceID] = id.AlgorithmSignedCurve25519
		}
	}
	claimed, err := c.hs.ClaimOneTimeKeys(ctx, want)
	if err != nil {
		return result, err
	}

	// Step 4: verify each claimed key's signature, then build an outbound session.
	for userID, devices := range needClaim {
		for deviceID, device := range devices {
			keysByID, ok := claimed[userID][deviceID]
			if !ok || len(keysByID) == 0 {
				continue
			}
			var chosenKeyID id.KeyID
			var chosen ClaimedOneTimeKey
			for keyID, key := range keysByID {
				chosenKeyID, chosen = keyID, key
				break
			}

			raw, err := jsonMarshal(struct {
				Key string `json:"key"`
			}{Key: string(chosen.Value)})
			if err != nil {
				c.log.Warn().Err(err).Msg("failed to canonicalize claimed one-time key")
				continue
			}
			sigField := struct {
				Signatures map[id.UserID]map[id.KeyID]string `json:"signatures"`
			}{Signatures: chosen.Signatures}
			rawWithSig, err := mergeSignatures(raw, sigField.Signatures)
			if err != nil {
				c.log.Warn().Err(err).Msg("failed to merge signature into claimed key")
				continue
			}

			ok2, err := VerifyCanonicalSignature(rawWithSig, userID, id.NewKeyID(id.KeyAlgorithmEd25519, string(deviceID)), device.Ed25519)
			if err != nil || !ok2 {
				// §4.4: signature verification failure on one device must not
				// affect session creation for other devices in the same batch.
				c.log.Warn().Err(err).Stringer("user_id", userID).Stringer("device_id", deviceID).
					Str("key_id", string(chosenKeyID)).Msg("claimed one-time key signature verification failed, skipping device")
				continue
			}

			sessionID, err := c.olm.NewOutboundSession(device.Curve25519, chosen.Value)
			if err != nil {
				c.log.Warn().Err(err).Stringer("device_id", deviceID).Msg("failed to create outbound olm session")
				continue
			}
			device.Unwedged = false
			if err := c.store.PutOlmSession(ctx, device.Curve25519, &OlmSession{
				SessionID: sessionID,
				PeerKey:   device.Curve25519,
				Outbound:  true,
				CreatedAt: time.Now(),
			}); err != nil {
				c.log.Warn().Err(err).Msg("failed to persist new outbound olm session")
			}
			result[deviceID] = sessionID
		}
	}

	return result, nil
}

// mergeSignatures re-attaches a signatures object to a stripped canonical
// payload, used when re-verifying a claimed OTK's own embedded signature.
func mergeSignatures(canonical []byte, signatures map[id.UserID]map[id.KeyID]string) ([]byte, error) {
	wrapper := struct {
		Signatures map[id.UserID]map[id.KeyID]string `json:"signatures"`
	}{Signatures: signatures}
	sigBytes, err := jsonMarshal(wrapper)
	if err != nil {
		return nil, err
	}
	// Splice: {<canonical body>} + {"signatures":...} -> single object.
	merged := make([]byte, 0, len(canonical)+len(sigBytes))
	merged = append(merged, canonical[:len(canonical)-1]...)
	merged = append(merged, ',')
	merged = append(merged, sigBytes[1:]...)
	return merged, nil
}

// EncryptMessage implements §4.5's encrypt_message: to-device Olm encryption
// of a payload for a set of target devices.
func (c *Coordinator) EncryptMessage(ctx context.Context, payload map[string]any, targets []*DeviceIdentity) (*EncryptedMessage, error) {
	_, selfCurve := c.olm.IdentityKeys()
	selfEd25519, _ := c.olm.IdentityKeys()

	out := &EncryptedMessage{
		Algorithm:  id.AlgorithmOlmV1,
		SenderKey:  selfCurve,
		Ciphertext: make(map[id.Curve25519]OlmCiphertext),
	}

	for _, device := range targets {
		sessionID, ok := c.olm.OutboundSessionFor(device.Curve25519)
		if !ok {
			continue // §4.5 step 1: skip if no active session.
		}

		full := make(map[string]any, len(payload)+4)
		for k, v := range payload {
			full[k] = v
		}
		full["sender"] = c.self.UserID
		full["sender_device"] = c.self.DeviceID
		full["keys"] = map[string]id.Ed25519{"ed25519": selfEd25519}
		full["recipient"] = device.UserID
		full["recipient_keys"] = map[string]id.Ed25519{"ed25519": device.Ed25519}

		plaintext, err := jsonMarshal(full)
		if err != nil {
			return nil, err
		}
		msgType, ciphertext, err := c.olm.EncryptOlm(sessionID, plaintext)
		if err != nil {
			c.log.Warn().Err(err).Stringer("device_id", device.DeviceID).Msg("failed to olm-encrypt to-device payload")
			continue
		}
		out.Ciphertext[device.Curve25519] = OlmCiphertext{Type: msgType, Body: ciphertext}
	}

	if len(out.Ciphertext) == 0 {
		return nil, ErrNoOutboundSession
	}
	return out, nil
}
