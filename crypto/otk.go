package crypto

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// otkLedgerState tracks the in-progress guard and last-known server count
// for §4.6's replenishment policy. It mirrors §3's OneTimeKeyLedger but adds
// the re-entrancy guard that belongs at the coordinator, not the store.
type otkLedgerState struct {
	mu            sync.Mutex
	inProgress    bool
	serverCount   *int
	lastCheckedAt time.Time
}

func (s *otkLedgerState) setServerCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverCount = &n
}

// replenishOneTimeKeys implements §4.6 in full: the single-flight guard, the
// 60s cooldown, the half-max target, and batched generate/upload/mark cycle.
func (c *Coordinator) replenishOneTimeKeys(ctx context.Context) error {
	c.otk.mu.Lock()
	if c.otk.inProgress {
		c.otk.mu.Unlock()
		return nil
	}
	if !c.otk.lastCheckedAt.IsZero() && time.Since(c.otk.lastCheckedAt) < c.cfg.OTKUploadPeriod {
		c.otk.mu.Unlock()
		return nil
	}
	c.otk.inProgress = true
	c.otk.mu.Unlock()

	defer func() {
		c.otk.mu.Lock()
		c.otk.inProgress = false
		c.otk.lastCheckedAt = time.Now()
		c.otk.mu.Unlock()
	}()

	max := c.olm.MaxOneTimeKeys()
	target := max / 2

	serverCount, err := c.currentServerOTKCount(ctx)
	if err != nil {
		return err
	}

	for serverCount < target {
		batch := c.cfg.OTKGenerationBatchSize
		if remaining := target - serverCount; remaining < batch {
			batch = remaining
		}
		c.olm.GenerateOneTimeKeys(batch)

		signed, err := c.signOneTimeKeys(ctx)
		if err != nil {
			return err
		}
		result, err := c.hs.UploadKeys(ctx, nil, signed, c.self.DeviceID)
		if err != nil {
			return err
		}
		n, ok := result.OneTimeKeyCounts[id.AlgorithmSignedCurve25519]
		if !ok {
			// Nothing more we can learn from the response; trust our own count.
			n = serverCount + batch
		}
		if n <= serverCount {
			// Server didn't move; avoid spinning forever on a flaky response.
			break
		}
		serverCount = n
	}

	c.olm.MarkKeysAsPublished()
	c.otk.setServerCount(serverCount)
	return nil
}

// currentServerOTKCount implements the "if unknown, issue an empty
// keys-upload" branch of §4.6.
func (c *Coordinator) currentServerOTKCount(ctx context.Context) (int, error) {
	c.otk.mu.Lock()
	known := c.otk.serverCount
	c.otk.mu.Unlock()
	if known != nil {
		return *known, nil
	}

	result, err := c.hs.UploadKeys(ctx, nil, nil, c.self.DeviceID)
	if err != nil {
		return 0, err
	}
	n := result.OneTimeKeyCounts[id.AlgorithmSignedCurve25519]
	c.otk.setServerCount(n)
	return n, nil
}

// signOneTimeKeys signs every newly generated, not-yet-published OTK over
// its canonicalized form, per §4.6 and §6's one-time-key upload form.
func (c *Coordinator) signOneTimeKeys(ctx context.Context) (map[id.KeyID]SignedOneTimeKey, error) {
	out := make(map[id.KeyID]SignedOneTimeKey)
	for keyID, value := range c.olm.CurrentOneTimeKeys() {
		payload := struct {
			Key string `json:"key"`
		}{Key: string(value)}
		raw, err := jsonMarshal(payload)
		if err != nil {
			return nil, err
		}
		sig := c.olm.Sign(raw)
		out[keyID] = SignedOneTimeKey{
			Key: string(value),
			Signatures: map[id.UserID]map[id.KeyID]string{
				c.self.UserID: {id.NewKeyID(id.KeyAlgorithmEd25519, string(c.self.DeviceID)): sig},
			},
		}
	}
	return out, nil
}
