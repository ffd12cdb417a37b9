package crypto

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// CheckUnknownDevices implements §4.10's check_unknown_devices: force a
// device-list download for the given users, then fail with
// UnknownDevicesError if any resulting device is still VerificationUnknown.
func (c *Coordinator) CheckUnknownDevices(ctx context.Context, userIDs []id.UserID) error {
	var unknownErr error
	err := c.encryptCtx.Run(ctx, func() error {
		for _, userID := range userIDs {
			c.devices.ForceStale(userID)
		}
		c.devices.RefreshStale(ctx)

		unknown := make(map[string][]string)
		for _, userID := range userIDs {
			devices, err := c.store.GetDevicesForUser(ctx, userID)
			if err != nil {
				return err
			}
			for _, d := range devices {
				if d.Verification == VerificationUnknown {
					unknown[string(userID)] = append(unknown[string(userID)], string(d.DeviceID))
				}
			}
		}
		if len(unknown) > 0 {
			unknownErr = &UnknownDevicesError{Devices: unknown}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return unknownErr
}

// SetDeviceVerification implements §6's set_device_verification.
func (c *Coordinator) SetDeviceVerification(ctx context.Context, userID id.UserID, deviceID id.DeviceID, state VerificationState) error {
	return c.encryptCtx.Run(ctx, func() error {
		return c.store.SetVerification(ctx, userID, deviceID, state)
	})
}

// SetDevicesKnown implements §6's set_devices_known: marks every UNKNOWN
// device of the given users as UNVERIFIED. Preserved as a UX convenience
// from the source as-is; it implicitly downgrades verification discipline
// and should be used deliberately by the host (§9 Open Question).
func (c *Coordinator) SetDevicesKnown(ctx context.Context, userIDs []id.UserID) error {
	return c.encryptCtx.Run(ctx, func() error {
		for _, userID := range userIDs {
			devices, err := c.store.GetDevicesForUser(ctx, userID)
			if err != nil {
				return err
			}
			for _, d := range devices {
				if d.Verification == VerificationUnknown {
					if err := c.store.SetVerification(ctx, userID, d.DeviceID, VerificationUnverified); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}
