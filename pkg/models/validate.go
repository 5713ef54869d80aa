package models

import "keyrelay/pkg/errs"

// ValidateDevice checks a (user, device) address.
func ValidateDevice(userID string, deviceID uint32) error {
	if userID == "" {
		return errs.Invalid("user_id", "required")
	}
	if deviceID == 0 {
		return errs.Invalid("device_id", "must be a positive integer")
	}
	return nil
}
