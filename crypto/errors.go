package crypto

import "errors"

// Transport/protocol errors (§7: Transport, Protocol).
var (
	ErrNetworkUnreachable = errors.New("mxcrypto: homeserver unreachable")
	ErrClosed             = errors.New("mxcrypto: coordinator is closed")
)

// Crypto: unable_to_encrypt (§7).
var (
	ErrNoAlgorithm        = errors.New("mxcrypto: no encryption algorithm configured for room")
	ErrNoOutboundSession  = errors.New("mxcrypto: unable to build an outbound session for any recipient device")
	ErrAlgorithmMismatch  = errors.New("mxcrypto: room already has a different algorithm configured")
	ErrUnsupportedAlgo    = errors.New("mxcrypto: no encryptor/decryptor registered for algorithm")
	ErrSignatureMismatch  = errors.New("mxcrypto: signature verification failed")
	ErrDeviceBlocked      = errors.New("mxcrypto: device is blocked")
	ErrNotEncrypted       = errors.New("mxcrypto: event is not an encrypted event")
)

// DecryptionErrorCode enumerates the MXDecryptionException reasons from §7.
type DecryptionErrorCode string

const (
	UnknownInboundSession DecryptionErrorCode = "UNKNOWN_INBOUND_SESSION"
	UnknownMessageIndex   DecryptionErrorCode = "UNKNOWN_MESSAGE_INDEX"
	BadEncryptedMessage   DecryptionErrorCode = "BAD_ENCRYPTED_MESSAGE"
	Replay                DecryptionErrorCode = "REPLAY"
)

// DecryptionError is raised by Decryptor.decrypt_event (§4.3, §7).
type DecryptionError struct {
	Code   DecryptionErrorCode
	Reason string
}

func (e *DecryptionError) Error() string {
	if e.Reason != "" {
		return string(e.Code) + ": " + e.Reason
	}
	return string(e.Code)
}

func NewDecryptionError(code DecryptionErrorCode, reason string) *DecryptionError {
	return &DecryptionError{Code: code, Reason: reason}
}

// UnknownDevicesError is raised by check_unknown_devices (§4.10, §7).
type UnknownDevicesError struct {
	Devices map[string][]string // user_id -> device_ids
}

func (e *UnknownDevicesError) Error() string {
	return "mxcrypto: unknown devices present"
}

// EncryptError carries the unable_to_encrypt reason string (§7).
type EncryptError struct {
	Reason string
	Err    error
}

func (e *EncryptError) Error() string {
	if e.Err != nil {
		return "mxcrypto: unable to encrypt: " + e.Reason + ": " + e.Err.Error()
	}
	return "mxcrypto: unable to encrypt: " + e.Reason
}

func (e *EncryptError) Unwrap() error { return e.Err }
