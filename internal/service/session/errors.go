package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoSession        = errors.New("no session with peer")
	ErrMalformed        = errors.New("malformed signal message")
	ErrUnknownType      = errors.New("unknown message type")
	ErrMissingHandshake = errors.New("prekey message without handshake")
)

// DecryptionError is returned for every message that cannot be opened:
// authentication failure, unknown session or malformed ciphertext.
type DecryptionError struct {
	PeerID string
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decrypt from %s: %s", e.PeerID, e.Reason)
	}
	return fmt.Sprintf("decrypt from %s: %s: %v", e.PeerID, e.Reason, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func decryptErr(peerID, reason string, err error) error {
	return &DecryptionError{PeerID: peerID, Reason: reason, Err: err}
}
