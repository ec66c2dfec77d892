package model

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	VersionLegacy = "legacy"
	VersionSignal = "signal"

	// MessageTypeWhisper is an ongoing-session message.
	MessageTypeWhisper = 1
	// MessageTypePreKey carries handshake material and may open a session.
	MessageTypePreKey = 3
)

const (
	FrameMessage = "message"
	FrameConfirm = "confirm"
	FrameError   = "error"
)

type (
	// Header is the message header carried along with each ciphertext.
	Header struct {
		Pub    [32]byte // sender's current ratchet public key
		MsgNum uint32   // message number in the sending chain
		Prev   uint32   // previous sending chain length (PN)
	}

	// SignalMessage is the binary body behind an EncryptedPayload of
	// version signal.
	SignalMessage struct {
		Header     Header
		Ciphertext []byte
		Handshake  *X3DHHandshake `cbor:",omitempty"`
	}

	// EncryptedPayload is the versioned envelope persisted and relayed for
	// every message. Type is only meaningful for VersionSignal.
	EncryptedPayload struct {
		Version string `json:"version"`
		Data    string `json:"data"`
		Type    int    `json:"type,omitempty"`
	}

	// Message is what the relay stores and forwards. Payload is an encoded
	// EncryptedPayload or, for messages written by old clients, a raw
	// legacy ciphertext string.
	Message struct {
		ID            string    `json:"id,omitempty"`
		CorrelationID string    `json:"correlation_id,omitempty"`
		From          string    `json:"from"`
		To            string    `json:"to"`
		Payload       string    `json:"payload"`
		SentAt        time.Time `json:"sent_at"`
	}

	Frame struct {
		Kind    string   `json:"kind"`
		Message *Message `json:"message,omitempty"`
		Error   string   `json:"error,omitempty"`
	}

	// DisplayMessage is the decrypted view handed to the UI layer.
	DisplayMessage struct {
		ID       string
		PeerID   string
		From     string
		Text     string
		Outgoing bool
		At       time.Time
	}
)

// Encode renders p in its persisted JSON form.
func (p EncryptedPayload) Encode() string {
	data, _ := json.Marshal(p)
	return string(data)
}

// ParsePayload decodes a stored payload. Anything that is not a structured
// envelope with a known version is a raw legacy ciphertext.
func ParsePayload(raw string) EncryptedPayload {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		var p EncryptedPayload
		if json.Unmarshal([]byte(trimmed), &p) == nil {
			switch p.Version {
			case VersionSignal:
				return p
			case VersionLegacy:
				return EncryptedPayload{Version: VersionLegacy, Data: p.Data}
			}
		}
	}
	return EncryptedPayload{Version: VersionLegacy, Data: raw}
}
