package model

import "time"

type (
	// PendingSentMessage remembers what we typed until the relay confirms
	// the message under a durable id.
	PendingSentMessage struct {
		CorrelationID string    `json:"correlation_id"`
		Plaintext     string    `json:"plaintext"`
		PeerID        string    `json:"peer_id"`
		CreatedAt     time.Time `json:"created_at"`
		ExpiresAt     time.Time `json:"expires_at"`
	}

	ConfirmedPlaintext struct {
		MessageID string    `json:"message_id"`
		Plaintext string    `json:"plaintext"`
		StoredAt  time.Time `json:"stored_at"`
	}
)

func (p *PendingSentMessage) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
