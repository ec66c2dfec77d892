package model

import (
	"fmt"
	"time"
)

const DefaultDeviceID uint32 = 1

type (
	// IdentityKeyPair is the long-term root of trust of this device. The
	// X25519 half takes part in key agreement, the Ed25519 half signs prekeys.
	IdentityKeyPair struct {
		DHPriv   [32]byte
		DHPub    [32]byte
		SignPriv []byte
		SignPub  []byte
	}

	SignedPreKey struct {
		ID        uint32
		Priv      [32]byte
		Pub       [32]byte
		Signature []byte
		CreatedAt time.Time
	}

	OneTimePreKey struct {
		ID   uint32
		Priv [32]byte
		Pub  [32]byte
	}

	PublicPreKey struct {
		ID        uint32 `json:"id" bson:"id"`
		PublicKey []byte `json:"public_key" bson:"public_key"`
	}

	PublicSignedPreKey struct {
		ID        uint32 `json:"id" bson:"id"`
		PublicKey []byte `json:"public_key" bson:"public_key"`
		Signature []byte `json:"signature" bson:"signature"`
	}

	// PreKeyBundle is what a peer needs to open a session with us while we
	// are offline. OneTimePreKey is nil once the pool on the server is empty.
	PreKeyBundle struct {
		UserID         string             `json:"user_id"`
		RegistrationID uint32             `json:"registration_id"`
		IdentityKey    []byte             `json:"identity_key"`
		SigningKey     []byte             `json:"signing_key"`
		SignedPreKey   PublicSignedPreKey `json:"signed_pre_key"`
		OneTimePreKey  *PublicPreKey      `json:"one_time_pre_key,omitempty"`
	}

	KeyUpload struct {
		UserID         string             `json:"user_id"`
		RegistrationID uint32             `json:"registration_id"`
		IdentityKey    []byte             `json:"identity_key"`
		SigningKey     []byte             `json:"signing_key"`
		SignedPreKey   PublicSignedPreKey `json:"signed_pre_key"`
		PreKeys        []PublicPreKey     `json:"pre_keys"`
	}

	// Address names one device of a peer.
	Address struct {
		PeerID   string
		DeviceID uint32
	}
)

func NewAddress(peerID string) Address {
	return Address{PeerID: peerID, DeviceID: DefaultDeviceID}
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.PeerID, a.DeviceID)
}

func (k *SignedPreKey) Public() PublicSignedPreKey {
	return PublicSignedPreKey{
		ID:        k.ID,
		PublicKey: append([]byte(nil), k.Pub[:]...),
		Signature: append([]byte(nil), k.Signature...),
	}
}

func (k *OneTimePreKey) Public() PublicPreKey {
	return PublicPreKey{
		ID:        k.ID,
		PublicKey: append([]byte(nil), k.Pub[:]...),
	}
}
