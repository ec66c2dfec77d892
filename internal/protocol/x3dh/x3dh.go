package x3dh

import (
	"bytes"
	"errors"

	"e2e_messaging/internal/cryptographic/dh"
	"e2e_messaging/internal/cryptographic/kdf"
	"e2e_messaging/internal/cryptographic/signature"
	"e2e_messaging/internal/model"
)

const SharedKeySize = 32

var (
	info = []byte("E2EMessagingX3DH")

	ErrInvalidSignedPreKey = errors.New("x3dh: signed prekey signature invalid")
	ErrMissingKey          = errors.New("x3dh: missing key material")
)

type (
	X3DHBase struct {
	}

	X3DHSender struct {
		*X3DHBase
	}

	X3DHReceiver struct {
		*X3DHBase
	}
)

// GenerateShareKey runs HKDF over F || DH1 || DH2 || DH3 [|| DH4], F being 32
// 0xFF bytes, with a zero salt.
func (s *X3DHBase) GenerateShareKey(dh1, dh2, dh3, dh4 []byte) ([]byte, error) {
	ikm := bytes.Repeat([]byte{0xFF}, 32)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	if dh4 != nil {
		ikm = append(ikm, dh4...)
	}

	sk := make([]byte, SharedKeySize)
	salt := make([]byte, 32)
	if _, err := kdf.HKDF(ikm, salt, info, sk); err != nil {
		return nil, err
	}
	return sk, nil
}

func (s *X3DHSender) GenerateShareKey(skb *model.SenderKeyBundle) ([]byte, error) {
	ikPrivA, err := dh.ToKey(skb.IKPrivA)
	if err != nil {
		return nil, ErrMissingKey
	}
	ekPrivA, err := dh.ToKey(skb.EKPrivA)
	if err != nil {
		return nil, ErrMissingKey
	}
	ikPubB, err := dh.ToKey(skb.IKPubB)
	if err != nil {
		return nil, ErrMissingKey
	}
	spkPubB, err := dh.ToKey(skb.SPKPubB)
	if err != nil {
		return nil, ErrMissingKey
	}

	dh1, err := dh.X25519SharedSecret(ikPrivA, spkPubB)
	if err != nil {
		return nil, err
	}

	dh2, err := dh.X25519SharedSecret(ekPrivA, ikPubB)
	if err != nil {
		return nil, err
	}

	dh3, err := dh.X25519SharedSecret(ekPrivA, spkPubB)
	if err != nil {
		return nil, err
	}

	var dh4 []byte = nil
	if skb.OTKPubB != nil {
		otkPubB, err := dh.ToKey(skb.OTKPubB)
		if err != nil {
			return nil, ErrMissingKey
		}
		dh4, err = dh.X25519SharedSecret(ekPrivA, otkPubB)
		if err != nil {
			return nil, err
		}
	}

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3, dh4)
}

func (s *X3DHReceiver) GenerateShareKey(rkb *model.ReceiverKeyBundle) ([]byte, error) {
	ikPubA, err := dh.ToKey(rkb.IKPubA)
	if err != nil {
		return nil, ErrMissingKey
	}
	ekPubA, err := dh.ToKey(rkb.EKPubA)
	if err != nil {
		return nil, ErrMissingKey
	}
	ikPrivB, err := dh.ToKey(rkb.IKPrivB)
	if err != nil {
		return nil, ErrMissingKey
	}
	spkPrivB, err := dh.ToKey(rkb.SPKPrivB)
	if err != nil {
		return nil, ErrMissingKey
	}

	dh1, err := dh.X25519SharedSecret(spkPrivB, ikPubA)
	if err != nil {
		return nil, err
	}

	dh2, err := dh.X25519SharedSecret(ikPrivB, ekPubA)
	if err != nil {
		return nil, err
	}

	dh3, err := dh.X25519SharedSecret(spkPrivB, ekPubA)
	if err != nil {
		return nil, err
	}

	var dh4 []byte = nil
	if rkb.OTKPrivB != nil {
		otkPrivB, err := dh.ToKey(rkb.OTKPrivB)
		if err != nil {
			return nil, ErrMissingKey
		}
		dh4, err = dh.X25519SharedSecret(otkPrivB, ekPubA)
		if err != nil {
			return nil, err
		}
	}

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3, dh4)
}

// VerifyBundle checks the signed prekey signature of a fetched bundle.
func VerifyBundle(b *model.PreKeyBundle) error {
	if len(b.IdentityKey) != 32 || len(b.SignedPreKey.PublicKey) != 32 {
		return ErrMissingKey
	}
	if !signature.ED25519Verify(b.SigningKey, b.SignedPreKey.PublicKey, b.SignedPreKey.Signature) {
		return ErrInvalidSignedPreKey
	}
	return nil
}

// AssociatedData binds both identities into every ratchet message:
// initiator identity first, responder second.
func AssociatedData(initiatorIK, responderIK []byte) []byte {
	ad := make([]byte, 0, len(initiatorIK)+len(responderIK))
	ad = append(ad, initiatorIK...)
	return append(ad, responderIK...)
}
