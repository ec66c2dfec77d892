package model

type (
	// X3DHHandshake travels with session-establishing messages so the
	// responder can derive the same shared key.
	X3DHHandshake struct {
		RegistrationID  uint32
		IKPub           []byte
		EKPub           []byte
		SignedPreKeyID  uint32
		OneTimePreKeyID *uint32
	}

	SenderKeyBundle struct {
		IKPrivA []byte
		EKPrivA []byte

		IKPubB  []byte
		SPKPubB []byte
		OTKPubB []byte
	}

	ReceiverKeyBundle struct {
		IKPubA []byte
		EKPubA []byte

		IKPrivB  []byte
		SPKPrivB []byte
		OTKPrivB []byte
	}
)
