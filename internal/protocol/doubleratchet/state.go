package doubleratchet

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"e2e_messaging/internal/cryptographic/dh"
	"e2e_messaging/internal/cryptographic/encryption"
	"e2e_messaging/internal/model"
)

const MaxSkip = 1000

var (
	ErrNoRemoteKey      = errors.New("remote public key (DHr) not set; cannot ratchet")
	ErrNoReceivingChain = errors.New("no receiving chain key available")
	ErrDuplicateMessage = errors.New("message key already used")
	ErrTooManySkipped   = errors.New("skip limit exceeded")
)

func headerToAAD(ad []byte, h model.Header) []byte {
	b := make([]byte, len(ad)+32+4+4)
	n := copy(b, ad)
	copy(b[n:n+32], h.Pub[:])
	binary.BigEndian.PutUint32(b[n+32:n+36], h.MsgNum)
	binary.BigEndian.PutUint32(b[n+36:n+40], h.Prev)
	return b
}

func skippedKey(pub [32]byte, msgNum uint32) string {
	return hex.EncodeToString(pub[:]) + ":" + fmt.Sprint(msgNum)
}

type RatchetState struct {
	RootKey []byte

	// Our current DH (private/public) used for sending ratchets
	DHsPriv [32]byte
	DHsPub  [32]byte

	// Remote party's current DH public key
	DHr [32]byte

	// Chain keys and counters
	SendingChainKey   []byte // CKs
	ReceivingChainKey []byte // CKr
	Ns                uint32 // messages sent in current sending chain
	Nr                uint32 // messages received in current receiving chain
	PN                uint32 // previous sending chain length

	// AD is prepended to every header before it is authenticated.
	AD []byte

	// Skipped message keys: key => messageKey
	Skipped map[string][]byte
	// SkippedOrder lists the keys of Skipped oldest first. Once more than
	// MaxSkip keys are held the oldest are dropped.
	SkippedOrder []string
}

// NewInitiatorState starts the session of the party that ran X3DH as
// sender. theirPub is the responder's signed prekey.
func NewInitiatorState(sharedKey []byte, theirPub [32]byte, ad []byte) (*RatchetState, error) {
	s := &RatchetState{
		RootKey: append([]byte(nil), sharedKey...),
		DHr:     theirPub,
		AD:      append([]byte(nil), ad...),
		Skipped: make(map[string][]byte),
	}
	if err := s.InitiateSendingRatchet(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewResponderState starts the responder side. Its first ratchet key is the
// signed prekey the initiator used.
func NewResponderState(sharedKey []byte, ourPriv, ourPub [32]byte, ad []byte) *RatchetState {
	return &RatchetState{
		RootKey: append([]byte(nil), sharedKey...),
		DHsPriv: ourPriv,
		DHsPub:  ourPub,
		AD:      append([]byte(nil), ad...),
		Skipped: make(map[string][]byte),
	}
}

// InitiateSendingRatchet generates a new DH key for this party and derives a
// sending chain key (CKs). Call this before sending the first message of a
// new sending chain.
func (s *RatchetState) InitiateSendingRatchet() error {
	if bytes.Equal(s.DHr[:], make([]byte, 32)) {
		return ErrNoRemoteKey
	}

	newPriv, newPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	shared, err := dh.X25519SharedSecret(newPriv, s.DHr)
	if err != nil {
		return fmt.Errorf("X25519 during InitiateSendingRatchet: %w", err)
	}

	s.RootKey, s.SendingChainKey, err = KDFRootKey(s.RootKey, shared)
	if err != nil {
		return fmt.Errorf("InitiateSendingRatchet: %w", err)
	}

	s.DHsPriv = newPriv
	s.DHsPub = newPub
	s.Ns = 0
	return nil
}

// saveSkippedMessages stores message keys [Nr, until) of the current
// receiving chain so late messages can still be opened.
func (s *RatchetState) saveSkippedMessages(until uint32) error {
	if until <= s.Nr {
		return nil
	}
	if s.ReceivingChainKey == nil {
		return ErrNoReceivingChain
	}

	toGenerate := int(until - s.Nr)
	if toGenerate > MaxSkip {
		return fmt.Errorf("%w: need=%d max=%d", ErrTooManySkipped, toGenerate, MaxSkip)
	}
	if s.Skipped == nil {
		s.Skipped = make(map[string][]byte)
	}

	for ; toGenerate > 0; toGenerate-- {
		var msgKey []byte
		var err error
		s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
		if err != nil {
			return err
		}
		k := skippedKey(s.DHr, s.Nr)
		s.Skipped[k] = msgKey
		s.SkippedOrder = append(s.SkippedOrder, k)
		s.Nr++
	}
	s.pruneSkipped()
	return nil
}

// pruneSkipped drops the oldest skipped keys beyond MaxSkip.
func (s *RatchetState) pruneSkipped() {
	if n := len(s.SkippedOrder) - MaxSkip; n > 0 {
		for _, k := range s.SkippedOrder[:n] {
			delete(s.Skipped, k)
		}
		s.SkippedOrder = append([]string(nil), s.SkippedOrder[n:]...)
	}
}

func (s *RatchetState) forgetSkipped(k string) {
	delete(s.Skipped, k)
	if i := slices.Index(s.SkippedOrder, k); i >= 0 {
		s.SkippedOrder = slices.Delete(s.SkippedOrder, i, i+1)
	}
}

// dhRatchet moves to the chains that belong to the peer's new ratchet key.
func (s *RatchetState) dhRatchet(theirPub [32]byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = theirPub

	shared, err := dh.X25519SharedSecret(s.DHsPriv, s.DHr)
	if err != nil {
		return fmt.Errorf("X25519 during receive ratchet: %w", err)
	}
	s.RootKey, s.ReceivingChainKey, err = KDFRootKey(s.RootKey, shared)
	if err != nil {
		return err
	}

	return s.InitiateSendingRatchet()
}

// Send produces a header and ciphertext for the plaintext message.
// It will produce a new sending chain (ratchet) if SendingChainKey is nil.
func (s *RatchetState) Send(plaintext []byte) (*model.Header, []byte, error) {
	if s.SendingChainKey == nil {
		if err := s.InitiateSendingRatchet(); err != nil {
			return nil, nil, err
		}
	}

	hdr := model.Header{Pub: s.DHsPub, MsgNum: s.Ns, Prev: s.PN}

	var msgKey []byte
	var err error
	s.SendingChainKey, msgKey, err = KDFChainKey(s.SendingChainKey)
	if err != nil {
		return nil, nil, err
	}
	s.Ns++

	ct, err := encryption.AEADEncrypt(msgKey, plaintext, headerToAAD(s.AD, hdr))
	if err != nil {
		return nil, nil, err
	}
	return &hdr, ct, nil
}

// Receive consumes a header and ciphertext, returns plaintext or error.
// It handles skipped messages and incoming ratchets. The state is modified
// even when decryption fails, so callers work on a Clone.
func (s *RatchetState) Receive(h model.Header, ciphertext []byte) ([]byte, error) {
	aad := headerToAAD(s.AD, h)

	key := skippedKey(h.Pub, h.MsgNum)
	if mk, ok := s.Skipped[key]; ok {
		plain, err := encryption.AEADDecrypt(mk, ciphertext, aad)
		if err != nil {
			return nil, err
		}
		s.forgetSkipped(key)
		return plain, nil
	}

	if !bytes.Equal(h.Pub[:], s.DHr[:]) {
		if s.ReceivingChainKey != nil {
			if err := s.saveSkippedMessages(h.Prev); err != nil {
				return nil, err
			}
		}
		if err := s.dhRatchet(h.Pub); err != nil {
			return nil, err
		}
	}

	if h.MsgNum < s.Nr {
		return nil, ErrDuplicateMessage
	}
	if err := s.saveSkippedMessages(h.MsgNum); err != nil {
		return nil, err
	}
	if s.ReceivingChainKey == nil {
		return nil, ErrNoReceivingChain
	}

	var msgKey []byte
	var err error
	s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	s.Nr++

	return encryption.AEADDecrypt(msgKey, ciphertext, aad)
}

func (s *RatchetState) Clone() *RatchetState {
	c := *s
	c.RootKey = append([]byte(nil), s.RootKey...)
	c.SendingChainKey = cloneBytes(s.SendingChainKey)
	c.ReceivingChainKey = cloneBytes(s.ReceivingChainKey)
	c.AD = append([]byte(nil), s.AD...)
	c.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		c.Skipped[k] = append([]byte(nil), v...)
	}
	c.SkippedOrder = slices.Clone(s.SkippedOrder)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
