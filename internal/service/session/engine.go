// Package session keeps one double ratchet session per peer device and runs
// the X3DH handshake that opens it.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_messaging/internal/cryptographic/dh"
	"e2e_messaging/internal/keystore"
	"e2e_messaging/internal/metrics"
	"e2e_messaging/internal/model"
	"e2e_messaging/internal/protocol/doubleratchet"
	"e2e_messaging/internal/protocol/x3dh"
	"e2e_messaging/internal/service/keys"
	"e2e_messaging/internal/utils/log"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

const sessionKeyPrefix = "session/"

type (
	// record is the persisted session with one peer device.
	record struct {
		State          *doubleratchet.RatchetState
		RemoteIdentity []byte
		RemoteRegID    uint32
		// PendingHandshake is attached to every outgoing message until the
		// peer has answered, so any of them can open the session.
		PendingHandshake *model.X3DHHandshake
		// BaseKey is the handshake ephemeral key the session was built from.
		BaseKey []byte
		// Previous is the session this one displaced, kept so messages
		// still in flight under it can be opened.
		Previous  *archived
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	archived struct {
		State   *doubleratchet.RatchetState
		BaseKey []byte
	}

	Engine struct {
		store *keystore.Store
		keys  *keys.Manager
		dist  keys.Distributor

		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}
)

func NewEngine(store *keystore.Store, km *keys.Manager, dist keys.Distributor) *Engine {
	return &Engine{
		store: store,
		keys:  km,
		dist:  dist,
		locks: make(map[string]*sync.Mutex),
	}
}

// lock serialises handshake, encrypt and decrypt for one address.
func (e *Engine) lock(addr model.Address) func() {
	e.mu.Lock()
	l, ok := e.locks[addr.String()]
	if !ok {
		l = &sync.Mutex{}
		e.locks[addr.String()] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (e *Engine) HasSession(ctx context.Context, peerID string) (bool, error) {
	rec, err := e.load(ctx, model.NewAddress(peerID))
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// ClearSession drops the session with peerID. The next message in either
// direction starts a new handshake.
func (e *Engine) ClearSession(ctx context.Context, peerID string) error {
	addr := model.NewAddress(peerID)
	unlock := e.lock(addr)
	defer unlock()

	log.Info("clearing session", zap.String("peer", addr.String()))
	return e.store.Remove(ctx, sessionKeyPrefix+addr.String())
}

// EncryptFor encrypts plaintext for peerID, opening a session first when
// there is none. The updated session is persisted before it returns.
func (e *Engine) EncryptFor(ctx context.Context, peerID string, plaintext []byte) (int, []byte, error) {
	addr := model.NewAddress(peerID)
	unlock := e.lock(addr)
	defer unlock()

	rec, err := e.load(ctx, addr)
	if err != nil {
		return 0, nil, err
	}
	if rec == nil {
		if rec, err = e.initiate(ctx, peerID); err != nil {
			return 0, nil, err
		}
	}

	state := rec.State.Clone()
	hdr, ct, err := state.Send(plaintext)
	if err != nil {
		return 0, nil, fmt.Errorf("ratchet send: %w", err)
	}

	msgType := model.MessageTypeWhisper
	if rec.PendingHandshake != nil {
		msgType = model.MessageTypePreKey
	}
	wire, err := cbor.Marshal(model.SignalMessage{
		Header:     *hdr,
		Ciphertext: ct,
		Handshake:  rec.PendingHandshake,
	})
	if err != nil {
		return 0, nil, err
	}

	rec.State = state
	if err := e.save(ctx, addr, rec); err != nil {
		return 0, nil, err
	}
	return msgType, wire, nil
}

// initiate fetches the peer's bundle and runs the initiator half of X3DH. The
// result is not persisted; the caller saves it together with the first
// message.
func (e *Engine) initiate(ctx context.Context, peerID string) (*record, error) {
	bundle, err := e.dist.FetchPreKeyBundle(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle for %s: %w", peerID, err)
	}
	if err := x3dh.VerifyBundle(bundle); err != nil {
		return nil, fmt.Errorf("bundle for %s: %w", peerID, err)
	}

	identity, regID, err := e.keys.Identity(ctx)
	if err != nil {
		return nil, err
	}
	ekPriv, ekPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	skb := &model.SenderKeyBundle{
		IKPrivA: identity.DHPriv[:],
		EKPrivA: ekPriv[:],
		IKPubB:  bundle.IdentityKey,
		SPKPubB: bundle.SignedPreKey.PublicKey,
	}
	hs := &model.X3DHHandshake{
		RegistrationID: regID,
		IKPub:          append([]byte(nil), identity.DHPub[:]...),
		EKPub:          append([]byte(nil), ekPub[:]...),
		SignedPreKeyID: bundle.SignedPreKey.ID,
	}
	if bundle.OneTimePreKey != nil {
		skb.OTKPubB = bundle.OneTimePreKey.PublicKey
		id := bundle.OneTimePreKey.ID
		hs.OneTimePreKeyID = &id
	}

	sender := &x3dh.X3DHSender{X3DHBase: &x3dh.X3DHBase{}}
	sk, err := sender.GenerateShareKey(skb)
	if err != nil {
		return nil, fmt.Errorf("x3dh with %s: %w", peerID, err)
	}
	spkPub, err := dh.ToKey(bundle.SignedPreKey.PublicKey)
	if err != nil {
		return nil, err
	}
	state, err := doubleratchet.NewInitiatorState(sk, spkPub, x3dh.AssociatedData(identity.DHPub[:], bundle.IdentityKey))
	if err != nil {
		return nil, err
	}

	e.trust(ctx, peerID, bundle.IdentityKey)
	metrics.SessionsEstablished.WithLabelValues("outgoing").Inc()
	log.Info("session initiated",
		zap.String("peer", peerID),
		zap.Bool("one_time_prekey", hs.OneTimePreKeyID != nil))

	now := time.Now().UTC()
	return &record{
		State:            state,
		RemoteIdentity:   append([]byte(nil), bundle.IdentityKey...),
		RemoteRegID:      bundle.RegistrationID,
		PendingHandshake: hs,
		BaseKey:          append([]byte(nil), ekPub[:]...),
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// DecryptFrom opens a message from peerID. Prekey messages may create or
// replace the session; whisper messages need an existing one. On failure
// the stored session is left as it was.
func (e *Engine) DecryptFrom(ctx context.Context, peerID string, msgType int, ciphertext []byte) ([]byte, error) {
	addr := model.NewAddress(peerID)
	unlock := e.lock(addr)
	defer unlock()

	var msg model.SignalMessage
	if err := cbor.Unmarshal(ciphertext, &msg); err != nil {
		return nil, decryptErr(peerID, "malformed", fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	rec, err := e.load(ctx, addr)
	if err != nil {
		return nil, decryptErr(peerID, "load session", err)
	}

	switch msgType {
	case model.MessageTypeWhisper:
		if rec == nil {
			return nil, decryptErr(peerID, "unknown session", ErrNoSession)
		}
		return e.decryptExisting(ctx, addr, rec, &msg)

	case model.MessageTypePreKey:
		hs := msg.Handshake
		if hs == nil {
			return nil, decryptErr(peerID, "malformed", ErrMissingHandshake)
		}
		switch {
		case rec != nil && bytes.Equal(rec.BaseKey, hs.EKPub):
			return e.decryptExisting(ctx, addr, rec, &msg)
		case rec != nil && rec.Previous != nil && bytes.Equal(rec.Previous.BaseKey, hs.EKPub):
			return e.decryptPrevious(ctx, addr, rec, &msg)
		}
		return e.respond(ctx, addr, rec, &msg)

	default:
		return nil, decryptErr(peerID, "malformed", fmt.Errorf("%w: %d", ErrUnknownType, msgType))
	}
}

func (e *Engine) decryptExisting(ctx context.Context, addr model.Address, rec *record, msg *model.SignalMessage) ([]byte, error) {
	state := rec.State.Clone()
	plain, err := state.Receive(msg.Header, msg.Ciphertext)
	if err != nil {
		if msg.Handshake == nil && rec.Previous != nil {
			if plain, perr := e.decryptPrevious(ctx, addr, rec, msg); perr == nil {
				return plain, nil
			}
		}
		return nil, decryptErr(addr.PeerID, reasonFor(err), err)
	}

	rec.State = state
	if msg.Handshake == nil {
		// the peer has answered, so it holds the session
		rec.PendingHandshake = nil
	}
	if err := e.save(ctx, addr, rec); err != nil {
		return nil, decryptErr(addr.PeerID, "save session", err)
	}
	return plain, nil
}

// decryptPrevious opens a message sent under the displaced session.
func (e *Engine) decryptPrevious(ctx context.Context, addr model.Address, rec *record, msg *model.SignalMessage) ([]byte, error) {
	state := rec.Previous.State.Clone()
	plain, err := state.Receive(msg.Header, msg.Ciphertext)
	if err != nil {
		return nil, decryptErr(addr.PeerID, reasonFor(err), err)
	}

	rec.Previous = &archived{State: state, BaseKey: rec.Previous.BaseKey}
	if err := e.save(ctx, addr, rec); err != nil {
		return nil, decryptErr(addr.PeerID, "save session", err)
	}
	return plain, nil
}

// keepsOwnHandshake reports whether an incoming handshake loses against the
// one this side has pending. When both sides initiate at once, each keeps
// the handshake with the lower base key, so both end up in the same session.
func keepsOwnHandshake(rec *record, hs *model.X3DHHandshake) bool {
	return rec != nil && rec.PendingHandshake != nil && bytes.Compare(rec.BaseKey, hs.EKPub) < 0
}

// respond runs the responder half of X3DH for an incoming prekey message.
// The one-time prekey is only consumed after the message opens.
func (e *Engine) respond(ctx context.Context, addr model.Address, current *record, msg *model.SignalMessage) ([]byte, error) {
	peerID := addr.PeerID
	hs := msg.Handshake

	identity, _, err := e.keys.Identity(ctx)
	if err != nil {
		return nil, decryptErr(peerID, "local identity", err)
	}
	spk, err := e.keys.SignedPreKey(ctx, hs.SignedPreKeyID)
	if err != nil {
		return nil, decryptErr(peerID, "signed prekey", err)
	}

	rkb := &model.ReceiverKeyBundle{
		IKPubA:   hs.IKPub,
		EKPubA:   hs.EKPub,
		IKPrivB:  identity.DHPriv[:],
		SPKPrivB: spk.Priv[:],
	}
	if hs.OneTimePreKeyID != nil {
		otk, err := e.keys.OneTimePreKey(ctx, *hs.OneTimePreKeyID)
		if err != nil {
			return nil, decryptErr(peerID, "one-time prekey", err)
		}
		rkb.OTKPrivB = otk.Priv[:]
	}

	receiver := &x3dh.X3DHReceiver{X3DHBase: &x3dh.X3DHBase{}}
	sk, err := receiver.GenerateShareKey(rkb)
	if err != nil {
		return nil, decryptErr(peerID, "handshake", err)
	}

	state := doubleratchet.NewResponderState(sk, spk.Priv, spk.Pub, x3dh.AssociatedData(hs.IKPub, identity.DHPub[:]))
	plain, err := state.Receive(msg.Header, msg.Ciphertext)
	if err != nil {
		return nil, decryptErr(peerID, reasonFor(err), err)
	}

	var rec *record
	if keepsOwnHandshake(current, hs) {
		// the peer drops its handshake when ours arrives; its first
		// messages are still opened through the archived session
		rec = current
		rec.Previous = &archived{State: state, BaseKey: append([]byte(nil), hs.EKPub...)}
		log.Info("simultaneous handshake, keeping ours", zap.String("peer", addr.String()))
	} else {
		now := time.Now().UTC()
		rec = &record{
			State:          state,
			RemoteIdentity: append([]byte(nil), hs.IKPub...),
			RemoteRegID:    hs.RegistrationID,
			BaseKey:        append([]byte(nil), hs.EKPub...),
			CreatedAt:      now,
		}
		if current != nil {
			rec.Previous = &archived{State: current.State, BaseKey: current.BaseKey}
		}
		metrics.SessionsEstablished.WithLabelValues("incoming").Inc()
		log.Info("session accepted", zap.String("peer", addr.String()))
	}
	if err := e.save(ctx, addr, rec); err != nil {
		return nil, decryptErr(peerID, "save session", err)
	}

	e.trust(ctx, peerID, hs.IKPub)

	if hs.OneTimePreKeyID != nil {
		if err := e.keys.RemoveOneTimePreKey(ctx, *hs.OneTimePreKeyID); err != nil {
			log.Warn("remove consumed prekey", zap.Uint32("id", *hs.OneTimePreKeyID), zap.Error(err))
		}
		if _, err := e.keys.ReplenishIfLow(ctx); err != nil {
			log.Warn("replenish prekeys", zap.Error(err))
		}
	}
	return plain, nil
}

// trust records the peer identity. A changed key does not block the
// session; it is logged so the user can compare safety numbers.
func (e *Engine) trust(ctx context.Context, peerID string, identityKey []byte) {
	changed, err := e.keys.SaveTrustedIdentity(ctx, peerID, identityKey)
	if err != nil {
		log.Warn("save trusted identity", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if changed {
		log.Warn("identity key changed", zap.String("peer", peerID))
	}
}

func (e *Engine) load(ctx context.Context, addr model.Address) (*record, error) {
	var rec record
	ok, err := e.store.GetObject(ctx, sessionKeyPrefix+addr.String(), &rec)
	if err != nil || !ok {
		return nil, err
	}
	if rec.State == nil {
		return nil, fmt.Errorf("%w: session %s has no state", keystore.ErrCorruptEntry, addr)
	}
	return &rec, nil
}

func (e *Engine) save(ctx context.Context, addr model.Address, rec *record) error {
	rec.UpdatedAt = time.Now().UTC()
	return e.store.PutObject(ctx, sessionKeyPrefix+addr.String(), rec)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, doubleratchet.ErrDuplicateMessage):
		return "duplicate message"
	case errors.Is(err, doubleratchet.ErrTooManySkipped):
		return "too many skipped messages"
	case errors.Is(err, doubleratchet.ErrNoReceivingChain):
		return "stale session"
	default:
		return "authentication failed"
	}
}
