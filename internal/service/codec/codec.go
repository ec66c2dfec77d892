// Package codec wraps ciphertext in a versioned envelope and picks the
// session or the legacy shared-key path per message.
package codec

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"e2e_messaging/internal/cryptographic/legacy"
	"e2e_messaging/internal/metrics"
	"e2e_messaging/internal/model"
	"e2e_messaging/internal/utils/log"

	"go.uber.org/zap"
)

// DecryptFailedPlaceholder is shown instead of a message that cannot be
// opened.
const DecryptFailedPlaceholder = "[Unable to decrypt message]"

const (
	pathSignal = "signal"
	pathLegacy = "legacy"
)

// SessionCipher is the per-peer session encryption the codec prefers.
type SessionCipher interface {
	EncryptFor(ctx context.Context, peerID string, plaintext []byte) (int, []byte, error)
	DecryptFrom(ctx context.Context, peerID string, msgType int, ciphertext []byte) ([]byte, error)
}

type Codec struct {
	sessions SessionCipher
	legacy   *legacy.Cipher
}

// New returns a codec. sessions may be nil, in which case every private
// message takes the legacy path.
func New(sessions SessionCipher, sharedKey string) *Codec {
	return &Codec{sessions: sessions, legacy: legacy.New(sharedKey)}
}

// EncryptPrivate encrypts for peerID with the session engine and falls back
// to the legacy cipher on any failure. The caller gets the same shape either
// way.
func (c *Codec) EncryptPrivate(ctx context.Context, peerID, plaintext string) (model.EncryptedPayload, error) {
	if c.sessions != nil {
		msgType, ct, err := c.sessions.EncryptFor(ctx, peerID, []byte(plaintext))
		if err == nil {
			metrics.Encryptions.WithLabelValues(pathSignal).Inc()
			return model.EncryptedPayload{
				Version: model.VersionSignal,
				Data:    base64.StdEncoding.EncodeToString(ct),
				Type:    msgType,
			}, nil
		}
		log.Warn("session encryption failed, using legacy cipher",
			zap.String("peer", peerID), zap.Error(err))
	}
	return c.encryptLegacy(plaintext)
}

// DecryptPrivate opens a stored or received payload from peerID. It never
// fails; unreadable messages become DecryptFailedPlaceholder.
func (c *Codec) DecryptPrivate(ctx context.Context, peerID, raw string) string {
	p := model.ParsePayload(raw)
	if p.Version != model.VersionSignal {
		return c.decryptLegacy(p.Data, zap.String("peer", peerID))
	}

	text, err := c.decryptSignal(ctx, peerID, p)
	if err != nil {
		metrics.DecryptFailures.WithLabelValues(pathSignal).Inc()
		log.Error("decrypt signal message",
			zap.String("peer", peerID), zap.Int("type", p.Type), zap.Error(err))
		return DecryptFailedPlaceholder
	}
	return text
}

func (c *Codec) decryptSignal(ctx context.Context, peerID string, p model.EncryptedPayload) (string, error) {
	if c.sessions == nil {
		return "", errors.New("no session engine")
	}
	ct, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return "", fmt.Errorf("payload data: %w", err)
	}
	plain, err := c.sessions.DecryptFrom(ctx, peerID, p.Type, ct)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptGroup always uses the legacy shared key.
func (c *Codec) EncryptGroup(plaintext string) (model.EncryptedPayload, error) {
	return c.encryptLegacy(plaintext)
}

func (c *Codec) DecryptGroup(raw string) string {
	return c.decryptLegacy(model.ParsePayload(raw).Data)
}

func (c *Codec) encryptLegacy(plaintext string) (model.EncryptedPayload, error) {
	data, err := c.legacy.Encrypt(plaintext)
	if err != nil {
		return model.EncryptedPayload{}, err
	}
	metrics.Encryptions.WithLabelValues(pathLegacy).Inc()
	return model.EncryptedPayload{Version: model.VersionLegacy, Data: data}, nil
}

func (c *Codec) decryptLegacy(data string, fields ...zap.Field) string {
	text, err := c.legacy.Decrypt(data)
	if err != nil {
		metrics.DecryptFailures.WithLabelValues(pathLegacy).Inc()
		log.Error("decrypt legacy message", append(fields, zap.Error(err))...)
		return DecryptFailedPlaceholder
	}
	return text
}
