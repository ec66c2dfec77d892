// Package app is the per-user client context. It owns the key store, the
// session engine and the caches of one logged-in user from Start to Stop;
// switching users means building a new App.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"e2e_messaging/internal/config"
	"e2e_messaging/internal/keystore"
	"e2e_messaging/internal/model"
	"e2e_messaging/internal/service/codec"
	"e2e_messaging/internal/service/keys"
	"e2e_messaging/internal/service/redis"
	"e2e_messaging/internal/service/sentcache"
	"e2e_messaging/internal/service/session"
	"e2e_messaging/internal/utils/log"

	"go.uber.org/zap"
)

const sweepInterval = 10 * time.Second

var (
	ErrNotStarted      = errors.New("app not started")
	ErrUnknownIdentity = errors.New("no identity key known for peer")
)

type (
	Deps struct {
		Distributor keys.Distributor
		Transport   Transport
		// Redis is optional; it backs the redis keystore variant and the
		// durable sent-message cache.
		Redis *redis.RedisService
	}

	App struct {
		cfg    *config.Config
		userID string
		deps   Deps

		store    *keystore.Store
		keys     *keys.Manager
		engine   *session.Engine
		codec    *codec.Codec
		cache    *sentcache.Cache
		dispatch *dispatcher

		onMessage func(model.DisplayMessage)

		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu      sync.RWMutex
		started bool
	}
)

func NewApp(cfg *config.Config, userID string, deps Deps) *App {
	return &App{
		cfg:       cfg,
		userID:    userID,
		deps:      deps,
		onMessage: func(model.DisplayMessage) {},
	}
}

// OnMessage sets the callback for decrypted incoming messages and for
// confirmed outgoing ones. Set it before Start.
func (c *App) OnMessage(fn func(model.DisplayMessage)) {
	c.onMessage = fn
}

func (c *App) UserID() string {
	return c.userID
}

// Start opens the key store, makes sure this device has published keys and
// subscribes to the transport.
func (c *App) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	backend, err := keystore.OpenBackend(ctx, c.cfg.KeyStore, c.userID, c.deps.Redis)
	if err != nil {
		return err
	}
	secretPath := filepath.Join(c.cfg.KeyStore.Dir, c.userID+"."+c.cfg.KeyStore.DeviceSecretFile)
	secret, err := keystore.LoadDeviceSecret(secretPath)
	if err != nil {
		backend.Close()
		return fmt.Errorf("%w: device secret: %v", keystore.ErrStorageUnavailable, err)
	}
	store, err := keystore.Open(ctx, backend, secret, c.cfg.KeyStore.Iterations)
	if err != nil {
		backend.Close()
		return err
	}

	km := keys.NewManager(c.userID, store, c.deps.Distributor, keys.OptionsFromConfig(c.cfg.Keys))
	generated, err := km.EnsureKeysExist(ctx)
	if err != nil {
		store.Close()
		return fmt.Errorf("ensure keys: %w", err)
	}

	var durable sentcache.Durable
	if c.deps.Redis != nil {
		durable = sentcache.NewRedisStore(c.deps.Redis, c.userID)
	}

	c.store = store
	c.keys = km
	c.engine = session.NewEngine(store, km, c.deps.Distributor)
	c.codec = codec.New(c.engine, c.cfg.Legacy.SharedKey)
	c.cache = sentcache.New(durable, sentcache.OptionsFromConfig(c.cfg.Cache))
	c.dispatch = newDispatcher()

	frames, err := c.deps.Transport.Connect(ctx, c.userID)
	if err != nil {
		store.Close()
		return fmt.Errorf("connect transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.listen(runCtx, frames)
	}()
	go func() {
		defer c.wg.Done()
		c.cache.Run(runCtx, sweepInterval)
	}()

	c.started = true
	log.Info("client started", zap.String("user", c.userID), zap.Bool("new_keys", generated))
	return nil
}

// Stop disconnects and closes the key store. The App cannot be restarted.
func (c *App) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	if err := c.deps.Transport.Close(); err != nil {
		log.Warn("close transport", zap.Error(err))
	}
	c.cancel()
	c.wg.Wait()
	c.dispatch.Close()

	if err := c.store.Close(); err != nil {
		log.Warn("close keystore", zap.Error(err))
	}
	log.Info("client stopped", zap.String("user", c.userID))
}

func (c *App) running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// Send encrypts text for peerID and hands it to the transport. The returned
// correlation id matches the confirm frame of the relay.
func (c *App) Send(ctx context.Context, peerID, text string) (string, error) {
	if !c.running() {
		return "", ErrNotStarted
	}

	payload, err := c.codec.EncryptPrivate(ctx, peerID, text)
	if err != nil {
		return "", err
	}

	corrID := sentcache.NewCorrelationID()
	c.cache.TrackPending(ctx, corrID, text, peerID)

	err = c.deps.Transport.Send(ctx, &model.Message{
		CorrelationID: corrID,
		From:          c.userID,
		To:            peerID,
		Payload:       payload.Encode(),
		SentAt:        time.Now().UTC(),
	})
	if err != nil {
		c.cache.ResolvePending(ctx, corrID)
		return "", err
	}
	return corrID, nil
}

// listen applies inbound frames. Messages go through the dispatcher so
// each peer's messages are decrypted in arrival order.
func (c *App) listen(ctx context.Context, frames <-chan model.Frame) {
	for {
		var f model.Frame
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-frames:
			if !ok {
				log.Debug("frame stream closed", zap.String("user", c.userID))
				return
			}
			f = fr
		}

		switch f.Kind {
		case model.FrameMessage:
			if f.Message == nil {
				continue
			}
			msg := f.Message
			c.dispatch.Submit(msg.From, func() { c.receive(ctx, msg) })

		case model.FrameConfirm:
			if f.Message == nil {
				continue
			}
			msg := f.Message
			c.dispatch.Submit(msg.To, func() { c.confirm(ctx, msg) })

		case model.FrameError:
			log.Warn("relay error", zap.String("error", f.Error))
		}
	}
}

func (c *App) receive(ctx context.Context, msg *model.Message) {
	text := c.codec.DecryptPrivate(ctx, msg.From, msg.Payload)
	if text != codec.DecryptFailedPlaceholder && msg.ID != "" {
		// the ciphertext cannot be opened twice, so keep the text for history
		c.cache.StoreConfirmed(ctx, msg.ID, text)
	}
	c.onMessage(model.DisplayMessage{
		ID:     msg.ID,
		PeerID: msg.From,
		From:   msg.From,
		Text:   text,
		At:     msg.SentAt,
	})
}

func (c *App) confirm(ctx context.Context, msg *model.Message) {
	if !c.cache.Confirm(ctx, msg.CorrelationID, msg.ID) {
		log.Debug("confirm without pending plaintext",
			zap.String("correlation_id", msg.CorrelationID), zap.String("message_id", msg.ID))
	}
	c.onMessage(model.DisplayMessage{
		ID:       msg.ID,
		PeerID:   msg.To,
		From:     c.userID,
		Text:     c.cache.DisplayText(ctx, msg.ID),
		Outgoing: true,
		At:       msg.SentAt,
	})
}

// HistoryText is the text to show for a stored message.
func (c *App) HistoryText(ctx context.Context, msg *model.Message) string {
	if text, ok := c.cache.GetConfirmed(ctx, msg.ID); ok {
		return text
	}
	if msg.From == c.userID {
		return sentcache.UnavailableText
	}
	return c.codec.DecryptPrivate(ctx, msg.From, msg.Payload)
}

// ResetEncryption drops the session with peerID so the next message runs a
// fresh handshake. This is the recovery for a desynchronised session.
func (c *App) ResetEncryption(ctx context.Context, peerID string) error {
	if !c.running() {
		return ErrNotStarted
	}
	return c.engine.ClearSession(ctx, peerID)
}

// ResetKeys replaces this device's identity. Every session with every peer
// stops working.
func (c *App) ResetKeys(ctx context.Context) error {
	if !c.running() {
		return ErrNotStarted
	}
	return c.keys.ResetKeys(ctx)
}

// SafetyNumber returns the fingerprint to compare with peerID out of band.
// The peer's identity must be known from an earlier message.
func (c *App) SafetyNumber(ctx context.Context, peerID string) (string, error) {
	if !c.running() {
		return "", ErrNotStarted
	}
	key, ok, err := c.keys.TrustedIdentity(ctx, peerID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIdentity, peerID)
	}
	return c.keys.SafetyNumber(ctx, c.userID, peerID, key)
}
