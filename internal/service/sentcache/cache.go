// Package sentcache remembers the plaintext of outgoing messages. A sender
// cannot open what it encrypted for the recipient, so the text is kept
// under the client correlation id until the relay confirms the message, and
// under the server message id afterwards.
package sentcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"e2e_messaging/internal/config"
	"e2e_messaging/internal/model"
	"e2e_messaging/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UnavailableText is displayed for an outgoing message whose plaintext is
// no longer cached.
const UnavailableText = "[message sent, plaintext unavailable]"

const (
	DefaultPendingTTL   = 60 * time.Second
	DefaultMaxConfirmed = 1000
)

// Durable persists cache entries across restarts. All errors are
// tolerated by the cache.
type Durable interface {
	PutPending(ctx context.Context, p *model.PendingSentMessage, ttl time.Duration) error
	// TakePending returns and deletes the entry; nil when missing.
	TakePending(ctx context.Context, correlationID string) (*model.PendingSentMessage, error)
	PutConfirmed(ctx context.Context, c *model.ConfirmedPlaintext, limit int) error
	// GetConfirmed returns nil when missing.
	GetConfirmed(ctx context.Context, messageID string) (*model.ConfirmedPlaintext, error)
}

type Options struct {
	PendingTTL   time.Duration
	MaxConfirmed int
}

func OptionsFromConfig(c config.Cache) Options {
	return Options{PendingTTL: c.PendingTTL.Duration, MaxConfirmed: c.MaxConfirmed}
}

type Cache struct {
	durable Durable
	opts    Options
	now     func() time.Time

	mu        sync.Mutex
	pending   map[string]*model.PendingSentMessage
	confirmed map[string]*list.Element
	order     *list.List // of *model.ConfirmedPlaintext, oldest at front
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a cache. durable may be nil for a memory-only cache.
func New(durable Durable, opts Options, options ...Option) *Cache {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.MaxConfirmed <= 0 {
		opts.MaxConfirmed = DefaultMaxConfirmed
	}
	c := &Cache{
		durable:   durable,
		opts:      opts,
		now:       time.Now,
		pending:   make(map[string]*model.PendingSentMessage),
		confirmed: make(map[string]*list.Element),
		order:     list.New(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// NewCorrelationID returns a fresh client-side id for an outgoing message.
func NewCorrelationID() string {
	return uuid.NewString()
}

func (c *Cache) TrackPending(ctx context.Context, correlationID, plaintext, peerID string) {
	now := c.now()
	p := &model.PendingSentMessage{
		CorrelationID: correlationID,
		Plaintext:     plaintext,
		PeerID:        peerID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.opts.PendingTTL),
	}

	c.mu.Lock()
	c.pending[correlationID] = p
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	if err := c.durable.PutPending(ctx, p, c.opts.PendingTTL); err != nil {
		log.Warn("durable cache unavailable, keeping pending message in memory",
			zap.String("correlation_id", correlationID), zap.Error(err))
	}
}

// ResolvePending returns the plaintext for correlationID and forgets it. A
// second call for the same id misses.
func (c *Cache) ResolvePending(ctx context.Context, correlationID string) (string, bool) {
	now := c.now()

	c.mu.Lock()
	p, ok := c.pending[correlationID]
	delete(c.pending, correlationID)
	c.mu.Unlock()

	// always take it from the durable store too so it cannot be resolved twice
	var stored *model.PendingSentMessage
	if c.durable != nil {
		var err error
		stored, err = c.durable.TakePending(ctx, correlationID)
		if err != nil {
			log.Warn("durable cache read failed",
				zap.String("correlation_id", correlationID), zap.Error(err))
		}
	}

	if !ok {
		p = stored
	}
	if p == nil || p.Expired(now) {
		return "", false
	}
	return p.Plaintext, true
}

// Confirm moves a pending entry to the confirmed index under the id the
// relay assigned.
func (c *Cache) Confirm(ctx context.Context, correlationID, messageID string) bool {
	text, ok := c.ResolvePending(ctx, correlationID)
	if !ok {
		return false
	}
	c.StoreConfirmed(ctx, messageID, text)
	return true
}

// StoreConfirmed keeps plaintext under a server message id. Only the most
// recent MaxConfirmed entries are kept.
func (c *Cache) StoreConfirmed(ctx context.Context, messageID, plaintext string) {
	entry := &model.ConfirmedPlaintext{
		MessageID: messageID,
		Plaintext: plaintext,
		StoredAt:  c.now(),
	}

	c.mu.Lock()
	if el, ok := c.confirmed[messageID]; ok {
		c.order.Remove(el)
	}
	c.confirmed[messageID] = c.order.PushBack(entry)
	for c.order.Len() > c.opts.MaxConfirmed {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.confirmed, oldest.Value.(*model.ConfirmedPlaintext).MessageID)
	}
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	if err := c.durable.PutConfirmed(ctx, entry, c.opts.MaxConfirmed); err != nil {
		log.Warn("durable cache unavailable, keeping confirmed message in memory",
			zap.String("message_id", messageID), zap.Error(err))
	}
}

func (c *Cache) GetConfirmed(ctx context.Context, messageID string) (string, bool) {
	c.mu.Lock()
	el, ok := c.confirmed[messageID]
	c.mu.Unlock()
	if ok {
		return el.Value.(*model.ConfirmedPlaintext).Plaintext, true
	}

	if c.durable == nil {
		return "", false
	}
	stored, err := c.durable.GetConfirmed(ctx, messageID)
	if err != nil {
		log.Warn("durable cache read failed", zap.String("message_id", messageID), zap.Error(err))
		return "", false
	}
	if stored == nil {
		return "", false
	}
	return stored.Plaintext, true
}

// DisplayText is the text to show for one of our own messages.
func (c *Cache) DisplayText(ctx context.Context, messageID string) string {
	if text, ok := c.GetConfirmed(ctx, messageID); ok {
		return text
	}
	return UnavailableText
}

// Sweep drops expired pending entries from memory and returns how many
// went. The durable store expires its copies on its own.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, p := range c.pending {
		if p.Expired(now) {
			delete(c.pending, id)
			n++
		}
	}
	if n > 0 {
		log.Debug("swept expired pending messages", zap.Int("count", n))
	}
	return n
}

// PendingCount reports the in-memory pending entries, expired or not.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
