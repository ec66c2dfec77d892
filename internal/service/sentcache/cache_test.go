package sentcache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"e2e_messaging/internal/model"
	"e2e_messaging/internal/service/sentcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDurable mimics the Redis store, including the bound on confirmed
// entries.
type memDurable struct {
	mu        sync.Mutex
	pending   map[string]model.PendingSentMessage
	confirmed map[string]model.ConfirmedPlaintext
	order     []string
}

func newMemDurable() *memDurable {
	return &memDurable{
		pending:   make(map[string]model.PendingSentMessage),
		confirmed: make(map[string]model.ConfirmedPlaintext),
	}
}

func (m *memDurable) PutPending(_ context.Context, p *model.PendingSentMessage, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.CorrelationID] = *p
	return nil
}

func (m *memDurable) TakePending(_ context.Context, id string) (*model.PendingSentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, nil
	}
	delete(m.pending, id)
	return &p, nil
}

func (m *memDurable) PutConfirmed(_ context.Context, c *model.ConfirmedPlaintext, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[c.MessageID] = *c
	m.order = append(m.order, c.MessageID)
	for len(m.order) > limit {
		delete(m.confirmed, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *memDurable) GetConfirmed(_ context.Context, id string) (*model.ConfirmedPlaintext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmed[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

type brokenDurable struct{}

var errUnavailable = errors.New("storage disabled")

func (brokenDurable) PutPending(context.Context, *model.PendingSentMessage, time.Duration) error {
	return errUnavailable
}

func (brokenDurable) TakePending(context.Context, string) (*model.PendingSentMessage, error) {
	return nil, errUnavailable
}

func (brokenDurable) PutConfirmed(context.Context, *model.ConfirmedPlaintext, int) error {
	return errUnavailable
}

func (brokenDurable) GetConfirmed(context.Context, string) (*model.ConfirmedPlaintext, error) {
	return nil, errUnavailable
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestResolvePendingOnce(t *testing.T) {
	ctx := context.Background()
	for name, durable := range map[string]sentcache.Durable{
		"memory only": nil,
		"durable":     newMemDurable(),
		"broken":      brokenDurable{},
	} {
		t.Run(name, func(t *testing.T) {
			c := sentcache.New(durable, sentcache.Options{})
			id := sentcache.NewCorrelationID()
			c.TrackPending(ctx, id, "hello", "bob")

			text, ok := c.ResolvePending(ctx, id)
			require.True(t, ok)
			assert.Equal(t, "hello", text)

			_, ok = c.ResolvePending(ctx, id)
			assert.False(t, ok)
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	c := sentcache.New(newMemDurable(), sentcache.Options{})
	_, ok := c.ResolvePending(context.Background(), "missing")
	assert.False(t, ok)
}

func TestPendingSurvivesRestartThroughDurable(t *testing.T) {
	ctx := context.Background()
	durable := newMemDurable()

	before := sentcache.New(durable, sentcache.Options{})
	before.TrackPending(ctx, "corr-1", "typed before restart", "bob")

	after := sentcache.New(durable, sentcache.Options{})
	text, ok := after.ResolvePending(ctx, "corr-1")
	require.True(t, ok)
	assert.Equal(t, "typed before restart", text)

	// resolving removed it from the store
	_, ok = after.ResolvePending(ctx, "corr-1")
	assert.False(t, ok)
}

func TestPendingExpires(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := sentcache.New(nil, sentcache.Options{PendingTTL: time.Minute}, sentcache.WithClock(clk.now))

	c.TrackPending(ctx, "a", "kept", "bob")
	c.TrackPending(ctx, "b", "expires", "bob")

	clk.advance(59 * time.Second)
	text, ok := c.ResolvePending(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "kept", text)

	clk.advance(time.Second)
	_, ok = c.ResolvePending(ctx, "b")
	assert.False(t, ok, "expired entries are not returned")
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := sentcache.New(nil, sentcache.Options{}, sentcache.WithClock(clk.now))

	c.TrackPending(ctx, "old", "x", "bob")
	clk.advance(30 * time.Second)
	c.TrackPending(ctx, "new", "y", "bob")
	clk.advance(31 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.PendingCount())

	text, ok := c.ResolvePending(ctx, "new")
	require.True(t, ok)
	assert.Equal(t, "y", text)
}

func TestConfirmedBound(t *testing.T) {
	ctx := context.Background()
	for name, durable := range map[string]sentcache.Durable{
		"memory only": nil,
		"durable":     newMemDurable(),
	} {
		t.Run(name, func(t *testing.T) {
			c := sentcache.New(durable, sentcache.Options{})
			for i := 0; i < 1500; i++ {
				c.StoreConfirmed(ctx, fmt.Sprintf("msg-%d", i), fmt.Sprintf("text %d", i))
			}

			for i := 0; i < 500; i++ {
				_, ok := c.GetConfirmed(ctx, fmt.Sprintf("msg-%d", i))
				require.False(t, ok, "msg-%d should be evicted", i)
			}
			for i := 500; i < 1500; i++ {
				text, ok := c.GetConfirmed(ctx, fmt.Sprintf("msg-%d", i))
				require.True(t, ok, "msg-%d should be kept", i)
				require.Equal(t, fmt.Sprintf("text %d", i), text)
			}
		})
	}
}

func TestConfirmMovesToMessageID(t *testing.T) {
	ctx := context.Background()
	c := sentcache.New(newMemDurable(), sentcache.Options{})

	c.TrackPending(ctx, "corr", "hi bob", "bob")
	assert.True(t, c.Confirm(ctx, "corr", "server-42"))
	assert.False(t, c.Confirm(ctx, "corr", "server-43"), "a correlation id confirms once")

	assert.Equal(t, "hi bob", c.DisplayText(ctx, "server-42"))
	assert.Equal(t, sentcache.UnavailableText, c.DisplayText(ctx, "server-43"))
}

func TestBrokenDurableDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	c := sentcache.New(brokenDurable{}, sentcache.Options{})

	c.StoreConfirmed(ctx, "m1", "text")
	text, ok := c.GetConfirmed(ctx, "m1")
	require.True(t, ok)
	assert.Equal(t, "text", text)

	_, ok = c.GetConfirmed(ctx, "m2")
	assert.False(t, ok)
	assert.Equal(t, sentcache.UnavailableText, c.DisplayText(ctx, "m2"))
}
