package app

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"e2e_messaging/internal/model"
	"e2e_messaging/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("transport not connected")

// Transport carries opaque message envelopes to and from the relay.
type Transport interface {
	// Connect returns the inbound frame stream. It is closed when the
	// connection ends.
	Connect(ctx context.Context, userID string) (<-chan model.Frame, error)
	Send(ctx context.Context, m *model.Message) error
	Close() error
}

// WSTransport is the websocket connection to the relay server.
type WSTransport struct {
	host string

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSTransport(host string) *WSTransport {
	return &WSTransport{host: host}
}

func (t *WSTransport) Connect(ctx context.Context, userID string) (<-chan model.Frame, error) {
	params := url.Values{
		"userID": []string{userID},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     t.host,
		Path:     "/init",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	frames := make(chan model.Frame, 64)
	go t.listen(conn, frames)
	return frames, nil
}

func (t *WSTransport) listen(conn *websocket.Conn, frames chan<- model.Frame) {
	defer close(frames)
	for {
		var f model.Frame
		if err := conn.ReadJSON(&f); err != nil {
			log.Debug("web socket closed", zap.Error(err))
			return
		}
		frames <- f
	}
}

func (t *WSTransport) Send(_ context.Context, m *model.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteJSON(&model.Frame{Kind: model.FrameMessage, Message: m})
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
