package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"e2e_messaging/internal/metrics"
	"e2e_messaging/internal/model"
	"e2e_messaging/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type (
	// KeyDirectory stores what users publish for session setup.
	KeyDirectory interface {
		Upsert(ctx context.Context, upload *model.KeyUpload) error
		// FetchBundle hands out at most one one-time prekey per call and
		// returns nil for unknown users.
		FetchBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error)
		AddPreKeys(ctx context.Context, userID string, preKeys []model.PublicPreKey) (bool, error)
		Count(ctx context.Context, userID string) (int, bool, error)
	}

	// OfflineQueue holds messages for users that are not connected.
	OfflineQueue interface {
		Push(ctx context.Context, to string, m *model.Message) error
		Drain(ctx context.Context, to string) ([]*model.Message, error)
	}

	client struct {
		conn *websocket.Conn
		// serialises writes; held while queued messages are flushed so live
		// messages cannot overtake them
		mu sync.Mutex
	}

	HttpServer struct {
		mu     sync.RWMutex
		mapper map[string]*client

		keys    KeyDirectory
		queue   OfflineQueue
		timeout time.Duration
	}
)

func NewHttpServer(keys KeyDirectory, queue OfflineQueue, timeout time.Duration) *HttpServer {
	return &HttpServer{
		mapper:  make(map[string]*client),
		keys:    keys,
		queue:   queue,
		timeout: timeout,
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{name}", s.GetPreKeyBundle()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{name}", s.PutKeys()).Methods(http.MethodPut)
	r.HandleFunc("/keys/{name}/prekeys", s.PostPreKeys()).Methods(http.MethodPost)
	r.HandleFunc("/keys/{name}/count", s.GetPreKeyCount()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		_, ok := s.mapper[userID]
		s.mu.RUnlock()
		if ok {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		c := &client{conn: conn}
		c.mu.Lock()
		s.mu.Lock()
		if _, ok := s.mapper[userID]; ok {
			s.mu.Unlock()
			c.mu.Unlock()
			conn.WriteJSON(&model.Frame{Kind: model.FrameError, Error: "duplicated userID"})
			conn.Close()
			return
		}
		s.mapper[userID] = c
		s.mu.Unlock()

		if err := s.forwardUnsentMessages(r.Context(), userID, c); err != nil {
			log.Error("forward queued messages failed", zap.String("user", userID), zap.Error(err))
		}
		c.mu.Unlock()

		log.Info("client connected", zap.String("user", userID))
		go s.processWSMessage(userID, c)
	}
}

func (s *HttpServer) processWSMessage(userID string, c *client) {
	defer func() {
		s.mu.Lock()
		if s.mapper[userID] == c {
			delete(s.mapper, userID)
		}
		s.mu.Unlock()
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.String("user", userID), zap.Error(err))
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Kind != model.FrameMessage || frame.Message == nil {
			log.Error("invalid frame", zap.String("user", userID), zap.Error(err))
			c.write(&model.Frame{Kind: model.FrameError, Error: "invalid frame"})
			continue
		}

		s.relay(userID, c, frame.Message)
	}
}

// relay assigns the message its server id, hands it to the recipient or
// the offline queue, and confirms it to the sender.
func (s *HttpServer) relay(from string, sender *client, in *model.Message) {
	msg := &model.Message{
		ID:      uuid.NewString(),
		From:    from,
		To:      in.To,
		Payload: in.Payload,
		SentAt:  time.Now().UTC(),
	}

	s.mu.RLock()
	to, online := s.mapper[msg.To]
	s.mu.RUnlock()

	delivered := false
	if online {
		if err := to.write(&model.Frame{Kind: model.FrameMessage, Message: msg}); err != nil {
			log.Warn("deliver failed, queueing", zap.String("to", msg.To), zap.Error(err))
		} else {
			delivered = true
		}
	}
	if !delivered {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.queue.Push(ctx, msg.To, msg)
		cancel()
		if err != nil {
			log.Error("queue message failed", zap.String("to", msg.To), zap.Error(err))
			sender.write(&model.Frame{Kind: model.FrameError, Error: "message not stored"})
			return
		}
		metrics.FramesRelayed.WithLabelValues("queued").Inc()
	} else {
		metrics.FramesRelayed.WithLabelValues("delivered").Inc()
	}

	confirm := *msg
	confirm.CorrelationID = in.CorrelationID
	if err := sender.write(&model.Frame{Kind: model.FrameConfirm, Message: &confirm}); err != nil {
		log.Warn("confirm failed", zap.String("user", from), zap.Error(err))
	}
}

// forwardUnsentMessages is called with c.mu held.
func (s *HttpServer) forwardUnsentMessages(ctx context.Context, userID string, c *client) error {
	messages, err := s.queue.Drain(ctx, userID)
	if err != nil {
		return err
	}

	for _, m := range messages {
		if err := c.conn.WriteJSON(&model.Frame{Kind: model.FrameMessage, Message: m}); err != nil {
			return err
		}
	}
	if len(messages) > 0 {
		log.Info("forwarded queued messages", zap.String("user", userID), zap.Int("count", len(messages)))
	}
	return nil
}

// Online reports whether userID has a live connection.
func (s *HttpServer) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mapper[userID]
	return ok
}

func (s *HttpServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.mapper {
		c.conn.Close()
		delete(s.mapper, id)
	}
}

func (c *client) write(f *model.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}
