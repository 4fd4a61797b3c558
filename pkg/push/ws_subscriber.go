package push

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const wsHandshakeTimeout = 10 * time.Second

// WebsocketSubscriber is a watermill message.Subscriber over a websocket push
// endpoint: one connection per topic, frames delivered as message payloads.
// It is the production push binding for hosts that cannot reach Redis
// directly.
type WebsocketSubscriber struct {
	endpoint string
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

var _ message.Subscriber = &WebsocketSubscriber{}

// NewWebsocketSubscriber points at the backend's push endpoint, e.g.
// wss://push.example.com/v1/subscribe. The topic is carried as a query
// parameter.
func NewWebsocketSubscriber(endpoint string) (*WebsocketSubscriber, error) {
	if endpoint == "" {
		return nil, errors.New("push: websocket endpoint is empty")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Wrap(err, "push: invalid websocket endpoint")
	}
	return &WebsocketSubscriber{
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		conns:    map[*websocket.Conn]struct{}{},
	}, nil
}

// Subscribe dials one connection for the topic and yields its frames until the
// context is canceled, the subscriber is closed, or the peer goes away. The
// returned channel is closed on every exit path.
func (s *WebsocketSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s == nil {
		return nil, errors.New("push: websocket subscriber is nil")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("push: websocket subscriber is closed")
	}
	s.mu.Unlock()

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "push: invalid websocket endpoint")
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "push: dial %s", u.String())
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	out := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
			close(out)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Str("component", "push").Str("topic", topic).Msg("websocket read loop end")
				}
				return
			}
			msg := message.NewMessage(watermill.NewUUID(), data)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close drops every live connection.
func (s *WebsocketSubscriber) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = map[*websocket.Conn]struct{}{}
	return nil
}
