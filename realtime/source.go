package realtime

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// RedisSource reads a board's events straight from its pub/sub channel.
type RedisSource struct {
	sub    *redis.PubSub
	ch     <-chan *redis.Message
	logger log.FieldLogger
}

// SubscribeRedis subscribes to boardID's channel and waits for the
// subscription to be confirmed, so no event published afterwards is missed.
func SubscribeRedis(ctx context.Context, rc *redis.Client, boardID string, logger log.FieldLogger) (*RedisSource, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	sub := rc.Subscribe(ctx, domain.BoardChannel(boardID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	return &RedisSource{sub: sub, ch: sub.Channel(), logger: logger}, nil
}

func (s *RedisSource) Next(ctx context.Context) (domain.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case msg, ok := <-s.ch:
			if !ok {
				return domain.Event{}, io.EOF
			}
			ev, err := domain.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				s.logger.WithError(err).WithField("channel", msg.Channel).Error("realtime.bad_payload")
				continue
			}
			return ev, nil
		}
	}
}

func (s *RedisSource) Close() error { return s.sub.Close() }

// WSSource reads events from the server's websocket stream endpoint.
type WSSource struct {
	conn      *websocket.Conn
	logger    log.FieldLogger
	closeOnce sync.Once
}

// DialStream connects to url, e.g. ws://host/api/boards/b1/stream. header
// carries the Authorization bearer token.
func DialStream(ctx context.Context, url string, header http.Header, logger log.FieldLogger) (*WSSource, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, domain.NewRequestError(domain.KindFromStatus(resp.StatusCode), err.Error())
		}
		return nil, err
	}
	return &WSSource{conn: conn, logger: logger}, nil
}

func (s *WSSource) Next(ctx context.Context) (domain.Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return domain.Event{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return domain.Event{}, io.EOF
			}
			return domain.Event{}, err
		}
		ev, err := domain.DecodeEvent(data)
		if err != nil {
			s.logger.WithError(err).Error("realtime.bad_payload")
			continue
		}
		return ev, nil
	}
}

func (s *WSSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}
