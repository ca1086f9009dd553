package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/realtime"
)

const (
	keepAliveInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Subscriber opens a feed of one board's events.
type Subscriber interface {
	Subscribe(ctx context.Context, boardID string) (realtime.Source, error)
}

// RedisSubscriber feeds streams from the board pub/sub channels.
type RedisSubscriber struct {
	Client *redis.Client
	Logger log.FieldLogger
}

func (r RedisSubscriber) Subscribe(ctx context.Context, boardID string) (realtime.Source, error) {
	src, err := realtime.SubscribeRedis(ctx, r.Client, boardID, r.Logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// feed is an authorized subscription to one board.
type feed struct {
	ctx    context.Context
	cancel context.CancelFunc
	src    realtime.Source
	fields log.Fields
}

func (f *feed) close() {
	_ = f.src.Close()
	f.cancel()
}

// openFeed authenticates the caller, requires board membership and
// subscribes. Subscribing happens before any response byte is written so
// nothing published after the handshake is missed.
func (s *server) openFeed(c echo.Context) (*feed, error) {
	req := c.Request()
	userID, err := s.auth.UserIDFromAuthHeader(authHeader(req))
	if err != nil {
		return nil, &domain.RequestError{Kind: domain.KindForbidden, Status: http.StatusUnauthorized, Message: err.Error()}
	}
	boardID := c.Param("board")
	ctx, cancel := context.WithCancel(board.WithActor(req.Context(), userID))
	if _, err := s.boards.FetchMembers(ctx, boardID); err != nil {
		cancel()
		return nil, err
	}
	src, err := s.subs.Subscribe(ctx, boardID)
	if err != nil {
		cancel()
		return nil, err
	}
	return &feed{ctx: ctx, cancel: cancel, src: src, fields: log.Fields{"board": boardID, "user": userID}}, nil
}

// pump forwards events to send until the feed ends or send fails.
func (s *server) pump(f *feed, send func(domain.Event, []byte) error) {
	for {
		ev, err := f.src.Next(f.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && f.ctx.Err() == nil {
				s.log.WithFields(f.fields).WithError(err).Warn("api.stream.source_failed")
			}
			return
		}
		payload, err := ev.Encode()
		if err != nil {
			s.log.WithFields(f.fields).WithError(err).Error("api.stream.encode_failed")
			continue
		}
		if err := send(ev, payload); err != nil {
			return
		}
	}
}

// keepAlive calls ping every keepAliveInterval until the feed ends. A failed
// ping ends the feed.
func keepAlive(f *feed, ping func() error) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			if err := ping(); err != nil {
				f.cancel()
				return
			}
		}
	}
}

// stream forwards a board's events to a websocket client until either side
// goes away.
func (s *server) stream(c echo.Context) error {
	f, err := s.openFeed(c)
	if err != nil {
		return writeError(c, err)
	}
	defer f.close()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).WithFields(f.fields).Warn("api.stream.upgrade_failed")
		return nil
	}
	defer conn.Close()
	s.log.WithFields(f.fields).Info("api.stream.opened")
	defer s.log.WithFields(f.fields).Info("api.stream.closed")

	var writeMu sync.Mutex
	write := func(kind int, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(kind, payload)
	}

	// The client never sends data; reading surfaces its close frame.
	go func() {
		defer f.cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go keepAlive(f, func() error { return write(websocket.PingMessage, nil) })

	s.pump(f, func(_ domain.Event, payload []byte) error {
		return write(websocket.TextMessage, payload)
	})
	_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

// events is the server-sent events variant of stream for clients that cannot
// open websockets.
func (s *server) events(c echo.Context) error {
	f, err := s.openFeed(c)
	if err != nil {
		return writeError(c, err)
	}
	defer f.close()

	res := c.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return writeError(c, domain.NewRequestError(domain.KindRequestFailed, "stream unsupported"))
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.log.WithFields(f.fields).Info("api.events.opened")
	defer s.log.WithFields(f.fields).Info("api.events.closed")

	var writeMu sync.Mutex
	write := func(chunks ...[]byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		for _, chunk := range chunks {
			if _, err := res.Write(chunk); err != nil {
				return err
			}
		}
		flusher.Flush()
		return nil
	}

	go keepAlive(f, func() error { return write([]byte(": ping\n\n")) })
	s.pump(f, func(ev domain.Event, payload []byte) error {
		return write(
			[]byte("id: "+ev.ID+"\nevent: "+string(ev.Kind)+"\ndata: "),
			payload,
			[]byte("\n\n"),
		)
	})
	return nil
}
