// Package api serves the board CRUD API and the per-board event stream.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/persistence"
)

const headerIdempotencyKey = "Idempotency-Key"

// Boards is the board service the handlers drive.
type Boards interface {
	persistence.Client
	CreateBoard(ctx context.Context, name string) (domain.Board, error)
	AddMember(ctx context.Context, boardID, userID string) error
	RemoveMember(ctx context.Context, boardID, userID string) error
}

type server struct {
	boards Boards
	auth   Authenticator
	dedup  Deduper
	subs   Subscriber
	log    *log.Logger
}

// Register wires up all API routes on the provided Echo instance. dedup and
// subs may be nil, which disables idempotency keys and the stream endpoints.
func Register(e *echo.Echo, boards Boards, auth Authenticator, dedup Deduper, subs Subscriber, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &server{boards: boards, auth: auth, dedup: dedup, subs: subs, log: logger}

	e.Use(gzipRequest(), limitBody())
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.POST("/api/boards", s.handle("/api/boards", true, s.createBoard))
	g := e.Group("/api/boards/:board")
	g.GET("", s.handle("/api/boards/:board", false, s.getBoard))
	g.GET("/members", s.handle("/api/boards/:board/members", false, s.getMembers))
	g.POST("/members", s.handle("/api/boards/:board/members", true, s.addMember))
	g.DELETE("/members/:user", s.handle("/api/boards/:board/members/:user", true, s.removeMember))
	g.GET("/lists/:list", s.handle("/api/boards/:board/lists/:list", false, s.getList))
	g.POST("/lists", s.handle("/api/boards/:board/lists", true, s.createList))
	g.PATCH("/lists/:list", s.handle("/api/boards/:board/lists/:list", true, s.patchList))
	g.POST("/cards", s.handle("/api/boards/:board/cards", true, s.createCard))
	g.PATCH("/cards/:card", s.handle("/api/boards/:board/cards/:card", true, s.patchCard))
	g.POST("/cards/:card/move", s.handle("/api/boards/:board/cards/:card/move", true, s.moveCard))
	g.PUT("/cards/:card/labels", s.handle("/api/boards/:board/cards/:card/labels", true, s.putLabels))
	g.DELETE("/cards/:card", s.handle("/api/boards/:board/cards/:card", true, s.deleteCard))
	if subs != nil {
		g.GET("/stream", s.stream)
		g.GET("/events", s.events)
	}
}

type handlerFunc func(ctx context.Context, c echo.Context) (int, any, error)

// handle authenticates, applies idempotency keys to mutations, runs fn and
// writes its result or error.
func (s *server) handle(route string, mutating bool, fn handlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx, metrics := newRequestMetrics(c.Request().Context(), s.log, route)
		var failure error
		defer func() {
			if failure == nil {
				failure = err
			}
			metrics.End(c.Response().Status, failure)
		}()

		authStart := time.Now()
		userID, authErr := s.auth.UserIDFromAuthHeader(authHeader(c.Request()))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			failure = authErr
			return writeError(c, &domain.RequestError{Kind: domain.KindForbidden, Status: http.StatusUnauthorized, Message: authErr.Error()})
		}
		ctx = board.WithActor(ctx, userID)

		key := c.Request().Header.Get(headerIdempotencyKey)
		claimed := false
		if mutating && key != "" && s.dedup != nil {
			rec, fresh, derr := s.dedup.Begin(ctx, userID, key)
			switch {
			case derr != nil:
				s.log.WithError(derr).WithField("route", route).Warn("api.idempotency_unavailable")
			case !fresh && rec == nil:
				metrics.SetReplayed()
				return writeError(c, domain.NewRequestError(domain.KindConflict, "a request with this idempotency key is in progress"))
			case !fresh:
				metrics.SetReplayed()
				return respond(c, rec.Status, rec.Body)
			default:
				claimed = true
			}
		}

		handleStart := time.Now()
		status, body, herr := fn(ctx, c)
		metrics.ObserveHandle(time.Since(handleStart))
		if herr != nil {
			if claimed {
				if rerr := s.dedup.Remove(context.WithoutCancel(ctx), userID, key); rerr != nil {
					s.log.WithError(rerr).Warn("api.idempotency_release_failed")
				}
			}
			metrics.SetErrorStage("handler")
			failure = herr
			return writeError(c, herr)
		}

		var payload []byte
		if body != nil {
			if payload, err = sonic.Marshal(body); err != nil {
				metrics.SetErrorStage("encode_response")
				return writeError(c, err)
			}
		}
		if claimed {
			if cerr := s.dedup.Complete(context.WithoutCancel(ctx), userID, key, Recorded{Status: status, Body: payload}); cerr != nil {
				s.log.WithError(cerr).Warn("api.idempotency_record_failed")
			}
		}
		return respond(c, status, payload)
	}
}

func respond(c echo.Context, status int, payload []byte) error {
	if len(payload) == 0 {
		return c.NoContent(status)
	}
	return c.JSONBlob(status, payload)
}

func invalid(msg string) error { return domain.NewRequestError(domain.KindValidation, msg) }

// writeError renders err as a persistence.ErrorBody.
func writeError(c echo.Context, err error) error {
	kind := domain.KindOf(err)
	status := kind.Status()
	msg := err.Error()
	var reqErr *domain.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Status != 0 {
			status = reqErr.Status
		}
		if reqErr.Message != "" {
			msg = reqErr.Message
		}
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		kind, status, msg = domain.KindValidation, http.StatusRequestEntityTooLarge, "request body too large"
	}
	if status >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, persistence.ErrorBody{Kind: kind, Message: msg})
}

func decode(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return invalid("request body is required")
		}
		return invalid("invalid body")
	}
	return nil
}

func (s *server) createBoard(ctx context.Context, c echo.Context) (int, any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decode(c, &in); err != nil {
		return 0, nil, err
	}
	b, err := s.boards.CreateBoard(ctx, in.Name)
	return http.StatusCreated, b, err
}

func (s *server) getBoard(ctx context.Context, c echo.Context) (int, any, error) {
	snap, err := s.boards.FetchBoard(ctx, c.Param("board"))
	return http.StatusOK, snap, err
}

func (s *server) getMembers(ctx context.Context, c echo.Context) (int, any, error) {
	members, err := s.boards.FetchMembers(ctx, c.Param("board"))
	return http.StatusOK, map[string][]string{"members": members}, err
}

func (s *server) addMember(ctx context.Context, c echo.Context) (int, any, error) {
	var in struct {
		UserID string `json:"userId"`
	}
	if err := decode(c, &in); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, s.boards.AddMember(ctx, c.Param("board"), in.UserID)
}

func (s *server) removeMember(ctx context.Context, c echo.Context) (int, any, error) {
	return http.StatusNoContent, nil, s.boards.RemoveMember(ctx, c.Param("board"), c.Param("user"))
}

func (s *server) getList(ctx context.Context, c echo.Context) (int, any, error) {
	l, cards, err := s.boards.FetchList(ctx, c.Param("board"), c.Param("list"))
	return http.StatusOK, struct {
		List  domain.List   `json:"list"`
		Cards []domain.Card `json:"cards"`
	}{l, cards}, err
}

func (s *server) createList(ctx context.Context, c echo.Context) (int, any, error) {
	var in domain.NewList
	if err := decode(c, &in); err != nil {
		return 0, nil, err
	}
	l, err := s.boards.CreateList(ctx, c.Param("board"), in)
	return http.StatusCreated, l, err
}

func (s *server) patchList(ctx context.Context, c echo.Context) (int, any, error) {
	var patch domain.ListPatch
	if err := decode(c, &patch); err != nil {
		return 0, nil, err
	}
	l, err := s.boards.UpdateList(ctx, c.Param("board"), c.Param("list"), patch)
	return http.StatusOK, l, err
}

func (s *server) createCard(ctx context.Context, c echo.Context) (int, any, error) {
	var in domain.NewCard
	if err := decode(c, &in); err != nil {
		return 0, nil, err
	}
	card, err := s.boards.CreateCard(ctx, c.Param("board"), in)
	return http.StatusCreated, card, err
}

func (s *server) patchCard(ctx context.Context, c echo.Context) (int, any, error) {
	var patch domain.CardPatch
	if err := decode(c, &patch); err != nil {
		return 0, nil, err
	}
	card, err := s.boards.UpdateCard(ctx, c.Param("board"), c.Param("card"), patch)
	return http.StatusOK, card, err
}

func (s *server) moveCard(ctx context.Context, c echo.Context) (int, any, error) {
	var req domain.MoveRequest
	if err := decode(c, &req); err != nil {
		return 0, nil, err
	}
	req.CardID = c.Param("card")
	card, err := s.boards.MoveCard(ctx, c.Param("board"), req)
	return http.StatusOK, card, err
}

func (s *server) putLabels(ctx context.Context, c echo.Context) (int, any, error) {
	var in domain.LabelsRequest
	if err := decode(c, &in); err != nil {
		return 0, nil, err
	}
	card, err := s.boards.SetCardLabels(ctx, c.Param("board"), c.Param("card"), in.LabelIDs)
	return http.StatusOK, card, err
}

func (s *server) deleteCard(ctx context.Context, c echo.Context) (int, any, error) {
	r, err := s.boards.RemoveCard(ctx, c.Param("board"), c.Param("card"))
	return http.StatusOK, r, err
}
