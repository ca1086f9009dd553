package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/persistence"
	"boardsync/relay"
	"boardsync/storage"
)

type fixture struct {
	e       *echo.Echo
	store   *storage.Memory
	mr      *miniredis.Miniredis
	rc      *redis.Client
	boardID string
}

func quietLogger() *log.Logger {
	l := log.New()
	l.Out = io.Discard
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, rc := newTestRedis(t)
	store := storage.NewMemory()
	svc := board.NewService(store, relay.NewRedisPublisher(rc), board.WithLogger(quietLogger()))

	e := echo.New()
	e.Logger.SetOutput(io.Discard)
	Register(e, svc, testAuth(), NewRedisDeduper(rc, time.Minute), RedisSubscriber{Client: rc, Logger: quietLogger()}, quietLogger())

	f := &fixture{e: e, store: store, mr: mr, rc: rc}
	rec := f.do(t, http.MethodPost, "/api/boards", "owner", map[string]string{"name": "Roadmap"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create board: %d %s", rec.Code, rec.Body.String())
	}
	var b domain.Board
	if err := sonic.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	f.boardID = b.ID
	return f
}

func (f *fixture) path(parts ...string) string {
	return "/api/boards/" + f.boardID + strings.Join(parts, "")
}

// do sends body (raw bytes or a value to encode) as user. An empty user sends
// no Authorization header.
func (f *fixture) do(t *testing.T, method, path, user string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		payload, err := sonic.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		r = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range header {
		req.Header[k] = v
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+userToken(t, user))
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) persistence.ErrorBody {
	t.Helper()
	var eb persistence.ErrorBody
	if err := sonic.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return eb
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind domain.ErrorKind) persistence.ErrorBody {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	eb := errorBody(t, rec)
	if eb.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%s)", kind, eb.Kind, eb.Message)
	}
	return eb
}

func idempotencyKey(key string) http.Header {
	return http.Header{headerIdempotencyKey: []string{key}}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", "", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestBoardRoundTrip(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{ID: "l1", Title: "Todo"}, nil); rec.Code != http.StatusCreated {
		t.Fatalf("create list: %d %s", rec.Code, rec.Body.String())
	}
	for _, id := range []string{"c1", "c2"} {
		rec := f.do(t, http.MethodPost, f.path("/cards"), "owner", domain.NewCard{ID: id, ListID: "l1", Title: id}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create card %s: %d %s", id, rec.Code, rec.Body.String())
		}
	}

	rec := f.do(t, http.MethodGet, f.path(), "owner", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get board: %d %s", rec.Code, rec.Body.String())
	}
	var snap domain.BoardSnapshot
	if err := sonic.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Board.Name != "Roadmap" || len(snap.Lists) != 1 || len(snap.Cards) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Cards[0].ID != "c1" || snap.Cards[1].ID != "c2" {
		t.Fatalf("cards out of order: %s, %s", snap.Cards[0].ID, snap.Cards[1].ID)
	}
	if len(snap.Members) != 1 || snap.Members[0] != "owner" {
		t.Fatalf("unexpected members: %v", snap.Members)
	}

	rec = f.do(t, http.MethodGet, f.path("/lists/l1"), "owner", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cards"`) {
		t.Fatalf("get list: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, f.path("/cards/c1"), "owner", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete card: %d %s", rec.Code, rec.Body.String())
	}
	var removal domain.Removal
	if err := sonic.Unmarshal(rec.Body.Bytes(), &removal); err != nil || removal.ID != "c1" || removal.Version == 0 {
		t.Fatalf("unexpected removal %+v: %v", removal, err)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	expectError(t, f.do(t, http.MethodGet, f.path(), "", nil, nil), http.StatusUnauthorized, domain.KindForbidden)
}

func TestNonMemberIsForbidden(t *testing.T) {
	f := newFixture(t)
	expectError(t, f.do(t, http.MethodGet, f.path(), "stranger", nil, nil), http.StatusForbidden, domain.KindForbidden)
	expectError(t, f.do(t, http.MethodPost, f.path("/lists"), "stranger", domain.NewList{Title: "x"}, nil), http.StatusForbidden, domain.KindForbidden)
}

func TestMembersEndpoints(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, f.path("/members"), "owner", map[string]string{"userId": "guest"}, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("add member: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, f.path(), "guest", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("guest should read the board: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodDelete, f.path("/members/guest"), "owner", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("remove member: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(t, http.MethodGet, f.path("/members"), "guest", nil, nil), http.StatusForbidden, domain.KindForbidden)
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)
	eb := expectError(t, f.do(t, http.MethodPost, f.path("/lists"), "owner", nil, nil), http.StatusBadRequest, domain.KindValidation)
	if eb.Message != "request body is required" {
		t.Fatalf("unexpected message: %s", eb.Message)
	}
	expectError(t, f.do(t, http.MethodPost, f.path("/lists"), "owner", []byte(`{"title":`), nil), http.StatusBadRequest, domain.KindValidation)
	expectError(t, f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{Title: "  "}, nil), http.StatusBadRequest, domain.KindValidation)
	expectError(t, f.do(t, http.MethodPost, f.path("/cards"), "owner", domain.NewCard{ListID: "missing", Title: "x"}, nil), http.StatusBadRequest, domain.KindValidation)
}

func TestNotFoundAndConflict(t *testing.T) {
	f := newFixture(t)
	title := "renamed"
	expectError(t, f.do(t, http.MethodPatch, f.path("/cards/nope"), "owner", domain.CardPatch{Title: &title}, nil), http.StatusNotFound, domain.KindNotFound)

	f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{ID: "l1", Title: "Todo"}, nil)
	f.do(t, http.MethodPost, f.path("/cards"), "owner", domain.NewCard{ID: "c1", ListID: "l1", Title: "A"}, nil)
	expectError(t, f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{ID: "l1", Title: "Again"}, nil), http.StatusConflict, domain.KindConflict)

	move := domain.MoveRequest{ToListID: "l1", BeforeID: "ghost"}
	expectError(t, f.do(t, http.MethodPost, f.path("/cards/c1/move"), "owner", move, nil), http.StatusConflict, domain.KindConflict)
}

func TestMoveUsesPathCard(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{ID: "l1", Title: "Todo"}, nil)
	f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{ID: "l2", Title: "Done"}, nil)
	f.do(t, http.MethodPost, f.path("/cards"), "owner", domain.NewCard{ID: "c1", ListID: "l1", Title: "A"}, nil)

	rec := f.do(t, http.MethodPost, f.path("/cards/c1/move"), "owner", domain.MoveRequest{CardID: "other", ToListID: "l2"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("move: %d %s", rec.Code, rec.Body.String())
	}
	card, err := persistence.DecodeCard(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.ID != "c1" || card.ListID != "l2" {
		t.Fatalf("unexpected card after move: %+v", card)
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	f := newFixture(t)
	first := f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{ID: "l1", Title: "Todo"}, idempotencyKey("k1"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	second := f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{ID: "l1", Title: "Todo"}, idempotencyKey("k1"))
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replay, got %d %s", second.Code, second.Body.String())
	}
	lists, err := f.store.Lists(context.Background(), f.boardID)
	if err != nil {
		t.Fatalf("lists: %v", err)
	}
	if len(lists) != 1 {
		t.Fatalf("expected a single list, got %d", len(lists))
	}
}

func TestIdempotencyKeyReleasedOnFailure(t *testing.T) {
	f := newFixture(t)
	in := domain.NewCard{ID: "c1", ListID: "l1", Title: "A"}
	expectError(t, f.do(t, http.MethodPost, f.path("/cards"), "owner", in, idempotencyKey("k2")), http.StatusBadRequest, domain.KindValidation)

	f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{ID: "l1", Title: "Todo"}, nil)
	if rec := f.do(t, http.MethodPost, f.path("/cards"), "owner", in, idempotencyKey("k2")); rec.Code != http.StatusCreated {
		t.Fatalf("retry after failure: %d %s", rec.Code, rec.Body.String())
	}
}

func TestIdempotencyKeyInProgress(t *testing.T) {
	f := newFixture(t)
	if err := f.mr.Set("idem:owner:k3", pendingMarker); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec := f.do(t, http.MethodPost, f.path("/lists"), "owner", domain.NewList{Title: "Todo"}, idempotencyKey("k3"))
	expectError(t, rec, http.StatusConflict, domain.KindConflict)
}

func TestIdempotencyKeyIgnoredOnReads(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, f.path(), "owner", nil, idempotencyKey("k4")); rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if f.mr.Exists("idem:owner:k4") {
		t.Fatal("reads must not claim idempotency keys")
	}
}

func TestGzipRequestBody(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(`{"id":"l1","title":"Todo"}`)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	gz := http.Header{echo.HeaderContentEncoding: []string{"gzip"}}
	if rec := f.do(t, http.MethodPost, f.path("/lists"), "owner", buf.Bytes(), gz); rec.Code != http.StatusCreated {
		t.Fatalf("gzip create: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(t, http.MethodPost, f.path("/lists"), "owner", []byte("not gzip"), gz), http.StatusBadRequest, domain.KindValidation)
}

func TestBodyTooLarge(t *testing.T) {
	f := newFixture(t)
	big := []byte(`{"title":"` + strings.Repeat("x", maxBodySize) + `"}`)
	expectError(t, f.do(t, http.MethodPost, f.path("/lists"), "owner", big, nil), http.StatusRequestEntityTooLarge, domain.KindValidation)
}

func TestHasGzipEncoding(t *testing.T) {
	cases := map[string]bool{"": false, "gzip": true, "br, GZIP": true, "deflate": false}
	for header, want := range cases {
		if got := hasGzipEncoding(header); got != want {
			t.Fatalf("%q: expected %v, got %v", header, want, got)
		}
	}
}
