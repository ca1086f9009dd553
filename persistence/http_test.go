package persistence

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"boardsync/cache"
	"boardsync/domain"
)

func TestHTTPClientMoveCard(t *testing.T) {
	var gotKey, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/boards/b1/cards/X/move" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"X","boardId":"b1","listId":"L2","rank":"a","version":7,"cardLabels":[{"labelId":"l2"},{"labelId":"l1"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "tok")
	card, err := c.MoveCard(context.Background(), "b1", domain.MoveRequest{CardID: "X", ToListID: "L2", AfterID: "Y"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if gotKey == "" {
		t.Fatalf("expected idempotency key header")
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody != `{"cardId":"X","toListId":"L2","afterId":"Y"}` {
		t.Fatalf("unexpected body %s", gotBody)
	}
	if card.ListID != "L2" || card.Version != 7 {
		t.Fatalf("unexpected card %+v", card)
	}
	if !card.Labels.Equal(domain.NewIDSet("l1", "l2")) {
		t.Fatalf("labels not normalized: %v", card.Labels)
	}
}

func TestHTTPClientErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   domain.ErrorKind
		msg    string
	}{
		{name: "conflict", status: http.StatusConflict, body: `{"kind":"conflict","message":"neighbor gone"}`, kind: domain.KindConflict, msg: "neighbor gone"},
		{name: "validation", status: http.StatusBadRequest, body: "invalid body", kind: domain.KindValidation, msg: "invalid body"},
		{name: "forbidden", status: http.StatusUnauthorized, kind: domain.KindForbidden, msg: "Unauthorized"},
		{name: "notFound", status: http.StatusNotFound, kind: domain.KindNotFound, msg: "Not Found"},
		{name: "server", status: http.StatusBadGateway, kind: domain.KindRequestFailed, msg: "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "").UpdateCard(context.Background(), "b1", "X", domain.CardPatch{})
			var reqErr *domain.RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("expected RequestError, got %v", err)
			}
			if reqErr.Kind != tt.kind || reqErr.Status != tt.status || reqErr.Message != tt.msg {
				t.Fatalf("got %+v, want kind %s status %d message %q", reqErr, tt.kind, tt.status, tt.msg)
			}
		})
	}
}

func TestHTTPClientTimeoutIsRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClient(srv.URL, "").SetCardLabels(ctx, "b1", "X", domain.NewIDSet("a"))
	if domain.KindOf(err) != domain.KindRequestFailed {
		t.Fatalf("expected request-failed, got %v", err)
	}
}

func TestLoadIngestsBoard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/boards/b1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "" {
			t.Errorf("reads must not carry idempotency keys")
		}
		_, _ = w.Write([]byte(`{
			"board":{"id":"b1","name":"Roadmap","version":1},
			"lists":[{"id":"L1","boardId":"b1","title":"Todo","rank":"V","version":1}],
			"cards":[
				{"id":"X","boardId":"b1","listId":"L1","rank":"n","version":1,"labelIds":["b"],"labels":["a"]},
				{"id":"Y","boardId":"b1","listId":"L1","rank":"m","version":1,"labels":[{"id":"c"}]}
			],
			"members":["u1"]
		}`))
	}))
	defer srv.Close()

	c := cache.New(nil)
	if err := Load(context.Background(), c, NewHTTPClient(srv.URL, ""), "b1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	cards := c.CardsOfList("L1")
	if len(cards) != 2 || cards[0].ID != "Y" || cards[1].ID != "X" {
		t.Fatalf("unexpected order %+v", cards)
	}
	if !cards[1].Labels.Equal(domain.NewIDSet("a", "b")) {
		t.Fatalf("unexpected labels %v", cards[1].Labels)
	}
	if m := c.Members("b1"); len(m) != 1 || m[0] != "u1" {
		t.Fatalf("unexpected members %v", m)
	}
}

func TestDecodeCardRejectsAssociationWithoutID(t *testing.T) {
	if _, err := DecodeCard([]byte(`{"id":"X","labels":[{"name":"urgent"}]}`)); err == nil {
		t.Fatalf("expected error")
	}
}
