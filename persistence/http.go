package persistence

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"boardsync/cache"
	"boardsync/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxErrorBody         = 64 << 10
	defaultTimeout       = 10 * time.Second
)

// ErrorBody is the JSON shape of a failed API call.
type ErrorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// HTTPClient talks to the board API over HTTP. Every mutation carries a
// fresh Idempotency-Key so a transport-level retry is not applied twice.
type HTTPClient struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for baseURL authenticating with bearer.
func NewHTTPClient(baseURL, bearer string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

func boardPath(boardID string, parts ...string) string {
	p := "/api/boards/" + url.PathEscape(boardID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *HTTPClient) FetchBoard(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	var read boardRead
	if err := c.do(ctx, http.MethodGet, boardPath(boardID), nil, &read); err != nil {
		return domain.BoardSnapshot{}, err
	}
	cards, err := normalizeCards(read.Cards)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}
	return domain.BoardSnapshot{Board: read.Board, Lists: read.Lists, Cards: cards, Members: read.Members}, nil
}

func (c *HTTPClient) FetchList(ctx context.Context, boardID, listID string) (domain.List, []domain.Card, error) {
	var read listRead
	if err := c.do(ctx, http.MethodGet, boardPath(boardID, "lists", listID), nil, &read); err != nil {
		return domain.List{}, nil, err
	}
	cards, err := normalizeCards(read.Cards)
	if err != nil {
		return domain.List{}, nil, err
	}
	return read.List, cards, nil
}

func (c *HTTPClient) FetchMembers(ctx context.Context, boardID string) ([]string, error) {
	var out struct {
		Members []string `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, boardPath(boardID, "members"), nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *HTTPClient) CreateList(ctx context.Context, boardID string, in domain.NewList) (domain.List, error) {
	var l domain.List
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "lists"), in, &l)
	return l, err
}

func (c *HTTPClient) UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (domain.List, error) {
	var l domain.List
	err := c.do(ctx, http.MethodPatch, boardPath(boardID, "lists", listID), patch, &l)
	return l, err
}

func (c *HTTPClient) CreateCard(ctx context.Context, boardID string, in domain.NewCard) (domain.Card, error) {
	return c.card(ctx, http.MethodPost, boardPath(boardID, "cards"), in)
}

func (c *HTTPClient) UpdateCard(ctx context.Context, boardID, cardID string, patch domain.CardPatch) (domain.Card, error) {
	return c.card(ctx, http.MethodPatch, boardPath(boardID, "cards", cardID), patch)
}

func (c *HTTPClient) MoveCard(ctx context.Context, boardID string, req domain.MoveRequest) (domain.Card, error) {
	return c.card(ctx, http.MethodPost, boardPath(boardID, "cards", req.CardID, "move"), req)
}

func (c *HTTPClient) SetCardLabels(ctx context.Context, boardID, cardID string, labels domain.IDSet) (domain.Card, error) {
	return c.card(ctx, http.MethodPut, boardPath(boardID, "cards", cardID, "labels"), domain.LabelsRequest{LabelIDs: labels})
}

func (c *HTTPClient) RemoveCard(ctx context.Context, boardID, cardID string) (domain.Removal, error) {
	var r domain.Removal
	err := c.do(ctx, http.MethodDelete, boardPath(boardID, "cards", cardID), nil, &r)
	return r, err
}

func (c *HTTPClient) card(ctx context.Context, method, path string, body any) (domain.Card, error) {
	var row cardRow
	if err := c.do(ctx, method, path, body, &row); err != nil {
		return domain.Card{}, err
	}
	return row.normalize()
}

// do sends one JSON request. Failures come back as *domain.RequestError:
// transport problems and timeouts as KindRequestFailed, HTTP errors by
// status.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set(headerIdempotencyKey, uuid.NewString())
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &domain.RequestError{Kind: domain.KindRequestFailed, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		reqErr := &domain.RequestError{Kind: domain.KindFromStatus(resp.StatusCode), Status: resp.StatusCode}
		var eb ErrorBody
		if sonic.Unmarshal(raw, &eb) == nil && eb.Message != "" {
			reqErr.Message = eb.Message
		} else {
			reqErr.Message = strings.TrimSpace(string(raw))
		}
		if reqErr.Message == "" {
			reqErr.Message = http.StatusText(resp.StatusCode)
		}
		return reqErr
	}
	if out == nil {
		return nil
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.RequestError{Kind: domain.KindRequestFailed, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// Load rebuilds a board in c from the server, as on cold start.
func Load(ctx context.Context, c cache.Writer, client Client, boardID string) error {
	snap, err := client.FetchBoard(ctx, boardID)
	if err != nil {
		return err
	}
	c.Ingest(snap)
	return nil
}
