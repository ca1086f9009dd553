// Package persistence is the client side of the board CRUD API. Rows coming
// back from the server are normalized here, once, before they reach the cache.
package persistence

import (
	"context"

	"boardsync/domain"
)

// Client is the persistence boundary used by the optimistic layer. Every
// mutation returns the authoritative row, or a *domain.RequestError.
type Client interface {
	FetchBoard(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
	FetchList(ctx context.Context, boardID, listID string) (domain.List, []domain.Card, error)
	FetchMembers(ctx context.Context, boardID string) ([]string, error)

	CreateList(ctx context.Context, boardID string, in domain.NewList) (domain.List, error)
	UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (domain.List, error)

	CreateCard(ctx context.Context, boardID string, in domain.NewCard) (domain.Card, error)
	UpdateCard(ctx context.Context, boardID, cardID string, patch domain.CardPatch) (domain.Card, error)
	MoveCard(ctx context.Context, boardID string, req domain.MoveRequest) (domain.Card, error)
	SetCardLabels(ctx context.Context, boardID, cardID string, labels domain.IDSet) (domain.Card, error)
	RemoveCard(ctx context.Context, boardID, cardID string) (domain.Removal, error)
}
