// Package storage persists boards, lists, cards and memberships for the
// board service. Every row carries a version; conditional writes fail with
// domain.ErrConcurrencyConflict when the stored version moved on.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"boardsync/domain"
)

// Store is implemented by Memory, TableStore, PostgresStore and Cache.
type Store interface {
	CreateBoard(ctx context.Context, b domain.Board) error
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)

	Lists(ctx context.Context, boardID string) ([]domain.List, error)
	GetList(ctx context.Context, boardID, listID string) (domain.List, error)
	InsertList(ctx context.Context, l domain.List) error
	UpdateList(ctx context.Context, l domain.List, expected int64) error

	Cards(ctx context.Context, boardID string) ([]domain.Card, error)
	GetCard(ctx context.Context, boardID, cardID string) (domain.Card, error)
	InsertCard(ctx context.Context, c domain.Card) error
	UpdateCard(ctx context.Context, c domain.Card, expected int64) error
	DeleteCard(ctx context.Context, boardID, cardID string, expected int64) error

	Members(ctx context.Context, boardID string) ([]string, error)
	AddMember(ctx context.Context, boardID, userID string) error
	RemoveMember(ctx context.Context, boardID, userID string) error
}

// mapAzureErr translates table service status codes into the package
// sentinels.
func mapAzureErr(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return fmt.Errorf("%w: %s", domain.ErrNotFound, respErr.ErrorCode)
		case 409, 412:
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, respErr.ErrorCode)
		}
	}
	return err
}
