package optimistic

import (
	"context"
	"sync"

	"boardsync/domain"
)

var errUnexpected = domain.NewRequestError(domain.KindRequestFailed, "unexpected call")

// fakeClient records requests and answers through per-method hooks.
type fakeClient struct {
	mu         sync.Mutex
	moves      []domain.MoveRequest
	labelSets  []domain.IDSet
	listReads  []string
	patches    []domain.CardPatch
	newCards   []domain.NewCard
	newLists   []domain.NewList
	listPatchs []domain.ListPatch

	move       func(context.Context, domain.MoveRequest) (domain.Card, error)
	labels     func(context.Context, string, domain.IDSet) (domain.Card, error)
	update     func(context.Context, string, domain.CardPatch) (domain.Card, error)
	createCard func(context.Context, domain.NewCard) (domain.Card, error)
	createList func(context.Context, domain.NewList) (domain.List, error)
	updateList func(context.Context, string, domain.ListPatch) (domain.List, error)
	remove     func(context.Context, string) (domain.Removal, error)
	fetchList  func(context.Context, string) (domain.List, []domain.Card, error)
	fetchBoard func(context.Context, string) (domain.BoardSnapshot, error)
}

func (f *fakeClient) FetchBoard(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	if f.fetchBoard == nil {
		return domain.BoardSnapshot{}, errUnexpected
	}
	return f.fetchBoard(ctx, boardID)
}

func (f *fakeClient) FetchList(ctx context.Context, _, listID string) (domain.List, []domain.Card, error) {
	f.mu.Lock()
	f.listReads = append(f.listReads, listID)
	f.mu.Unlock()
	if f.fetchList == nil {
		return domain.List{}, nil, errUnexpected
	}
	return f.fetchList(ctx, listID)
}

func (f *fakeClient) FetchMembers(context.Context, string) ([]string, error) {
	return nil, errUnexpected
}

func (f *fakeClient) CreateList(ctx context.Context, _ string, in domain.NewList) (domain.List, error) {
	f.mu.Lock()
	f.newLists = append(f.newLists, in)
	f.mu.Unlock()
	if f.createList == nil {
		return domain.List{}, errUnexpected
	}
	return f.createList(ctx, in)
}

func (f *fakeClient) UpdateList(ctx context.Context, _, listID string, patch domain.ListPatch) (domain.List, error) {
	f.mu.Lock()
	f.listPatchs = append(f.listPatchs, patch)
	f.mu.Unlock()
	if f.updateList == nil {
		return domain.List{}, errUnexpected
	}
	return f.updateList(ctx, listID, patch)
}

func (f *fakeClient) CreateCard(ctx context.Context, _ string, in domain.NewCard) (domain.Card, error) {
	f.mu.Lock()
	f.newCards = append(f.newCards, in)
	f.mu.Unlock()
	if f.createCard == nil {
		return domain.Card{}, errUnexpected
	}
	return f.createCard(ctx, in)
}

func (f *fakeClient) UpdateCard(ctx context.Context, _, cardID string, patch domain.CardPatch) (domain.Card, error) {
	f.mu.Lock()
	f.patches = append(f.patches, patch)
	f.mu.Unlock()
	if f.update == nil {
		return domain.Card{}, errUnexpected
	}
	return f.update(ctx, cardID, patch)
}

func (f *fakeClient) MoveCard(ctx context.Context, _ string, req domain.MoveRequest) (domain.Card, error) {
	f.mu.Lock()
	f.moves = append(f.moves, req)
	f.mu.Unlock()
	if f.move == nil {
		return domain.Card{}, errUnexpected
	}
	return f.move(ctx, req)
}

func (f *fakeClient) SetCardLabels(ctx context.Context, _, cardID string, labels domain.IDSet) (domain.Card, error) {
	f.mu.Lock()
	f.labelSets = append(f.labelSets, labels)
	f.mu.Unlock()
	if f.labels == nil {
		return domain.Card{}, errUnexpected
	}
	return f.labels(ctx, cardID, labels)
}

func (f *fakeClient) RemoveCard(ctx context.Context, _, cardID string) (domain.Removal, error) {
	if f.remove == nil {
		return domain.Removal{}, errUnexpected
	}
	return f.remove(ctx, cardID)
}
