package storage

import (
	"context"
	"sort"
	"sync"

	"boardsync/domain"
)

type memBoard struct {
	board   domain.Board
	lists   map[string]domain.List
	cards   map[string]domain.Card
	members map[string]struct{}
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu     sync.RWMutex
	boards map[string]*memBoard
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{boards: make(map[string]*memBoard)}
}

func (m *Memory) board(boardID string) (*memBoard, error) {
	b, ok := m.boards[boardID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (m *Memory) CreateBoard(_ context.Context, b domain.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boards[b.ID]; ok {
		return domain.ErrConcurrencyConflict
	}
	m.boards[b.ID] = &memBoard{
		board:   b,
		lists:   make(map[string]domain.List),
		cards:   make(map[string]domain.Card),
		members: make(map[string]struct{}),
	}
	return nil
}

func (m *Memory) GetBoard(_ context.Context, boardID string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.board(boardID)
	if err != nil {
		return domain.Board{}, err
	}
	return b.board, nil
}

func (m *Memory) Lists(_ context.Context, boardID string) ([]domain.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.board(boardID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.List, 0, len(b.lists))
	for _, l := range b.lists {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetList(_ context.Context, boardID, listID string) (domain.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.board(boardID)
	if err != nil {
		return domain.List{}, err
	}
	l, ok := b.lists[listID]
	if !ok {
		return domain.List{}, domain.ErrNotFound
	}
	return l, nil
}

func (m *Memory) InsertList(_ context.Context, l domain.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.board(l.BoardID)
	if err != nil {
		return err
	}
	if _, ok := b.lists[l.ID]; ok {
		return domain.ErrConcurrencyConflict
	}
	b.lists[l.ID] = l
	return nil
}

func (m *Memory) UpdateList(_ context.Context, l domain.List, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.board(l.BoardID)
	if err != nil {
		return err
	}
	cur, ok := b.lists[l.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return domain.ErrConcurrencyConflict
	}
	b.lists[l.ID] = l
	return nil
}

func (m *Memory) Cards(_ context.Context, boardID string) ([]domain.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.board(boardID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Card, 0, len(b.cards))
	for _, c := range b.cards {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetCard(_ context.Context, boardID, cardID string) (domain.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.board(boardID)
	if err != nil {
		return domain.Card{}, err
	}
	c, ok := b.cards[cardID]
	if !ok {
		return domain.Card{}, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) InsertCard(_ context.Context, c domain.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.board(c.BoardID)
	if err != nil {
		return err
	}
	if _, ok := b.cards[c.ID]; ok {
		return domain.ErrConcurrencyConflict
	}
	b.cards[c.ID] = c.Clone()
	return nil
}

func (m *Memory) UpdateCard(_ context.Context, c domain.Card, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.board(c.BoardID)
	if err != nil {
		return err
	}
	cur, ok := b.cards[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return domain.ErrConcurrencyConflict
	}
	b.cards[c.ID] = c.Clone()
	return nil
}

func (m *Memory) DeleteCard(_ context.Context, boardID, cardID string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.board(boardID)
	if err != nil {
		return err
	}
	cur, ok := b.cards[cardID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected {
		return domain.ErrConcurrencyConflict
	}
	delete(b.cards, cardID)
	return nil
}

func (m *Memory) Members(_ context.Context, boardID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.board(boardID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(b.members))
	for id := range b.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AddMember(_ context.Context, boardID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.board(boardID)
	if err != nil {
		return err
	}
	b.members[userID] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, boardID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.board(boardID)
	if err != nil {
		return err
	}
	delete(b.members, userID)
	return nil
}
