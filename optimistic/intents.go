package optimistic

import (
	"context"
	"time"

	"github.com/google/uuid"

	"boardsync/cache"
	"boardsync/domain"
	"boardsync/rank"
)

func cardKey(id string) string { return "card:" + id }
func listKey(id string) string { return "list:" + id }

func notLoaded(kind, id string) error {
	return domain.NewRequestError(domain.KindNotFound, kind+" "+id+" is not loaded")
}

// patchFields maps a card patch to the fields a rollback must restore.
func patchFields(p domain.CardPatch) cache.Field {
	var f cache.Field
	if p.Title != nil {
		f |= cache.FieldTitle
	}
	if p.Description != nil {
		f |= cache.FieldDescription
	}
	if p.DueAt != nil || p.ClearDue {
		f |= cache.FieldDue
	}
	if p.Assignees != nil {
		f |= cache.FieldAssignees
	}
	if p.Archived != nil {
		f |= cache.FieldArchived
	}
	return f
}

func (m *Mutator) mergeCard(c domain.Card) { m.cache.UpsertCard(c, cache.Authoritative) }
func (m *Mutator) mergeList(l domain.List) { m.cache.UpsertList(l, cache.Authoritative) }

// UpdateCard applies patch locally, sends it, and restores exactly the
// patched fields if the server rejects it.
func (m *Mutator) UpdateCard(ctx context.Context, cardID string, patch domain.CardPatch) (domain.Card, error) {
	card, ok := m.cache.Card(cardID)
	if !ok {
		return domain.Card{}, notLoaded("card", cardID)
	}
	if patch.Empty() {
		return card, nil
	}
	var snap cache.CardSnapshot
	return Run(ctx, m, Mutation[domain.Card]{
		Name: "card.update",
		Key:  cardKey(cardID),
		Apply: func() error {
			if snap, ok = m.cache.SnapshotCard(cardID); !ok {
				return notLoaded("card", cardID)
			}
			m.cache.PatchCard(cardID, patch.ApplyTo)
			return nil
		},
		Request: func(ctx context.Context) (domain.Card, error) {
			return m.client.UpdateCard(ctx, card.BoardID, cardID, patch)
		},
		Merge:    m.mergeCard,
		Rollback: func() { m.cache.RestoreCard(snap, patchFields(patch)) },
	})
}

func (m *Mutator) SetCardTitle(ctx context.Context, cardID, title string) (domain.Card, error) {
	return m.UpdateCard(ctx, cardID, domain.CardPatch{Title: &title})
}

func (m *Mutator) SetCardDescription(ctx context.Context, cardID, description string) (domain.Card, error) {
	return m.UpdateCard(ctx, cardID, domain.CardPatch{Description: &description})
}

// SetCardDue sets the due date; nil clears it.
func (m *Mutator) SetCardDue(ctx context.Context, cardID string, due *time.Time) (domain.Card, error) {
	if due == nil {
		return m.UpdateCard(ctx, cardID, domain.CardPatch{ClearDue: true})
	}
	return m.UpdateCard(ctx, cardID, domain.CardPatch{DueAt: due})
}

func (m *Mutator) SetAssignees(ctx context.Context, cardID string, assignees domain.IDSet) (domain.Card, error) {
	set := domain.NewIDSet(assignees...)
	return m.UpdateCard(ctx, cardID, domain.CardPatch{Assignees: &set})
}

func (m *Mutator) ArchiveCard(ctx context.Context, cardID string, archived bool) (domain.Card, error) {
	return m.UpdateCard(ctx, cardID, domain.CardPatch{Archived: &archived})
}

// ToggleLabel adds labelID when the card lacks it and removes it otherwise.
// The whole resulting set is sent, and a failure restores the set exactly as
// it was before the toggle.
func (m *Mutator) ToggleLabel(ctx context.Context, cardID, labelID string) (domain.Card, error) {
	return m.setLabels(ctx, cardID, func(cur domain.IDSet) domain.IDSet { return cur.Toggle(labelID) })
}

// SetLabels replaces the card's label set.
func (m *Mutator) SetLabels(ctx context.Context, cardID string, labels domain.IDSet) (domain.Card, error) {
	next := domain.NewIDSet(labels...)
	return m.setLabels(ctx, cardID, func(domain.IDSet) domain.IDSet { return next })
}

func (m *Mutator) setLabels(ctx context.Context, cardID string, next func(domain.IDSet) domain.IDSet) (domain.Card, error) {
	card, ok := m.cache.Card(cardID)
	if !ok {
		return domain.Card{}, notLoaded("card", cardID)
	}
	var (
		snap   cache.CardSnapshot
		wanted domain.IDSet
	)
	return Run(ctx, m, Mutation[domain.Card]{
		Name: "card.labels",
		Key:  cardKey(cardID),
		Apply: func() error {
			if snap, ok = m.cache.SnapshotCard(cardID); !ok {
				return notLoaded("card", cardID)
			}
			wanted = next(snap.Card.Labels)
			m.cache.SetLabels(cardID, wanted)
			return nil
		},
		Request: func(ctx context.Context) (domain.Card, error) {
			return m.client.SetCardLabels(ctx, card.BoardID, cardID, wanted)
		},
		Merge:    m.mergeCard,
		Rollback: func() { m.cache.RestoreCard(snap, cache.FieldLabels) },
	})
}

// CreateCard appends a card to the tail of listID. The id is generated here
// so the realtime echo of the insert and the response land on one entry.
func (m *Mutator) CreateCard(ctx context.Context, listID, title, description string) (domain.Card, error) {
	list, ok := m.cache.List(listID)
	if !ok {
		return domain.Card{}, notLoaded("list", listID)
	}
	id := uuid.NewString()
	return Run(ctx, m, Mutation[domain.Card]{
		Name: "card.create",
		Key:  cardKey(id),
		Apply: func() error {
			var last rank.Rank
			if cards := m.cache.CardsOfList(listID); len(cards) > 0 {
				last = cards[len(cards)-1].Rank
			}
			m.cache.UpsertCard(domain.Card{
				ID:          id,
				BoardID:     list.BoardID,
				ListID:      listID,
				Title:       title,
				Description: description,
				Rank:        rank.MustBetween(last, ""),
			}, cache.Optimistic)
			return nil
		},
		Request: func(ctx context.Context) (domain.Card, error) {
			return m.client.CreateCard(ctx, list.BoardID, domain.NewCard{ID: id, ListID: listID, Title: title, Description: description})
		},
		Merge: m.mergeCard,
		Rollback: func() {
			if snap, ok := m.cache.SnapshotCard(id); ok && snap.Confirmed == 0 {
				m.cache.RemoveCard(id, 0, cache.Optimistic)
			}
		},
	})
}

// DeleteCard removes a card locally and on the server. A rejected delete
// puts the card back where it was.
func (m *Mutator) DeleteCard(ctx context.Context, cardID string) error {
	card, ok := m.cache.Card(cardID)
	if !ok {
		return notLoaded("card", cardID)
	}
	var snap cache.CardSnapshot
	_, err := Run(ctx, m, Mutation[domain.Removal]{
		Name: "card.delete",
		Key:  cardKey(cardID),
		Apply: func() error {
			if snap, ok = m.cache.SnapshotCard(cardID); !ok {
				return notLoaded("card", cardID)
			}
			m.cache.RemoveCard(cardID, 0, cache.Optimistic)
			return nil
		},
		Request: func(ctx context.Context) (domain.Removal, error) {
			return m.client.RemoveCard(ctx, card.BoardID, cardID)
		},
		Merge:    func(r domain.Removal) { m.cache.RemoveCard(cardID, r.Version, cache.Authoritative) },
		Rollback: func() { m.cache.RestoreCard(snap, cache.FieldAll) },
	})
	return err
}

// CreateList appends a list after the board's current last list.
func (m *Mutator) CreateList(ctx context.Context, boardID, title string) (domain.List, error) {
	id := uuid.NewString()
	return Run(ctx, m, Mutation[domain.List]{
		Name: "list.create",
		Key:  listKey(id),
		Apply: func() error {
			var last rank.Rank
			if lists := m.cache.ListsOfBoard(boardID); len(lists) > 0 {
				last = lists[len(lists)-1].Rank
			}
			m.cache.UpsertList(domain.List{ID: id, BoardID: boardID, Title: title, Rank: rank.MustBetween(last, "")}, cache.Optimistic)
			return nil
		},
		Request: func(ctx context.Context) (domain.List, error) {
			return m.client.CreateList(ctx, boardID, domain.NewList{ID: id, Title: title})
		},
		Merge: m.mergeList,
		Rollback: func() {
			if snap, ok := m.cache.SnapshotList(id); ok && snap.Confirmed == 0 {
				m.cache.RemoveList(id, 0)
			}
		},
	})
}

func (m *Mutator) updateList(ctx context.Context, listID string, patch domain.ListPatch, fields cache.Field) (domain.List, error) {
	list, ok := m.cache.List(listID)
	if !ok {
		return domain.List{}, notLoaded("list", listID)
	}
	var snap cache.ListSnapshot
	return Run(ctx, m, Mutation[domain.List]{
		Name: "list.update",
		Key:  listKey(listID),
		Apply: func() error {
			if snap, ok = m.cache.SnapshotList(listID); !ok {
				return notLoaded("list", listID)
			}
			m.cache.PatchList(listID, patch.ApplyTo)
			return nil
		},
		Request: func(ctx context.Context) (domain.List, error) {
			return m.client.UpdateList(ctx, list.BoardID, listID, patch)
		},
		Merge:    m.mergeList,
		Rollback: func() { m.cache.RestoreList(snap, fields) },
	})
}

func (m *Mutator) RenameList(ctx context.Context, listID, title string) (domain.List, error) {
	return m.updateList(ctx, listID, domain.ListPatch{Title: &title}, cache.FieldTitle)
}

// ArchiveList hides or restores a list. Lists are archived, never deleted.
func (m *Mutator) ArchiveList(ctx context.Context, listID string, archived bool) (domain.List, error) {
	return m.updateList(ctx, listID, domain.ListPatch{Archived: &archived}, cache.FieldArchived)
}
