package cache

import "boardsync/domain"

// Field selects which parts of an entity a restore touches.
type Field uint16

const (
	FieldTitle Field = 1 << iota
	FieldDescription
	FieldLabels
	FieldAssignees
	FieldPlacement
	FieldArchived
	FieldDue

	FieldAll = FieldTitle | FieldDescription | FieldLabels | FieldAssignees | FieldPlacement | FieldArchived | FieldDue
)

// CardSnapshot is a card as it was before a local guess, together with the
// authoritative version it was confirmed at.
type CardSnapshot struct {
	Card      domain.Card
	Confirmed int64
}

// ListSnapshot is the list counterpart of CardSnapshot.
type ListSnapshot struct {
	List      domain.List
	Confirmed int64
}

// SnapshotCard captures a card before an optimistic write.
func (c *Cache) SnapshotCard(cardID string) (CardSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cards[cardID]
	if !ok {
		return CardSnapshot{}, false
	}
	return CardSnapshot{Card: e.card.Clone(), Confirmed: e.confirmed}, true
}

// RestoreCard puts the selected fields of snap back. It refuses when an
// authoritative write landed after the snapshot was taken, because that write
// already replaced the guess with server state. A card removed locally comes
// back only when every field is restored and no authoritative removal was
// seen since. Returns whether it restored.
func (c *Cache) RestoreCard(snap CardSnapshot, fields Field) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cards[snap.Card.ID]
	if !ok {
		return c.reinsert(snap, fields)
	}
	if e.confirmed != snap.Confirmed {
		return false
	}
	prev := snap.Card
	next := e.card.Clone()
	if fields&FieldTitle != 0 {
		next.Title = prev.Title
	}
	if fields&FieldDescription != 0 {
		next.Description = prev.Description
	}
	if fields&FieldLabels != 0 {
		next.Labels = prev.Labels.Clone()
	}
	if fields&FieldAssignees != 0 {
		next.Assignees = prev.Assignees.Clone()
	}
	if fields&FieldArchived != 0 {
		next.Archived = prev.Archived
	}
	if fields&FieldDue != 0 {
		next.DueAt = prev.Clone().DueAt
	}
	if fields&FieldPlacement != 0 {
		if next.ListID != prev.ListID {
			unindex(c.listCards, next.ListID, next.ID)
			index(c.listCards, prev.ListID, next.ID)
		}
		next.ListID = prev.ListID
		next.Rank = prev.Rank
	}
	if sameCard(e.card, next) {
		return true
	}
	e.card = next
	if sameCard(next, prev) {
		e.pending = false
	}
	c.revision++
	return true
}

func (c *Cache) reinsert(snap CardSnapshot, fields Field) bool {
	if fields != FieldAll {
		return false
	}
	if _, gone := c.removed[snap.Card.ID]; gone {
		return false
	}
	delete(c.hiding, snap.Card.ID)
	card := snap.Card.Clone()
	c.cards[card.ID] = &cardEntry{card: card, confirmed: snap.Confirmed}
	index(c.listCards, card.ListID, card.ID)
	c.revision++
	return true
}

// SnapshotList captures a list before an optimistic write.
func (c *Cache) SnapshotList(listID string) (ListSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lists[listID]
	if !ok {
		return ListSnapshot{}, false
	}
	return ListSnapshot{List: e.list, Confirmed: e.confirmed}, true
}

// RestoreList is RestoreCard for lists. Only FieldTitle, FieldArchived and
// FieldPlacement apply.
func (c *Cache) RestoreList(snap ListSnapshot, fields Field) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lists[snap.List.ID]
	if !ok || e.confirmed != snap.Confirmed {
		return false
	}
	next := e.list
	if fields&FieldTitle != 0 {
		next.Title = snap.List.Title
	}
	if fields&FieldArchived != 0 {
		next.Archived = snap.List.Archived
	}
	if fields&FieldPlacement != 0 {
		next.Rank = snap.List.Rank
	}
	if next == e.list {
		return true
	}
	e.list = next
	if next == snap.List {
		e.pending = false
	}
	c.revision++
	return true
}

// Ingest loads a full board read. Rows replace local guesses of the same
// version, and newer cached rows are kept.
func (c *Cache) Ingest(snap domain.BoardSnapshot) {
	c.UpsertBoard(snap.Board)
	for _, l := range snap.Lists {
		c.UpsertList(l, Refresh)
	}
	for _, card := range snap.Cards {
		c.UpsertCard(card, Refresh)
	}
	c.SetMembers(snap.Board.ID, snap.Members)
}

// ReconcileList applies a fresh read of one list. Cards cached under the list
// that the server no longer reports there, and that carry no local guess,
// are dropped; they reappear once their new list is read or announced.
func (c *Cache) ReconcileList(l domain.List, cards []domain.Card) {
	c.UpsertList(l, Refresh)
	fresh := make(map[string]struct{}, len(cards))
	for _, card := range cards {
		fresh[card.ID] = struct{}{}
		c.UpsertCard(card, Refresh)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.listCards[l.ID] {
		if _, ok := fresh[id]; ok {
			continue
		}
		e := c.cards[id]
		if e.pending {
			continue
		}
		unindex(c.listCards, l.ID, id)
		delete(c.cards, id)
		c.revision++
	}
}
