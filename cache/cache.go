// Package cache holds the normalized in-memory snapshot of boards, lists and
// cards that every view renders from. It is the only mutable owner of cached
// entities: callers read projections and write back through the Writer
// methods, never through retained pointers.
package cache

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/rank"
)

// Origin says where a write came from.
type Origin int

const (
	// Authoritative writes come from a server response or the realtime
	// channel. They apply only when strictly newer than the cached version.
	Authoritative Origin = iota
	// Refresh writes come from a full re-read of the server state. They also
	// replace an unconfirmed local guess carrying the same version.
	Refresh
	// Optimistic writes are local guesses awaiting confirmation.
	Optimistic
)

func (o Origin) String() string {
	switch o {
	case Authoritative:
		return "authoritative"
	case Refresh:
		return "refresh"
	case Optimistic:
		return "optimistic"
	default:
		return "unknown"
	}
}

// Reader exposes ordered read projections.
type Reader interface {
	Board(id string) (domain.Board, bool)
	List(id string) (domain.List, bool)
	Card(id string) (domain.Card, bool)
	ListsOfBoard(boardID string) []domain.List
	CardsOfList(listID string) []domain.Card
	Members(boardID string) []string
	Pending(cardID string) bool
	Revision() uint64
}

// Writer exposes the structural mutation primitives.
type Writer interface {
	UpsertBoard(b domain.Board) bool
	UpsertList(l domain.List, origin Origin) bool
	UpsertCard(c domain.Card, origin Origin) bool
	MoveCard(cardID, toListID string, r rank.Rank)
	RemoveCard(cardID string, version int64, origin Origin) bool
	RemoveList(listID string, version int64) bool
	SetLabels(cardID string, ids domain.IDSet)
	PatchCard(cardID string, fn func(*domain.Card))
	PatchList(listID string, fn func(*domain.List))
	SetMembers(boardID string, ids []string)
	SnapshotCard(cardID string) (CardSnapshot, bool)
	RestoreCard(snap CardSnapshot, fields Field) bool
	SnapshotList(listID string) (ListSnapshot, bool)
	RestoreList(snap ListSnapshot, fields Field) bool
	Ingest(snap domain.BoardSnapshot)
	ReconcileList(l domain.List, cards []domain.Card)
}

// ReadWriter is the full cache surface.
type ReadWriter interface {
	Reader
	Writer
}

type cardEntry struct {
	card      domain.Card
	confirmed int64
	pending   bool
}

type listEntry struct {
	list      domain.List
	confirmed int64
	pending   bool
}

// Cache is an owned, injectable entity cache. The zero value is not usable;
// call New.
type Cache struct {
	mu sync.RWMutex

	boards     map[string]domain.Board
	lists      map[string]*listEntry
	cards      map[string]*cardEntry
	boardLists map[string]map[string]struct{}
	listCards  map[string]map[string]struct{}
	removed    map[string]int64
	hiding     map[string]int64
	members    map[string][]string
	revision   uint64

	logger log.FieldLogger
}

var _ ReadWriter = (*Cache)(nil)

// New creates an empty cache. A nil logger uses the logrus standard logger.
func New(logger log.FieldLogger) *Cache {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{
		boards:     make(map[string]domain.Board),
		lists:      make(map[string]*listEntry),
		cards:      make(map[string]*cardEntry),
		boardLists: make(map[string]map[string]struct{}),
		listCards:  make(map[string]map[string]struct{}),
		removed:    make(map[string]int64),
		hiding:     make(map[string]int64),
		members:    make(map[string][]string),
		logger:     logger,
	}
}

// Revision increments on every applied mutation.
func (c *Cache) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

func (c *Cache) Board(id string) (domain.Board, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.boards[id]
	return b, ok
}

func (c *Cache) List(id string) (domain.List, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lists[id]
	if !ok {
		return domain.List{}, false
	}
	return e.list, true
}

func (c *Cache) Card(id string) (domain.Card, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cards[id]
	if !ok {
		return domain.Card{}, false
	}
	return e.card.Clone(), true
}

// Pending reports whether the card carries an unconfirmed local change.
func (c *Cache) Pending(cardID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cards[cardID]
	return ok && e.pending
}

// ListsOfBoard returns the board's lists ordered by rank, then id.
func (c *Cache) ListsOfBoard(boardID string) []domain.List {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.boardLists[boardID]
	out := make([]domain.List, 0, len(ids))
	for id := range ids {
		out = append(out, c.lists[id].list)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CardsOfList returns the list's cards ordered by rank, then id.
func (c *Cache) CardsOfList(listID string) []domain.Card {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.listCards[listID]
	out := make([]domain.Card, 0, len(ids))
	for id := range ids {
		out = append(out, c.cards[id].card.Clone())
	}
	SortCards(out)
	return out
}

// SortCards orders cards by rank with the id as tie breaker.
func SortCards(cards []domain.Card) {
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].Rank != cards[j].Rank {
			return cards[i].Rank < cards[j].Rank
		}
		return cards[i].ID < cards[j].ID
	})
}

// Members returns the cached membership of a board.
func (c *Cache) Members(boardID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.members[boardID]...)
}

// UpsertBoard stores board metadata when newer than the cached copy.
func (c *Cache) UpsertBoard(b domain.Board) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.boards[b.ID]; ok && b.Version <= cur.Version {
		return false
	}
	c.boards[b.ID] = b
	c.revision++
	return true
}

// SetMembers replaces a board's membership. Membership carries no version.
func (c *Cache) SetMembers(boardID string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[boardID] = append([]string(nil), domain.NewIDSet(ids...)...)
	c.revision++
}

// accepts decides whether a write with version v from origin may replace an
// entry confirmed at `confirmed`.
func accepts(origin Origin, v, confirmed int64, pending bool) bool {
	switch origin {
	case Optimistic:
		return true
	case Refresh:
		return v > confirmed || (v == confirmed && pending)
	default:
		return v > confirmed
	}
}

// UpsertList inserts or replaces a list.
func (c *Cache) UpsertList(l domain.List, origin Origin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tomb, ok := c.removed[l.ID]; ok && origin != Optimistic && l.Version <= tomb {
		c.logStale("list", l.ID, l.Version, tomb, origin)
		return false
	}
	e, ok := c.lists[l.ID]
	if !ok {
		e = &listEntry{}
		c.lists[l.ID] = e
		index(c.boardLists, l.BoardID, l.ID)
	} else {
		if !accepts(origin, l.Version, e.confirmed, e.pending) {
			c.logStale("list", l.ID, l.Version, e.confirmed, origin)
			return false
		}
		if origin == Optimistic && e.list == l {
			return false
		}
		if e.list.BoardID != l.BoardID {
			unindex(c.boardLists, e.list.BoardID, l.ID)
			index(c.boardLists, l.BoardID, l.ID)
		}
	}
	e.list = l
	if origin == Optimistic {
		e.pending = true
	} else {
		e.confirmed = l.Version
		e.pending = false
	}
	c.revision++
	return true
}

// UpsertCard inserts or replaces a card, moving it between list collections
// when its ListID changed. Applying the same authoritative row twice is a
// no-op, and an older row never replaces a newer one.
func (c *Cache) UpsertCard(card domain.Card, origin Origin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tomb, ok := c.removed[card.ID]; ok && origin != Optimistic && card.Version <= tomb {
		c.logStale("card", card.ID, card.Version, tomb, origin)
		return false
	}
	// A card deleted locally stays hidden from rows no newer than the one the
	// delete was issued against.
	if hid, ok := c.hiding[card.ID]; ok && origin != Optimistic && card.Version <= hid {
		c.logStale("card", card.ID, card.Version, hid, origin)
		return false
	}
	card = card.Clone()
	e, ok := c.cards[card.ID]
	if !ok {
		e = &cardEntry{}
		c.cards[card.ID] = e
		index(c.listCards, card.ListID, card.ID)
	} else {
		if !accepts(origin, card.Version, e.confirmed, e.pending) {
			c.logStale("card", card.ID, card.Version, e.confirmed, origin)
			return false
		}
		if origin == Optimistic && sameCard(e.card, card) {
			return false
		}
		if e.card.ListID != card.ListID {
			unindex(c.listCards, e.card.ListID, card.ID)
			index(c.listCards, card.ListID, card.ID)
		}
	}
	e.card = card
	delete(c.hiding, card.ID)
	if origin == Optimistic {
		e.pending = true
	} else {
		e.confirmed = card.Version
		e.pending = false
		delete(c.removed, card.ID)
	}
	c.revision++
	return true
}

// MoveCard places a card under toListID at rank r as a local guess. Moving an
// unknown card is a programming error.
func (c *Cache) MoveCard(cardID, toListID string, r rank.Rank) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.mustCard(cardID)
	if e.card.ListID == toListID && e.card.Rank == r {
		return
	}
	if e.card.ListID != toListID {
		unindex(c.listCards, e.card.ListID, cardID)
		index(c.listCards, toListID, cardID)
		e.card.ListID = toListID
	}
	e.card.Rank = r
	e.pending = true
	c.revision++
}

// RemoveCard drops a card. Authoritative removals leave a tombstone so a
// late create or update with an older version cannot bring the card back.
// Optimistic removals of a confirmed card hide it from rows at or below its
// confirmed version until the removal is confirmed or the card restored.
func (c *Cache) RemoveCard(cardID string, version int64, origin Origin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cards[cardID]
	if origin == Optimistic {
		if ok && e.confirmed > 0 {
			c.hiding[cardID] = e.confirmed
		}
	} else {
		delete(c.hiding, cardID)
		if ok && version < e.confirmed {
			c.logStale("card", cardID, version, e.confirmed, origin)
			return false
		}
		if tomb := c.removed[cardID]; version > tomb {
			c.removed[cardID] = version
		}
	}
	if !ok {
		return false
	}
	unindex(c.listCards, e.card.ListID, cardID)
	delete(c.cards, cardID)
	c.revision++
	return true
}

// RemoveList drops a list together with every card still indexed under it.
func (c *Cache) RemoveList(listID string, version int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lists[listID]
	if ok && version < e.confirmed {
		c.logStale("list", listID, version, e.confirmed, Authoritative)
		return false
	}
	if tomb := c.removed[listID]; version > tomb {
		c.removed[listID] = version
	}
	if !ok {
		return false
	}
	for cardID := range c.listCards[listID] {
		delete(c.cards, cardID)
	}
	delete(c.listCards, listID)
	unindex(c.boardLists, e.list.BoardID, listID)
	delete(c.lists, listID)
	c.revision++
	return true
}

// SetLabels replaces a card's label set as a local guess.
func (c *Cache) SetLabels(cardID string, ids domain.IDSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.mustCard(cardID)
	next := domain.NewIDSet(ids...)
	if e.card.Labels.Equal(next) {
		return
	}
	e.card.Labels = next
	e.pending = true
	c.revision++
}

// PatchCard edits a card in place as a local guess. fn must not change the
// card's id, list or rank; use MoveCard for placement.
func (c *Cache) PatchCard(cardID string, fn func(*domain.Card)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.mustCard(cardID)
	next := e.card.Clone()
	fn(&next)
	if next.ID != e.card.ID || next.ListID != e.card.ListID || next.Rank != e.card.Rank {
		panic("cache: PatchCard must not change card placement")
	}
	if sameCard(e.card, next) {
		return
	}
	e.card = next
	e.pending = true
	c.revision++
}

// PatchList edits a list in place as a local guess.
func (c *Cache) PatchList(listID string, fn func(*domain.List)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lists[listID]
	if !ok {
		panic("cache: unknown list " + listID)
	}
	next := e.list
	fn(&next)
	if next.ID != e.list.ID || next.BoardID != e.list.BoardID {
		panic("cache: PatchList must not change list identity")
	}
	if next == e.list {
		return
	}
	e.list = next
	e.pending = true
	c.revision++
}

func (c *Cache) mustCard(cardID string) *cardEntry {
	e, ok := c.cards[cardID]
	if !ok {
		panic("cache: unknown card " + cardID)
	}
	return e
}

func (c *Cache) logStale(kind, id string, version, current int64, origin Origin) {
	c.logger.WithFields(log.Fields{
		"entity":  kind,
		"id":      id,
		"version": version,
		"current": current,
		"origin":  origin.String(),
	}).Debug("cache.stale_write")
}

func index(idx map[string]map[string]struct{}, parent, child string) {
	set, ok := idx[parent]
	if !ok {
		set = make(map[string]struct{})
		idx[parent] = set
	}
	set[child] = struct{}{}
}

func unindex(idx map[string]map[string]struct{}, parent, child string) {
	set, ok := idx[parent]
	if !ok {
		return
	}
	delete(set, child)
	if len(set) == 0 {
		delete(idx, parent)
	}
}

func sameCard(a, b domain.Card) bool {
	if a.ID != b.ID || a.BoardID != b.BoardID || a.ListID != b.ListID || a.Title != b.Title ||
		a.Description != b.Description || a.Rank != b.Rank || a.Archived != b.Archived ||
		a.Version != b.Version || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	if (a.DueAt == nil) != (b.DueAt == nil) || (a.DueAt != nil && !a.DueAt.Equal(*b.DueAt)) {
		return false
	}
	return a.Labels.Equal(b.Labels) && a.Assignees.Equal(b.Assignees)
}
