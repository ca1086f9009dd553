package cache

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/domain"
	"boardsync/rank"
)

func seeded(t *testing.T) *Cache {
	t.Helper()
	c := New(nil)
	c.UpsertBoard(domain.Board{ID: "b1", Name: "Board", Version: 1})
	c.UpsertList(domain.List{ID: "L1", BoardID: "b1", Title: "Todo", Rank: "F", Version: 1}, Authoritative)
	c.UpsertList(domain.List{ID: "L2", BoardID: "b1", Title: "Done", Rank: "V", Version: 1}, Authoritative)
	c.UpsertCard(domain.Card{ID: "X", BoardID: "b1", ListID: "L1", Title: "x", Rank: "m", Version: 1}, Authoritative)
	c.UpsertCard(domain.Card{ID: "Y", BoardID: "b1", ListID: "L1", Title: "y", Rank: "n", Version: 1}, Authoritative)
	return c
}

func ids(cards []domain.Card) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.ID
	}
	return out
}

func TestUpsertCardIdempotent(t *testing.T) {
	c := seeded(t)
	card := domain.Card{ID: "Z", BoardID: "b1", ListID: "L2", Title: "z", Rank: "a", Labels: domain.NewIDSet("l1"), Version: 4}

	require.True(t, c.UpsertCard(card, Authoritative))
	rev := c.Revision()
	once := c.CardsOfList("L2")

	assert.False(t, c.UpsertCard(card, Authoritative))
	assert.Equal(t, rev, c.Revision())
	assert.Equal(t, once, c.CardsOfList("L2"))
}

func TestUpsertCardStaleVersionDoesNotRegress(t *testing.T) {
	c := seeded(t)
	require.True(t, c.UpsertCard(domain.Card{ID: "X", BoardID: "b1", ListID: "L2", Title: "new", Rank: "a", Version: 5}, Authoritative))

	applied := c.UpsertCard(domain.Card{ID: "X", BoardID: "b1", ListID: "L1", Title: "old", Rank: "m", Version: 3}, Authoritative)
	assert.False(t, applied)

	got, ok := c.Card("X")
	require.True(t, ok)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, "L2", got.ListID)
	assert.Equal(t, []string{"Y"}, ids(c.CardsOfList("L1")))
}

func TestOptimisticWriteNeverAdvancesConfirmedVersion(t *testing.T) {
	c := seeded(t)
	c.PatchCard("X", func(card *domain.Card) { card.Title = "guess" })
	assert.True(t, c.Pending("X"))

	// A duplicate of the confirmed row does not clobber the in-flight guess.
	assert.False(t, c.UpsertCard(domain.Card{ID: "X", BoardID: "b1", ListID: "L1", Title: "x", Rank: "m", Version: 1}, Authoritative))
	got, _ := c.Card("X")
	assert.Equal(t, "guess", got.Title)

	// A fresh read of the same version does.
	assert.True(t, c.UpsertCard(domain.Card{ID: "X", BoardID: "b1", ListID: "L1", Title: "x", Rank: "m", Version: 1}, Refresh))
	got, _ = c.Card("X")
	assert.Equal(t, "x", got.Title)
	assert.False(t, c.Pending("X"))
}

func TestProjectionsOrderedByRankThenID(t *testing.T) {
	c := New(nil)
	c.UpsertCard(domain.Card{ID: "b", ListID: "L", Rank: "k", Version: 1}, Authoritative)
	c.UpsertCard(domain.Card{ID: "a", ListID: "L", Rank: "k", Version: 1}, Authoritative)
	c.UpsertCard(domain.Card{ID: "c", ListID: "L", Rank: "F", Version: 1}, Authoritative)
	assert.Equal(t, []string{"c", "a", "b"}, ids(c.CardsOfList("L")))

	c.UpsertList(domain.List{ID: "2", BoardID: "B", Rank: "a", Version: 1}, Authoritative)
	c.UpsertList(domain.List{ID: "1", BoardID: "B", Rank: "a", Version: 1}, Authoritative)
	lists := c.ListsOfBoard("B")
	require.Len(t, lists, 2)
	assert.Equal(t, "1", lists[0].ID)
}

func TestMoveCardKeepsSingleParent(t *testing.T) {
	c := seeded(t)
	c.MoveCard("X", "L2", "V")
	assert.Equal(t, []string{"Y"}, ids(c.CardsOfList("L1")))
	assert.Equal(t, []string{"X"}, ids(c.CardsOfList("L2")))
	assert.True(t, c.Pending("X"))
}

func TestMoveUnknownCardPanics(t *testing.T) {
	c := seeded(t)
	assert.Panics(t, func() { c.MoveCard("nope", "L1", "a") })
	assert.Panics(t, func() { c.SetLabels("nope", nil) })
}

func TestNoOrphansAfterRandomMoves(t *testing.T) {
	c := New(nil)
	lists := []string{"L0", "L1", "L2", "L3"}
	for i, l := range lists {
		c.UpsertList(domain.List{ID: l, BoardID: "b", Rank: rank.Spread(len(lists))[i], Version: 1}, Authoritative)
	}
	const cards = 40
	for i := 0; i < cards; i++ {
		c.UpsertCard(domain.Card{ID: fmt.Sprintf("c%02d", i), ListID: lists[i%len(lists)], Rank: rank.Seed(), Version: 1}, Authoritative)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("c%02d", rng.Intn(cards))
		to := lists[rng.Intn(len(lists))]
		siblings := c.CardsOfList(to)
		var before rank.Rank
		if len(siblings) > 0 {
			before = siblings[len(siblings)-1].Rank
		}
		if rng.Intn(3) == 0 {
			// Occasionally confirm through an authoritative row instead.
			card, _ := c.Card(id)
			card.ListID = to
			card.Rank = rank.MustBetween(before, "")
			card.Version = int64(i + 2)
			c.UpsertCard(card, Authoritative)
			continue
		}
		c.MoveCard(id, to, rank.MustBetween(before, ""))
	}

	seen := map[string]string{}
	for _, l := range lists {
		for _, card := range c.CardsOfList(l) {
			prev, dup := seen[card.ID]
			require.False(t, dup, "card %s in %s and %s", card.ID, prev, l)
			assert.Equal(t, l, card.ListID)
			seen[card.ID] = l
		}
	}
	assert.Len(t, seen, cards)
}

func TestRemoveCardTombstoneBlocksResurrection(t *testing.T) {
	c := seeded(t)
	require.True(t, c.RemoveCard("X", 7, Authoritative))
	assert.False(t, c.UpsertCard(domain.Card{ID: "X", ListID: "L1", Rank: "m", Version: 6}, Authoritative))
	_, ok := c.Card("X")
	assert.False(t, ok)

	assert.True(t, c.UpsertCard(domain.Card{ID: "X", ListID: "L1", Rank: "m", Version: 8}, Authoritative))
}

func TestRemoveCardOlderThanCachedIsStale(t *testing.T) {
	c := seeded(t)
	c.UpsertCard(domain.Card{ID: "X", ListID: "L1", Rank: "m", Version: 9}, Authoritative)
	assert.False(t, c.RemoveCard("X", 4, Authoritative))
	_, ok := c.Card("X")
	assert.True(t, ok)
}

func TestRemoveListDropsItsCards(t *testing.T) {
	c := seeded(t)
	require.True(t, c.RemoveList("L1", 2))
	assert.Empty(t, c.CardsOfList("L1"))
	_, ok := c.Card("X")
	assert.False(t, ok)
	assert.Len(t, c.ListsOfBoard("b1"), 1)
}

func TestRestoreCardExactLabels(t *testing.T) {
	c := seeded(t)
	c.UpsertCard(domain.Card{ID: "X", ListID: "L1", Rank: "m", Labels: domain.NewIDSet("A", "B"), Version: 2}, Authoritative)

	snap, ok := c.SnapshotCard("X")
	require.True(t, ok)
	c.SetLabels("X", domain.NewIDSet("A", "B", "C"))

	assert.True(t, c.RestoreCard(snap, FieldLabels))
	got, _ := c.Card("X")
	assert.Equal(t, domain.NewIDSet("A", "B"), got.Labels)
	assert.False(t, c.Pending("X"))
}

func TestRestoreCardOnlyTouchesSelectedFields(t *testing.T) {
	c := seeded(t)
	snap, _ := c.SnapshotCard("X")
	c.SetLabels("X", domain.NewIDSet("C"))
	c.PatchCard("X", func(card *domain.Card) { card.Title = "edited" })

	c.RestoreCard(snap, FieldLabels)
	got, _ := c.Card("X")
	assert.Empty(t, got.Labels)
	assert.Equal(t, "edited", got.Title)
	assert.True(t, c.Pending("X"))
}

func TestRestoreCardRefusesAfterAuthoritativeWrite(t *testing.T) {
	c := seeded(t)
	snap, _ := c.SnapshotCard("X")
	c.MoveCard("X", "L2", "a")
	c.UpsertCard(domain.Card{ID: "X", ListID: "L2", Rank: "b", Version: 3}, Authoritative)

	assert.False(t, c.RestoreCard(snap, FieldPlacement))
	got, _ := c.Card("X")
	assert.Equal(t, "L2", got.ListID)
	assert.Equal(t, rank.Rank("b"), got.Rank)
}

func TestRestorePlacementReindexes(t *testing.T) {
	c := seeded(t)
	snap, _ := c.SnapshotCard("X")
	c.MoveCard("X", "L2", "a")
	require.True(t, c.RestoreCard(snap, FieldPlacement))
	assert.Equal(t, []string{"X", "Y"}, ids(c.CardsOfList("L1")))
	assert.Empty(t, c.CardsOfList("L2"))
}

func TestRestoreList(t *testing.T) {
	c := seeded(t)
	snap, _ := c.SnapshotList("L1")
	c.PatchList("L1", func(l *domain.List) { l.Title = "Renamed" })
	require.True(t, c.RestoreList(snap, FieldTitle))
	l, _ := c.List("L1")
	assert.Equal(t, "Todo", l.Title)
}

func TestReconcileListDropsMissingSettledCards(t *testing.T) {
	c := seeded(t)
	c.UpsertCard(domain.Card{ID: "P", ListID: "L1", Rank: "z"}, Optimistic)

	l, _ := c.List("L1")
	c.ReconcileList(l, []domain.Card{{ID: "Y", BoardID: "b1", ListID: "L1", Title: "y", Rank: "n", Version: 1}})

	assert.Equal(t, []string{"Y", "P"}, ids(c.CardsOfList("L1")))
}

func TestIngest(t *testing.T) {
	c := New(nil)
	c.Ingest(domain.BoardSnapshot{
		Board:   domain.Board{ID: "b1", Version: 1},
		Lists:   []domain.List{{ID: "L1", BoardID: "b1", Rank: "V", Version: 1}},
		Cards:   []domain.Card{{ID: "X", ListID: "L1", Rank: "V", Version: 1}},
		Members: []string{"u2", "u1", "u1"},
	})
	assert.Equal(t, []string{"u1", "u2"}, c.Members("b1"))
	assert.Equal(t, []string{"X"}, ids(c.CardsOfList("L1")))
}

func TestProjectionsDoNotAliasCache(t *testing.T) {
	c := seeded(t)
	c.SetLabels("X", domain.NewIDSet("A"))
	cards := c.CardsOfList("L1")
	cards[0].Labels[0] = "mutated"
	got, _ := c.Card("X")
	assert.Equal(t, domain.NewIDSet("A"), got.Labels)
}

func TestRestoreCardReinsertsLocallyRemovedCard(t *testing.T) {
	c := seeded(t)
	snap, _ := c.SnapshotCard("X")
	c.RemoveCard("X", 0, Optimistic)

	assert.False(t, c.RestoreCard(snap, FieldLabels))
	require.True(t, c.RestoreCard(snap, FieldAll))
	assert.Equal(t, []string{"X", "Y"}, ids(c.CardsOfList("L1")))
	assert.False(t, c.Pending("X"))

	// Once the server has removed it, the snapshot is dead.
	c.RemoveCard("X", 5, Authoritative)
	assert.False(t, c.RestoreCard(snap, FieldAll))
}

func TestLocallyRemovedCardStaysHiddenFromOlderRows(t *testing.T) {
	c := seeded(t)
	snap, _ := c.SnapshotCard("X")
	require.True(t, c.RemoveCard("X", 0, Optimistic))

	redelivered := domain.Card{ID: "X", BoardID: "b1", ListID: "L1", Title: "x", Rank: "m", Version: 1}
	assert.False(t, c.UpsertCard(redelivered, Authoritative))
	c.Ingest(domain.BoardSnapshot{Board: domain.Board{ID: "b1", Name: "Board", Version: 1}, Cards: []domain.Card{redelivered}})
	_, ok := c.Card("X")
	assert.False(t, ok)

	// A rejected delete brings the card back and lifts the marker.
	require.True(t, c.RestoreCard(snap, FieldAll))
	c.RemoveCard("X", 0, Optimistic)
	require.True(t, c.RestoreCard(snap, FieldAll))
	assert.Equal(t, []string{"X", "Y"}, ids(c.CardsOfList("L1")))
}

func TestLocallyRemovedCardAcceptsNewerRow(t *testing.T) {
	c := seeded(t)
	require.True(t, c.RemoveCard("X", 0, Optimistic))

	assert.True(t, c.UpsertCard(domain.Card{ID: "X", BoardID: "b1", ListID: "L2", Title: "moved", Rank: "a", Version: 2}, Authoritative))
	got, ok := c.Card("X")
	require.True(t, ok)
	assert.Equal(t, "L2", got.ListID)

	require.True(t, c.RemoveCard("X", 3, Authoritative))
	_, ok = c.Card("X")
	assert.False(t, ok)
}
