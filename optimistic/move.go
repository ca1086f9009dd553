package optimistic

import (
	"context"

	log "github.com/sirupsen/logrus"

	"boardsync/cache"
	"boardsync/domain"
	"boardsync/rank"
)

// MoveState tracks one move through its lifecycle.
type MoveState int

const (
	Idle MoveState = iota
	OptimisticallyApplied
	Confirmed
	Failed
)

func (s MoveState) String() string {
	switch s {
	case Idle:
		return "idle"
	case OptimisticallyApplied:
		return "optimistically-applied"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MoveResult is the card as the cache shows it once the move settled.
type MoveResult struct {
	Card  domain.Card
	State MoveState
}

// Mover drags cards between positions.
type Mover struct {
	m *Mutator
}

// NewMover shares m's cache, client and guard.
func NewMover(m *Mutator) *Mover { return &Mover{m: m} }

// Move places cardID in toListID directly below beforeID and above afterID.
// Either neighbor may be empty. The local rank is only a guess; the server
// recomputes it from the neighbor ids and its answer overwrites the guess.
//
// A Conflict answer is retried once with neighbors recomputed around the
// card's current position. Any other failure, or a second conflict, puts the
// card back where it was, or re-reads both lists when the server already
// moved it elsewhere.
func (mv *Mover) Move(ctx context.Context, cardID, toListID, beforeID, afterID string) (MoveResult, error) {
	m := mv.m
	res := MoveResult{State: Idle}

	release, err := m.guard.Acquire(ctx, cardKey(cardID))
	if err != nil {
		return res, &domain.RequestError{Kind: domain.KindRequestFailed, Message: "cancelled before move", Err: err}
	}
	defer release()

	snap, ok := m.cache.SnapshotCard(cardID)
	if !ok {
		return res, notLoaded("card", cardID)
	}
	res.Card = snap.Card
	boardID := snap.Card.BoardID

	r, err := resolveRank(m.cache.CardsOfList(toListID), cardID, beforeID, afterID)
	if err != nil {
		return res, &domain.RequestError{Kind: domain.KindValidation, Message: err.Error(), Err: err}
	}
	m.cache.MoveCard(cardID, toListID, r)
	res.State = OptimisticallyApplied

	logger := m.logger.WithFields(log.Fields{"card": cardID, "from": snap.Card.ListID, "to": toListID})

	req := domain.MoveRequest{CardID: cardID, ToListID: toListID, BeforeID: beforeID, AfterID: afterID}
	send := func(ctx context.Context) (domain.Card, error) { return m.client.MoveCard(ctx, boardID, req) }

	card, err := traced(ctx, m, "card.move", cardKey(cardID), send)
	if err != nil && domain.IsConflict(err) {
		req.BeforeID, req.AfterID = neighbors(m.cache.CardsOfList(toListID), cardID)
		logger.WithError(err).WithFields(log.Fields{"before": req.BeforeID, "after": req.AfterID}).Info("optimistic.move_retry")
		card, err = traced(ctx, m, "card.move", cardKey(cardID), send)
	}
	if err != nil {
		res.State = Failed
		if !m.cache.RestoreCard(snap, cache.FieldPlacement) {
			rctx := context.WithoutCancel(ctx)
			if rerr := m.refetch.Lists(rctx, boardID, snap.Card.ListID, toListID); rerr != nil {
				logger.WithError(rerr).Error("optimistic.move_refetch_failed")
			}
		}
		res.Card, _ = m.cache.Card(cardID)
		logger.WithError(err).WithField("kind", domain.KindOf(err)).Warn("optimistic.move_failed")
		return res, err
	}

	m.cache.UpsertCard(card, cache.Authoritative)
	res.State = Confirmed
	if cur, ok := m.cache.Card(cardID); ok {
		res.Card = cur
	} else {
		res.Card = card
	}
	return res, nil
}

// resolveRank computes a rank for cardID between the named neighbors of
// siblings. beforeID anchors when both are given. Siblings that share the
// anchor's rank are skipped so a collision is treated as one boundary. An
// anchor that is not cached falls back to the other one, then to the tail.
func resolveRank(siblings []domain.Card, cardID, beforeID, afterID string) (rank.Rank, error) {
	others := siblings[:0:0]
	for _, s := range siblings {
		if s.ID != cardID {
			others = append(others, s)
		}
	}
	find := func(id string) int {
		if id == "" {
			return -1
		}
		for i, s := range others {
			if s.ID == id {
				return i
			}
		}
		return -1
	}

	var lo, hi rank.Rank
	switch bi, ai := find(beforeID), find(afterID); {
	case bi >= 0:
		lo = others[bi].Rank
		for _, s := range others[bi+1:] {
			if s.Rank > lo {
				hi = s.Rank
				break
			}
		}
	case ai >= 0:
		hi = others[ai].Rank
		for i := ai - 1; i >= 0; i-- {
			if others[i].Rank < hi {
				lo = others[i].Rank
				break
			}
		}
	case len(others) > 0:
		lo = others[len(others)-1].Rank
	}
	return rank.Between(lo, hi)
}

// neighbors reads the ids directly above and below cardID.
func neighbors(cards []domain.Card, cardID string) (before, after string) {
	for i, c := range cards {
		if c.ID != cardID {
			continue
		}
		if i > 0 {
			before = cards[i-1].ID
		}
		if i+1 < len(cards) {
			after = cards[i+1].ID
		}
		return before, after
	}
	return "", ""
}
