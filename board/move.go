package board

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/rank"
)

// MoveCard places a card in req.ToListID. The rank is derived here from the
// stored neighbors: BeforeID anchors the card directly below that sibling,
// otherwise AfterID anchors it directly above, otherwise the card goes to the
// tail. A named anchor that is no longer in the target list is a Conflict so
// the client can recompute its neighbors from fresher state.
func (s *Service) MoveCard(ctx context.Context, boardID string, req domain.MoveRequest) (c domain.Card, err error) {
	defer func() { observe("move_card", err) }()
	if err := s.authorize(ctx, boardID); err != nil {
		return domain.Card{}, err
	}
	if req.CardID == "" || req.ToListID == "" {
		return domain.Card{}, invalid("cardId and toListId are required")
	}
	if req.BeforeID == req.CardID || req.AfterID == req.CardID {
		return domain.Card{}, invalid("a card cannot be its own neighbor")
	}
	if _, err := s.store.GetList(ctx, boardID, req.ToListID); err != nil {
		return domain.Card{}, fail(err)
	}

	var rebalanced []domain.Card
	err = s.retry(ctx, "move_card", req.CardID, func() error {
		cur, err := s.store.GetCard(ctx, boardID, req.CardID)
		if err != nil {
			return err
		}
		siblings, err := s.listCards(ctx, boardID, req.ToListID)
		if err != nil {
			return err
		}
		siblings = without(siblings, req.CardID)

		pos, err := anchorIndex(siblings, req)
		if err != nil {
			return err
		}
		r, err := rankAt(siblings, pos)
		if err != nil || rank.NeedsRebalance(r) {
			spread, err := s.rebalance(ctx, siblings, pos)
			if err != nil {
				return err
			}
			rebalanced = append(rebalanced, spread.siblings...)
			r = spread.card
		}

		c = cur.Clone()
		c.ListID = req.ToListID
		c.Rank = r
		c.Version = versionAfter(cur.Version)
		c.UpdatedAt = time.Now().UTC()
		return s.store.UpdateCard(ctx, c, cur.Version)
	})
	// Re-ranked siblings are committed even when the card write fails.
	for _, sib := range rebalanced {
		s.publish(ctx, domain.EntityUpdated, domain.EntityCard, boardID, sib.ID, sib.Version, sib)
	}
	if err != nil {
		return domain.Card{}, fail(err)
	}
	s.publish(ctx, domain.EntityUpdated, domain.EntityCard, boardID, c.ID, c.Version, c)
	return c, nil
}

func without(cards []domain.Card, id string) []domain.Card {
	out := make([]domain.Card, 0, len(cards))
	for _, c := range cards {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func conflict(msg string) error {
	return &domain.RequestError{Kind: domain.KindConflict, Status: domain.KindConflict.Status(), Message: msg}
}

// anchorIndex returns the insertion index of the moved card in siblings.
func anchorIndex(siblings []domain.Card, req domain.MoveRequest) (int, error) {
	find := func(id string) int {
		for i, c := range siblings {
			if c.ID == id {
				return i
			}
		}
		return -1
	}
	switch {
	case req.BeforeID != "":
		i := find(req.BeforeID)
		if i < 0 {
			return 0, conflict("neighbor " + req.BeforeID + " is not in list " + req.ToListID)
		}
		return i + 1, nil
	case req.AfterID != "":
		i := find(req.AfterID)
		if i < 0 {
			return 0, conflict("neighbor " + req.AfterID + " is not in list " + req.ToListID)
		}
		return i, nil
	default:
		return len(siblings), nil
	}
}

// rankAt computes a rank for index pos. Siblings sharing the lower bound's
// rank are skipped so colliding keys act as one boundary.
func rankAt(siblings []domain.Card, pos int) (rank.Rank, error) {
	var lower, upper rank.Rank
	if pos > 0 {
		lower = siblings[pos-1].Rank
	}
	for i := pos; i < len(siblings); i++ {
		if siblings[i].Rank != lower {
			upper = siblings[i].Rank
			break
		}
	}
	return rank.Between(lower, upper)
}

type respread struct {
	siblings []domain.Card
	card     rank.Rank
}

// rebalance renumbers the target list with evenly spread ranks, writing each
// sibling whose rank changed, and returns the rank reserved for the moved
// card at pos.
func (s *Service) rebalance(ctx context.Context, siblings []domain.Card, pos int) (respread, error) {
	ranks := rank.Spread(len(siblings) + 1)
	out := respread{card: ranks[pos]}
	for i, sib := range siblings {
		target := ranks[i]
		if i >= pos {
			target = ranks[i+1]
		}
		if sib.Rank == target {
			continue
		}
		next := sib.Clone()
		next.Rank = target
		next.Version = versionAfter(sib.Version)
		next.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateCard(ctx, next, sib.Version); err != nil {
			return respread{}, err
		}
		out.siblings = append(out.siblings, next)
	}
	rebalancesTotal.Inc()
	s.log.WithFields(log.Fields{"list": listOf(siblings), "cards": len(siblings) + 1, "rewritten": len(out.siblings)}).Info("board.rebalance")
	return out, nil
}

func listOf(cards []domain.Card) string {
	if len(cards) == 0 {
		return ""
	}
	return cards[0].ListID
}
