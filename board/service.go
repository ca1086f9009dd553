// Package board is the authoritative side of the board API. It stamps
// versions, computes ranks from neighbor ids, persists through a
// storage.Store with conditional writes and publishes one event per change.
package board

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/persistence"
	"boardsync/rank"
	"boardsync/storage"
)

const defaultMaxRetries = 5

// Publisher delivers board events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Service implements persistence.Client against a Store, so the optimistic
// layer can run in-process as well as over HTTP.
type Service struct {
	store      storage.Store
	pub        Publisher
	log        *log.Logger
	maxRetries int
}

var _ persistence.Client = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *log.Logger) Option { return func(s *Service) { s.log = l } }

// WithMaxRetries bounds how often a conditional write is retried after a
// version conflict.
func WithMaxRetries(n int) Option { return func(s *Service) { s.maxRetries = n } }

func NewService(store storage.Store, pub Publisher, opts ...Option) *Service {
	s := &Service{store: store, pub: pub, log: log.StandardLogger(), maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// fail converts store errors into the request error kinds of the API.
func fail(err error) error {
	if err == nil {
		return nil
	}
	var reqErr *domain.RequestError
	switch {
	case errors.As(err, &reqErr):
		return err
	case errors.Is(err, domain.ErrNotFound):
		return &domain.RequestError{Kind: domain.KindNotFound, Status: domain.KindNotFound.Status(), Message: err.Error(), Err: err}
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return &domain.RequestError{Kind: domain.KindConflict, Status: domain.KindConflict.Status(), Message: err.Error(), Err: err}
	default:
		return &domain.RequestError{Kind: domain.KindRequestFailed, Status: domain.KindRequestFailed.Status(), Message: err.Error(), Err: err}
	}
}

func invalid(msg string) error { return domain.NewRequestError(domain.KindValidation, msg) }

// authorize requires the context actor, when present, to be a board member.
func (s *Service) authorize(ctx context.Context, boardID string) error {
	actor := ActorFrom(ctx)
	if actor == "" {
		return nil
	}
	members, err := s.store.Members(ctx, boardID)
	if err != nil {
		return fail(err)
	}
	if !slices.Contains(members, actor) {
		return domain.NewRequestError(domain.KindForbidden, "not a member of board "+boardID)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, kind domain.EventKind, typ domain.EntityType, boardID, entityID string, version int64, row any) {
	if s.pub == nil {
		return
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		EntityType: typ,
		EntityID:   entityID,
		BoardID:    boardID,
		Version:    version,
		ActorID:    ActorFrom(ctx),
		Time:       time.Now().UnixMilli(),
	}
	if row != nil {
		data, err := sonic.Marshal(row)
		if err != nil {
			s.log.WithError(err).WithField("entity", entityID).Error("board.encode_event")
			return
		}
		ev.Data = data
	}
	// The row is already committed; subscribers recover by re-fetching.
	if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"board": boardID, "entity": entityID, "kind": kind}).Warn("board.publish_failed")
	}
}

// retry runs attempt until it stops failing with a version conflict or the
// retry budget is spent.
func (s *Service) retry(ctx context.Context, op, entityID string, attempt func() error) error {
	for i := 0; ; i++ {
		err := attempt()
		if err == nil || !errors.Is(err, domain.ErrConcurrencyConflict) || i >= s.maxRetries {
			return err
		}
		retriesTotal.WithLabelValues(op).Inc()
		s.log.WithFields(log.Fields{"op": op, "entity": entityID, "attempt": i + 1}).Debug("board.retry")
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// CreateBoard creates a board owned by the context actor.
func (s *Service) CreateBoard(ctx context.Context, name string) (b domain.Board, err error) {
	defer func() { observe("create_board", err) }()
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Board{}, invalid("board name is required")
	}
	b = domain.Board{ID: uuid.NewString(), Name: name, Version: nextTimestamp(), UpdatedAt: time.Now().UTC()}
	if err := s.store.CreateBoard(ctx, b); err != nil {
		return domain.Board{}, fail(err)
	}
	if actor := ActorFrom(ctx); actor != "" {
		if err := s.store.AddMember(ctx, b.ID, actor); err != nil {
			return domain.Board{}, fail(err)
		}
	}
	s.publish(ctx, domain.EntityCreated, domain.EntityBoard, b.ID, b.ID, b.Version, b)
	return b, nil
}

func (s *Service) FetchBoard(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	if err := s.authorize(ctx, boardID); err != nil {
		return domain.BoardSnapshot{}, err
	}
	b, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, fail(err)
	}
	lists, err := s.store.Lists(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, fail(err)
	}
	cards, err := s.store.Cards(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, fail(err)
	}
	members, err := s.store.Members(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, fail(err)
	}
	sortLists(lists)
	sortCards(cards)
	return domain.BoardSnapshot{Board: b, Lists: lists, Cards: cards, Members: members}, nil
}

func (s *Service) FetchList(ctx context.Context, boardID, listID string) (domain.List, []domain.Card, error) {
	if err := s.authorize(ctx, boardID); err != nil {
		return domain.List{}, nil, err
	}
	l, err := s.store.GetList(ctx, boardID, listID)
	if err != nil {
		return domain.List{}, nil, fail(err)
	}
	cards, err := s.listCards(ctx, boardID, listID)
	if err != nil {
		return domain.List{}, nil, fail(err)
	}
	return l, cards, nil
}

func (s *Service) FetchMembers(ctx context.Context, boardID string) ([]string, error) {
	if err := s.authorize(ctx, boardID); err != nil {
		return nil, err
	}
	members, err := s.store.Members(ctx, boardID)
	return members, fail(err)
}

// CreateList appends a list after the board's last list.
func (s *Service) CreateList(ctx context.Context, boardID string, in domain.NewList) (l domain.List, err error) {
	defer func() { observe("create_list", err) }()
	if err := s.authorize(ctx, boardID); err != nil {
		return domain.List{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.List{}, invalid("list title is required")
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = func() error {
		lists, err := s.store.Lists(ctx, boardID)
		if err != nil {
			return err
		}
		sortLists(lists)
		tail := rank.Rank("")
		if len(lists) > 0 {
			tail = lists[len(lists)-1].Rank
		}
		r, err := rank.Between(tail, "")
		if err != nil {
			return err
		}
		l = domain.List{ID: id, BoardID: boardID, Title: title, Rank: r, Version: nextTimestamp(), UpdatedAt: time.Now().UTC()}
		return s.store.InsertList(ctx, l)
	}()
	if err != nil {
		return domain.List{}, fail(err)
	}
	s.publish(ctx, domain.EntityCreated, domain.EntityList, boardID, l.ID, l.Version, l)
	return l, nil
}

func (s *Service) UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (l domain.List, err error) {
	defer func() { observe("update_list", err) }()
	if err := s.authorize(ctx, boardID); err != nil {
		return domain.List{}, err
	}
	if patch.Empty() {
		return domain.List{}, invalid("list patch is empty")
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return domain.List{}, invalid("list title is required")
	}
	err = s.retry(ctx, "update_list", listID, func() error {
		cur, err := s.store.GetList(ctx, boardID, listID)
		if err != nil {
			return err
		}
		l = cur
		patch.ApplyTo(&l)
		l.Version = versionAfter(cur.Version)
		l.UpdatedAt = time.Now().UTC()
		return s.store.UpdateList(ctx, l, cur.Version)
	})
	if err != nil {
		return domain.List{}, fail(err)
	}
	s.publish(ctx, domain.EntityUpdated, domain.EntityList, boardID, l.ID, l.Version, l)
	return l, nil
}

// CreateCard appends a card to the tail of its list.
func (s *Service) CreateCard(ctx context.Context, boardID string, in domain.NewCard) (c domain.Card, err error) {
	defer func() { observe("create_card", err) }()
	if err := s.authorize(ctx, boardID); err != nil {
		return domain.Card{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Card{}, invalid("card title is required")
	}
	if _, err := s.store.GetList(ctx, boardID, in.ListID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Card{}, invalid("unknown list " + in.ListID)
		}
		return domain.Card{}, fail(err)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = func() error {
		siblings, err := s.listCards(ctx, boardID, in.ListID)
		if err != nil {
			return err
		}
		tail := rank.Rank("")
		if len(siblings) > 0 {
			tail = siblings[len(siblings)-1].Rank
		}
		r, err := rank.Between(tail, "")
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		c = domain.Card{
			ID:          id,
			BoardID:     boardID,
			ListID:      in.ListID,
			Title:       title,
			Description: in.Description,
			Rank:        r,
			Labels:      domain.IDSet{},
			Assignees:   domain.IDSet{},
			Version:     nextTimestamp(),
			UpdatedAt:   now,
		}
		return s.store.InsertCard(ctx, c)
	}()
	if err != nil {
		return domain.Card{}, fail(err)
	}
	s.publish(ctx, domain.EntityCreated, domain.EntityCard, boardID, c.ID, c.Version, c)
	return c, nil
}

// mutateCard applies change to the stored card under a conditional write.
func (s *Service) mutateCard(ctx context.Context, op, boardID, cardID string, change func(*domain.Card) error) (c domain.Card, err error) {
	defer func() { observe(op, err) }()
	if err := s.authorize(ctx, boardID); err != nil {
		return domain.Card{}, err
	}
	err = s.retry(ctx, op, cardID, func() error {
		cur, err := s.store.GetCard(ctx, boardID, cardID)
		if err != nil {
			return err
		}
		c = cur.Clone()
		if err := change(&c); err != nil {
			return err
		}
		c.Version = versionAfter(cur.Version)
		c.UpdatedAt = time.Now().UTC()
		return s.store.UpdateCard(ctx, c, cur.Version)
	})
	if err != nil {
		return domain.Card{}, fail(err)
	}
	s.publish(ctx, domain.EntityUpdated, domain.EntityCard, boardID, c.ID, c.Version, c)
	return c, nil
}

func (s *Service) UpdateCard(ctx context.Context, boardID, cardID string, patch domain.CardPatch) (domain.Card, error) {
	if patch.Empty() {
		return domain.Card{}, invalid("card patch is empty")
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return domain.Card{}, invalid("card title is required")
	}
	return s.mutateCard(ctx, "update_card", boardID, cardID, func(c *domain.Card) error {
		if patch.Assignees != nil {
			normalized := domain.NewIDSet(*patch.Assignees...)
			patch.Assignees = &normalized
		}
		patch.ApplyTo(c)
		return nil
	})
}

func (s *Service) SetCardLabels(ctx context.Context, boardID, cardID string, labels domain.IDSet) (domain.Card, error) {
	set := domain.NewIDSet(labels...)
	return s.mutateCard(ctx, "set_labels", boardID, cardID, func(c *domain.Card) error {
		c.Labels = set.Clone()
		return nil
	})
}

// RemoveCard deletes a card. The returned version is the tombstone clients
// keep so late updates cannot resurrect it.
func (s *Service) RemoveCard(ctx context.Context, boardID, cardID string) (r domain.Removal, err error) {
	defer func() { observe("remove_card", err) }()
	if err := s.authorize(ctx, boardID); err != nil {
		return domain.Removal{}, err
	}
	var last int64
	err = s.retry(ctx, "remove_card", cardID, func() error {
		cur, err := s.store.GetCard(ctx, boardID, cardID)
		if err != nil {
			return err
		}
		last = cur.Version
		return s.store.DeleteCard(ctx, boardID, cardID, cur.Version)
	})
	if err != nil {
		return domain.Removal{}, fail(err)
	}
	r = domain.Removal{ID: cardID, Version: versionAfter(last)}
	s.publish(ctx, domain.EntityRemoved, domain.EntityCard, boardID, cardID, r.Version, nil)
	return r, nil
}

func (s *Service) AddMember(ctx context.Context, boardID, userID string) (err error) {
	defer func() { observe("add_member", err) }()
	if err := s.authorize(ctx, boardID); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return invalid("user id is required")
	}
	if err := s.store.AddMember(ctx, boardID, userID); err != nil {
		return fail(err)
	}
	s.publish(ctx, domain.MembershipChanged, domain.EntityBoard, boardID, boardID, nextTimestamp(), nil)
	return nil
}

func (s *Service) RemoveMember(ctx context.Context, boardID, userID string) (err error) {
	defer func() { observe("remove_member", err) }()
	if err := s.authorize(ctx, boardID); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, boardID, userID); err != nil {
		return fail(err)
	}
	s.publish(ctx, domain.MembershipChanged, domain.EntityBoard, boardID, boardID, nextTimestamp(), nil)
	return nil
}

// listCards returns the cards of one list in display order.
func (s *Service) listCards(ctx context.Context, boardID, listID string) ([]domain.Card, error) {
	all, err := s.store.Cards(ctx, boardID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.ListID == listID {
			out = append(out, c)
		}
	}
	sortCards(out)
	return out, nil
}

func sortCards(cards []domain.Card) {
	slices.SortFunc(cards, func(a, b domain.Card) int {
		if d := rank.Compare(a.Rank, b.Rank); d != 0 {
			return d
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func sortLists(lists []domain.List) {
	slices.SortFunc(lists, func(a, b domain.List) int {
		if d := rank.Compare(a.Rank, b.Rank); d != 0 {
			return d
		}
		return strings.Compare(a.ID, b.ID)
	})
}
