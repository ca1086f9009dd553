// Package realtime merges pushed board events into the entity cache.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"boardsync/cache"
	"boardsync/domain"
	"boardsync/persistence"
)

// Outcome says what Apply did with an event.
type Outcome int

const (
	Applied Outcome = iota
	Duplicate
	Stale
	Refetched
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Refetched:
		return "refetched"
	default:
		return "ignored"
	}
}

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "boardsync_realtime_events_total",
	Help: "Realtime events handled by the reconciler, by outcome",
}, []string{"outcome"})

// Source delivers events at least once, in no particular order across
// entities. Next returns io.EOF once the source is exhausted.
type Source interface {
	Next(ctx context.Context) (domain.Event, error)
	Close() error
}

// MembershipFetcher reads a board's member list. persistence.Client
// satisfies it.
type MembershipFetcher interface {
	FetchMembers(ctx context.Context, boardID string) ([]string, error)
}

// Reconciler applies events through the same cache mutators the optimistic
// layer uses, so a pushed row and a confirmed response for the same entity
// resolve by version alone.
type Reconciler struct {
	cache   cache.ReadWriter
	members MembershipFetcher
	group   singleflight.Group
	seen    *window
	logger  log.FieldLogger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger replaces the logrus standard logger.
func WithLogger(l log.FieldLogger) Option { return func(r *Reconciler) { r.logger = l } }

// WithWindow sets how many recent event ids are remembered for duplicate
// detection.
func WithWindow(n int) Option { return func(r *Reconciler) { r.seen = newWindow(n) } }

// New builds a Reconciler writing to c.
func New(c cache.ReadWriter, members MembershipFetcher, opts ...Option) *Reconciler {
	r := &Reconciler{cache: c, members: members, logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(r)
	}
	if r.seen == nil {
		r.seen = newWindow(defaultWindow)
	}
	return r
}

// Apply merges one event. Redelivered events and events older than the
// cached entity change nothing.
func (r *Reconciler) Apply(ctx context.Context, ev domain.Event) (Outcome, error) {
	if ev.ID != "" && r.seen.has(ev.ID) {
		eventsTotal.WithLabelValues(Duplicate.String()).Inc()
		return Duplicate, nil
	}
	out, err := r.apply(ctx, ev)
	if err != nil {
		eventsTotal.WithLabelValues(Ignored.String()).Inc()
		return Ignored, err
	}
	if ev.ID != "" {
		r.seen.add(ev.ID)
	}
	eventsTotal.WithLabelValues(out.String()).Inc()
	r.logger.WithFields(log.Fields{
		"event":   ev.ID,
		"kind":    ev.Kind,
		"entity":  ev.EntityType,
		"id":      ev.EntityID,
		"version": ev.Version,
		"outcome": out.String(),
	}).Debug("realtime.event")
	return out, nil
}

func (r *Reconciler) apply(ctx context.Context, ev domain.Event) (Outcome, error) {
	switch ev.Kind {
	case domain.EntityCreated, domain.EntityUpdated:
		return r.upsert(ev)
	case domain.EntityRemoved:
		return r.remove(ev), nil
	case domain.MembershipChanged:
		if err := r.refreshMembers(ctx, ev.BoardID); err != nil {
			return Ignored, err
		}
		return Refetched, nil
	default:
		r.logger.WithField("kind", ev.Kind).Warn("realtime.unknown_event")
		return Ignored, nil
	}
}

func (r *Reconciler) upsert(ev domain.Event) (Outcome, error) {
	switch ev.EntityType {
	case domain.EntityCard:
		card, err := persistence.DecodeCard(ev.Data)
		if err != nil {
			return Ignored, err
		}
		fill(&card.ID, &card.Version, ev)
		if r.cache.UpsertCard(card, cache.Authoritative) {
			return Applied, nil
		}
		cur, ok := r.cache.Card(card.ID)
		return settled(ok && cur.Version == card.Version), nil
	case domain.EntityList:
		l, err := persistence.DecodeList(ev.Data)
		if err != nil {
			return Ignored, err
		}
		fill(&l.ID, &l.Version, ev)
		if r.cache.UpsertList(l, cache.Authoritative) {
			return Applied, nil
		}
		cur, ok := r.cache.List(l.ID)
		return settled(ok && cur.Version == l.Version), nil
	case domain.EntityBoard:
		b, err := persistence.DecodeBoard(ev.Data)
		if err != nil {
			return Ignored, err
		}
		fill(&b.ID, &b.Version, ev)
		if r.cache.UpsertBoard(b) {
			return Applied, nil
		}
		cur, ok := r.cache.Board(b.ID)
		return settled(ok && cur.Version == b.Version), nil
	default:
		return Ignored, fmt.Errorf("unknown entity type %q", ev.EntityType)
	}
}

func (r *Reconciler) remove(ev domain.Event) Outcome {
	switch ev.EntityType {
	case domain.EntityCard:
		_, had := r.cache.Card(ev.EntityID)
		if r.cache.RemoveCard(ev.EntityID, ev.Version, cache.Authoritative) {
			return Applied
		}
		return settled(!had)
	case domain.EntityList:
		_, had := r.cache.List(ev.EntityID)
		if r.cache.RemoveList(ev.EntityID, ev.Version) {
			return Applied
		}
		return settled(!had)
	default:
		return Ignored
	}
}

// refreshMembers re-reads membership. Bursts of membership events for one
// board share a single request.
func (r *Reconciler) refreshMembers(ctx context.Context, boardID string) error {
	v, err, _ := r.group.Do("members:"+boardID, func() (any, error) {
		return r.members.FetchMembers(ctx, boardID)
	})
	if err != nil {
		return fmt.Errorf("refresh members of %s: %w", boardID, err)
	}
	r.cache.SetMembers(boardID, v.([]string))
	return nil
}

// Run applies events from src until ctx is done or src is exhausted. A bad
// event is logged and skipped.
func (r *Reconciler) Run(ctx context.Context, src Source) error {
	defer src.Close()
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if _, err := r.Apply(ctx, ev); err != nil {
			r.logger.WithError(err).WithField("event", ev.ID).Error("realtime.apply_failed")
		}
	}
}

// fill defaults row identity and version from the envelope.
func fill(id *string, version *int64, ev domain.Event) {
	if *id == "" {
		*id = ev.EntityID
	}
	if *version == 0 {
		*version = ev.Version
	}
}

func settled(same bool) Outcome {
	if same {
		return Duplicate
	}
	return Stale
}
