// Package optimistic applies user intents to the entity cache before the
// server confirms them, then merges the authoritative answer or rolls back.
package optimistic

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"boardsync/cache"
	"boardsync/domain"
	"boardsync/persistence"
)

const tracerName = "boardsync/optimistic"

// Mutation is one invertible intent. Apply and Rollback write to the cache
// synchronously; Request is the only call that leaves the process. Apply may
// refuse, in which case nothing is sent.
type Mutation[T any] struct {
	// Name labels the span and log lines, e.g. "card.labels".
	Name string
	// Key serializes mutations of the same entity. Empty means unguarded.
	Key      string
	Apply    func() error
	Request  func(ctx context.Context) (T, error)
	Merge    func(T)
	Rollback func()
}

// Mutator owns the collaborators shared by every intent.
type Mutator struct {
	cache   cache.ReadWriter
	client  persistence.Client
	guard   *Guard
	refetch *Refetcher
	logger  log.FieldLogger
	timeout time.Duration
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithLogger replaces the logrus standard logger.
func WithLogger(l log.FieldLogger) Option { return func(m *Mutator) { m.logger = l } }

// WithGuard shares a guard between mutators writing the same cache.
func WithGuard(g *Guard) Option { return func(m *Mutator) { m.guard = g } }

// WithRequestTimeout bounds each persistence request. Zero leaves the
// deadline to the caller's context.
func WithRequestTimeout(d time.Duration) Option { return func(m *Mutator) { m.timeout = d } }

// New builds a Mutator. scope bounds the re-fetches issued after failures; a
// nil scope lives as long as the process.
func New(c cache.ReadWriter, client persistence.Client, scope *Scope, opts ...Option) *Mutator {
	m := &Mutator{cache: c, client: client, logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(m)
	}
	if m.guard == nil {
		m.guard = NewGuard()
	}
	if scope == nil {
		scope = NewScope(context.Background())
	}
	m.refetch = NewRefetcher(c, client, scope, m.logger)
	return m
}

// Refetcher exposes the scoped re-fetcher the mutator falls back to.
func (m *Mutator) Refetcher() *Refetcher { return m.refetch }

// Run executes mu: guard, apply, request, then merge or rollback. A failed
// request is returned as an error, never as a panic, and the cache is left as
// Rollback made it.
func Run[T any](ctx context.Context, m *Mutator, mu Mutation[T]) (T, error) {
	var zero T
	if mu.Key != "" {
		release, err := m.guard.Acquire(ctx, mu.Key)
		if err != nil {
			return zero, &domain.RequestError{Kind: domain.KindRequestFailed, Message: "cancelled before apply", Err: err}
		}
		defer release()
	}

	if mu.Apply != nil {
		if err := mu.Apply(); err != nil {
			return zero, err
		}
	}

	res, err := traced(ctx, m, mu.Name, mu.Key, mu.Request)
	if err != nil {
		if mu.Rollback != nil {
			mu.Rollback()
		}
		m.logger.WithError(err).WithFields(log.Fields{
			"mutation": mu.Name,
			"key":      mu.Key,
			"kind":     domain.KindOf(err),
		}).Warn("optimistic.rollback")
		return zero, err
	}
	if mu.Merge != nil {
		mu.Merge(res)
	}
	return res, nil
}

// traced performs one persistence request inside a span. Transport errors
// that are not already typed become KindRequestFailed.
func traced[T any](ctx context.Context, m *Mutator, name, key string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "optimistic."+name)
	defer span.End()
	span.SetAttributes(attribute.String("boardsync.entity", key))

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	res, err := fn(ctx)
	if err != nil {
		var reqErr *domain.RequestError
		if !errors.As(err, &reqErr) {
			err = &domain.RequestError{Kind: domain.KindRequestFailed, Message: err.Error(), Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("boardsync.error_kind", string(domain.KindOf(err))))
		return res, err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}
