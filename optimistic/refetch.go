package optimistic

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"boardsync/cache"
	"boardsync/domain"
	"boardsync/persistence"
)

// Refetcher re-reads server state into the cache when a local guess can no
// longer be corrected by restoring a snapshot. Concurrent re-reads of the
// same list collapse into one request, and a read overtaken by a newer one
// for the same key is dropped.
type Refetcher struct {
	cache  cache.Writer
	client persistence.Client
	scope  *Scope
	group  singleflight.Group
	logger log.FieldLogger
}

type listRead struct {
	list  domain.List
	cards []domain.Card
}

// NewRefetcher builds a Refetcher bound to scope.
func NewRefetcher(c cache.Writer, client persistence.Client, scope *Scope, logger log.FieldLogger) *Refetcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Refetcher{cache: c, client: client, scope: scope, logger: logger}
}

// Lists re-reads each list and reconciles it into the cache.
func (r *Refetcher) Lists(ctx context.Context, boardID string, listIDs ...string) error {
	var errs []error
	seen := make(map[string]struct{}, len(listIDs))
	for _, id := range listIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if err := r.list(ctx, boardID, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Refetcher) list(ctx context.Context, boardID, listID string) error {
	key := listKey(listID)
	tok := r.scope.Begin(key)
	defer r.scope.End(key, tok)
	ctx, cancel := r.scope.Bind(ctx)
	defer cancel()

	v, err, shared := r.group.Do(key, func() (any, error) {
		l, cards, err := r.client.FetchList(ctx, boardID, listID)
		return listRead{list: l, cards: cards}, err
	})
	if err != nil {
		r.logger.WithError(err).WithField("list", listID).Warn("optimistic.refetch_failed")
		return err
	}
	if !r.scope.Current(key, tok) {
		return nil
	}
	read := v.(listRead)
	r.cache.ReconcileList(read.list, read.cards)
	r.logger.WithFields(log.Fields{
		"list":   listID,
		"cards":  len(read.cards),
		"shared": shared,
	}).Debug("optimistic.refetch")
	return nil
}

// Board re-reads a whole board.
func (r *Refetcher) Board(ctx context.Context, boardID string) error {
	key := "board:" + boardID
	tok := r.scope.Begin(key)
	defer r.scope.End(key, tok)
	ctx, cancel := r.scope.Bind(ctx)
	defer cancel()

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.client.FetchBoard(ctx, boardID)
	})
	if err != nil {
		return err
	}
	if !r.scope.Current(key, tok) {
		return nil
	}
	r.cache.Ingest(v.(domain.BoardSnapshot))
	return nil
}
