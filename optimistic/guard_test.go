package optimistic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"boardsync/domain"
)

func TestGuardSerializesSameKey(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	g := NewGuard()
	release, err := g.Acquire(context.Background(), "card:X")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "card:X")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := g.Acquire(context.Background(), "card:Y")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := g.Acquire(context.Background(), "card:X")
	require.NoError(t, err)
	again()
	assert.False(t, g.Busy("card:X"))
}

func TestConcurrentTogglesOnOneCardDoNotInterleave(t *testing.T) {
	c, client, m := newFixture(t)
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	client.labels = func(_ context.Context, cardID string, labels domain.IDSet) (domain.Card, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		card, _ := c.Card(cardID)
		card.Labels = labels
		card.Version = time.Now().UnixNano()
		return card, nil
	}

	var wg sync.WaitGroup
	for _, label := range []string{"C", "D", "E"} {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			_, err := m.ToggleLabel(context.Background(), "X", label)
			assert.NoError(t, err)
		}(label)
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	card, _ := c.Card("X")
	assert.Equal(t, domain.NewIDSet("A", "B", "C", "D", "E"), card.Labels)
}

func TestScopeTokens(t *testing.T) {
	s := NewScope(context.Background())
	first := s.Begin("list:L1")
	second := s.Begin("list:L1")
	other := s.Begin("list:L2")

	assert.False(t, s.Current("list:L1", first))
	assert.True(t, s.Current("list:L1", second))
	assert.True(t, s.Current("list:L2", other))
	assert.Greater(t, second, first)

	bound, cancel := s.Bind(context.Background())
	defer cancel()
	s.Close()
	<-bound.Done()
	assert.False(t, s.Current("list:L1", second))
}

func TestScopeForgetsFinishedKeys(t *testing.T) {
	s := NewScope(context.Background())
	first := s.Begin("list:L1")
	second := s.Begin("list:L1")

	s.End("list:L1", first)
	assert.True(t, s.Current("list:L1", second))

	s.End("list:L1", second)
	done := s.Begin("board:b1")
	s.End("board:b1", done)
	assert.Empty(t, s.latest)
}

func TestRefetcherDropsOvertakenRead(t *testing.T) {
	c, client, m := newFixture(t)
	release := make(chan struct{})
	reads := 0
	client.fetchList = func(_ context.Context, listID string) (domain.List, []domain.Card, error) {
		reads++
		if reads == 1 {
			<-release
		}
		l, _ := c.List(listID)
		l.Title = "fresh"
		l.Version = int64(1 + reads)
		return l, nil, nil
	}

	done := make(chan error, 1)
	go func() { done <- m.Refetcher().Lists(context.Background(), "b1", "L2") }()
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.listReads) == 1
	}, time.Second, time.Millisecond)

	// A newer read for the same list is issued while the first one hangs.
	m.refetch.scope.Begin(listKey("L2"))
	close(release)
	require.NoError(t, <-done)

	l, _ := c.List("L2")
	assert.Equal(t, "Done", l.Title)
}

func TestRefetcherReconcilesList(t *testing.T) {
	c, client, m := newFixture(t)
	client.fetchList = func(_ context.Context, listID string) (domain.List, []domain.Card, error) {
		l, _ := c.List(listID)
		l.Version = 2
		return l, []domain.Card{{ID: "Y", BoardID: "b1", ListID: "L1", Rank: "n", Version: 1}}, nil
	}
	require.NoError(t, m.Refetcher().Lists(context.Background(), "b1", "L1", "L1"))
	assert.Equal(t, []string{"Y"}, order(c, "L1"))
	assert.Len(t, client.listReads, 1)
	assert.Empty(t, m.refetch.scope.latest)
}
