//go:build unit

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	mu     sync.Mutex
	asked  []int
	next   int64
	supply int
	err    error
}

func (s *countingSource) GetRequests(_ context.Context, maxCount int) ([]*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.asked = append(s.asked, maxCount)

	if s.err != nil {
		return nil, s.err
	}

	n := min(maxCount, s.supply)
	s.supply -= n

	out := make([]*PendingRequest, 0, n)
	for range n {
		s.next++
		out = append(out, &PendingRequest{ID: s.next})
	}

	return out, nil
}

func TestNewSourceChain_RequiresASource(t *testing.T) {
	t.Parallel()

	var typedNil *countingSource

	_, err := NewSourceChain(nil)
	assert.ErrorIs(t, err, ErrRequestSourceRequired)

	_, err = NewSourceChain(nil, nil, typedNil)
	assert.ErrorIs(t, err, ErrRequestSourceRequired)
}

func TestSourceChain_FillsFromLaterSources(t *testing.T) {
	t.Parallel()

	a := &countingSource{supply: 2}
	b := &countingSource{supply: 10}

	chain, err := NewSourceChain(nil, a, b)
	require.NoError(t, err)

	got, err := chain.GetRequests(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, []int{5}, a.asked)
	assert.Equal(t, []int{3}, b.asked)
}

func TestSourceChain_RotatesFirstSource(t *testing.T) {
	t.Parallel()

	a := &countingSource{supply: 100}
	b := &countingSource{supply: 100}

	chain, err := NewSourceChain(nil, a, b)
	require.NoError(t, err)

	for range 4 {
		got, err := chain.GetRequests(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
	}

	assert.Len(t, a.asked, 2)
	assert.Len(t, b.asked, 2)
}

func TestSourceChain_PartialFailureKeepsFetchedRequests(t *testing.T) {
	t.Parallel()

	broken := &countingSource{err: errors.New("replica down")}
	healthy := &countingSource{supply: 3}

	var reported []error

	chain, err := NewSourceChain(func(_ context.Context, err error) { reported = append(reported, err) }, broken, healthy)
	require.NoError(t, err)

	got, err := chain.GetRequests(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	require.Len(t, reported, 1)
	assert.ErrorContains(t, reported[0], "replica down")
}

func TestSourceChain_AllFailingReturnsError(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	second := errors.New("second")

	chain, err := NewSourceChain(nil, &countingSource{err: first}, &countingSource{err: second})
	require.NoError(t, err)

	got, err := chain.GetRequests(context.Background(), 2)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestSourceChain_NonPositiveMax(t *testing.T) {
	t.Parallel()

	a := &countingSource{supply: 1}

	chain, err := NewSourceChain(nil, a)
	require.NoError(t, err)

	got, err := chain.GetRequests(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, a.asked)
}
