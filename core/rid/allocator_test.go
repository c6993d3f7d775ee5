package rid

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestConsumeRids_FirstUseStartsAtZero(t *testing.T) {
	a := NewAllocator(nil)
	ctx := context.Background()

	first, err := a.ConsumeRids(ctx, 1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)

	next, err := a.ConsumeRids(ctx, 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)

	// other doc parts have their own space
	other, err := a.ConsumeRids(ctx, 2, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), other)
}

func TestConsumeRids_Zero(t *testing.T) {
	a := NewAllocator(nil)
	ctx := context.Background()

	_, err := a.ConsumeRids(ctx, 1, 5, nil)
	require.NoError(t, err)

	w, err := a.ConsumeRids(ctx, 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), w)

	w2, err := a.ConsumeRids(ctx, 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, w, w2, "zero-size reservation must not move the watermark")
}

func TestConsumeRids_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("negative count", func(t *testing.T) {
		a := NewAllocator(nil)
		_, err := a.ConsumeRids(ctx, 1, -1, nil)
		assert.Equal(t, txn.KindRollback, txn.KindOf(err))
		_, ok := a.Peek(1)
		assert.False(t, ok)
	})

	t.Run("cancelled context", func(t *testing.T) {
		a := NewAllocator(nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := a.ConsumeRids(cctx, 1, 1, nil)
		assert.Equal(t, txn.KindRollback, txn.KindOf(err))
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("seed failure leaves no counter", func(t *testing.T) {
		a := NewAllocator(nil)
		boom := errors.New("storage unavailable")
		_, err := a.ConsumeRids(ctx, 1, 1, func(context.Context) (int64, error) { return 0, boom })
		assert.Equal(t, txn.KindRollback, txn.KindOf(err))
		assert.True(t, errors.Is(err, boom))
		_, ok := a.Peek(1)
		assert.False(t, ok)

		first, err := a.ConsumeRids(ctx, 1, 1, func(context.Context) (int64, error) { return 10, nil })
		require.NoError(t, err)
		assert.Equal(t, int64(10), first)
	})

	t.Run("exhausted", func(t *testing.T) {
		a := NewAllocator(nil)
		a.Observe(1, 1<<63-2)
		_, err := a.ConsumeRids(ctx, 1, 5, nil)
		assert.Equal(t, txn.KindRollback, txn.KindOf(err))
		w, _ := a.Peek(1)
		assert.Equal(t, int64(1<<63-2), w)
	})
}

func TestConsumeRids_SeedCalledOnce(t *testing.T) {
	a := NewAllocator(nil)
	ctx := context.Background()
	calls := 0
	seed := func(context.Context) (int64, error) {
		calls++
		return 100, nil
	}

	for i := 0; i < 3; i++ {
		_, err := a.ConsumeRids(ctx, 7, 1, seed)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
	w, ok := a.Peek(7)
	require.True(t, ok)
	assert.Equal(t, int64(103), w)
}

func TestConsumeRids_ConcurrentRangesAreDisjoint(t *testing.T) {
	a := NewAllocator(nil)
	ctx := context.Background()

	const workers = 16
	const perWorker = 200

	type span struct{ first, size int64 }
	var (
		mu    sync.Mutex
		spans []span
	)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		size := w%4 + 1
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				first, err := a.ConsumeRids(gctx, 1, size, nil)
				if err != nil {
					return err
				}
				mu.Lock()
				spans = append(spans, span{first, int64(size)})
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(spans, func(i, j int) bool { return spans[i].first < spans[j].first })
	var next int64
	for _, s := range spans {
		require.Equal(t, next, s.first, "ranges must be contiguous and disjoint")
		next = s.first + s.size
	}
	w, _ := a.Peek(1)
	assert.Equal(t, next, w)
}

func TestObserveAndWatermarks(t *testing.T) {
	a := NewAllocator(nil)
	a.Observe(2, 10)
	a.Observe(2, 4)
	a.Observe(1, 3)

	assert.Equal(t, []Watermark{{DocPart: 1, Next: 3}, {DocPart: 2, Next: 10}}, a.Watermarks())

	a.Retire(metainf.ID(2))
	_, ok := a.Peek(2)
	assert.False(t, ok)
	assert.Equal(t, []Watermark{{DocPart: 1, Next: 3}}, a.Watermarks())
}

func TestRetireRejectsReservations(t *testing.T) {
	a := NewAllocator(nil)
	ctx := context.Background()
	seeds := 0
	seed := func(context.Context) (int64, error) {
		seeds++
		return 0, nil
	}

	first, err := a.ConsumeRids(ctx, 1, 5, seed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)

	a.Retire(1)
	for _, n := range []int{5, 0} {
		_, err = a.ConsumeRids(ctx, 1, n, seed)
		require.Error(t, err)
		assert.True(t, txn.IsRollback(err))
	}
	assert.Equal(t, 1, seeds, "a retired counter is never seeded again")

	// retiring an unseen doc part blocks its first reservation too
	a.Retire(2)
	_, err = a.ConsumeRids(ctx, 2, 1, seed)
	assert.True(t, txn.IsRollback(err))
	assert.Equal(t, 1, seeds)

	// an observed watermark does not revive it
	a.Observe(1, 50)
	_, ok := a.Peek(1)
	assert.False(t, ok)
}
