// Package rid allocates row identifiers. Each doc part owns one counter and
// every reservation is serialized on it, so concurrent callers always
// receive disjoint ranges and a watermark only moves forward.
package rid

import (
	"context"
	"math"
	"sort"

	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// SeedFunc returns the first unused rid of a doc part. It is called once,
// the first time the allocator sees the doc part.
type SeedFunc func(ctx context.Context) (int64, error)

// ZeroSeed seeds a fresh doc part at rid 0.
func ZeroSeed(context.Context) (int64, error) {
	return 0, nil
}

// Watermark is the next rid a doc part will hand out.
type Watermark struct {
	DocPart metainf.ID
	Next    int64
}

// counter is the state of one doc part. A retired counter belongs to a
// dropped doc part and keeps its watermark so that no range is handed out
// twice.
type counter struct {
	next    int64
	retired bool
}

// Allocator is safe for concurrent use.
type Allocator struct {
	counters *xsync.MapOf[metainf.ID, counter]
	logger   *zap.Logger
}

// NewAllocator returns an empty allocator.
func NewAllocator(logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		counters: xsync.NewMapOf[metainf.ID, counter](),
		logger:   logger,
	}
}

// ConsumeRids reserves howMany rids for docPart and returns the first one.
// The caller owns [first, first+howMany). Reserving zero rids returns the
// watermark without moving it. Every failure is a rollback condition,
// including a reservation on a retired doc part.
func (a *Allocator) ConsumeRids(ctx context.Context, docPart metainf.ID, howMany int, seed SeedFunc) (int64, error) {
	if howMany < 0 {
		return 0, txn.Rollbackf("cannot reserve %d rids", howMany)
	}
	if err := ctx.Err(); err != nil {
		return 0, txn.WrapRollback(err, "reserving rids")
	}
	if seed == nil {
		seed = ZeroSeed
	}

	n := int64(howMany)
	var (
		first int64
		err   error
	)
	// Compute runs under the per-key lock of the map, which is what makes
	// the read-and-advance below a single serialized step.
	a.counters.Compute(docPart, func(c counter, loaded bool) (counter, bool) {
		if c.retired {
			err = txn.Rollbackf("doc part %d was dropped", docPart)
			return c, false
		}
		if !loaded {
			c.next, err = seed(ctx)
			if err != nil {
				err = txn.WrapRollback(err, "seeding rid counter")
				return c, true
			}
			if c.next < 0 {
				c.next = 0
			}
		}
		if c.next > math.MaxInt64-n {
			err = txn.WrapRollback(errors.Newf("rid space of doc part %d exhausted", docPart), "reserving rids")
			return c, false
		}
		first = c.next
		c.next += n
		return c, false
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		a.logger.Debug("Reserved rids",
			zap.Uint64("docPart", uint64(docPart)),
			zap.Int64("first", first),
			zap.Int("count", howMany))
	}
	return first, nil
}

// Peek returns the watermark of docPart and whether it has a live counter.
func (a *Allocator) Peek(docPart metainf.ID) (int64, bool) {
	c, ok := a.counters.Load(docPart)
	if !ok || c.retired {
		return 0, false
	}
	return c.next, true
}

// Observe raises the watermark of docPart to at least next. It never lowers
// it, and creates the counter when missing.
func (a *Allocator) Observe(docPart metainf.ID, next int64) {
	a.counters.Compute(docPart, func(cur counter, loaded bool) (counter, bool) {
		if loaded && cur.next >= next {
			return cur, false
		}
		cur.next = next
		return cur, false
	})
}

// Retire closes the counter of a dropped doc part. Transactions opened
// before the drop may still resolve the doc part, and their reservations
// fail from now on instead of seeding a fresh counter.
func (a *Allocator) Retire(docPart metainf.ID) {
	a.counters.Compute(docPart, func(cur counter, _ bool) (counter, bool) {
		cur.retired = true
		return cur, false
	})
}

// Watermarks lists every live counter ordered by doc part.
func (a *Allocator) Watermarks() []Watermark {
	var out []Watermark
	a.counters.Range(func(id metainf.ID, c counter) bool {
		if !c.retired {
			out = append(out, Watermark{DocPart: id, Next: c.next})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DocPart < out[j].DocPart })
	return out
}
