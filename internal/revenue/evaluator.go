package revenue

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// DefaultCacheSize bounds the predictions kept by an Evaluator.
const DefaultCacheSize = 1024

// Evaluator is the objective used by one optimization job. It memoizes
// predictions per allocation; each job owns its own Evaluator so no cache
// is shared between jobs.
type Evaluator struct {
	model *Model
	cache *lru.Cache[string, float64]
}

// NewEvaluator returns an Evaluator with an LRU of the given size.
func (m *Model) NewEvaluator(size int) (*Evaluator, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, float64](size)
	if err != nil {
		return nil, fmt.Errorf("create prediction cache: %w", err)
	}
	return &Evaluator{model: m, cache: cache}, nil
}

// Evaluate returns the predicted revenue for alloc.
func (e *Evaluator) Evaluate(ctx context.Context, alloc types.Allocation) (float64, error) {
	key := alloc.Key()
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	v, err := e.model.Predict(ctx, alloc)
	if err != nil {
		return 0, err
	}
	e.cache.Add(key, v)
	return v, nil
}

// CacheLen reports how many predictions are memoized.
func (e *Evaluator) CacheLen() int {
	return e.cache.Len()
}
