package utils

import (
	"fmt"
	"sync"
)

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool drains queue with at most maxWorkers goroutines and closes
// completed once every item has been processed. The queue should be filled
// and closed before calling, since the worker count is taken from its length.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue chan In, completed chan CompletedTask[Out], maxWorkers int) {
	workers := max(1, min(len(queue), maxWorkers))

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next)
					completed <- CompletedTask[Out]{Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}

type indexed[T any] struct {
	idx  int
	item T
}

// ParallelMap applies worker to every item using RunInPool and returns the
// results in input order. The first error encountered is returned.
func ParallelMap[In any, Out any](items []In, worker func(In) (Out, error), maxWorkers int) ([]Out, error) {
	queue := make(chan indexed[In], len(items))
	for i, item := range items {
		queue <- indexed[In]{idx: i, item: item}
	}
	close(queue)

	completed := make(chan CompletedTask[indexed[Out]], len(items))
	RunInPool(func(in indexed[In]) (indexed[Out], error) {
		out, err := worker(in.item)
		if err != nil {
			return indexed[Out]{idx: in.idx}, fmt.Errorf("item %d: %w", in.idx, err)
		}
		return indexed[Out]{idx: in.idx, item: out}, nil
	}, queue, completed, maxWorkers)

	results := make([]Out, len(items))
	var firstErr error
	for res := range completed {
		if res.Error != nil {
			if firstErr == nil {
				firstErr = res.Error
			}
			continue
		}
		results[res.Result.idx] = res.Result.item
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
