package pool

import (
	"context"
	"time"

	"github.com/arkeep-io/comfyfleet/client"
)

// jobFunc is a unit of work the dispatcher hands a selected client. It
// returns an opaque result that Run/Batch pass back to callers as-is (spec
// §2 "a Job ... taking a Backend Client, returning a typed result"; §4.4
// "invoke job.fn(client, idx) to completion").
type jobFunc func(ctx context.Context, c *client.Client, idx int) (any, error)

// jobOptions configures one Run call's failover and filtering behavior.
type jobOptions struct {
	includeIDs     map[string]struct{}
	excludeIDs     map[string]struct{}
	enableFailover bool
	maxRetries     int
	retryDelay     time.Duration
}

// jobItem is one entry in the dispatcher's weighted queue.
type jobItem struct {
	weight  float64
	seq     uint64 // insertion order, used to break weight ties
	attempt int
	fn      jobFunc
	opts    jobOptions
	resultC chan jobResult
	ctx     context.Context // the caller's deadline, from Run
}

type jobResult struct {
	value any
	err   error
}

// jobQueue is a slice kept sorted ascending by weight; among equal weights,
// earlier-inserted items sort first (spec §3, §4.4, testable property 3).
type jobQueue struct {
	items []*jobItem
}

// insert places item in ascending-weight order, after every existing item
// whose weight is <= item's weight, preserving insertion order for ties.
func (q *jobQueue) insert(item *jobItem) {
	i := 0
	for i < len(q.items) && q.items[i].weight <= item.weight {
		i++
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
}

func (q *jobQueue) popFront() (*jobItem, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *jobQueue) len() int {
	return len(q.items)
}
