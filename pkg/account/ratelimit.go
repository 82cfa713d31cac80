package account

import (
	"context"

	"golang.org/x/time/rate"
)

// RateGate smooths outbound calls to a fixed queries-per-minute ceiling.
// The account manager holds one gate shared by all of its connections and
// waits on it before every authorize attempt (initial, reauthorization,
// recovery). Grounded on the teacher's pkg/nest/queue.go CommandQueue,
// simplified: authorize attempts carry no priority, so the priority heap
// that queue.go needs to order HIGH-priority extensions ahead of
// LOW-priority regenerations has no work to do here and is dropped; a
// single rate.Limiter is sufficient. The heap itself isn't wasted: pkg/dispatcher's command queue
// does have many short-lived, priority-ordered writes, and carries
// queue.go's ticketHeap over for that.
type RateGate struct {
	limiter *rate.Limiter
}

// NewRateGate builds a gate allowing qpm queries per minute with no burst,
// matching queue.go's "smooth pacing, no bursts" comment.
func NewRateGate(qpm float64) *RateGate {
	return &RateGate{limiter: rate.NewLimiter(rate.Limit(qpm/60.0), 1)}
}

// Wait blocks until the gate permits the next call or ctx is done.
func (g *RateGate) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}
