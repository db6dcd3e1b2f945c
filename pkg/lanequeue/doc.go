// Package lanequeue runs asynchronous tasks on keyed lanes.
//
// Invariants:
// - Tasks sharing a key run one at a time in submission order.
// - Task N on a key starts only after task N-1 has settled, including its error path.
// - Tasks on different keys run concurrently.
// - A failing or panicking task is logged and never stalls its lane.
//
// Usage:
//
//	q := lanequeue.New()
//	defer q.Close()
//	c := q.Enqueue(ctx, "elder", func(ctx context.Context) (interface{}, error) {
//		return runner.Run(ctx, ev), nil
//	})
//	value, err := c.Wait(ctx)
package lanequeue
