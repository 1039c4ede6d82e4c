package subscription

import (
	"context"
	"iter"
)

// All adapts the subscription to a range-over-func sequence:
//
//	for v, err := range sub.All(ctx) {
//		if err != nil { ... }
//	}
//
// The subscription is cancelled when the loop exits for any reason. A
// context error is yielded once before the sequence ends.
func (s *Subscription) All(ctx context.Context) iter.Seq2[Value, error] {
	return func(yield func(Value, error) bool) {
		defer s.Cancel()
		for {
			res, err := s.Next(ctx)
			if err != nil {
				yield(Value{}, err)
				return
			}
			if res.Done {
				return
			}
			if !yield(res.Value, nil) {
				return
			}
		}
	}
}

// Chan runs All in a goroutine and forwards values to the returned channel,
// which is closed when the subscription ends. While the receiver is not
// reading, no pull is outstanding and signals are dropped.
//
// The goroutine exits only when ctx is done or the subscription is
// cancelled. A receiver that stops reading must do one of the two.
func (s *Subscription) Chan(ctx context.Context) <-chan Value {
	ch := make(chan Value)
	go func() {
		defer close(ch)
		for v, err := range s.All(ctx) {
			if err != nil {
				return
			}
			select {
			case ch <- v:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return ch
}
