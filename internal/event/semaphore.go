package event

import (
	"context"
	"errors"
)

var ErrSemaphoreTimeout = errors.New("semaphore acquire timed out")

// Semaphore bounds the number of in-flight Kafka sends across all dispatcher
// workers.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = 100
	}
	return &Semaphore{ch: make(chan struct{}, max)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
	}
}
