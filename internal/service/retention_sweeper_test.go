package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingSweeper struct {
	calls  atomic.Int32
	maxAge atomic.Int64
	err    error
}

func (s *countingSweeper) Sweep(_ context.Context, maxAge time.Duration) (int64, error) {
	s.calls.Add(1)
	s.maxAge.Store(int64(maxAge))
	return 1, s.err
}

func TestRetentionSweeper_RunsUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{}
	w := NewRetentionSweeper(zap.NewNop(), sweeper, 2*time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(45 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
	if sweeper.calls.Load() < 2 {
		t.Fatalf("expected several sweeps, got %d", sweeper.calls.Load())
	}
	if time.Duration(sweeper.maxAge.Load()) != 2*time.Hour {
		t.Fatalf("unexpected max age %v", time.Duration(sweeper.maxAge.Load()))
	}
}

func TestRetentionSweeper_ErrorsDoNotStopLoop(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("db down")}
	w := NewRetentionSweeper(zap.NewNop(), sweeper, time.Hour, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	w.Run(ctx)
	if sweeper.calls.Load() < 2 {
		t.Fatalf("expected sweeps to continue after errors, got %d", sweeper.calls.Load())
	}
}

func TestRetentionSweeper_NilSafe(t *testing.T) {
	var w *RetentionSweeper
	w.Run(context.Background())
	NewRetentionSweeper(nil, nil, 0, 0).Run(context.Background())
}
