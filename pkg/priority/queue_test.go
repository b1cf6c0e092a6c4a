package priority

import (
	"context"
	"testing"
	"time"
)

func TestPopPrefersHighLane(t *testing.T) {
	q := New(4, 4, 3)
	q.TryPushLow("media")
	q.TryPushHigh("clear")
	got, ok := q.Pop(context.Background())
	if !ok || got != "clear" {
		t.Fatalf("expected clear first, got %v", got)
	}
	got, _ = q.Pop(context.Background())
	if got != "media" {
		t.Fatalf("expected media second, got %v", got)
	}
}

func TestPopYieldsToLowAfterFairness(t *testing.T) {
	q := New(8, 8, 2)
	for i := 0; i < 4; i++ {
		q.TryPushHigh("h")
	}
	q.TryPushLow("l")
	var order []any
	for i := 0; i < 5; i++ {
		v, _ := q.Pop(context.Background())
		order = append(order, v)
	}
	if order[2] != "l" {
		t.Fatalf("expected low item third, got %v", order)
	}
}

func TestPopBlocksUntilPushOrCancel(t *testing.T) {
	q := New(1, 1, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryPushLow("late")
	}()
	got, ok := q.Pop(context.Background())
	if !ok || got != "late" {
		t.Fatalf("expected late push, got %v %v", got, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := q.Pop(ctx); ok {
		t.Fatalf("expected pop to stop on ctx")
	}
}

func TestDropLowAndClose(t *testing.T) {
	q := New(2, 4, 1)
	q.TryPushLow(1)
	q.TryPushLow(2)
	q.TryPushHigh("keep")
	if n := q.DropLow(); n != 2 {
		t.Fatalf("expected 2 dropped, got %d", n)
	}
	if q.Pending() != 1 || q.Stats().Dropped != 2 {
		t.Fatalf("unexpected queue state %+v", q.Stats())
	}
	q.Close()
	if q.TryPushLow(3) {
		t.Fatalf("push after close must fail")
	}
	if _, ok := q.Pop(context.Background()); ok {
		// the high item may still be served; a second pop must stop
		if _, ok := q.Pop(context.Background()); ok {
			t.Fatalf("expected closed queue to stop popping")
		}
	}
}
