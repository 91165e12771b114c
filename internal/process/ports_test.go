package process

import (
	"context"
	"testing"
	"time"
)

func TestPortPoolBlocksWhenExhausted(t *testing.T) {
	pool := NewPortPool([]int{9010, 9011})
	ctx := context.Background()

	p1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatalf("pool handed out the same port twice: %d", p1)
	}

	// Third acquire blocks until one of the first two is released.
	third := make(chan int, 1)
	go func() {
		p, err := pool.Acquire(ctx)
		if err != nil {
			return
		}
		third <- p
	}()

	select {
	case p := <-third:
		t.Fatalf("third acquire returned %d from an exhausted pool", p)
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(p1)
	select {
	case p := <-third:
		if p != p1 {
			t.Fatalf("third acquire got %d, want released port %d", p, p1)
		}
	case <-time.After(time.Second):
		t.Fatal("third acquire still blocked after release")
	}
}

func TestPortPoolAcquireHonorsContext(t *testing.T) {
	pool := NewPortPool(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatal("expected context error from empty pool")
	}
}

func TestPortPoolOverflowPanics(t *testing.T) {
	pool := NewPortPool([]int{9010})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overflow release")
		}
	}()
	pool.Release(9999)
}
