package store

import (
	"context"
	"testing"
	"time"
)

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	kv := NewMemoryKV()
	if _, err := kv.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	if err := kv.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := kv.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("expected v, got %q/%v", v, err)
	}
}

func TestSetWithTTLExpires(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	kv.Set(ctx, "k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, err := kv.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("expected expired key to return ErrNotFound, got %v", err)
	}
}

func TestSetNXWinsOnceThenLosesUntilExpiry(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	won, err := kv.SetNX(ctx, "lock", "holder1", 20*time.Millisecond)
	if err != nil || !won {
		t.Fatalf("expected first SetNX to win, got %v/%v", won, err)
	}
	won, err = kv.SetNX(ctx, "lock", "holder2", 20*time.Millisecond)
	if err != nil || won {
		t.Fatalf("expected second SetNX to lose while key live, got %v/%v", won, err)
	}
	time.Sleep(30 * time.Millisecond)
	won, err = kv.SetNX(ctx, "lock", "holder3", 20*time.Millisecond)
	if err != nil || !won {
		t.Fatalf("expected SetNX to win again after expiry, got %v/%v", won, err)
	}
}

func TestDelRemovesKey(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	kv.Set(ctx, "k", "v", 0)
	kv.Del(ctx, "k")
	if _, err := kv.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("expected deleted key to be gone, got %v", err)
	}
}

func TestIncrStartsAtOneAndAccumulates(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	for i, want := range []int64{1, 2, 3} {
		n, err := kv.Incr(ctx, "counter", 0)
		if err != nil || n != want {
			t.Fatalf("iteration %d: expected %d, got %d/%v", i, want, n, err)
		}
	}
}

func TestIncrAfterExpiryRestartsAtOne(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	kv.Incr(ctx, "counter", 10*time.Millisecond)
	kv.Incr(ctx, "counter", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	n, err := kv.Incr(ctx, "counter", 10*time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("expected counter to restart at 1 after expiry, got %d/%v", n, err)
	}
}

func TestPublishSubscribeDeliversMessage(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	ch, cancel := kv.Subscribe(ctx, "topic")
	defer cancel()

	if err := kv.Publish(ctx, "topic", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case msg := <-ch:
		if msg != "hello" {
			t.Errorf("expected hello, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected message to be delivered")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	ch, cancel := kv.Subscribe(ctx, "topic")
	cancel()

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after cancel")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	if err := kv.Publish(ctx, "nobody", "msg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
