package worker

import (
	"context"
	"testing"
	"time"

	"github.com/eugener/bastion/internal/kv"
)

func TestKVProber_ProbesAndStopsOnCancel(t *testing.T) {
	t.Parallel()
	store, err := kv.NewMemory(10)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := NewKVProber(store, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("KVProber did not stop after cancel")
	}
}

func TestKVProber_LogsOnFailure(t *testing.T) {
	t.Parallel()
	store, _ := kv.NewMemory(10)
	store.Close() // subsequent Ping calls fail with kv.ErrClosed

	p := NewKVProber(store, 2*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("KVProber did not stop after cancel")
	}
}

func TestNewKVProber_DefaultsInterval(t *testing.T) {
	t.Parallel()
	store, err := kv.NewMemory(10)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	p := NewKVProber(store, 0)
	if p.interval != time.Minute {
		t.Errorf("interval = %v, want 1m default", p.interval)
	}
}
