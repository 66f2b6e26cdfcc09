package kafka

import (
	"context"
	"testing"
	"time"
)

// Publish must never block the caller, even with the inbox full or the
// producer closed, so shutdown cannot wedge behind a slow broker.
func TestPublishNeverBlocks(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:1"}, "test-topic", 1)

	p.Publish([]byte("k1"), []byte("v1"))

	// Inbox is full and nothing drains it; this publish is dropped.
	done := make(chan struct{})
	go func() {
		p.Publish([]byte("k2"), []byte("v2"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full inbox")
	}

	p.Close()
	p.Close() // idempotent

	// After close: dropped, no panic.
	p.Publish([]byte("k3"), []byte("v3"))
}

func TestCloseDuringContextCancel(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:1"}, "test-topic", 4)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	cancel()
	p.Close()

	done := make(chan struct{})
	go func() {
		p.WaitClosed()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not shut down")
	}
}
