package bus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBus(t *testing.T) {
	t.Run("publish and consume in order", func(t *testing.T) {
		b := New(nil)
		defer b.Close()

		if err := b.Declare("transcripts", 8); err != nil {
			t.Fatalf("Declare: %v", err)
		}

		var mu sync.Mutex
		var got []string
		done := make(chan struct{})
		err := b.Subscribe("transcripts", func(msg Message) error {
			mu.Lock()
			got = append(got, msg.Payload.(string))
			if len(got) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		for _, text := range []string{"one", "two", "three"} {
			if err := b.Publish("transcripts", Message{SessionID: "s1", Payload: text}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("messages not consumed")
		}

		mu.Lock()
		defer mu.Unlock()
		if got[0] != "one" || got[1] != "two" || got[2] != "three" {
			t.Errorf("order broken: %v", got)
		}
	})

	t.Run("handler error drops without redelivery", func(t *testing.T) {
		b := New(nil)
		defer b.Close()
		b.Declare("generation", 8)

		var mu sync.Mutex
		count := 0
		b.Subscribe("generation", func(msg Message) error {
			mu.Lock()
			count++
			mu.Unlock()
			return errors.New("handler failed")
		})

		b.Publish("generation", Message{Payload: "x"})
		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if count != 1 {
			t.Errorf("expected exactly one delivery, got %d", count)
		}
	})

	t.Run("publish blocks on a full queue", func(t *testing.T) {
		b := New(nil)
		defer b.Close()
		b.Declare("synthesis", 1)

		// No consumer yet; first publish fills the buffer.
		if err := b.Publish("synthesis", Message{Payload: 1}); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		published := make(chan struct{})
		go func() {
			b.Publish("synthesis", Message{Payload: 2})
			close(published)
		}()

		select {
		case <-published:
			t.Fatal("publish to a full queue should block")
		case <-time.After(50 * time.Millisecond):
		}

		// Attaching a consumer unblocks the publisher.
		b.Subscribe("synthesis", func(Message) error { return nil })
		select {
		case <-published:
		case <-time.After(time.Second):
			t.Fatal("publish never unblocked")
		}
	})

	t.Run("unknown queue", func(t *testing.T) {
		b := New(nil)
		defer b.Close()
		if err := b.Publish("nope", Message{}); !errors.Is(err, ErrUnknownQueue) {
			t.Errorf("expected ErrUnknownQueue, got %v", err)
		}
		if err := b.Subscribe("nope", func(Message) error { return nil }); !errors.Is(err, ErrUnknownQueue) {
			t.Errorf("expected ErrUnknownQueue, got %v", err)
		}
	})

	t.Run("duplicate declare and second consumer rejected", func(t *testing.T) {
		b := New(nil)
		defer b.Close()
		b.Declare("clear", 4)

		if err := b.Declare("clear", 4); !errors.Is(err, ErrQueueExists) {
			t.Errorf("expected ErrQueueExists, got %v", err)
		}

		b.Subscribe("clear", func(Message) error { return nil })
		if err := b.Subscribe("clear", func(Message) error { return nil }); !errors.Is(err, ErrAlreadyConsumed) {
			t.Errorf("expected ErrAlreadyConsumed, got %v", err)
		}
	})

	t.Run("close drains buffered messages", func(t *testing.T) {
		b := New(nil)
		b.Declare("outbound", 8)

		var mu sync.Mutex
		count := 0
		slow := func(Message) error {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}

		for i := 0; i < 5; i++ {
			b.Publish("outbound", Message{Payload: i})
		}
		b.Subscribe("outbound", slow)
		b.Close()

		mu.Lock()
		defer mu.Unlock()
		if count != 5 {
			t.Errorf("expected 5 drained messages, got %d", count)
		}
	})

	t.Run("delete stops consumer and frees the name", func(t *testing.T) {
		b := New(nil)
		defer b.Close()
		b.Declare("call.s1", 4)
		b.Subscribe("call.s1", func(Message) error { return nil })

		b.Delete("call.s1")
		b.Delete("call.s1") // idempotent

		if err := b.Publish("call.s1", Message{}); !errors.Is(err, ErrUnknownQueue) {
			t.Errorf("expected ErrUnknownQueue after delete, got %v", err)
		}
		if err := b.Declare("call.s1", 4); err != nil {
			t.Errorf("name should be reusable after delete: %v", err)
		}
	})

	t.Run("publish after close fails", func(t *testing.T) {
		b := New(nil)
		b.Declare("q", 4)
		b.Close()
		if err := b.Publish("q", Message{}); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}
