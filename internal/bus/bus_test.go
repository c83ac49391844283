package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishOrder(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe("t", func(p any) {
		mu.Lock()
		got = append(got, p.(int))
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		b.Publish("t", i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order delivery at %d: %d", i, v)
		}
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New()

	var mu sync.Mutex
	counts := map[string]int{}
	for _, topic := range []string{TopicLogInfo, TopicLogError} {
		topic := topic
		b.Subscribe(topic, func(any) {
			mu.Lock()
			counts[topic]++
			mu.Unlock()
		})
	}

	b.Info("a")
	b.Info("b")
	b.Error("c")
	b.Publish("nobody-listens", 1)
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if counts[TopicLogInfo] != 2 || counts[TopicLogError] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe("slow", func(any) { <-release })

	start := time.Now()
	for i := 0; i < 1000; i++ {
		b.Publish("slow", i)
	}
	if time.Since(start) > time.Second {
		t.Error("publish blocked on slow subscriber")
	}
	close(release)
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	delivered := make(chan any, 10)
	unsub := b.Subscribe("t", func(p any) { delivered <- p })

	b.Publish("t", 1)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first payload not delivered")
	}

	unsub()
	unsub()
	b.Publish("t", 2)
	b.Close()

	select {
	case p := <-delivered:
		t.Errorf("unexpected delivery after unsubscribe: %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Close()
	b.Publish("t", 1)
	unsub := b.Subscribe("t", func(any) { t.Error("handler called after close") })
	unsub()
	b.Close()
}
