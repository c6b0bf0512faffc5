package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ghostwall/internal/event"
)

func newTestEvent(ip string) event.Event {
	return event.New(event.TypeConnectAttempt, event.SourceSSH, ip, time.Now(), event.ConnectMeta{DstPort: 22})
}

func TestNewRingBuffer(t *testing.T) {
	t.Run("with valid size", func(t *testing.T) {
		rb := NewRingBuffer[event.Event](100)
		if rb.Cap() != 100 {
			t.Errorf("Cap() = %d, want 100", rb.Cap())
		}
		if rb.Len() != 0 {
			t.Errorf("Len() = %d, want 0", rb.Len())
		}
	})

	t.Run("with zero size uses default", func(t *testing.T) {
		rb := NewRingBuffer[event.Event](0)
		if rb.Cap() != 10000 {
			t.Errorf("Cap() = %d, want 10000 (default)", rb.Cap())
		}
	})
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := NewRingBuffer[event.Event](10)

	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	for _, ip := range ips {
		if err := rb.Push(newTestEvent(ip)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for _, want := range ips {
		ev, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if ev.SrcIP != want {
			t.Errorf("Pop() returned %s, want %s", ev.SrcIP, want)
		}
	}

	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_FullCountsDrops(t *testing.T) {
	rb := NewRingBuffer[event.Event](3)

	for i := 0; i < 3; i++ {
		if err := rb.Push(newTestEvent("10.0.0.1")); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	if err := rb.Push(newTestEvent("10.0.0.1")); err != ErrQueueFull {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	m := rb.Metrics()
	if m.Pushed != 3 || m.Dropped != 1 || m.Depth != 3 || m.Capacity != 3 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestRingBuffer_Wrap(t *testing.T) {
	rb := NewRingBuffer[int](3)

	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			if err := rb.Push(round*10 + i); err != nil {
				t.Fatalf("Push() error = %v", err)
			}
		}
		for i := 0; i < 3; i++ {
			got, err := rb.Pop()
			if err != nil {
				t.Fatalf("Pop() error = %v", err)
			}
			if got != round*10+i {
				t.Errorf("Pop() = %d, want %d", got, round*10+i)
			}
		}
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer[int](5)
	rb.Push(1)
	rb.Close()

	if err := rb.Push(2); err != ErrQueueClosed {
		t.Errorf("Push() after Close error = %v, want ErrQueueClosed", err)
	}

	// buffered items drain first
	if v, err := rb.PopWithTimeout(10 * time.Millisecond); err != nil || v != 1 {
		t.Errorf("PopWithTimeout() = %d, %v; want 1, nil", v, err)
	}
	if _, err := rb.PopWithTimeout(10 * time.Millisecond); err != ErrQueueClosed {
		t.Errorf("PopWithTimeout() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopBlocking(t *testing.T) {
	rb := NewRingBuffer[int](5)

	done := make(chan int)
	go func() {
		v, _ := rb.PopBlocking()
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Push(42)

	select {
	case v := <-done:
		if v != 42 {
			t.Errorf("PopBlocking() = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("PopBlocking() did not return")
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer[int](5)

	start := time.Now()
	_, err := rb.PopWithTimeout(50 * time.Millisecond)
	if err != ErrQueueEmpty {
		t.Errorf("PopWithTimeout() error = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("PopWithTimeout() returned after %v, expected ~50ms", elapsed)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		rb.Push(7)
	}()
	v, err := rb.PopWithTimeout(time.Second)
	if err != nil || v != 7 {
		t.Errorf("PopWithTimeout() = %d, %v; want 7, nil", v, err)
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer[int](1000)

	var wg sync.WaitGroup
	var popped atomic.Int64

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for rb.Push(i) == ErrQueueFull {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	stop := make(chan struct{})
	var cwg sync.WaitGroup
	for c := 0; c < 2; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				if _, err := rb.PopWithTimeout(10 * time.Millisecond); err == nil {
					popped.Add(1)
					continue
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
	deadline := time.Now().Add(2 * time.Second)
	for popped.Load() < 800 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	cwg.Wait()

	if popped.Load() != 800 {
		t.Errorf("popped %d items, want 800", popped.Load())
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus[event.Event](2)
	scoring := bus.Subscribe("scoring")
	policy := bus.Subscribe("policy")

	if bus.Subscribe("scoring") != scoring {
		t.Error("Subscribe() with the same name should return the same queue")
	}

	if dropped := bus.Publish(newTestEvent("10.0.0.5")); dropped != 0 {
		t.Errorf("Publish() dropped %d, want 0", dropped)
	}
	if scoring.Len() != 1 || policy.Len() != 1 {
		t.Errorf("expected one item per subscriber, got %d and %d", scoring.Len(), policy.Len())
	}

	// Drain only one subscriber; the other fills up and drops alone.
	scoring.Pop()
	bus.Publish(newTestEvent("10.0.0.6"))
	dropped := bus.Publish(newTestEvent("10.0.0.7"))
	if dropped != 1 {
		t.Errorf("Publish() dropped %d, want 1", dropped)
	}
	m := bus.Metrics()
	if m["policy"].Dropped != 1 || m["scoring"].Dropped != 0 {
		t.Errorf("unexpected drop accounting %+v", m)
	}
}

func TestConsume_RecoversPanics(t *testing.T) {
	q := NewRingBuffer[int](10)
	for i := 1; i <= 3; i++ {
		q.Push(i)
	}
	q.Close()

	var sum atomic.Int64
	Consume(context.Background(), q, nil, "test", func(v int) {
		if v == 2 {
			panic(errors.New("boom"))
		}
		sum.Add(int64(v))
	})

	if sum.Load() != 4 {
		t.Errorf("sum = %d, want 4 (items 1 and 3)", sum.Load())
	}
}
