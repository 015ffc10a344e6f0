package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsJobs(t *testing.T) {
	p := NewPool(3, 10)
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(context.Background(), func(context.Context) { n.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Close()
	if n.Load() != 10 {
		t.Fatalf("ran %d jobs, want 10", n.Load())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2, 10)
	var running, peak atomic.Int32
	for i := 0; i < 6; i++ {
		p.Submit(context.Background(), func(context.Context) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
	}
	p.Close()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds 2 workers", peak.Load())
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := NewPool(1, 1)
	p.Close()
	p.Close()
	if err := p.Submit(context.Background(), func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	})
	<-started
	if err := p.Submit(context.Background(), func(context.Context) {}); err != nil {
		t.Fatalf("queued submit: %v", err)
	}
	if err := p.Submit(context.Background(), func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(release)
	p.Close()
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, 2)
	done := make(chan struct{})
	p.Submit(context.Background(), func(context.Context) { panic("boom") })
	p.Submit(context.Background(), func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	p.Close()
}

func TestSerialOrdersPerKey(t *testing.T) {
	s := NewSerial()
	var mu sync.Mutex
	seen := map[int64][]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []int64{1, 2, 3} {
			i, key := i, key
			s.Do(key, func() {
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			})
		}
	}
	s.Wait()
	for key, got := range seen {
		if len(got) != 50 {
			t.Fatalf("key %d ran %d functions", key, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("key %d out of order at %d: %v", key, i, got)
			}
		}
	}
}

func TestSerialKeysRunConcurrently(t *testing.T) {
	s := NewSerial()
	block := make(chan struct{})
	done := make(chan struct{})
	s.Do(1, func() { <-block })
	s.Do(2, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key 2 blocked behind key 1")
	}
	close(block)
	s.Wait()
}

func TestSerialSurvivesPanic(t *testing.T) {
	s := NewSerial()
	var ran atomic.Bool
	s.Do(1, func() { panic("boom") })
	s.Do(1, func() { ran.Store(true) })
	s.Wait()
	if !ran.Load() {
		t.Fatal("second function did not run")
	}
}
